// Package tokens estimates token usage for budgeting and context
// trimming. Counts are approximations: providers tokenize with their
// own vocabularies and the official counts arrive in usage payloads
// after the fact.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// Conversation framing overhead, per the OpenAI chat format: every
// turn carries start/role/end markers and every reply is primed with
// an assistant preamble. Opaque blocks get fixed weights.
const (
	perMessageOverhead = 3
	replyPriming       = 3
	imageTokens        = 85
	audioTokens        = 100
)

// Tiktoken counts with a real BPE vocabulary. Construction may fetch
// the vocabulary on first use; instances for the same model share one
// encoding.
type Tiktoken struct {
	enc   *tiktoken.Tiktoken
	model string
	mu    sync.RWMutex
}

var (
	encCache   = make(map[string]*tiktoken.Tiktoken)
	encCacheMu sync.RWMutex
)

// NewTiktoken returns a counter for the model, falling back to the
// cl100k_base vocabulary when the model is unknown to tiktoken.
func NewTiktoken(model string) (*Tiktoken, error) {
	encCacheMu.RLock()
	enc, ok := encCache[model]
	encCacheMu.RUnlock()

	if !ok {
		var err error
		enc, err = tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return nil, fmt.Errorf("tokens: no encoding for %s: %w", model, err)
			}
		}
		encCacheMu.Lock()
		encCache[model] = enc
		encCacheMu.Unlock()
	}
	return &Tiktoken{enc: enc, model: model}, nil
}

func (t *Tiktoken) Count(text string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.enc.Encode(text, nil, nil))
}

// Model returns the model this counter was built for.
func (t *Tiktoken) Model() string { return t.model }

// Estimator counts by character ratio, for when a vocabulary is
// unavailable or not worth loading.
type Estimator struct {
	charsPerToken    float64
	whitespaceWeight float64
}

// NewEstimator uses the common 4-characters-per-token heuristic.
func NewEstimator() *Estimator { return &Estimator{charsPerToken: 4.0} }

// NewEstimatorWithRatio uses a caller-chosen ratio.
func NewEstimatorWithRatio(charsPerToken float64) *Estimator {
	return &Estimator{charsPerToken: charsPerToken}
}

// NewAnthropicEstimator approximates Claude tokenization: a denser
// 3.5 ratio plus a small surcharge per whitespace rune.
func NewAnthropicEstimator() *Estimator {
	return &Estimator{charsPerToken: 3.5, whitespaceWeight: 0.1}
}

func (e *Estimator) Count(text string) int {
	n := int(math.Ceil(float64(len(text)) / e.charsPerToken))
	if e.whitespaceWeight > 0 {
		ws := 0
		for _, r := range text {
			if unicode.IsSpace(r) {
				ws++
			}
		}
		n += int(float64(ws) * e.whitespaceWeight)
	}
	return n
}

var (
	counters   = make(map[string]Counter)
	countersMu sync.RWMutex
)

// ForModel returns a shared counter for the model. Claude models get
// the Anthropic-flavored estimator; everything else gets a tiktoken
// counter when a vocabulary loads, a plain estimator otherwise.
func ForModel(model string) Counter {
	key := strings.ToLower(model)
	countersMu.RLock()
	c, ok := counters[key]
	countersMu.RUnlock()
	if ok {
		return c
	}

	if strings.Contains(key, "claude") {
		c = NewAnthropicEstimator()
	} else if t, err := NewTiktoken(model); err == nil {
		c = t
	} else {
		c = NewEstimator()
	}
	countersMu.Lock()
	counters[key] = c
	countersMu.Unlock()
	return c
}

// CountMessages counts a conversation including framing overhead.
// Text counts through the counter; images, audio, and tool payloads
// get the fixed weights providers publish for them.
func CountMessages(c Counter, messages []protocol.Message) int {
	total := 0
	for _, msg := range messages {
		total += messageTokens(c, msg)
	}
	return total + replyPriming
}

func messageTokens(c Counter, msg protocol.Message) int {
	total := perMessageOverhead + c.Count(string(msg.Role))
	if len(msg.Blocks) == 0 {
		return total + c.Count(msg.Content)
	}
	for _, b := range msg.Blocks {
		switch b.Type {
		case protocol.BlockTypeText:
			total += c.Count(b.Text)
		case protocol.BlockTypeImageBase64, protocol.BlockTypeImageURL:
			total += imageTokens
		case protocol.BlockTypeAudioBase64:
			total += audioTokens
		case protocol.BlockTypeToolUse:
			total += c.Count(string(b.Input))
		case protocol.BlockTypeToolResult:
			total += c.Count(b.Content)
		}
	}
	return total
}

// FitWithinLimit returns the longest suffix of messages whose count,
// including the reply priming reserve, stays within maxTokens. The
// most recent turns win; the result aliases the input slice.
func FitWithinLimit(c Counter, messages []protocol.Message, maxTokens int) []protocol.Message {
	used := replyPriming
	cut := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		n := messageTokens(c, messages[i])
		if used+n > maxTokens {
			break
		}
		used += n
		cut = i
	}
	return messages[cut:]
}

// Truncate shortens text to at most maxTokens, appending suffix when
// anything was cut. The cut point starts from a proportional estimate
// and tightens by re-measuring.
func Truncate(c Counter, text string, maxTokens int, suffix string) string {
	current := c.Count(text)
	if current <= maxTokens {
		return text
	}
	target := maxTokens
	if suffix != "" {
		target -= c.Count(suffix)
	}
	if target <= 0 {
		return suffix
	}

	runes := []rune(text)
	perToken := float64(len(runes)) / float64(current)
	keep := int(float64(target) * perToken)
	if keep > len(runes) {
		keep = len(runes)
	}
	out := string(runes[:keep])
	for c.Count(out) > target && out != "" {
		r := []rune(out)
		out = string(r[:len(r)*9/10])
	}
	return out + suffix
}
