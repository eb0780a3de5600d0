// Package pipeline decodes provider byte streams into the unified event
// stream. It is a three-stage transducer: frame extraction (SSE or
// newline-delimited JSON), frame parsing, and manifest-driven event
// mapping, with a per-stream accumulator assembling fragmented tool
// calls. The pipeline never touches the network; it reads from any
// io.Reader, which keeps every stage testable against string fixtures.
package pipeline

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/kadirpekel/manifold/pkg/manifest"
)

// Frame is one extracted unit of the wire stream.
type Frame struct {
	Event string // SSE event field, empty for other formats
	Data  string
	Done  bool // the provider's end-of-stream signal
}

// FrameDecoder yields frames until io.EOF.
type FrameDecoder interface {
	Next() (Frame, error)
}

const defaultDoneSignal = "[DONE]"

// Streams can carry frames far larger than bufio's default token size;
// vision model deltas have been observed past 256KB.
const maxFrameSize = 1024 * 1024

// NewDecoder picks the framing the manifest declares. A nil config means
// SSE with the conventional [DONE] terminator.
func NewDecoder(r io.Reader, cfg *manifest.Decoder) FrameDecoder {
	format := "sse"
	prefix := ""
	delimiter := ""
	done := defaultDoneSignal
	if cfg != nil {
		if cfg.Format != "" {
			format = cfg.Format
		}
		prefix = cfg.Prefix
		delimiter = cfg.Delimiter
		if cfg.DoneSignal != "" {
			done = cfg.DoneSignal
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	switch format {
	case "ndjson", "jsonl":
		if delimiter != "" && delimiter != "\n" {
			scanner.Split(scanDelimiter(delimiter))
		}
		return &lineDecoder{scanner: scanner, prefix: prefix, doneSignal: done}
	default:
		return &sseDecoder{scanner: scanner, doneSignal: done}
	}
}

// sseDecoder implements server-sent events framing: frames end at a
// blank line, multiple data fields within one frame concatenate, and
// comment lines (leading colon) are ignored.
type sseDecoder struct {
	scanner    *bufio.Scanner
	doneSignal string
}

func (d *sseDecoder) Next() (Frame, error) {
	var event string
	var data []string

	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				return d.frame(event, data), nil
			}
			// Blank line after an event-only frame (keepalive pings).
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	// A final frame the provider never terminated with a blank line.
	if len(data) > 0 {
		return d.frame(event, data), nil
	}
	return Frame{}, io.EOF
}

func (d *sseDecoder) frame(event string, data []string) Frame {
	joined := strings.Join(data, "\n")
	return Frame{Event: event, Data: joined, Done: joined == d.doneSignal}
}

// lineDecoder implements newline-delimited JSON framing, optionally with
// a manifest-declared prefix stripped from each line.
type lineDecoder struct {
	scanner    *bufio.Scanner
	prefix     string
	doneSignal string
}

func (d *lineDecoder) Next() (Frame, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		if d.prefix != "" {
			line = strings.TrimPrefix(line, d.prefix)
		}
		return Frame{Data: line, Done: line == d.doneSignal}, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// scanDelimiter splits on an arbitrary byte sequence the way
// bufio.ScanLines splits on newlines.
func scanDelimiter(delimiter string) bufio.SplitFunc {
	delim := []byte(delimiter)
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, delim); i >= 0 {
			return i + len(delim), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
