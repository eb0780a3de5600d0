// Package jsonpath implements the miniature path and predicate language
// used by manifests. It is deliberately not a general JSONPath engine:
// manifests only need dotted keys, numeric indexes, and a small predicate
// grammar, and compiled programs are cached by spelling so the hot path
// never re-parses strings.
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type segment struct {
	key     string
	index   int
	isIndex bool
}

// Path is a compiled accessor like "$.choices[0].delta.content". The
// leading "$." is optional.
type Path struct {
	raw  string
	segs []segment
}

var (
	cacheMu   sync.RWMutex
	pathCache = make(map[string]*Path)
)

// Parse compiles a dotted path expression. Programs are immutable and
// cached by spelling; the distinct expressions in play come from
// manifests, so the cache stays small.
func Parse(expr string) (*Path, error) {
	cacheMu.RLock()
	p, ok := pathCache[expr]
	cacheMu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := parse(expr)
	if err != nil {
		return nil, err
	}
	cacheMu.Lock()
	pathCache[expr] = p
	cacheMu.Unlock()
	return p, nil
}

func parse(expr string) (*Path, error) {
	raw := expr
	s := strings.TrimSpace(expr)
	s = strings.TrimPrefix(s, "$")
	if s == "." {
		return nil, fmt.Errorf("invalid path %q: empty segment", raw)
	}
	s = strings.TrimPrefix(s, ".")

	p := &Path{raw: raw}
	if s == "" {
		return p, nil
	}

	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment", raw)
		}
		key := part
		var brackets string
		if i := strings.IndexByte(part, '['); i >= 0 {
			key = part[:i]
			brackets = part[i:]
		}
		if key != "" {
			p.segs = append(p.segs, segment{key: key})
		}
		for brackets != "" {
			if brackets[0] != '[' {
				return nil, fmt.Errorf("invalid path %q: malformed index in %q", raw, part)
			}
			end := strings.IndexByte(brackets, ']')
			if end < 0 {
				return nil, fmt.Errorf("invalid path %q: unclosed index in %q", raw, part)
			}
			idx, err := strconv.Atoi(brackets[1:end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid path %q: bad index %q", raw, brackets[1:end])
			}
			p.segs = append(p.segs, segment{index: idx, isIndex: true})
			brackets = brackets[end+1:]
		}
		if key == "" && len(p.segs) == 0 {
			return nil, fmt.Errorf("invalid path %q: empty segment", raw)
		}
	}
	return p, nil
}

// MustParse is Parse for compile-time-constant paths.
func MustParse(expr string) *Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Path) String() string { return p.raw }

// Get walks doc and returns the value at the path. The second result is
// false when any segment is missing or of the wrong shape.
func (p *Path) Get(doc any) (any, bool) {
	cur := doc
	for _, seg := range p.segs {
		if seg.isIndex {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString returns the string at the path, or "" and false when the path
// is missing or the value is not a string.
func (p *Path) GetString(doc any) (string, bool) {
	v, ok := p.Get(doc)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set writes value into root, creating intermediate objects along the way.
// Index segments are rejected: write paths address objects only.
func (p *Path) Set(root map[string]any, value any) error {
	if len(p.segs) == 0 {
		return fmt.Errorf("cannot set root path %q", p.raw)
	}
	cur := root
	for i, seg := range p.segs {
		if seg.isIndex {
			return fmt.Errorf("cannot set path %q: index segments are read-only", p.raw)
		}
		if i == len(p.segs)-1 {
			cur[seg.key] = value
			return nil
		}
		next, ok := cur[seg.key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg.key] = next
		}
		cur = next
	}
	return nil
}
