package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

type compareOp int

const (
	opExists compareOp = iota
	opEquals
	opNotEquals
)

type clause struct {
	path *Path
	op   compareOp
	lit  any // string, float64, bool, or nil for the null literal
}

// Predicate is a compiled match expression. The grammar covers the forms
// manifests actually use: existence ("$.a.b" or "exists($.a.b)"),
// comparison against a literal ("$.x == \"done\"", "$.y != null"), and
// conjunction/disjunction with "&&" and "||" (no parentheses, "&&" binds
// tighter).
type Predicate struct {
	raw    string
	groups [][]clause // outer: OR groups, inner: AND clauses
}

// ParsePredicate compiles a match expression.
func ParsePredicate(expr string) (*Predicate, error) {
	p := &Predicate{raw: expr}
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("empty predicate")
	}
	for _, orPart := range strings.Split(trimmed, "||") {
		var group []clause
		for _, andPart := range strings.Split(orPart, "&&") {
			c, err := parseClause(strings.TrimSpace(andPart))
			if err != nil {
				return nil, fmt.Errorf("invalid predicate %q: %w", expr, err)
			}
			group = append(group, c)
		}
		p.groups = append(p.groups, group)
	}
	return p, nil
}

// MustParsePredicate is ParsePredicate for constant expressions.
func MustParsePredicate(expr string) *Predicate {
	p, err := ParsePredicate(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func parseClause(s string) (clause, error) {
	if s == "" {
		return clause{}, fmt.Errorf("empty clause")
	}

	if rest, ok := strings.CutPrefix(s, "exists("); ok {
		inner, ok := strings.CutSuffix(rest, ")")
		if !ok {
			return clause{}, fmt.Errorf("unclosed exists() in %q", s)
		}
		path, err := Parse(strings.TrimSpace(inner))
		if err != nil {
			return clause{}, err
		}
		return clause{path: path, op: opExists}, nil
	}

	op := opExists
	pathExpr, litExpr := s, ""
	if i := strings.Index(s, "!="); i >= 0 {
		op = opNotEquals
		pathExpr, litExpr = s[:i], s[i+2:]
	} else if i := strings.Index(s, "=="); i >= 0 {
		op = opEquals
		pathExpr, litExpr = s[:i], s[i+2:]
	}

	path, err := Parse(strings.TrimSpace(pathExpr))
	if err != nil {
		return clause{}, err
	}
	if op == opExists {
		return clause{path: path, op: opExists}, nil
	}

	lit, err := parseLiteral(strings.TrimSpace(litExpr))
	if err != nil {
		return clause{}, err
	}
	return clause{path: path, op: op, lit: lit}, nil
}

func parseLiteral(s string) (any, error) {
	switch {
	case s == "":
		return nil, fmt.Errorf("missing literal")
	case s == "null":
		return nil, nil
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case len(s) >= 2 && (s[0] == '"' || s[0] == '\''):
		if s[len(s)-1] != s[0] {
			return nil, fmt.Errorf("unterminated string literal %s", s)
		}
		return s[1 : len(s)-1], nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("bad literal %q", s)
	}
	return f, nil
}

func (p *Predicate) String() string { return p.raw }

// Matches evaluates the predicate against a parsed frame.
func (p *Predicate) Matches(doc any) bool {
	for _, group := range p.groups {
		all := true
		for _, c := range group {
			if !c.matches(doc) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func (c clause) matches(doc any) bool {
	v, found := c.path.Get(doc)
	switch c.op {
	case opExists:
		return found && v != nil
	case opEquals:
		return literalEqual(v, found, c.lit)
	case opNotEquals:
		return !literalEqual(v, found, c.lit)
	default:
		return false
	}
}

// literalEqual compares a document value against a parsed literal. A
// missing path equals null, so "$.x != null" reads as "x exists and is
// not null".
func literalEqual(v any, found bool, lit any) bool {
	if lit == nil {
		return !found || v == nil
	}
	if !found {
		return false
	}
	switch l := lit.(type) {
	case string:
		s, ok := v.(string)
		return ok && s == l
	case bool:
		b, ok := v.(bool)
		return ok && b == l
	case float64:
		switch n := v.(type) {
		case float64:
			return n == l
		case int:
			return float64(n) == l
		case int64:
			return float64(n) == l
		}
		return false
	default:
		return false
	}
}
