package discovery

import (
	"fmt"
	"strings"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

// Graph filter fragments injected around the body of a query.
const (
	graphStart  = " GRAPH $g { "
	graphFilter = " } FILTER ( $g IN ( "
	graphEnd    = " )) "
)

// QueryFilter restricts a graph query to the graphs of permitted items.
type QueryFilter interface {
	Filter(query string, items []string) (string, error)
}

// GraphFilter rewrites the single top-level block of a query so it only
// matches inside the named graphs <graph:item>. It is a textual rewrite and
// rejects any query it cannot confine.
type GraphFilter struct{}

var _ QueryFilter = GraphFilter{}

// Filter implements QueryFilter.
func (GraphFilter) Filter(query string, items []string) (string, error) {
	if len(items) == 0 {
		return "", errs.WrapInvalid(errs.ErrNoVisibleItems, "discovery.GraphFilter", "Filter", "check items")
	}
	graphs := make([]string, len(items))
	for i, it := range items {
		if !validIRIPart(it) {
			return "", errs.WrapInvalid(fmt.Errorf("%w: item id %q", errs.ErrInvalidData, it),
				"discovery.GraphFilter", "Filter", "check items")
		}
		graphs[i] = "<graph:" + it + ">"
	}

	open, end, err := outerBlock(query)
	if err != nil {
		return "", errs.WrapInvalid(err, "discovery.GraphFilter", "Filter", "locate block")
	}
	var b strings.Builder
	b.WriteString(query[:open+1])
	b.WriteString(graphStart)
	b.WriteString(query[open+1 : end])
	b.WriteString(graphFilter)
	b.WriteString(strings.Join(graphs, ","))
	b.WriteString(graphEnd)
	b.WriteString(query[end:])
	return b.String(), nil
}

// validIRIPart reports whether s can be placed inside <graph:...>.
func validIRIPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r <= 0x20 || r == 0x7f || strings.ContainsRune(`<>"{}|^`+"`\\", r) {
			return false
		}
	}
	return true
}

// outerBlock scans query outside string literals, IRIs and comments and
// returns the positions of the braces of its only top-level block. Keywords
// that switch the active graph are refused inside the block.
func outerBlock(query string) (open, end int, err error) {
	open, end = -1, -1
	depth, blocks := 0, 0

	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '"' || c == '\'':
			j := skipLiteral(query, i)
			if j < 0 {
				return 0, 0, fmt.Errorf("%w: unterminated literal", errs.ErrQueryShape)
			}
			i = j
		case c == '#':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '<':
			if j := iriEnd(query, i); j > 0 {
				i = j
			}
		case c == '{':
			if depth == 0 {
				blocks++
				if blocks > 1 {
					return 0, 0, fmt.Errorf("%w: more than one top-level block", errs.ErrQueryShape)
				}
				open = i
			}
			depth++
		case c == '}':
			depth--
			if depth < 0 {
				return 0, 0, fmt.Errorf("%w: unbalanced braces", errs.ErrQueryShape)
			}
			if depth == 0 {
				end = i
			}
		case depth > 0 && isWordStart(query, i):
			j := i
			for j < len(query) && isWordByte(query[j]) {
				j++
			}
			prefixed := j < len(query) && query[j] == ':'
			switch strings.ToUpper(query[i:j]) {
			case "GRAPH", "SERVICE":
				if prefixed {
					break
				}
				return 0, 0, fmt.Errorf("%w: %s is not allowed in a filtered query", errs.ErrQueryShape, query[i:j])
			}
			i = j - 1
		}
	}
	if depth != 0 {
		return 0, 0, fmt.Errorf("%w: unbalanced braces", errs.ErrQueryShape)
	}
	if open < 0 {
		return 0, 0, fmt.Errorf("%w: no block found", errs.ErrQueryShape)
	}
	return open, end, nil
}

// skipLiteral returns the index of the quote closing the literal opened at i.
func skipLiteral(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case q:
			return j
		}
	}
	return -1
}

// iriEnd returns the index of the '>' closing an IRI opened at i, or -1 when
// the '<' is a comparison operator.
func iriEnd(s string, i int) int {
	for j := i + 1; j < len(s); j++ {
		switch c := s[j]; {
		case c == '>':
			if j == i+1 {
				return -1
			}
			return j
		case c <= 0x20 || c == '<' || c == '{' || c == '}' || c == '"':
			return -1
		}
	}
	return -1
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// isWordStart reports whether a bare keyword starts at i. Variables and
// prefixed names are not keywords.
func isWordStart(s string, i int) bool {
	c := s[i]
	if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
		return false
	}
	if i == 0 {
		return true
	}
	p := s[i-1]
	return !isWordByte(p) && p != '?' && p != '$' && p != ':' && p != '@' && p != '-'
}
