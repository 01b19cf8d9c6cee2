package dbpool

import (
	"fmt"
	"strings"
)

// NamedQuery is a statement with :name placeholders rewritten to positional
// ? markers. The recorded names map a name → value set to the positional
// argument list the driver expects. A name may appear more than once.
type NamedQuery struct {
	// SQL is the rewritten statement.
	SQL string
	// Names holds the parameter names in positional order.
	Names []string
}

// ParseNamedQuery scans a statement for :name placeholders and rewrites
// them to ?. Quoted strings and line comments are left untouched, and a
// double colon (e.g. a PostgreSQL cast) is not a placeholder.
func ParseNamedQuery(query string) (*NamedQuery, error) {
	var sb strings.Builder
	sb.Grow(len(query))
	var names []string
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '\'', '"', '`':
			// Copy the quoted literal verbatim.
			quote := c
			sb.WriteRune(c)
			i++
			for i < len(runes) {
				sb.WriteRune(runes[i])
				if runes[i] == quote {
					break
				}
				i++
			}
		case '-':
			if i+1 < len(runes) && runes[i+1] == '-' {
				// Line comment runs to end of line.
				for i < len(runes) && runes[i] != '\n' {
					sb.WriteRune(runes[i])
					i++
				}
				if i < len(runes) {
					sb.WriteRune('\n')
				}
				continue
			}
			sb.WriteRune(c)
		case ':':
			if i+1 < len(runes) && runes[i+1] == ':' {
				// A cast, not a placeholder.
				sb.WriteString("::")
				i++
				continue
			}
			start := i + 1
			end := start
			for end < len(runes) && isNameRune(runes[end]) {
				end++
			}
			if end == start {
				return nil, fmt.Errorf("dbpool: empty parameter name at position %d in %q", i, query)
			}
			names = append(names, string(runes[start:end]))
			sb.WriteRune('?')
			i = end - 1
		default:
			sb.WriteRune(c)
		}
	}
	return &NamedQuery{SQL: sb.String(), Names: names}, nil
}

func isNameRune(c rune) bool {
	return c == '_' || (c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Bind produces the positional argument list for the query. Every recorded
// name must be present in args.
func (nq *NamedQuery) Bind(args map[string]any) ([]any, error) {
	out := make([]any, 0, len(nq.Names))
	for _, name := range nq.Names {
		v, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("dbpool: missing value for parameter %q", name)
		}
		out = append(out, v)
	}
	return out, nil
}
