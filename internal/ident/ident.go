// Package ident quotes PostgreSQL identifiers and rewrites sequence
// references inside column default expressions.
package ident

import (
	"fmt"
	"regexp"
	"strings"
)

// Quote safely quotes a PostgreSQL identifier, escaping embedded quotes.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Qualify returns "schema"."name".
func Qualify(schema, name string) string {
	return Quote(schema) + "." + Quote(name)
}

// Literal quotes s as a SQL string literal.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteList quotes and comma-joins names.
func QuoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = Quote(n)
	}
	return strings.Join(quoted, ", ")
}

var simpleIdent = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

// quoteIfNeeded renders name the way the server prints regclass values:
// bare when it is a plain lowercase identifier, quoted otherwise.
func quoteIfNeeded(name string) string {
	if simpleIdent.MatchString(name) {
		return name
	}
	return Quote(name)
}

// ParseQualifiedName splits a possibly schema-qualified, possibly quoted
// name such as `public.seq`, `"My Schema"."Seq"` or `seq`. Unquoted parts
// fold to lower case.
func ParseQualifiedName(s string) ([]string, error) {
	var parts []string
	i := 0
	for {
		if i >= len(s) {
			return nil, fmt.Errorf("empty identifier in %q", s)
		}
		var part strings.Builder
		if s[i] == '"' {
			i++
			closed := false
			for i < len(s) {
				if s[i] == '"' {
					if i+1 < len(s) && s[i+1] == '"' {
						part.WriteByte('"')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				part.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted identifier in %q", s)
			}
		} else {
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '"' {
				i++
			}
			if i == start {
				return nil, fmt.Errorf("empty identifier in %q", s)
			}
			part.WriteString(strings.ToLower(s[start:i]))
		}
		parts = append(parts, part.String())

		if i == len(s) {
			return parts, nil
		}
		if s[i] != '.' {
			return nil, fmt.Errorf("unexpected %q in %q", s[i], s)
		}
		i++
	}
}

// SequenceRef is the regclass argument of a nextval() call.
type SequenceRef struct {
	Schema string // empty when unqualified
	Name   string
}

// String renders the reference the way the server prints it.
func (r SequenceRef) String() string {
	if r.Schema == "" {
		return quoteIfNeeded(r.Name)
	}
	return quoteIfNeeded(r.Schema) + "." + quoteIfNeeded(r.Name)
}

// nextvalCall matches nextval('<regclass text>'::regclass); the literal may
// contain doubled quotes.
var nextvalCall = regexp.MustCompile(`(?i)nextval\('((?:[^']|'')+)'(::regclass)?\)`)

func parseSequenceLiteral(lit string) (SequenceRef, bool) {
	parts, err := ParseQualifiedName(strings.ReplaceAll(lit, "''", "'"))
	if err != nil {
		return SequenceRef{}, false
	}
	switch len(parts) {
	case 1:
		return SequenceRef{Name: parts[0]}, true
	case 2:
		return SequenceRef{Schema: parts[0], Name: parts[1]}, true
	default:
		return SequenceRef{}, false
	}
}

// SequenceRefs returns every sequence referenced by nextval() in expr.
func SequenceRefs(expr string) []SequenceRef {
	var refs []SequenceRef
	for _, m := range nextvalCall.FindAllStringSubmatch(expr, -1) {
		if ref, ok := parseSequenceLiteral(m[1]); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// RewriteSequenceSchema moves nextval() references that point at fromSchema,
// or carry no schema, to toSchema. References to other schemas are left
// alone. The second result reports whether anything changed.
func RewriteSequenceSchema(expr, fromSchema, toSchema string) (string, bool) {
	changed := false
	out := nextvalCall.ReplaceAllStringFunc(expr, func(call string) string {
		m := nextvalCall.FindStringSubmatch(call)
		ref, ok := parseSequenceLiteral(m[1])
		if !ok || (ref.Schema != "" && ref.Schema != fromSchema) {
			return call
		}
		moved := SequenceRef{Schema: toSchema, Name: ref.Name}
		rendered := "nextval(" + Literal(moved.String()) + "::regclass)"
		if rendered != call {
			changed = true
		}
		return rendered
	})
	return out, changed
}
