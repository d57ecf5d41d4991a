// Package fieldpath contains the default [domain.FieldNavigator]
// implementation: dot-notation field paths with backtick quoting, resolved
// against wire value trees.
package fieldpath

import (
	"regexp"
	"strings"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/pkg/wire"
)

var simpleSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z_0-9]*$`)

// Navigator implements domain.FieldNavigator.
type Navigator struct{}

// NewNavigator returns a new implementation of domain.FieldNavigator.
func NewNavigator() domain.FieldNavigator {
	return &Navigator{}
}

// Split implements domain.FieldNavigator. Segments may be quoted with
// backticks; inside quotes, backslash escapes the next rune.
func (n *Navigator) Split(path string) ([]string, error) {
	if path == "" {
		return nil, domain.Errorf(domain.InvalidArgument, "empty field path")
	}
	var parts []string
	var cur strings.Builder
	quoted := false
	escaped := false
	hadQuote := false
	for _, r := range path {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quoted && r == '\\':
			escaped = true
		case r == '`':
			quoted = !quoted
			hadQuote = true
		case r == '.' && !quoted:
			if cur.Len() == 0 && !hadQuote {
				return nil, domain.Errorf(domain.InvalidArgument, "field path %q has an empty segment", path)
			}
			parts = append(parts, cur.String())
			cur.Reset()
			hadQuote = false
		default:
			cur.WriteRune(r)
		}
	}
	if quoted || escaped {
		return nil, domain.Errorf(domain.InvalidArgument, "field path %q has unterminated quoting", path)
	}
	if cur.Len() == 0 && !hadQuote {
		return nil, domain.Errorf(domain.InvalidArgument, "field path %q has an empty segment", path)
	}
	parts = append(parts, cur.String())
	return parts, nil
}

// Join implements domain.FieldNavigator.
func (n *Navigator) Join(parts []string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		if simpleSegment.MatchString(p) {
			out[i] = p
			continue
		}
		escaped := strings.ReplaceAll(p, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, "`", "\\`")
		out[i] = "`" + escaped + "`"
	}
	return strings.Join(out, ".")
}

// Get implements domain.FieldNavigator.
func (n *Navigator) Get(fields map[string]*wire.Value, parts []string) (*wire.Value, bool) {
	cur := fields
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.Kind != wire.MapKind {
			return nil, false
		}
		cur = v.Fields
	}
	return nil, false
}

// Set implements domain.FieldNavigator.
func (n *Navigator) Set(fields map[string]*wire.Value, parts []string, v *wire.Value) {
	cur := fields
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = v
			return
		}
		next, ok := cur[part]
		if !ok || next.Kind != wire.MapKind {
			next = wire.Map(map[string]*wire.Value{})
			cur[part] = next
		}
		cur = next.Fields
	}
}

// Delete implements domain.FieldNavigator.
func (n *Navigator) Delete(fields map[string]*wire.Value, parts []string) {
	cur := fields
	for i, part := range parts {
		if i == len(parts)-1 {
			delete(cur, part)
			return
		}
		next, ok := cur[part]
		if !ok || next.Kind != wire.MapKind {
			return
		}
		cur = next.Fields
	}
}

// Leaves implements domain.FieldNavigator.
func (n *Navigator) Leaves(fields map[string]*wire.Value) [][]string {
	var out [][]string
	var walk func(prefix []string, m map[string]*wire.Value)
	walk = func(prefix []string, m map[string]*wire.Value) {
		for k, v := range m {
			path := append(append([]string(nil), prefix...), k)
			if v.Kind == wire.MapKind && len(v.Fields) > 0 {
				walk(path, v.Fields)
				continue
			}
			out = append(out, path)
		}
	}
	walk(nil, fields)
	return out
}
