package command

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/schema/field"
)

// ErrMissingParam is returned when a named placeholder has no value.
var ErrMissingParam = errors.New("command: missing parameter")

// Template is a raw SQL text with named placeholders (@Name). Placeholders
// inside quoted literals, quoted identifiers and comments are ignored.
type Template struct {
	// parts holds the text around the placeholders: len(parts) == len(refs)+1.
	parts []string
	refs  []string
	names []string
}

type templateKey struct {
	prefix  byte
	bracket bool
	text    string
}

var templates sync.Map // templateKey => *Template

// Parse returns the parsed template of text for the dialect.
func Parse(p *dialect.Provider, text string) *Template {
	key := templateKey{p.NamedPrefix, p.QuoteOpen == "[", text}
	if t, ok := templates.Load(key); ok {
		return t.(*Template)
	}
	t, _ := templates.LoadOrStore(key, parse(key))
	return t.(*Template)
}

// Raw binds params to the placeholders of text: a map keyed by name or a
// struct with fields named after the placeholders. Only placeholders
// appearing in the text bind parameters.
func Raw(p *dialect.Provider, text string, params any) (string, []any, error) {
	return Parse(p, text).Bind(p, params)
}

// Names returns the distinct placeholder names in order of appearance.
func (t *Template) Names() []string { return t.names }

// Bind renders the template with provider placeholders. Positional styles
// bind one parameter per occurrence; numbered styles reuse the number of a
// repeated name.
func (t *Template) Bind(p *dialect.Provider, params any) (string, []any, error) {
	if len(t.refs) == 0 {
		return t.parts[0], nil, nil
	}
	lookup, err := lookupOf(params)
	if err != nil {
		return "", nil, err
	}
	values := make(map[string]any, len(t.names))
	for _, name := range t.names {
		v, ok, err := lookup(name)
		if err != nil {
			return "", nil, fmt.Errorf("command: parameter %s: %w", name, err)
		}
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
		values[name] = v
	}
	var (
		b      strings.Builder
		args   []any
		number = make(map[string]int, len(t.names))
	)
	for i, ref := range t.refs {
		b.WriteString(t.parts[i])
		if p.Placeholder == dialect.PlaceholderQuestion {
			args = append(args, values[ref])
			b.WriteString(p.Param(len(args)))
			continue
		}
		n, ok := number[ref]
		if !ok {
			args = append(args, values[ref])
			n = len(args)
			number[ref] = n
		}
		b.WriteString(p.Param(n))
	}
	b.WriteString(t.parts[len(t.parts)-1])
	return b.String(), args, nil
}

// lookupOf returns the resolver of named values in params.
func lookupOf(params any) (func(string) (any, bool, error), error) {
	if params == nil {
		return func(string) (any, bool, error) { return nil, false, nil }, nil
	}
	if m, ok := params.(map[string]any); ok {
		return func(name string) (any, bool, error) {
			if v, ok := m[name]; ok {
				return native(v)
			}
			for k, v := range m {
				if strings.EqualFold(k, name) {
					return native(v)
				}
			}
			return nil, false, nil
		}, nil
	}
	rv := reflect.ValueOf(params)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: raw parameters of %T", ErrInvalidShape, params)
	}
	return func(name string) (any, bool, error) {
		f, ok := rv.Type().FieldByNameFunc(func(s string) bool { return strings.EqualFold(s, name) })
		if !ok || !f.IsExported() {
			return nil, false, nil
		}
		fv, err := rv.FieldByIndexErr(f.Index)
		if err != nil {
			return nil, true, nil
		}
		v, err := field.Lookup(f.Type, field.TypeOf(f.Type)).Value(fv)
		return v, true, err
	}, nil
}

func native(v any) (any, bool, error) {
	if v == nil {
		return nil, true, nil
	}
	rv := reflect.ValueOf(v)
	n, err := field.Lookup(rv.Type(), field.TypeOf(rv.Type())).Value(rv)
	return n, true, err
}

// parse splits text around its placeholders.
func parse(key templateKey) *Template {
	const (
		sText = iota
		sSingle
		sDouble
		sBacktick
		sBracket
		sLine
		sBlock
	)
	var (
		t     = &Template{}
		b     strings.Builder
		seen  = make(map[string]bool)
		state = sText
		q     = key.text
	)
	for i := 0; i < len(q); {
		c := q[i]
		switch state {
		case sText:
			switch {
			case c == '\'':
				state = sSingle
			case c == '"':
				state = sDouble
			case c == '`':
				state = sBacktick
			case c == '[' && key.bracket:
				state = sBracket
			case c == '-' && i+1 < len(q) && q[i+1] == '-':
				state = sLine
			case c == '/' && i+1 < len(q) && q[i+1] == '*':
				b.WriteString("/*")
				i += 2
				state = sBlock
				continue
			case c == key.prefix && i+1 < len(q) && q[i+1] == key.prefix:
				// Server variables such as @@IDENTITY.
				b.WriteString(q[i : i+2])
				i += 2
				continue
			case c == key.prefix && i+1 < len(q) && identStart(q[i+1]):
				j := i + 1
				for j < len(q) && identPart(q[j]) {
					j++
				}
				name := q[i+1 : j]
				t.parts = append(t.parts, b.String())
				t.refs = append(t.refs, name)
				if !seen[name] {
					seen[name] = true
					t.names = append(t.names, name)
				}
				b.Reset()
				i = j
				continue
			}
		case sSingle, sDouble, sBacktick, sBracket:
			closer := "'\"`]"[state-sSingle]
			if c == closer {
				if i+1 < len(q) && q[i+1] == closer {
					b.WriteString(q[i : i+2])
					i += 2
					continue
				}
				state = sText
			}
		case sLine:
			if c == '\n' || c == '\r' {
				state = sText
			}
		case sBlock:
			if c == '*' && i+1 < len(q) && q[i+1] == '/' {
				b.WriteString("*/")
				i += 2
				state = sText
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	t.parts = append(t.parts, b.String())
	return t
}

func identStart(c byte) bool {
	return c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

func identPart(c byte) bool { return identStart(c) || '0' <= c && c <= '9' }
