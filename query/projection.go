package query

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/syssam/shardql/schema"
	"github.com/syssam/shardql/schema/field"
)

// FieldKind is the kind of a ReaderField.
type FieldKind uint8

// ReaderField kinds.
const (
	// KindColumn reads one column.
	KindColumn FieldKind = iota + 1
	// KindEntity builds a struct from its children.
	KindEntity
	// KindInclude builds a to-one related entity attached to its owner
	// once the row is complete.
	KindInclude
	// KindDeferred reads its children and computes the value client-side.
	KindDeferred
)

// String returns the kind name.
func (k FieldKind) String() string {
	switch k {
	case KindColumn:
		return "column"
	case KindEntity:
		return "entity"
	case KindInclude:
		return "include"
	case KindDeferred:
		return "deferred"
	}
	return "invalid"
}

// ReaderField is one node of the projection shape. The leaves (KindColumn)
// of a projection, visited depth-first, match the SELECT list one to one.
type ReaderField struct {
	Kind FieldKind
	// Name is the output name or the member name.
	Name string
	// Type is the Go type the node produces.
	Type reflect.Type
	// Index is the field path of the node in its parent type. Empty for
	// roots and for scalar projections.
	Index []int
	// Alias is the alias of the owning table.
	Alias string
	// Column is the column or output name of a leaf.
	Column string
	// Native and Converter convert leaf values.
	Native    field.Type
	Converter field.Converter
	// Entity is the map of entity and include nodes (nil for anonymous shapes).
	Entity *schema.EntityMap
	// Children of entity, include and deferred nodes.
	Children []*ReaderField
	// Parent is the projection index of the owner of an include node, and
	// Navigation the member of the owner receiving it.
	Parent     int
	Navigation *schema.MemberMap
	// Slot is the position of a deferred node among the deferred nodes of
	// the projection; Fn and Key are set when the node is keyed.
	Slot int
	Fn   func([]any) (any, error)
	Key  string
}

// Leaves returns the number of column leaves under the node.
func (f *ReaderField) Leaves() int {
	if f.Kind == KindColumn {
		return 1
	}
	n := 0
	for _, c := range f.Children {
		n += c.Leaves()
	}
	return n
}

// Projection is the shape of a compiled query: the root node followed by
// include nodes referencing earlier nodes by index.
type Projection []*ReaderField

// Root returns the root node.
func (p Projection) Root() *ReaderField { return p[0] }

// Leaves returns the number of column leaves, equal to the number of
// selected columns.
func (p Projection) Leaves() int {
	n := 0
	for _, f := range p {
		n += f.Leaves()
	}
	return n
}

// Deferred returns the deferred nodes in slot order.
func (p Projection) Deferred() []*ReaderField {
	var out []*ReaderField
	var walk func(*ReaderField)
	walk = func(f *ReaderField) {
		if f.Kind == KindDeferred {
			out = append(out, f)
		}
		for _, c := range f.Children {
			walk(c)
		}
	}
	for _, f := range p {
		walk(f)
	}
	return out
}

// Fingerprint returns a stable signature of the shape. Projections with the
// same fingerprint materialize through the same plan: aliases and unkeyed
// deferred functions are not part of it.
func (p Projection) Fingerprint() string {
	var b strings.Builder
	for i, f := range p {
		if i > 0 {
			b.WriteByte('|')
		}
		f.fingerprint(&b)
	}
	return b.String()
}

func (f *ReaderField) fingerprint(b *strings.Builder) {
	fmt.Fprintf(b, "%d:%s:%v:%d", f.Kind, f.Name, f.Type, f.Native)
	if len(f.Index) > 0 {
		fmt.Fprintf(b, "@%v", f.Index)
	}
	switch f.Kind {
	case KindInclude:
		fmt.Fprintf(b, "^%d.%s", f.Parent, f.Navigation.Name)
	case KindDeferred:
		fmt.Fprintf(b, "#%d", f.Slot)
		if f.Key != "" {
			b.WriteString("=" + f.Key)
		}
	}
	if f.Converter != nil {
		fmt.Fprintf(b, "~%T", f.Converter)
	}
	if len(f.Children) > 0 {
		b.WriteByte('(')
		for i, c := range f.Children {
			if i > 0 {
				b.WriteByte(',')
			}
			c.fingerprint(b)
		}
		b.WriteByte(')')
	}
}
