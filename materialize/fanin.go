package materialize

import (
	"fmt"
	"reflect"

	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/schema"
)

// KeyFunc extracts a key from a value.
type KeyFunc[K comparable, V any] func(V) K

// GroupByKey groups values by the key returned by keyFn, keeping the order
// of values within each group.
func GroupByKey[K comparable, V any](values []V, keyFn KeyFunc[K, V]) map[K][]V {
	result := make(map[K][]V)
	for _, v := range values {
		key := keyFn(v)
		result[key] = append(result[key], v)
	}
	return result
}

// Owners returns the addressable owner structs of the projection node at
// index node, following the include chain from each root of the slice rows.
// Owners reached through nil pointers are skipped.
func Owners(proj query.Projection, node int, rows reflect.Value) []reflect.Value {
	var chain []*schema.MemberMap
	for i := node; i > 0; i = proj[i].Parent {
		chain = append([]*schema.MemberMap{proj[i].Navigation}, chain...)
	}
	owners := make([]reflect.Value, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		v, ok := indirect(rows.Index(i))
		for _, m := range chain {
			if !ok {
				break
			}
			v, ok = indirect(m.Field(v))
		}
		if ok {
			owners = append(owners, v)
		}
	}
	return owners
}

func indirect(v reflect.Value) (reflect.Value, bool) {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return v, false
		}
		return v.Elem(), true
	}
	return v, true
}

// Keys returns the distinct non-NULL native values of key in owners, in
// first-seen order.
func Keys(owners []reflect.Value, key *schema.MemberMap) ([]any, error) {
	seen := make(map[any]struct{}, len(owners))
	keys := make([]any, 0, len(owners))
	for _, o := range owners {
		v, err := key.Value(o)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		k := mapKey(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, v)
	}
	return keys, nil
}

// mapKey returns a map key for a native value.
func mapKey(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// FanIn groups the children, a slice of the target entity of nav, by their
// foreign key and assigns each group to the nav member of the owner with
// the matching key. Owners without children receive an empty slice.
func FanIn(owners []reflect.Value, nav, ownerKey, foreignKey *schema.MemberMap, children reflect.Value) error {
	if children.Kind() != reflect.Slice {
		return fmt.Errorf("materialize: fan-in of %s expects a slice, got %s", nav.Name, children.Kind())
	}
	keys := make([]any, children.Len())
	rows := make([]int, children.Len())
	for i := range rows {
		rows[i] = i
		c, _ := indirect(children.Index(i))
		k, err := foreignKey.Value(c)
		if err != nil {
			return err
		}
		keys[i] = mapKey(k)
	}
	groups := GroupByKey(rows, func(i int) any { return keys[i] })
	for _, o := range owners {
		k, err := ownerKey.Value(o)
		if err != nil {
			return err
		}
		dst := nav.Field(o)
		group := groups[mapKey(k)]
		s := reflect.MakeSlice(dst.Type(), 0, len(group))
		for _, i := range group {
			g := children.Index(i)
			if !g.Type().AssignableTo(dst.Type().Elem()) {
				return fmt.Errorf("materialize: cannot assign %s to %s.%s", g.Type(), nav.Entity.Name(), nav.Name)
			}
			s = reflect.Append(s, g)
		}
		dst.Set(s)
	}
	return nil
}
