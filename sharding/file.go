package sharding

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is a sharding configuration file:
//
//	union_mark: " UNION ALL "
//	entities:
//	  Order:
//	    kind: map
//	    member: BuyerID
//	    tables: {1: order_a, 2: order_b}
//	  OrderItem:
//	    kind: dependent
//	    replace: [order_, order_item_]
//
// Entities are keyed by Go type name.
type File struct {
	UnionMark string                `yaml:"union_mark"`
	Entities  map[string]EntityRule `yaml:"entities"`
}

// EntityRule is the rule of one entity in a File.
type EntityRule struct {
	// Kind is one of static, map, modulo, catalog or dependent.
	Kind   string `yaml:"kind"`
	Member string `yaml:"member"`
	// Table is the table of static rules.
	Table string `yaml:"table"`
	// Tables maps member values to tables (map), or master tables to
	// dependent tables (dependent).
	Tables map[any]string `yaml:"tables"`
	// Format and Count configure modulo rules.
	Format string `yaml:"format"`
	Count  int    `yaml:"count"`
	// Pattern is the catalog LIKE pattern of catalog and dependent rules,
	// and Match an optional regular expression the tables must match.
	Pattern string `yaml:"pattern"`
	Match   string `yaml:"match"`
	// Replace derives dependent tables by replacing Replace[0] with
	// Replace[1] in the master table.
	Replace []string `yaml:"replace"`
}

// Kinds of entity rules.
var kinds = []string{"static", "map", "modulo", "catalog", "dependent"}

// ReadFile reads and validates the sharding file at path.
func ReadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sharding: read %s: %w", path, err)
	}
	f, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("sharding: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a sharding file. Unknown fields are errors.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	f := &File{}
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks every entity rule.
func (f *File) Validate() error {
	var errs []error
	for _, name := range f.Names() {
		if err := f.Entities[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("entity %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Names returns the entity names of the file, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Entities))
	for name := range f.Entities {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (e EntityRule) validate() error {
	switch e.Kind {
	case "static":
		if e.Table == "" {
			return errors.New("static rule without table")
		}
	case "map":
		if e.Member == "" || len(e.Tables) == 0 {
			return errors.New("map rule requires member and tables")
		}
	case "modulo":
		if e.Member == "" || e.Count <= 0 || !strings.Contains(e.Format, "%") {
			return errors.New("modulo rule requires member, a positive count and a format")
		}
	case "catalog":
		if e.Pattern == "" {
			return errors.New("catalog rule without pattern")
		}
	case "dependent":
		if len(e.Tables) == 0 && len(e.Replace) != 2 {
			return errors.New("dependent rule requires tables or a replace pair")
		}
	default:
		return fmt.Errorf("unknown kind %q, must be one of: %s", e.Kind, strings.Join(kinds, ", "))
	}
	if e.Match != "" {
		if _, err := regexp.Compile(e.Match); err != nil {
			return fmt.Errorf("invalid match: %w", err)
		}
	}
	return nil
}

// Rule builds the rule of the entity.
func (e EntityRule) Rule() (Rule, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	switch e.Kind {
	case "static":
		return Static(e.Table), nil
	case "map":
		return Map(e.Member, e.Tables), nil
	case "modulo":
		return Modulo(e.Member, e.Format, e.Count), nil
	case "catalog":
		c := &Catalog{Pattern: e.Pattern}
		if e.Match != "" {
			re := regexp.MustCompile(e.Match)
			c.Keep = func(table string, _ *Hint) bool { return re.MatchString(table) }
		}
		return c, nil
	}
	var d *Dependent
	if len(e.Tables) > 0 {
		tables := make(map[string]string, len(e.Tables))
		for k, v := range e.Tables {
			tables[fmt.Sprint(k)] = v
		}
		d = DependentMap(tables)
	} else {
		d = Replace(e.Replace[0], e.Replace[1])
	}
	d.Pattern = e.Pattern
	return d, nil
}

// Options returns the resolver options of the file for the given model
// types, matched by Go type name. Entities of the file without a matching
// type are errors.
func (f *File) Options(models ...any) ([]Option, error) {
	types := make(map[string]reflect.Type, len(models))
	for _, m := range models {
		t := reflect.TypeOf(m)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		types[t.Name()] = t
	}
	var opts []Option
	if f.UnionMark != "" {
		opts = append(opts, WithUnionMark(f.UnionMark))
	}
	for _, name := range f.Names() {
		t, ok := types[name]
		if !ok {
			return nil, fmt.Errorf("sharding: entity %s has no model type", name)
		}
		r, err := f.Entities[name].Rule()
		if err != nil {
			return nil, fmt.Errorf("sharding: entity %s: %w", name, err)
		}
		opts = append(opts, WithRule(t, r))
	}
	return opts, nil
}
