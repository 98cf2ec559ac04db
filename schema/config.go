package schema

import (
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/go-openapi/inflect"

	"github.com/syssam/shardql/schema/field"
)

// RelationKind is the cardinality of a navigation.
type RelationKind uint8

// Relation kinds.
const (
	// One is a to-one navigation (struct or pointer to struct).
	One RelationKind = iota + 1
	// Many is a to-many navigation (slice of structs).
	Many
)

// Relation describes how a navigation member joins its target.
//
// For One, ForeignKey names the member of the owner referencing the
// References member of the target. For Many, ForeignKey names the member of
// the target referencing the References member of the owner. References
// defaults to the single key of the referenced side.
type Relation struct {
	Kind       RelationKind
	Target     reflect.Type
	ForeignKey string
	References string
}

// Config is the model configuration of one entity type.
type Config struct {
	// Table overrides the default table name.
	Table string
	// Keys lists the key member names.
	Keys []string
	// AutoIncrement names the member filled by the database on insert.
	AutoIncrement string
	// Columns maps member names to column names.
	Columns map[string]string
	// Types overrides the native type of members.
	Types map[string]field.Type
	// Converters installs member-specific converters.
	Converters map[string]field.Converter
	// Ignore lists members without a column.
	Ignore []string
	// Relations configures navigation members.
	Relations map[string]Relation
}

var configs sync.Map // reflect.Type => Config

// Register sets the configuration of the model type. Registration must
// happen before the first map of the type is built.
func Register(model any, cfg Config) {
	configs.Store(modelType(reflect.TypeOf(model)), cfg)
}

func configOf(t reflect.Type) Config {
	if cfg, ok := configs.Load(t); ok {
		return cfg.(Config)
	}
	return Config{}
}

func modelType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

var rules = inflect.NewDefaultRuleset()

// TableName returns the default table name of a type.
func TableName(t reflect.Type) string {
	return rules.Pluralize(Snake(modelType(t).Name()))
}

// Snake converts a Go identifier to snake_case, keeping acronyms
// together ("BuyerID" becomes "buyer_id", "HTTPStatus" becomes "http_status").
func Snake(s string) string {
	var (
		j int
		b strings.Builder
	)
	for i := 0; i < len(s); i++ {
		r := rune(s[i])
		// Put '_' if it is not a start or end of a word, current letter is uppercase,
		// and previous is lowercase (cases like: "UserInfo"), or next letter is also
		// a lowercase and previous letter is not "_".
		if i > 0 && i < len(s)-1 && unicode.IsUpper(r) {
			if unicode.IsLower(rune(s[i-1])) ||
				j != i-1 && unicode.IsLower(rune(s[i+1])) && unicode.IsLetter(rune(s[i-1])) {
				j = i
				b.WriteString("_")
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// tag is the parsed db struct tag.
type tag struct {
	column  string
	skip    bool
	key     bool
	auto    bool
	native  field.Type
	hasType bool
}

func parseTag(s string) tag {
	if s == "-" {
		return tag{skip: true}
	}
	parts := strings.Split(s, ",")
	t := tag{column: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		switch {
		case p == "key":
			t.key = true
		case p == "auto":
			t.auto = true
		case strings.HasPrefix(p, "type="):
			t.native, t.hasType = field.ParseType(strings.TrimPrefix(p, "type="))
		}
	}
	return t
}
