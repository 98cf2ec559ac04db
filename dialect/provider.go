package dialect

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Op is a binary operator of the query AST. The provider maps each
// operator to its dialect token.
type Op uint8

// Binary operators.
const (
	OpEQ Op = iota + 1
	OpNEQ
	OpLT
	OpLTE
	OpGT
	OpGTE
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpConcat
)

var opNames = [...]string{
	OpEQ:     "eq",
	OpNEQ:    "neq",
	OpLT:     "lt",
	OpLTE:    "lte",
	OpGT:     "gt",
	OpGTE:    "gte",
	OpAnd:    "and",
	OpOr:     "or",
	OpAdd:    "add",
	OpSub:    "sub",
	OpMul:    "mul",
	OpDiv:    "div",
	OpMod:    "mod",
	OpConcat: "concat",
}

// String returns the operator name.
func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return "op(" + strconv.Itoa(int(o)) + ")"
}

// Negate returns the comparison operator that negates o.
// The second value is false for non-comparison operators.
func (o Op) Negate() (Op, bool) {
	switch o {
	case OpEQ:
		return OpNEQ, true
	case OpNEQ:
		return OpEQ, true
	case OpLT:
		return OpGTE, true
	case OpLTE:
		return OpGT, true
	case OpGT:
		return OpLTE, true
	case OpGTE:
		return OpLT, true
	}
	return o, false
}

// Logical reports whether o is AND or OR.
func (o Op) Logical() bool { return o == OpAnd || o == OpOr }

// PlaceholderStyle defines how query parameters are formatted.
type PlaceholderStyle int

const (
	// PlaceholderQuestion uses ? for all parameters (MySQL, SQLite).
	PlaceholderQuestion PlaceholderStyle = iota
	// PlaceholderDollar uses $1, $2, etc. for parameters (PostgreSQL).
	PlaceholderDollar
	// PlaceholderAt uses @p1, @p2, etc. for parameters (SQL Server).
	PlaceholderAt
)

// IdentityStyle defines how the value of an auto-increment key is retrieved
// after an insert.
type IdentityStyle int

const (
	// IdentityLastInsertID reads sql.Result.LastInsertId.
	IdentityLastInsertID IdentityStyle = iota
	// IdentityReturning appends RETURNING <column> and reads the row.
	IdentityReturning
	// IdentitySelect appends a follow-up SELECT (e.g. SCOPE_IDENTITY()).
	IdentitySelect
)

// Provider is the per-backend dialect contract consumed by the compiler,
// the command builder and the sharding resolver.
type Provider struct {
	// Name is the dialect name (e.g. "postgres").
	Name string
	// Placeholder defines how positional parameters are rendered.
	Placeholder PlaceholderStyle
	// NamedPrefix marks named parameters in raw SQL templates ("@Name").
	NamedPrefix byte
	// QuoteOpen and QuoteClose delimit quoted identifiers.
	QuoteOpen, QuoteClose string
	// TrueLiteral and FalseLiteral are the inline boolean literals.
	TrueLiteral, FalseLiteral string
	// BackslashEscape is true for backends treating \ as an escape in string literals.
	BackslashEscape bool
	// Identity defines how generated keys are read back.
	Identity IdentityStyle
	// IdentitySQL is the follow-up statement for IdentitySelect.
	IdentitySQL string
	// MultiResultSets reports whether one parameterized round trip may carry
	// several statements returning several result sets.
	MultiResultSets bool
	// MaxParams is the maximum number of parameters per statement (0 = unlimited).
	MaxParams int
	// CatalogQuery lists physical table names matching a LIKE pattern bound
	// to the first parameter.
	CatalogQuery string
	// Operators maps AST operators to dialect tokens. A missing OpConcat
	// entry renders CONCAT(a, b).
	Operators map[Op]string

	reserved map[string]struct{}
	page     func(offset, limit int, ordered bool) string
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Param returns the placeholder for the n-th (1-based) positional parameter.
func (p *Provider) Param(n int) string {
	switch p.Placeholder {
	case PlaceholderDollar:
		return "$" + strconv.Itoa(n)
	case PlaceholderAt:
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

// Reserved reports whether word must be quoted when used as an identifier.
func (p *Provider) Reserved(word string) bool {
	_, ok := p.reserved[strings.ToLower(word)]
	return ok
}

// Quote returns ident, quoted only when it is not a plain identifier or is a
// reserved word of the dialect. Qualified names ("schema.table") are quoted
// per part.
func (p *Provider) Quote(ident string) string {
	if parts := strings.Split(ident, "."); len(parts) > 1 && !slices.Contains(parts, "") {
		for i, part := range parts {
			parts[i] = p.Quote(part)
		}
		return strings.Join(parts, ".")
	}
	if identRe.MatchString(ident) && !p.Reserved(ident) {
		return ident
	}
	return p.QuoteAlways(ident)
}

// QuoteAlways quotes ident unconditionally, doubling embedded closing quotes.
func (p *Provider) QuoteAlways(ident string) string {
	return p.QuoteOpen + strings.ReplaceAll(ident, p.QuoteClose, p.QuoteClose+p.QuoteClose) + p.QuoteClose
}

// Operator returns the dialect token of op.
func (p *Provider) Operator(op Op) (string, bool) {
	tok, ok := p.Operators[op]
	return tok, ok
}

// Concat renders the string concatenation of two rendered expressions.
func (p *Provider) Concat(a, b string) string {
	if tok, ok := p.Operators[OpConcat]; ok && tok != "" {
		return a + " " + tok + " " + b
	}
	return "CONCAT(" + a + ", " + b + ")"
}

// Offset returns the row offset of a 1-based page index.
func (p *Provider) Offset(pageIndex, pageSize int) int {
	if pageIndex < 1 {
		pageIndex = 1
	}
	return (pageIndex - 1) * pageSize
}

// Page renders the paging clause for a 1-based page index. ordered reports
// whether the statement already has an ORDER BY clause.
func (p *Provider) Page(pageIndex, pageSize int, ordered bool) string {
	return p.page(p.Offset(pageIndex, pageSize), pageSize, ordered)
}

// Returning renders the identity retrieval fragment appended to an INSERT.
func (p *Provider) Returning(column string) string {
	switch p.Identity {
	case IdentityReturning:
		return " RETURNING " + p.Quote(column)
	case IdentitySelect:
		return p.IdentitySQL
	}
	return ""
}

// QuoteLiteral renders v as an inline SQL literal.
func (p *Provider) QuoteLiteral(v any) (string, error) {
	if vr, ok := v.(driver.Valuer); ok {
		dv, err := vr.Value()
		if err != nil {
			return "", err
		}
		v = dv
	}
	switch v := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return p.TrueLiteral, nil
		}
		return p.FalseLiteral, nil
	case string:
		if strings.ContainsAny(v, "\x00\x01\x02") {
			return "", fmt.Errorf("dialect/%s: cannot inline string with control bytes %q", p.Name, v)
		}
		return "'" + p.escapeString(v) + "'", nil
	case []byte:
		return p.bytesLiteral(v), nil
	case time.Time:
		return "'" + v.UTC().Format("2006-01-02 15:04:05.999999") + "'", nil
	case int:
		return strconv.Itoa(v), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return p.floatLiteral(float64(v), 32)
	case float64:
		return p.floatLiteral(v, 64)
	default:
		return "", fmt.Errorf("dialect/%s: cannot inline literal of type %T", p.Name, v)
	}
}

func (p *Provider) floatLiteral(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("dialect/%s: cannot inline non-finite float %v", p.Name, f)
	}
	return strconv.FormatFloat(f, 'g', -1, bits), nil
}

// escapeString escapes a string value for safe use in a SQL literal.
func (p *Provider) escapeString(s string) string {
	if !strings.ContainsAny(s, `'\`) {
		return s
	}
	if p.BackslashEscape {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return strings.ReplaceAll(s, "'", "''")
}

func (p *Provider) bytesLiteral(b []byte) string {
	switch p.Name {
	case Postgres:
		return `'\x` + hex.EncodeToString(b) + `'`
	case SQLServer:
		return "0x" + hex.EncodeToString(b)
	default:
		return "X'" + hex.EncodeToString(b) + "'"
	}
}
