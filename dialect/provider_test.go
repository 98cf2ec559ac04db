package dialect

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_PageShift(t *testing.T) {
	for _, name := range List() {
		p := MustGet(name)
		t.Run(name, func(t *testing.T) {
			for _, size := range []int{1, 7, 20, 500} {
				for page := 1; page < 10; page++ {
					assert.Equal(t, size, p.Offset(page+1, size)-p.Offset(page, size),
						"page %d size %d", page, size)
				}
			}
			assert.Zero(t, p.Offset(0, 20), "page index is clamped to 1")
		})
	}
}

func TestProvider_Page(t *testing.T) {
	tests := []struct {
		dialect string
		ordered bool
		want    string
	}{
		{Postgres, true, " LIMIT 20 OFFSET 40"},
		{SQLite, false, " LIMIT 20 OFFSET 40"},
		{MySQL, true, " LIMIT 40, 20"},
		{SQLServer, true, " OFFSET 40 ROWS FETCH NEXT 20 ROWS ONLY"},
		{SQLServer, false, " ORDER BY (SELECT NULL) OFFSET 40 ROWS FETCH NEXT 20 ROWS ONLY"},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			assert.Equal(t, tt.want, MustGet(tt.dialect).Page(3, 20, tt.ordered))
		})
	}
}

func TestProvider_Param(t *testing.T) {
	assert.Equal(t, "$3", MustGet(Postgres).Param(3))
	assert.Equal(t, "?", MustGet(MySQL).Param(3))
	assert.Equal(t, "?", MustGet(SQLite).Param(1))
	assert.Equal(t, "@p2", MustGet(SQLServer).Param(2))
}

func TestProvider_Quote(t *testing.T) {
	pg := MustGet(Postgres)
	assert.Equal(t, "orders", pg.Quote("orders"))
	assert.Equal(t, `"order"`, pg.Quote("order"))
	assert.Equal(t, `"Order"`, pg.Quote("Order"))
	assert.Equal(t, `"total amount"`, pg.Quote("total amount"))
	assert.Equal(t, `"a""b"`, pg.Quote(`a"b`))
	assert.Equal(t, `public."order"`, pg.Quote("public.order"))
	assert.Equal(t, "`group`", MustGet(MySQL).Quote("group"))
	assert.Equal(t, "[user]", MustGet(SQLServer).Quote("user"))
	assert.Equal(t, "[a]]b]", MustGet(SQLServer).QuoteAlways("a]b"))
}

func TestProvider_Operators(t *testing.T) {
	pg := MustGet(Postgres)
	tok, ok := pg.Operator(OpNEQ)
	require.True(t, ok)
	assert.Equal(t, "<>", tok)
	assert.Equal(t, "a || b", pg.Concat("a", "b"))
	assert.Equal(t, "CONCAT(a, b)", MustGet(MySQL).Concat("a", "b"))
	assert.Equal(t, "a + b", MustGet(SQLServer).Concat("a", "b"))

	neg, ok := OpLT.Negate()
	require.True(t, ok)
	assert.Equal(t, OpGTE, neg)
	_, ok = OpAnd.Negate()
	assert.False(t, ok)
	assert.True(t, OpOr.Logical())
	assert.Equal(t, "gte", OpGTE.String())
}

func TestProvider_Returning(t *testing.T) {
	assert.Equal(t, " RETURNING id", MustGet(Postgres).Returning("id"))
	assert.Equal(t, "", MustGet(MySQL).Returning("id"))
	assert.Equal(t, "; SELECT SCOPE_IDENTITY()", MustGet(SQLServer).Returning("id"))
}

func TestProvider_QuoteLiteral(t *testing.T) {
	pg, my, ms := MustGet(Postgres), MustGet(MySQL), MustGet(SQLServer)
	tests := []struct {
		p    *Provider
		v    any
		want string
	}{
		{pg, nil, "NULL"},
		{pg, true, "TRUE"},
		{my, false, "0"},
		{pg, "it's", "'it''s'"},
		{pg, `a\b`, `'a\b'`},
		{my, `a\b'`, `'a\\b'''`},
		{pg, []byte{0xde, 0xad}, `'\xdead'`},
		{ms, []byte{0xde, 0xad}, "0xdead"},
		{my, []byte{0xde, 0xad}, "X'dead'"},
		{pg, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), "'2024-03-01 10:30:00'"},
		{pg, int8(-3), "-3"},
		{pg, uint64(42), "42"},
		{pg, 1.5, "1.5"},
	}
	for _, tt := range tests {
		got, err := tt.p.QuoteLiteral(tt.v)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%T(%v)", tt.v, tt.v)
	}
	_, err := pg.QuoteLiteral(math.NaN())
	require.Error(t, err)
	_, err = pg.QuoteLiteral(struct{}{})
	require.Error(t, err)
	for _, v := range []string{"a\x00b", "a\x01b", "\x02"} {
		_, err = my.QuoteLiteral(v)
		require.Error(t, err, "%q", v)
	}
	got, err := pg.QuoteLiteral([]byte("a\x00b"))
	require.NoError(t, err)
	assert.Equal(t, `'\x610062'`, got)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{MySQL, Postgres, SQLite, SQLServer}, List())

	p, err := Resolve("pgx")
	require.NoError(t, err)
	assert.Equal(t, Postgres, p.Name)
	p, err = Resolve("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, SQLite, p.Name)
	p, err = Resolve("mssql")
	require.NoError(t, err)
	assert.Equal(t, SQLServer, p.Name)

	_, err = Resolve("oracle")
	var ue *UnknownDialectError
	require.ErrorAs(t, err, &ue)
	assert.Panics(t, func() { MustGet("oracle") })
}
