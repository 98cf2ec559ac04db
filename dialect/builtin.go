package dialect

import "strconv"

// commonReserved holds keywords that need quoting in every built-in dialect.
var commonReserved = []string{
	"all", "and", "as", "asc", "between", "by", "case", "check", "column", "create",
	"default", "delete", "desc", "distinct", "drop", "else", "end", "exists", "from",
	"group", "having", "in", "index", "insert", "into", "is", "join", "key", "like",
	"limit", "not", "null", "offset", "on", "or", "order", "primary", "references",
	"select", "set", "table", "then", "to", "union", "unique", "update", "user",
	"values", "when", "where", "with",
}

func reservedSet(extra ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(commonReserved)+len(extra))
	for _, w := range commonReserved {
		m[w] = struct{}{}
	}
	for _, w := range extra {
		m[w] = struct{}{}
	}
	return m
}

func ansiOperators(concat string) map[Op]string {
	ops := map[Op]string{
		OpEQ:  "=",
		OpNEQ: "<>",
		OpLT:  "<",
		OpLTE: "<=",
		OpGT:  ">",
		OpGTE: ">=",
		OpAnd: "AND",
		OpOr:  "OR",
		OpAdd: "+",
		OpSub: "-",
		OpMul: "*",
		OpDiv: "/",
		OpMod: "%",
	}
	if concat != "" {
		ops[OpConcat] = concat
	}
	return ops
}

func limitOffset(offset, limit int, _ bool) string {
	return " LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)
}

func init() {
	Register(&Provider{
		Name:            Postgres,
		Placeholder:     PlaceholderDollar,
		NamedPrefix:     '@',
		QuoteOpen:       `"`,
		QuoteClose:      `"`,
		TrueLiteral:     "TRUE",
		FalseLiteral:    "FALSE",
		Identity:        IdentityReturning,
		MaxParams:       65535,
		CatalogQuery:    "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name LIKE $1 ORDER BY table_name",
		Operators:       ansiOperators("||"),
		reserved:        reservedSet("analyse", "analyze", "both", "cast", "collate", "do", "for", "only", "returning", "window"),
		page:            limitOffset,
		MultiResultSets: false,
	})
	Register(&Provider{
		Name:            MySQL,
		Placeholder:     PlaceholderQuestion,
		NamedPrefix:     '@',
		QuoteOpen:       "`",
		QuoteClose:      "`",
		TrueLiteral:     "1",
		FalseLiteral:    "0",
		BackslashEscape: true,
		Identity:        IdentityLastInsertID,
		MultiResultSets: true,
		MaxParams:       65535,
		CatalogQuery:    "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name LIKE ? ORDER BY table_name",
		Operators:       ansiOperators(""),
		reserved:        reservedSet("div", "interval", "match", "mod", "range", "read", "status"),
		page: func(offset, limit int, _ bool) string {
			return " LIMIT " + strconv.Itoa(offset) + ", " + strconv.Itoa(limit)
		},
	})
	Register(&Provider{
		Name:         SQLite,
		Placeholder:  PlaceholderQuestion,
		NamedPrefix:  '@',
		QuoteOpen:    `"`,
		QuoteClose:   `"`,
		TrueLiteral:  "1",
		FalseLiteral: "0",
		Identity:     IdentityLastInsertID,
		MaxParams:    32766,
		CatalogQuery: "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ORDER BY name",
		Operators:    ansiOperators("||"),
		reserved:     reservedSet("autoincrement", "glob", "regexp"),
		page:         limitOffset,
	})
	Register(&Provider{
		Name:            SQLServer,
		Placeholder:     PlaceholderAt,
		NamedPrefix:     '@',
		QuoteOpen:       "[",
		QuoteClose:      "]",
		TrueLiteral:     "1",
		FalseLiteral:    "0",
		Identity:        IdentitySelect,
		IdentitySQL:     "; SELECT SCOPE_IDENTITY()",
		MultiResultSets: true,
		MaxParams:       2100,
		CatalogQuery:    "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME LIKE @p1 ORDER BY TABLE_NAME",
		Operators:       ansiOperators("+"),
		reserved:        reservedSet("top", "identity", "file", "percent", "plan"),
		page: func(offset, limit int, ordered bool) string {
			s := ""
			if !ordered {
				s = " ORDER BY (SELECT NULL)"
			}
			return s + " OFFSET " + strconv.Itoa(offset) + " ROWS FETCH NEXT " + strconv.Itoa(limit) + " ROWS ONLY"
		},
	})
}
