// Package materialize turns result rows into Go values.
//
// A Plan is built once per (dialect, result type, projection shape) and
// cached process-wide. Rows are read positionally: the i-th scanned value
// feeds the i-th leaf of the projection, so no column names are looked up
// while reading. Included to-one entities are patched into their owners
// after the row is complete, and to-many includes are attached with FanIn
// once their second query has run:
//
//	plan, err := materialize.Shaped(p, reflect.TypeFor[Order](), st.Projection)
//	if err != nil {
//	    return err
//	}
//	out, err := plan.Scan(rows, materialize.QueryFuncs(q)...)
//
// Raw statements without a projection use Flat plans, matching columns to
// struct members by name, or reading into map[string]any or a scalar.
package materialize
