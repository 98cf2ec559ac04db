package compiler

import (
	"fmt"

	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/schema"
)

// Update compiles a single-table UPDATE. Columns of the updated table are
// rendered without alias.
func (c *Compiler) Update(u *query.UpdateStmt) (*Statement, error) {
	if len(u.Set) == 0 {
		return nil, fmt.Errorf("%w: update without assignments", ErrInvalidQuery)
	}
	v := c.visitor()
	e, err := v.dmlTable(u.Table)
	if err != nil {
		return nil, err
	}
	b := &buf{}
	b.WriteString("UPDATE " + v.bareText + " SET ")
	for i, a := range u.Set {
		m, err := e.Column(a.Member)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(m.Quoted + " = ")
		if err := v.expr(b, a.Expr, m); err != nil {
			return nil, err
		}
	}
	if err := v.where(b, u.Where); err != nil {
		return nil, err
	}
	st := &Statement{Kind: KindUpdate}
	v.assemble(st, b, nil)
	return st, nil
}

// Delete compiles a single-table DELETE.
func (c *Compiler) Delete(d *query.DeleteStmt) (*Statement, error) {
	v := c.visitor()
	if _, err := v.dmlTable(d.Table); err != nil {
		return nil, err
	}
	b := &buf{}
	b.WriteString("DELETE FROM " + v.bareText)
	if err := v.where(b, d.Where); err != nil {
		return nil, err
	}
	st := &Statement{Kind: KindDelete}
	v.assemble(st, b, nil)
	return st, nil
}

// InsertFrom compiles an INSERT ... SELECT. The selection names of the query
// are the members of the inserted entity.
func (c *Compiler) InsertFrom(s *query.InsertStmt) (*Statement, error) {
	if s.Query == nil || len(s.Query.Selection()) == 0 {
		return nil, fmt.Errorf("%w: insert without selection", ErrInvalidQuery)
	}
	v := c.visitor()
	e, err := schema.Of(v.p, s.Entity)
	if err != nil {
		return nil, err
	}
	ref, _ := v.tableRef(nil, e, true)
	b := &buf{}
	b.WriteString("INSERT INTO " + ref + " (")
	for i, sel := range s.Query.Selection() {
		m, err := e.Column(sel.Name)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(m.Quoted)
	}
	b.WriteString(") ")
	r, err := v.selectQuery(s.Query, selectMode{target: e.Type})
	if err != nil {
		return nil, err
	}
	b.add(r.body)
	b.add(r.tail)
	st := &Statement{Kind: KindInsert}
	v.assemble(st, b, nil)
	return st, nil
}

// dmlTable binds the single table of an UPDATE or DELETE.
func (v *visitor) dmlTable(t *query.Table) (*schema.EntityMap, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: statement without table", ErrInvalidQuery)
	}
	e, err := v.entity(t)
	if err != nil {
		return nil, err
	}
	v.bare = t
	v.bareText, _ = v.tableRef(t, e, true)
	return e, nil
}

func (v *visitor) where(b *buf, p query.Expr) error {
	if p == nil {
		return nil
	}
	b.WriteString(" WHERE ")
	return v.pred(b, p)
}
