package query

import "reflect"

// Assignment is one SET term of an UPDATE.
type Assignment struct {
	Member string
	Expr   Expr
}

// UpdateStmt is the AST of an UPDATE statement on a single table.
type UpdateStmt struct {
	Table *Table
	Set   []Assignment
	Where Expr
}

// Update starts an UPDATE of the entity table t.
func Update(t *Table) *UpdateStmt {
	return &UpdateStmt{Table: t}
}

// SetExpr assigns an expression (or a literal value) to a member.
func (u *UpdateStmt) SetExpr(member string, v any) *UpdateStmt {
	u.Set = append(u.Set, Assignment{Member: member, Expr: lift(v)})
	return u
}

// Filter adds predicates joined with AND.
func (u *UpdateStmt) Filter(ps ...Expr) *UpdateStmt {
	u.Where = And(append([]Expr{u.Where}, ps...)...)
	return u
}

// DeleteStmt is the AST of a DELETE statement on a single table.
type DeleteStmt struct {
	Table *Table
	Where Expr
}

// Delete starts a DELETE from the entity table t.
func Delete(t *Table) *DeleteStmt {
	return &DeleteStmt{Table: t}
}

// Filter adds predicates joined with AND.
func (d *DeleteStmt) Filter(ps ...Expr) *DeleteStmt {
	d.Where = And(append([]Expr{d.Where}, ps...)...)
	return d
}

// InsertStmt is the AST of an INSERT ... SELECT statement. The names of the
// selection of Query are the target members.
type InsertStmt struct {
	Entity reflect.Type
	Query  *Query
}

// InsertFrom inserts the rows selected by q into the table of E.
func InsertFrom[E any](q *Query) *InsertStmt {
	return &InsertStmt{Entity: reflect.TypeFor[E](), Query: q}
}
