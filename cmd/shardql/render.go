package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/syssam/shardql/dialect/sql"
	"github.com/syssam/shardql/sharding"
)

// render prints the rows in the given format.
func render(w io.Writer, rows *sql.Rows, format string) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	t := newTable(w)
	header := make(table.Row, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	t.AppendHeader(header)
	n := 0
	for rows.Next() {
		values, err := sql.ScanValues(rows, len(cols))
		if err != nil {
			return err
		}
		row := make(table.Row, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		t.AppendRow(row)
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := output(t, format); err != nil {
		return err
	}
	if format == "" || format == "table" {
		_, _ = fmt.Fprintf(w, "(%d rows)\n", n)
	}
	return nil
}

// renderRules prints the entity rules of a sharding file.
func renderRules(w io.Writer, f *sharding.File, format string) error {
	t := newTable(w)
	t.AppendHeader(table.Row{"entity", "kind", "member", "tables"})
	for _, name := range f.Names() {
		e := f.Entities[name]
		t.AppendRow(table.Row{name, e.Kind, e.Member, describe(e)})
	}
	return output(t, format)
}

// describe summarizes the tables of a rule.
func describe(e sharding.EntityRule) string {
	switch {
	case e.Table != "":
		return e.Table
	case len(e.Tables) > 0:
		pairs := make([]string, 0, len(e.Tables))
		for k, v := range e.Tables {
			pairs = append(pairs, fmt.Sprintf("%v=%s", k, v))
		}
		slices.Sort(pairs)
		return strings.Join(pairs, " ")
	case e.Format != "":
		return fmt.Sprintf("%s x%d", e.Format, e.Count)
	case len(e.Replace) == 2:
		return e.Replace[0] + " -> " + e.Replace[1]
	case e.Pattern != "":
		return e.Pattern
	}
	return ""
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func output(t table.Writer, format string) error {
	switch format {
	case "", "table":
		t.Render()
	case "csv":
		t.RenderCSV()
	case "md", "markdown":
		t.RenderMarkdown()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
