package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	db := []string{"--driver", "sqlite", "--dsn", filepath.Join(t.TempDir(), "shop.db")}

	out, err := run(t, append([]string{"ping"}, db...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "ok: sqlite")

	_, err = run(t, append([]string{"exec", "CREATE TABLE order_a (id INTEGER PRIMARY KEY, buyer_id INTEGER NOT NULL)"}, db...)...)
	require.NoError(t, err)
	_, err = run(t, append([]string{"exec", "CREATE TABLE order_b (id INTEGER PRIMARY KEY, buyer_id INTEGER NOT NULL)"}, db...)...)
	require.NoError(t, err)

	out, err = run(t, append([]string{"exec", "INSERT INTO order_a (id, buyer_id) VALUES (@id, @buyer)", "-p", "id=1", "-p", "buyer=7"}, db...)...)
	require.NoError(t, err)
	assert.Equal(t, "1 rows affected\n", out)

	out, err = run(t, append([]string{"query", "SELECT id, buyer_id FROM order_a WHERE buyer_id = @buyer", "-p", "buyer=7", "-o", "csv"}, db...)...)
	require.NoError(t, err)
	assert.Equal(t, "id,buyer_id\n1,7\n", out)

	out, err = run(t, append([]string{"tables", "order_%"}, db...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "order_a")
	assert.Contains(t, out, "order_b")
	assert.Contains(t, out, "(2 rows)")

	out, err = run(t, append([]string{"query", "SELECT id FROM order_a", "--stats", "--debug", "--log-level", "debug", "-o", "csv"}, db...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "query: SELECT id FROM order_a")
	assert.Contains(t, out, "stats: queries=1 execs=0")

	out, err = run(t, append([]string{"ping", "--vars", "search_path=x"}, db...)...)
	require.Error(t, err)
	assert.NotContains(t, out, "stats:")

	_, err = run(t, append([]string{"query", "SELECT @missing"}, db...)...)
	require.Error(t, err)

	_, err = run(t, append([]string{"exec", "SELECT 1", "-p", "novalue"}, db...)...)
	require.ErrorContains(t, err, "name=value")
}

func TestShards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shards.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entities:
  Order:
    kind: map
    member: BuyerID
    tables: {1: order_a, 2: order_b}
  OrderItem:
    kind: dependent
    replace: [order_, order_item_]
`), 0o600))

	out, err := run(t, "shards", path, "-o", "markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "1=order_a 2=order_b")
	assert.Contains(t, out, "order_ -> order_item_")
	assert.Contains(t, out, "dependent")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("entities:\n  Order:\n    kind: bogus\n"), 0o600))
	_, err = run(t, "shards", bad)
	require.Error(t, err)
}

func TestParams(t *testing.T) {
	m, err := params([]string{"@a=1", "b=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "x=y"}, m)

	m, err = params(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = params([]string{"=1"})
	require.Error(t, err)
}
