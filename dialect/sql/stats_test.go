package sql

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/shardql/dialect"
)

func TestStatsDriver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var slow []string
	drv := NewStatsDriver(OpenDB(dialect.SQLite, db),
		WithSlowThreshold(time.Nanosecond),
		WithSlowQueryHook(func(_ context.Context, query string, _ []any, _ time.Duration) {
			slow = append(slow, query)
		}),
	)
	mock.ExpectQuery("SELECT id FROM orders").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec("DELETE FROM orders").WillReturnError(errors.New("locked"))

	rows := &Rows{}
	require.NoError(t, drv.Query(context.Background(), "SELECT id FROM orders", []any{}, rows))
	require.NoError(t, rows.Close())
	require.Error(t, drv.Exec(context.Background(), "DELETE FROM orders", []any{}, nil))

	stats, ok := StatsOf(drv)
	require.True(t, ok)
	snap := stats.Stats()
	assert.Equal(t, int64(1), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.TotalExecs)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Equal(t, int64(2), snap.SlowQueries)
	assert.Equal(t, []string{"SELECT id FROM orders", "DELETE FROM orders"}, slow)
	assert.Contains(t, snap.String(), "queries=1 execs=1")

	stats.Reset()
	assert.Equal(t, StatsSnapshot{}, stats.Stats())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebugDriver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	drv := NewDebugDriver(NewStatsDriver(OpenDB(dialect.SQLite, db)), DebugWithLogger(log))

	mock.ExpectExec("UPDATE orders").WithArgs("x").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, drv.Exec(context.Background(), "UPDATE orders SET note = ?", []any{"x"}, nil))
	tx, err := drv.Tx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Exec(context.Background(), "DELETE FROM orders", []any{}, nil))
	require.NoError(t, tx.Commit())

	out := logs.String()
	assert.Contains(t, out, "exec: UPDATE orders SET note = ? args: [x]")
	assert.Contains(t, out, "begin transaction")
	assert.Contains(t, out, "tx exec: DELETE FROM orders")
	assert.Contains(t, out, "commit transaction")

	stats, ok := StatsOf(drv)
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Stats().TotalExecs)

	_, ok = StatsOf(OpenDB(dialect.SQLite, db))
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
