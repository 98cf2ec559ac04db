package shardql_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syssam/shardql"
	"github.com/syssam/shardql/dialect/sql/sqlgraph"
)

func TestNotFoundError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := shardql.NewNotFoundError("Order")
		assert.Equal(t, "shardql: Order not found", err.Error())
		err = shardql.NewNotFoundErrorWithID("Order", 7)
		assert.Equal(t, "shardql: Order not found (id=7)", err.Error())
		assert.Equal(t, 7, err.ID())
		assert.Equal(t, "Order", err.Label())
	})

	t.Run("IsNotFound", func(t *testing.T) {
		err := shardql.NewNotFoundError("Buyer")
		assert.True(t, errors.Is(err, shardql.ErrNotFound))
		assert.True(t, shardql.IsNotFound(fmt.Errorf("wrapper: %w", err)))
		assert.True(t, shardql.IsNotFound(shardql.ErrNotFound))
		assert.False(t, shardql.IsNotFound(errors.New("other error")))
		assert.False(t, shardql.IsNotFound(nil))
	})
}

func TestNotSingularError(t *testing.T) {
	err := shardql.NewNotSingularError("Order", 2)
	assert.Equal(t, "shardql: Order not singular (got 2 results, expected 1)", err.Error())
	assert.Equal(t, 2, err.Count())
	assert.True(t, errors.Is(err, shardql.ErrNotSingular))
	assert.True(t, shardql.IsNotSingular(fmt.Errorf("wrapper: %w", err)))
	assert.False(t, shardql.IsNotSingular(nil))
	assert.Equal(t, "shardql: Order not singular", shardql.NewNotSingularError("Order", -1).Error())
}

func TestConstraintError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := shardql.NewConstraintError("UNIQUE constraint failed", nil)
		assert.Equal(t, "shardql: constraint failed: UNIQUE constraint failed", err.Error())
	})

	t.Run("Unwrap", func(t *testing.T) {
		underlying := errors.New("db error")
		err := shardql.NewConstraintError("constraint violated", underlying)
		assert.True(t, errors.Is(err, underlying))
	})

	t.Run("IsConstraintError", func(t *testing.T) {
		err := shardql.NewConstraintError("check failed", nil)
		assert.True(t, shardql.IsConstraintError(fmt.Errorf("wrapper: %w", err)))
		assert.False(t, shardql.IsConstraintError(errors.New("other error")))
		assert.False(t, shardql.IsConstraintError(nil))
	})

	t.Run("Classified", func(t *testing.T) {
		driverErr := errors.New("UNIQUE constraint failed: orders.id")
		err := shardql.NewConstraintError(driverErr.Error(), sqlgraph.Classify(driverErr))
		var ce *sqlgraph.ConstraintError
		assert.True(t, errors.As(err, &ce))
		assert.Equal(t, sqlgraph.UniqueConstraint, ce.Kind)
		assert.True(t, errors.Is(err, driverErr))
	})
}

func TestRollbackError(t *testing.T) {
	underlying := errors.New("connection lost")
	err := &shardql.RollbackError{Err: underlying}
	assert.Equal(t, "shardql: rollback failed: connection lost", err.Error())
	assert.True(t, errors.Is(err, underlying))
}

func TestQueryMutationError(t *testing.T) {
	underlying := errors.New("boom")
	qerr := shardql.NewQueryError("Order", "list", underlying)
	assert.Equal(t, "shardql: querying Order (list): boom", qerr.Error())
	assert.Equal(t, "shardql: querying Order: boom", shardql.NewQueryError("Order", "", underlying).Error())
	assert.True(t, shardql.IsQueryError(fmt.Errorf("w: %w", qerr)))
	assert.True(t, errors.Is(qerr, underlying))
	assert.False(t, shardql.IsQueryError(nil))

	merr := shardql.NewMutationError("Order", "create", underlying)
	assert.Equal(t, "shardql: create Order: boom", merr.Error())
	assert.True(t, shardql.IsMutationError(merr))
	assert.True(t, errors.Is(merr, underlying))
	assert.False(t, shardql.IsMutationError(qerr))
}

func TestSentinelErrors(t *testing.T) {
	assert.Contains(t, shardql.ErrNotFound.Error(), "not found")
	assert.Contains(t, shardql.ErrNotSingular.Error(), "not singular")
	assert.Contains(t, shardql.ErrTxStarted.Error(), "transaction")
	assert.Contains(t, shardql.ErrNoTx.Error(), "transaction")
}

func BenchmarkErrors(b *testing.B) {
	b.Run("NewNotFoundError", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = shardql.NewNotFoundError("Order")
		}
	})

	b.Run("IsNotFound", func(b *testing.B) {
		err := shardql.NewNotFoundError("Order")
		for i := 0; i < b.N; i++ {
			_ = shardql.IsNotFound(err)
		}
	})

	b.Run("IsConstraintError", func(b *testing.B) {
		err := shardql.NewConstraintError("unique", nil)
		for i := 0; i < b.N; i++ {
			_ = shardql.IsConstraintError(err)
		}
	})
}
