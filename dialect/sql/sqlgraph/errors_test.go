package sqlgraph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ConstraintKind
	}{
		{"pq unique", &pq.Error{Code: "23505"}, UniqueConstraint},
		{"pq foreign key", &pq.Error{Code: "23503"}, ForeignKeyConstraint},
		{"pq check", &pq.Error{Code: "23514"}, CheckConstraint},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, UniqueConstraint},
		{"mysql parent row", &mysql.MySQLError{Number: 1451}, ForeignKeyConstraint},
		{"sqlite unique", errors.New("UNIQUE constraint failed: orders.id"), UniqueConstraint},
		{"sqlserver pk", errors.New("Violation of PRIMARY KEY constraint 'PK_orders'"), UniqueConstraint},
		{"wrapped", fmt.Errorf("shardql: exec: %w", errors.New("CHECK constraint failed: amount")), CheckConstraint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			var ce *ConstraintError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.kind, ce.Kind)
			assert.ErrorIs(t, err, tt.err)
			assert.True(t, IsConstraintError(err))
		})
	}
}

func TestClassify_Passthrough(t *testing.T) {
	assert.NoError(t, Classify(nil))
	plain := errors.New("connection refused")
	assert.Same(t, plain, Classify(plain))
	assert.False(t, IsConstraintError(plain))

	ce := Classify(&pq.Error{Code: "23505"})
	assert.Same(t, ce, Classify(ce), "already classified errors are not wrapped twice")
}
