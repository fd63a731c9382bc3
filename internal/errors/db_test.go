package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapDBError(t *testing.T) {
	plain := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantField string
	}{
		{name: "deadline", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: fmt.Errorf("query: %w", context.Canceled), wantCode: ErrCodeCanceled},
		{name: "no rows", err: pgx.ErrNoRows, wantCode: ErrCodeNotFound},
		{
			name:      "unique violation with column",
			err:       &pgconn.PgError{Code: pgerrcode.UniqueViolation, ColumnName: "listing_id"},
			wantCode:  ErrCodeConflict,
			wantField: "listing_id",
		},
		{
			name:      "unique violation parsed from detail",
			err:       &pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: `Key (id)=(abc) already exists.`},
			wantCode:  ErrCodeConflict,
			wantField: "id",
		},
		{
			name:      "check violation",
			err:       &pgconn.PgError{Code: pgerrcode.CheckViolation, ColumnName: "status"},
			wantCode:  ErrCodeValidation,
			wantField: "status",
		},
		{name: "not null", err: &pgconn.PgError{Code: pgerrcode.NotNullViolation}, wantCode: ErrCodeValidation},
		{name: "invalid uuid text", err: &pgconn.PgError{Code: pgerrcode.InvalidTextRepresentation}, wantCode: ErrCodeValidation},
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, wantCode: ErrCodeUnavailable},
		{name: "deadlock", err: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, wantCode: ErrCodeUnavailable},
		{name: "connection failure", err: &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, wantCode: ErrCodeUnavailable},
		{name: "other pg error", err: &pgconn.PgError{Code: pgerrcode.SyntaxError}, wantCode: ErrCodeInternal},
		{name: "wrapped pg error", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation}), wantCode: ErrCodeConflict},
		{name: "non database error", err: plain, wantCode: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapDBError(tt.err)
			require.Error(t, mapped)
			assert.Equal(t, tt.wantCode, GetCode(mapped))
			assert.Equal(t, tt.wantField, GetField(mapped))
			assert.ErrorIs(t, mapped, tt.err, "cause is preserved")
		})
	}

	assert.NoError(t, MapDBError(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, Retryable(errors.New("boom")))
}
