package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestQueryFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"pgx undefined table", &pgconn.PgError{Code: "42P01"}, true},
		{"pgx invalid datetime", &pgconn.PgError{Code: "22007"}, true},
		{"pgx admin shutdown", &pgconn.PgError{Code: "57P01"}, false},
		{"pgx serialization failure", &pgconn.PgError{Code: "40001"}, false},
		{"pq syntax error", &pq.Error{Code: "42601"}, true},
		{"pq connection failure", &pq.Error{Code: "08006"}, false},
		{"wrapped", fmt.Errorf("failed to query changes: %w", &pgconn.PgError{Code: "42703"}), true},
		{"plain", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := queryFailure(tt.err)
			var perm *backoff.PermanentError
			if errors.As(got, &perm) != tt.permanent {
				t.Errorf("queryFailure(%v) permanent = %v, want %v", tt.err, !tt.permanent, tt.permanent)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("queryFailure(%v) lost the cause", tt.err)
			}
		})
	}
}
