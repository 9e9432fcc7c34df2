package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/cinemaindex/pgsync/internal/retry"
)

// SQLSTATE classes that fail the same way on every attempt: data exceptions,
// syntax or access rule violations, and unsupported features.
var permanentClasses = map[string]bool{
	"0A": true,
	"22": true,
	"42": true,
}

// queryFailure marks server errors a retry cannot fix as permanent.
// Connection and transaction-rollback errors stay retryable.
func queryFailure(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && permanentClasses[pgErr.Code[:2]] {
		return retry.Permanent(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && permanentClasses[string(pqErr.Code.Class())] {
		return retry.Permanent(err)
	}
	return err
}
