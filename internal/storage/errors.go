package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write collides with an existing row whose
// content differs, such as an event id reused for a different payload.
var ErrConflict = errors.New("storage: conflict")

// ErrBudgetExceeded is returned when a charge would push used_amount past
// total_budget.
var ErrBudgetExceeded = errors.New("storage: budget exceeded")

// isUniqueViolation checks if a Postgres error is a unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation checks if a Postgres error is a foreign_key_violation (23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
