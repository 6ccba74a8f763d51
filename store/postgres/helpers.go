package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/choreo"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	return pgCode(err) == "23505"
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapTxError maps serialization failures and deadlocks (40001, 40P01) to
// choreo.ErrTxConflict and lock_not_available (55P03) to
// choreo.ErrLockTimeout.
func mapTxError(op string, err error) error {
	switch pgCode(err) {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s: %w", choreo.ErrTxConflict, op, err)
	case "55P03":
		return fmt.Errorf("%w: %s: %w", choreo.ErrLockTimeout, op, err)
	}
	return fmt.Errorf("choreo/postgres: %s: %w", op, err)
}

// where accumulates positional filter clauses.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// paginate appends LIMIT and OFFSET to query.
func (w *where) paginate(query string, limit, offset int) string {
	if limit > 0 {
		w.args = append(w.args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(w.args))
	}
	return query
}
