package database

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")

	// ErrConcurrencyConflict means the row changed since it was read.
	ErrConcurrencyConflict = fmt.Errorf("%w: stale version", ErrConflict)
)

// Postgres SQLSTATE codes.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
)

// ConstraintViolation is a unique-constraint rejection from the store.
type ConstraintViolation struct {
	Constraint string
	Table      string
	Err        error
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("unique constraint %q violated on %s", e.Constraint, e.Table)
}

// Unwrap exposes ErrAlreadyExists so callers can test with errors.Is.
func (e *ConstraintViolation) Unwrap() []error {
	return []error{ErrAlreadyExists, e.Err}
}

// Classify maps driver errors onto the package's typed errors. Errors that
// are already classified, or that are not postgres errors, pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var cv *ConstraintViolation
	if errors.As(err, &cv) || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return &ConstraintViolation{Constraint: pgErr.ConstraintName, Table: pgErr.TableName, Err: err}
	case codeSerializationFailure:
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

// AsConstraintViolation extracts a unique violation, if any.
func AsConstraintViolation(err error) (*ConstraintViolation, bool) {
	var cv *ConstraintViolation
	if errors.As(err, &cv) {
		return cv, true
	}
	return nil, false
}
