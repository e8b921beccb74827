package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors. Every structured error below unwraps to one of these,
// so callers can branch with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrConsistency = errors.New("consistency violation")
)

// ValidationError reports a violated invariant or malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports contention on an aggregate: a duplicate active offer,
// listing or agreement, a stage that no longer allows the operation, or a lost
// race at the database. Safe to retry with backoff.
type ConflictError struct {
	Entity string
	ID     int64
	Reason string
}

func (e *ConflictError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("conflict on %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("conflict on %s %d: %s", e.Entity, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConsistencyError reports an invariant found broken after a write passed its
// pre-checks. It points at a locking bug and always aborts the transaction.
type ConsistencyError struct {
	Invariant string
	Entity    string
	ID        int64
	Detail    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation (%s) on %s %d: %s", e.Invariant, e.Entity, e.ID, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func conflict(entity string, id int64, format string, args ...any) error {
	return &ConflictError{Entity: entity, ID: id, Reason: fmt.Sprintf(format, args...)}
}

func notFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsRetryable reports whether the operation may succeed if attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError reports whether the error was caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound)
}

// IsNotFound reports whether the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Postgres SQLSTATE codes the engine maps onto its taxonomy.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
)

// classify maps driver errors onto the engine's error types. Errors that are
// already typed, or that carry no Postgres code, are wrapped with msg.
func classify(err error, entity string, id int64, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrConsistency) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, id)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return &ConflictError{Entity: entity, ID: id, Reason: "concurrent update: " + pgErr.Message}
		case pgUniqueViolation:
			return &ConflictError{Entity: entity, ID: id, Reason: "duplicate " + pgErr.ConstraintName}
		case pgForeignKeyViolation:
			return &NotFoundError{Entity: referencedEntity(pgErr.ConstraintName, entity)}
		case pgCheckViolation:
			return &ValidationError{Field: pgErr.ConstraintName, Reason: pgErr.Message}
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// referencedEntity guesses the referenced table from a default FK constraint
// name such as "offers_client_id_fkey".
func referencedEntity(constraint, fallback string) string {
	for _, ref := range []struct{ column, entity string }{
		{"_plot_id_", "plot"},
		{"_client_id_", "client"},
		{"_agent_id_", "agent"},
		{"_owner_id_", "owner"},
		{"_parcel_id_", "parcel"},
		{"_subdivision_id_", "subdivision"},
		{"_sale_agreement_id_", "sale agreement"},
		{"_receipt_id_", "receipt"},
		{"_invoice_id_", "invoice"},
		{"_parent_document_id_", "document"},
	} {
		if strings.Contains(constraint, ref.column) {
			return ref.entity
		}
	}
	return fallback
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
