package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"land-office/internal/blob"
)

// Clock returns the current instant. Tests pin it to make "today" deterministic.
type Clock func() time.Time

// Options configures an Engine. Zero values fall back to a nop logger, the
// wall clock and an in-memory blob store.
type Options struct {
	Logger *zap.Logger
	Clock  Clock
	Blobs  blob.Store
}

// Engine bundles the command services that share one pool.
type Engine struct {
	Sequences   SequenceGenerator
	Registry    RegistryService
	Sales       SalesService
	Payments    PaymentService
	Commissions CommissionService
	Documents   DocumentService
	Sweeps      SweepService
	Verifier    *Verifier
}

func NewEngine(pool *pgxpool.Pool, opts Options) *Engine {
	b := newBase(pool, opts)
	seq := NewSequenceGenerator(pool)
	commissions := &commissionService{base: b}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = blob.NewMemory()
	}
	sales := &salesService{base: b, seq: seq, commissions: commissions}

	return &Engine{
		Sequences:   seq,
		Registry:    &registryService{base: b},
		Sales:       sales,
		Payments:    &paymentService{base: b, seq: seq},
		Commissions: commissions,
		Documents:   &documentService{base: b, blobs: blobs},
		Sweeps:      &sweepService{base: b, sales: sales},
		Verifier:    NewVerifier(pool),
	}
}

// base carries what every service needs: the pool, a logger, the clock and
// the shared request validator.
type base struct {
	pool     *pgxpool.Pool
	log      *zap.Logger
	now      Clock
	validate *validator.Validate
}

func newBase(pool *pgxpool.Pool, opts Options) *base {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &base{pool: pool, log: log, now: now, validate: validator.New()}
}

// today is the current calendar date in UTC.
func (b *base) today() time.Time {
	return dateOf(b.now())
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// inTx runs fn in one transaction: validate, write and cascade either all
// commit or all roll back.
func (b *base) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrConsistency) {
			b.log.Error("consistency violation, transaction aborted", zap.Error(err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err, "transaction", 0, "failed to commit transaction")
	}
	return nil
}

// check runs struct-tag validation and converts the first failure to a ValidationError.
func (b *base) check(req any) error {
	err := b.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Field: toSnake(fe.Field()), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}

func toSnake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				sb.WriteByte('_')
			}
			sb.WriteRune(r + ('a' - 'A'))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// audit appends a row to audit_logs inside the command's transaction.
func audit(ctx context.Context, tx pgx.Tx, entityType string, entityID int64, action, detail string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (entity_type, entity_id, action, detail)
		VALUES ($1, $2, $3, $4)
	`, entityType, entityID, action, detail)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared read helpers.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
