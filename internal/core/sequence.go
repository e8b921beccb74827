package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SequenceKind identifies a numbered document series.
type SequenceKind struct {
	Prefix string
	Width  int
}

// Persisted identifier formats. These are stored on rows and printed on paper;
// changing them breaks compatibility with issued documents.
var (
	SeqAgreement = SequenceKind{Prefix: "AGR", Width: 4} // AGR-YYYY-NNNN
	SeqReceipt   = SequenceKind{Prefix: "RCP", Width: 6} // RCP-YYYY-NNNNNN
	SeqInvoice   = SequenceKind{Prefix: "INV", Width: 6} // INV-YYYY-NNNNNN
)

// Format renders n in the series for the given year. Numbers past Capacity
// come out wider than the series; Number refuses them.
func (k SequenceKind) Format(year int, n int64) string {
	return fmt.Sprintf("%s-%04d-%0*d", k.Prefix, year, k.Width, n)
}

// Capacity is the largest number that fits the series width.
func (k SequenceKind) Capacity() int64 {
	c := int64(1)
	for range k.Width {
		c *= 10
	}
	return c - 1
}

// Number formats n, or fails once the year's series is exhausted.
func (k SequenceKind) Number(year int, n int64) (string, error) {
	if n < 1 || n > k.Capacity() {
		return "", &ConsistencyError{
			Invariant: "sequence_width",
			Entity:    "sequence",
			Detail:    fmt.Sprintf("%s %d cannot number %d, limit is %d", k.Prefix, year, n, k.Capacity()),
		}
	}
	return k.Format(year, n), nil
}

// SequenceGenerator hands out collision-free identifiers per (prefix, year).
type SequenceGenerator interface {
	// Next allocates a number in its own transaction.
	Next(ctx context.Context, kind SequenceKind, year int) (string, error)
	// NextTx allocates a number inside the caller's transaction. The counter row
	// stays locked until that transaction ends, so a rollback returns the number.
	NextTx(ctx context.Context, tx pgx.Tx, kind SequenceKind, year int) (string, error)
}

type sequenceGenerator struct {
	pool *pgxpool.Pool
}

func NewSequenceGenerator(pool *pgxpool.Pool) SequenceGenerator {
	return &sequenceGenerator{pool: pool}
}

func (g *sequenceGenerator) Next(ctx context.Context, kind SequenceKind, year int) (string, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	number, err := g.NextTx(ctx, tx, kind, year)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", classify(err, "sequence", 0, "failed to commit sequence")
	}
	return number, nil
}

func (g *sequenceGenerator) NextTx(ctx context.Context, tx pgx.Tx, kind SequenceKind, year int) (string, error) {
	// The upsert takes the row lock and increments in one statement; concurrent
	// callers queue on the row instead of racing a max()+1 scan.
	var last int64
	err := tx.QueryRow(ctx, `
		INSERT INTO sequence_counters (prefix, year, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, year)
		DO UPDATE SET last_number = sequence_counters.last_number + 1, updated_at = NOW()
		RETURNING last_number
	`, kind.Prefix, year).Scan(&last)
	if err != nil {
		return "", classify(err, "sequence", 0, "failed to allocate "+kind.Prefix+" number")
	}
	// An exhausted series fails the caller's transaction, which also rolls
	// the counter back.
	return kind.Number(year, last)
}
