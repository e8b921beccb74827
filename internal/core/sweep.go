package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Retention windows for PurgeOldAuditRows. Critical security audit rows are
// kept forever.
const (
	AuditRetentionYears    = 2
	AccessRetentionYears   = 2
	ActivityRetentionYears = 1
)

// SweepOptions bounds one sweep run.
type SweepOptions struct {
	BatchSize int
	// FollowUpTasks opens a task for every invoice newly marked overdue.
	FollowUpTasks bool
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Scanned  int
	Affected int
	Failed   int
	Duration time.Duration
}

// SweepService holds the periodic batch jobs. Each item is processed in its
// own transaction, so a failure or cancellation never leaves a batch half-applied.
type SweepService interface {
	ExpireStaleOffers(ctx context.Context, opts SweepOptions) (SweepResult, error)
	MarkOverdueInvoices(ctx context.Context, opts SweepOptions) (SweepResult, error)
	PurgeOldAuditRows(ctx context.Context, opts SweepOptions) (SweepResult, error)
}

type sweepService struct {
	*base
	sales *salesService
}

func batchSize(opts SweepOptions) int {
	if opts.BatchSize <= 0 {
		return 100
	}
	return opts.BatchSize
}

// eachCandidate pages through ids returned by query (which takes the cursor
// as $1 and the limit as $2, plus extra args) and calls fn for each. Paging is
// by id, so rows that failed are not picked up again in the same run.
func (s *sweepService) eachCandidate(ctx context.Context, opts SweepOptions, query string, args []any, res *SweepResult, fn func(id int64) (bool, error)) error {
	limit := batchSize(opts)
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.pool.Query(ctx, query, append([]any{cursor, limit}, args...)...)
		if err != nil {
			return fmt.Errorf("failed to select sweep batch: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to read sweep batch: %w", err)
		}

		for _, id := range ids {
			res.Scanned++
			changed, err := fn(id)
			switch {
			case err != nil:
				res.Failed++
				s.log.Warn("sweep item failed", zap.Int64("id", id), zap.Error(err))
			case changed:
				res.Affected++
			}
			cursor = id
		}
		if len(ids) < limit {
			return nil
		}
	}
}

func (s *sweepService) ExpireStaleOffers(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	start := s.now()
	var res SweepResult
	today := s.today()

	err := s.eachCandidate(ctx, opts, `
		SELECT id FROM offers
		WHERE id > $1 AND status IN ('draft', 'reserved') AND expiry_date < $3
		ORDER BY id
		LIMIT $2
	`, []any{today}, &res, func(id int64) (bool, error) {
		return expireOne(ctx, s.sales, id, DefaultRetryPolicy)
	})

	res.Duration = s.now().Sub(start)
	s.log.Info("expire-offers sweep finished",
		zap.Int("scanned", res.Scanned), zap.Int("expired", res.Affected), zap.Int("failed", res.Failed))
	return res, err
}

// offerExpirer is the part of SalesService the expiry sweep drives.
type offerExpirer interface {
	ExpireOffer(ctx context.Context, offerID int64) (*Offer, error)
	GetOffer(ctx context.Context, offerID int64) (*Offer, error)
}

// expireOne expires a single offer. Lock contention is retried. A conflict
// is skipped only when the offer has left draft/reserved since it was selected.
func expireOne(ctx context.Context, sales offerExpirer, offerID int64, policy RetryPolicy) (bool, error) {
	expired := false
	err := Retry(ctx, policy, func(ctx context.Context) error {
		_, err := sales.ExpireOffer(ctx, offerID)
		if err == nil {
			expired = true
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		current, getErr := sales.GetOffer(ctx, offerID)
		if getErr != nil {
			return err
		}
		if current.Status != OfferDraft && current.Status != OfferReserved {
			return nil
		}
		return err
	})
	return expired, err
}

func (s *sweepService) MarkOverdueInvoices(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	start := s.now()
	var res SweepResult
	today := s.today()

	err := s.eachCandidate(ctx, opts, `
		SELECT id FROM invoices
		WHERE id > $1 AND status IN ('unpaid', 'partly_paid') AND due_date < $3
		ORDER BY id
		LIMIT $2
	`, []any{today}, &res, func(id int64) (bool, error) {
		var changed bool
		err := Retry(ctx, DefaultRetryPolicy, func(ctx context.Context) error {
			var err error
			changed, err = s.markOverdue(ctx, id, today, opts.FollowUpTasks)
			return err
		})
		return changed, err
	})

	res.Duration = s.now().Sub(start)
	s.log.Info("mark-overdue-invoices sweep finished",
		zap.Int("scanned", res.Scanned), zap.Int("marked", res.Affected), zap.Int("failed", res.Failed))
	return res, err
}

func (s *sweepService) markOverdue(ctx context.Context, invoiceID int64, today time.Time, followUp bool) (bool, error) {
	changed := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		inv, err := lockInvoiceTx(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		// Re-check under the lock; an allocation may have landed meanwhile.
		if inv.Status != InvoiceUnpaid && inv.Status != InvoicePartlyPaid {
			return nil
		}
		if !dateOf(inv.DueDate).Before(today) {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE invoices SET status = $1, updated_at = NOW() WHERE id = $2`,
			string(InvoiceOverdue), invoiceID)
		if err != nil {
			return fmt.Errorf("failed to mark invoice %d overdue: %w", invoiceID, err)
		}
		if err := audit(ctx, tx, "invoice", invoiceID, "overdue", inv.InvoiceNo); err != nil {
			return err
		}
		if followUp {
			if err := openTaskTx(ctx, tx, "invoice", invoiceID, "overdue_follow_up",
				fmt.Sprintf("Follow up overdue invoice %s", inv.InvoiceNo), &today); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	return changed, err
}

// openTaskTx raises a follow-up task unless an open one of the same kind
// already exists for the entity.
func openTaskTx(ctx context.Context, tx pgx.Tx, entityType string, entityID int64, kind, title string, due *time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (entity_type, entity_id, kind, title, due_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_type, entity_id, kind) WHERE status = 'open' DO NOTHING
	`, entityType, entityID, kind, title, due)
	if err != nil {
		return fmt.Errorf("failed to open %s task for %s %d: %w", kind, entityType, entityID, err)
	}
	return nil
}

// retentionTarget is one log table swept by PurgeOldAuditRows.
type retentionTarget struct {
	table string
	years int
	keep  string // extra predicate for rows that are never purged
}

var retentionTargets = []retentionTarget{
	{"audit_logs", AuditRetentionYears, "category = 'security' AND severity = 'critical'"},
	{"access_logs", AccessRetentionYears, ""},
	{"user_activity", ActivityRetentionYears, ""},
}

func (s *sweepService) PurgeOldAuditRows(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	start := s.now()
	var res SweepResult
	limit := batchSize(opts)

	for _, target := range retentionTargets {
		cutoff := s.now().AddDate(-target.years, 0, 0)
		keep := "FALSE"
		if target.keep != "" {
			keep = target.keep
		}
		query := fmt.Sprintf(`
			DELETE FROM %[1]s
			WHERE id IN (
				SELECT id FROM %[1]s
				WHERE created_at < $1 AND NOT (%[2]s)
				ORDER BY id
				LIMIT $2
			)`, target.table, keep)

		for {
			if err := ctx.Err(); err != nil {
				res.Duration = s.now().Sub(start)
				return res, err
			}
			tag, err := s.pool.Exec(ctx, query, cutoff, limit)
			if err != nil {
				res.Failed++
				s.log.Warn("retention batch failed", zap.String("table", target.table), zap.Error(err))
				break
			}
			n := int(tag.RowsAffected())
			res.Scanned += n
			res.Affected += n
			if n < limit {
				break
			}
		}
	}

	res.Duration = s.now().Sub(start)
	s.log.Info("purge-audit sweep finished", zap.Int("deleted", res.Affected), zap.Int("failed", res.Failed))
	return res, nil
}
