package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// commissionPayableDays is the delay between agreement date and commission payout.
const commissionPayableDays = 30

// CommissionService exposes the commissions accrued by sale agreements.
// Accrual itself happens inside the agreement commands.
type CommissionService interface {
	ListCommissions(ctx context.Context, agreementID int64) ([]Commission, error)
	MarkCommissionPaid(ctx context.Context, commissionID int64) (*Commission, error)
}

type commissionService struct {
	*base
}

// ComputeCommission returns price × rate / 100, rounded to cents.
func ComputeCommission(price, rate decimal.Decimal) decimal.Decimal {
	return price.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
}

// CommissionPayableDate returns the date a commission falls due.
func CommissionPayableDate(agreementDate time.Time) time.Time {
	return dateOf(agreementDate).AddDate(0, 0, commissionPayableDays)
}

const commissionColumns = `id, agent_id, sale_agreement_id, rate, amount, status, payable_date, paid_at, created_at`

func scanCommission(row pgx.Row) (*Commission, error) {
	var c Commission
	if err := row.Scan(&c.ID, &c.AgentID, &c.SaleAgreementID, &c.Rate, &c.Amount, &c.Status,
		&c.PayableDate, &c.PaidAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// accrueTx records the agent's commission when an agreement enters active.
// A repeat for the same (agent, agreement) pair is a no-op.
func (s *commissionService) accrueTx(ctx context.Context, tx pgx.Tx, ag *SaleAgreement) error {
	if ag.AgentID == nil {
		return nil
	}
	var rate decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT commission_rate FROM agents WHERE id = $1`, *ag.AgentID).Scan(&rate)
	if err != nil {
		return classify(err, "agent", *ag.AgentID, "failed to look up commission rate")
	}

	amount := ComputeCommission(ag.Price, rate)
	tag, err := tx.Exec(ctx, `
		INSERT INTO commissions (agent_id, sale_agreement_id, rate, amount, payable_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id, sale_agreement_id) DO NOTHING
	`, *ag.AgentID, ag.ID, rate, amount, CommissionPayableDate(ag.AgreementDate))
	if err != nil {
		return classify(err, "commission", 0, "failed to accrue commission")
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	s.log.Debug("commission accrued",
		zap.Int64("agreement_id", ag.ID),
		zap.Int64("agent_id", *ag.AgentID),
		zap.String("amount", amount.StringFixed(2)))
	return audit(ctx, tx, "sale_agreement", ag.ID, "commission_accrued",
		fmt.Sprintf("agent %d: %s", *ag.AgentID, amount.StringFixed(2)))
}

// cancelTx voids unpaid commissions of a cancelled agreement.
func (s *commissionService) cancelTx(ctx context.Context, tx pgx.Tx, agreementID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE commissions SET status = $1
		WHERE sale_agreement_id = $2 AND status = $3
	`, string(CommissionCancelled), agreementID, string(CommissionPending))
	if err != nil {
		return fmt.Errorf("failed to cancel commissions for agreement %d: %w", agreementID, err)
	}
	return nil
}

func (s *commissionService) ListCommissions(ctx context.Context, agreementID int64) ([]Commission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commissionColumns+`
		FROM commissions
		WHERE sale_agreement_id = $1
		ORDER BY id
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commissions: %w", err)
	}
	defer rows.Close()

	var out []Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commission: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *commissionService) MarkCommissionPaid(ctx context.Context, commissionID int64) (*Commission, error) {
	var c *Commission
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanCommission(tx.QueryRow(ctx,
			`SELECT `+commissionColumns+` FROM commissions WHERE id = $1 FOR UPDATE`, commissionID))
		if err != nil {
			return classify(err, "commission", commissionID, "failed to lock commission")
		}
		if current.Status != CommissionPending {
			return conflict("commission", commissionID, "cannot pay a %s commission", current.Status)
		}
		c, err = scanCommission(tx.QueryRow(ctx, `
			UPDATE commissions SET status = $1, paid_at = $2
			WHERE id = $3
			RETURNING `+commissionColumns, string(CommissionPaid), s.now(), commissionID))
		if err != nil {
			return classify(err, "commission", commissionID, "failed to mark commission paid")
		}
		return audit(ctx, tx, "sale_agreement", c.SaleAgreementID, "commission_paid", fmt.Sprintf("commission %d", commissionID))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
