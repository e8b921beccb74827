package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentService records money in and reconciles it. Agreement balances follow
// receipts; invoice amount_paid and status follow allocations. Both are
// recomputed inside the command that changed their inputs.
type PaymentService interface {
	// Receipts
	RecordReceipt(ctx context.Context, req RecordReceiptRequest) (*Receipt, error)
	UpdateReceipt(ctx context.Context, req UpdateReceiptRequest) (*Receipt, error)
	// DeleteReceipt is refused while any part of the receipt is allocated.
	DeleteReceipt(ctx context.Context, receiptID int64) error
	ListReceipts(ctx context.Context, agreementID int64) ([]Receipt, error)

	// Invoices and allocations
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)
	GetInvoice(ctx context.Context, invoiceID int64) (*Invoice, error)
	AllocatePayment(ctx context.Context, req AllocatePaymentRequest) (*PaymentAllocation, error)
	UpdateAllocation(ctx context.Context, allocationID int64, amount decimal.Decimal) (*PaymentAllocation, error)
	DeleteAllocation(ctx context.Context, allocationID int64) error

	// CreatePaymentPlan splits the agreement's balance into installment invoices.
	CreatePaymentPlan(ctx context.Context, req CreatePaymentPlanRequest) (*PaymentPlan, error)
}

type paymentService struct {
	*base
	seq SequenceGenerator
}

// DeriveInvoiceStatus computes an invoice's status from what has been
// allocated to it. The rules apply in order; the first match wins.
func DeriveInvoiceStatus(amountPaid, amountDue decimal.Decimal, dueDate, today time.Time) InvoiceStatus {
	switch {
	case amountPaid.IsZero() && dateOf(dueDate).Before(dateOf(today)):
		return InvoiceOverdue
	case amountPaid.IsZero():
		return InvoiceUnpaid
	case amountPaid.GreaterThanOrEqual(amountDue):
		return InvoicePaid
	default:
		return InvoicePartlyPaid
	}
}

// ── Receipts ─────────────────────────────────────────────────────────────────

const receiptColumns = `id, receipt_no, sale_agreement_id, amount, payment_date, method, reference, created_at`

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var r Receipt
	if err := row.Scan(&r.ID, &r.ReceiptNo, &r.SaleAgreementID, &r.Amount, &r.PaymentDate,
		&r.Method, &r.Reference, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *paymentService) RecordReceipt(ctx context.Context, req RecordReceiptRequest) (*Receipt, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("amount", req.Amount); err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = "bank_transfer"
	}

	var receipt *Receipt
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		ag, err := lockAgreementTx(ctx, tx, req.SaleAgreementID)
		if err != nil {
			return err
		}
		if ag.Status == AgreementCancelled {
			return conflict("sale agreement", ag.ID, "cannot take payments on a cancelled agreement")
		}

		number, err := s.seq.NextTx(ctx, tx, SeqReceipt, s.now().Year())
		if err != nil {
			return err
		}
		receipt, err = scanReceipt(tx.QueryRow(ctx, `
			INSERT INTO receipts (receipt_no, sale_agreement_id, amount, payment_date, method, reference)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+receiptColumns,
			number, req.SaleAgreementID, req.Amount, dateOf(req.PaymentDate), method, req.Reference))
		if err != nil {
			return classify(err, "receipt", 0, "failed to record receipt")
		}
		if err := audit(ctx, tx, "receipt", receipt.ID, "recorded",
			fmt.Sprintf("%s on %s", receipt.Amount.StringFixed(2), ag.AgreementNo)); err != nil {
			return err
		}
		return recomputeAgreementTx(ctx, tx, ag.ID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("receipt recorded",
		zap.String("receipt_no", receipt.ReceiptNo),
		zap.Int64("agreement_id", receipt.SaleAgreementID),
		zap.String("amount", receipt.Amount.StringFixed(2)))
	return receipt, nil
}

func (s *paymentService) UpdateReceipt(ctx context.Context, req UpdateReceiptRequest) (*Receipt, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("amount", req.Amount); err != nil {
		return nil, err
	}

	var receipt *Receipt
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		agreementID, err := receiptAgreementTx(ctx, tx, req.ReceiptID)
		if err != nil {
			return err
		}
		if _, err := lockAgreementTx(ctx, tx, agreementID); err != nil {
			return err
		}
		current, err := lockReceiptTx(ctx, tx, req.ReceiptID)
		if err != nil {
			return err
		}
		allocated, err := allocatedFromReceiptTx(ctx, tx, current.ID, 0)
		if err != nil {
			return err
		}
		if req.Amount.LessThan(allocated) {
			return invalid("amount", "receipt has %s allocated to invoices, cannot reduce to %s",
				allocated.StringFixed(2), req.Amount.StringFixed(2))
		}

		receipt, err = scanReceipt(tx.QueryRow(ctx, `
			UPDATE receipts SET amount = $1, payment_date = $2, reference = $3, updated_at = NOW()
			WHERE id = $4
			RETURNING `+receiptColumns, req.Amount, dateOf(req.PaymentDate), req.Reference, req.ReceiptID))
		if err != nil {
			return classify(err, "receipt", req.ReceiptID, "failed to update receipt")
		}
		if err := audit(ctx, tx, "receipt", receipt.ID, "updated",
			fmt.Sprintf("%s -> %s", current.Amount.StringFixed(2), receipt.Amount.StringFixed(2))); err != nil {
			return err
		}
		return recomputeAgreementTx(ctx, tx, agreementID)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *paymentService) DeleteReceipt(ctx context.Context, receiptID int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		agreementID, err := receiptAgreementTx(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		if _, err := lockAgreementTx(ctx, tx, agreementID); err != nil {
			return err
		}
		current, err := lockReceiptTx(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		allocated, err := allocatedFromReceiptTx(ctx, tx, receiptID, 0)
		if err != nil {
			return err
		}
		if allocated.IsPositive() {
			return conflict("receipt", receiptID, "receipt has %s allocated to invoices", allocated.StringFixed(2))
		}
		if _, err := tx.Exec(ctx, `DELETE FROM receipts WHERE id = $1`, receiptID); err != nil {
			return classify(err, "receipt", receiptID, "failed to delete receipt")
		}
		if err := audit(ctx, tx, "receipt", receiptID, "deleted", current.ReceiptNo); err != nil {
			return err
		}
		return recomputeAgreementTx(ctx, tx, agreementID)
	})
}

func (s *paymentService) ListReceipts(ctx context.Context, agreementID int64) ([]Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts
		WHERE sale_agreement_id = $1
		ORDER BY payment_date, id
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func receiptAgreementTx(ctx context.Context, tx pgx.Tx, receiptID int64) (int64, error) {
	var agreementID int64
	err := tx.QueryRow(ctx, `SELECT sale_agreement_id FROM receipts WHERE id = $1`, receiptID).Scan(&agreementID)
	if err != nil {
		return 0, classify(err, "receipt", receiptID, "failed to load receipt")
	}
	return agreementID, nil
}

func lockReceiptTx(ctx context.Context, tx pgx.Tx, receiptID int64) (*Receipt, error) {
	r, err := scanReceipt(tx.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1 FOR UPDATE`, receiptID))
	if err != nil {
		return nil, classify(err, "receipt", receiptID, "failed to lock receipt")
	}
	return r, nil
}

// recomputeAgreementTx sets deposit_paid to the sum of the agreement's
// receipts and balance_due to price minus that sum.
func recomputeAgreementTx(ctx context.Context, tx pgx.Tx, agreementID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE sale_agreements a
		SET deposit_paid = r.total,
		    balance_due = a.price - r.total,
		    updated_at = NOW()
		FROM (SELECT COALESCE(SUM(amount), 0) AS total FROM receipts WHERE sale_agreement_id = $1) r
		WHERE a.id = $1
	`, agreementID)
	if err != nil {
		return fmt.Errorf("failed to recompute balance for agreement %d: %w", agreementID, err)
	}
	return verifyAgreementBalanceTx(ctx, tx, agreementID)
}

// ── Invoices ─────────────────────────────────────────────────────────────────

const invoiceColumns = `id, invoice_no, sale_agreement_id, payment_plan_id, installment_no, description,
	amount_due, amount_paid, due_date, status, created_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	if err := row.Scan(&inv.ID, &inv.InvoiceNo, &inv.SaleAgreementID, &inv.PaymentPlanID, &inv.InstallmentNo,
		&inv.Description, &inv.AmountDue, &inv.AmountPaid, &inv.DueDate, &inv.Status, &inv.CreatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

type invoiceInsert struct {
	agreementID   *int64
	planID        *int64
	installmentNo *int
	description   string
	amountDue     decimal.Decimal
	dueDate       time.Time
}

func (s *paymentService) insertInvoiceTx(ctx context.Context, tx pgx.Tx, in invoiceInsert) (*Invoice, error) {
	number, err := s.seq.NextTx(ctx, tx, SeqInvoice, s.now().Year())
	if err != nil {
		return nil, err
	}
	status := DeriveInvoiceStatus(decimal.Zero, in.amountDue, in.dueDate, s.today())
	inv, err := scanInvoice(tx.QueryRow(ctx, `
		INSERT INTO invoices (invoice_no, sale_agreement_id, payment_plan_id, installment_no, description,
		                      amount_due, amount_paid, due_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
		RETURNING `+invoiceColumns,
		number, in.agreementID, in.planID, in.installmentNo, in.description,
		in.amountDue, dateOf(in.dueDate), string(status)))
	if err != nil {
		return nil, classify(err, "invoice", 0, "failed to create invoice")
	}
	if err := audit(ctx, tx, "invoice", inv.ID, "created", inv.InvoiceNo); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *paymentService) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("amount_due", req.AmountDue); err != nil {
		return nil, err
	}

	var inv *Invoice
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if req.SaleAgreementID != nil {
			ag, err := lockAgreementTx(ctx, tx, *req.SaleAgreementID)
			if err != nil {
				return err
			}
			if ag.Status == AgreementCancelled {
				return conflict("sale agreement", ag.ID, "cannot invoice a cancelled agreement")
			}
		}
		var err error
		inv, err = s.insertInvoiceTx(ctx, tx, invoiceInsert{
			agreementID: req.SaleAgreementID,
			description: req.Description,
			amountDue:   req.AmountDue,
			dueDate:     req.DueDate,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *paymentService) GetInvoice(ctx context.Context, invoiceID int64) (*Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, invoiceID))
	if err != nil {
		return nil, classify(err, "invoice", invoiceID, "failed to get invoice")
	}
	return inv, nil
}

func lockInvoiceTx(ctx context.Context, tx pgx.Tx, invoiceID int64) (*Invoice, error) {
	inv, err := scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID))
	if err != nil {
		return nil, classify(err, "invoice", invoiceID, "failed to lock invoice")
	}
	return inv, nil
}

// recomputeInvoiceTx sets amount_paid to the sum of the invoice's allocations
// and re-derives its status.
func recomputeInvoiceTx(ctx context.Context, tx pgx.Tx, invoiceID int64, today time.Time) error {
	var amountDue, paid decimal.Decimal
	var dueDate time.Time
	err := tx.QueryRow(ctx, `
		SELECT i.amount_due, i.due_date,
		       COALESCE((SELECT SUM(amount) FROM payment_allocations WHERE invoice_id = i.id), 0)
		FROM invoices i
		WHERE i.id = $1
	`, invoiceID).Scan(&amountDue, &dueDate, &paid)
	if err != nil {
		return classify(err, "invoice", invoiceID, "failed to total allocations")
	}

	status := DeriveInvoiceStatus(paid, amountDue, dueDate, today)
	_, err = tx.Exec(ctx, `
		UPDATE invoices SET amount_paid = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`, paid, string(status), invoiceID)
	if err != nil {
		return fmt.Errorf("failed to recompute invoice %d: %w", invoiceID, err)
	}
	return verifyInvoiceTx(ctx, tx, invoiceID)
}

// ── Allocations ──────────────────────────────────────────────────────────────

const allocationColumns = `id, receipt_id, invoice_id, amount, created_at`

func scanAllocation(row pgx.Row) (*PaymentAllocation, error) {
	var a PaymentAllocation
	if err := row.Scan(&a.ID, &a.ReceiptID, &a.InvoiceID, &a.Amount, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// allocatedFromReceiptTx sums a receipt's allocations, leaving out excludeID.
func allocatedFromReceiptTx(ctx context.Context, tx pgx.Tx, receiptID, excludeID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_allocations
		WHERE receipt_id = $1 AND id <> $2
	`, receiptID, excludeID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to total allocations for receipt %d: %w", receiptID, err)
	}
	return total, nil
}

func allocatedToInvoiceTx(ctx context.Context, tx pgx.Tx, invoiceID, excludeID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_allocations
		WHERE invoice_id = $1 AND id <> $2
	`, invoiceID, excludeID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to total allocations for invoice %d: %w", invoiceID, err)
	}
	return total, nil
}

// checkAllocationTx enforces both caps: a receipt cannot be allocated beyond its
// amount, and an invoice cannot take more than it still owes.
func checkAllocationTx(ctx context.Context, tx pgx.Tx, receipt *Receipt, inv *Invoice, excludeID int64, amount decimal.Decimal) error {
	if inv.SaleAgreementID != nil && *inv.SaleAgreementID != receipt.SaleAgreementID {
		return invalid("receipt_id", "receipt %s belongs to another agreement than invoice %s",
			receipt.ReceiptNo, inv.InvoiceNo)
	}
	fromReceipt, err := allocatedFromReceiptTx(ctx, tx, receipt.ID, excludeID)
	if err != nil {
		return err
	}
	if unallocated := receipt.Amount.Sub(fromReceipt); amount.GreaterThan(unallocated) {
		return invalid("amount", "receipt %s has only %s unallocated", receipt.ReceiptNo, unallocated.StringFixed(2))
	}
	toInvoice, err := allocatedToInvoiceTx(ctx, tx, inv.ID, excludeID)
	if err != nil {
		return err
	}
	if outstanding := inv.AmountDue.Sub(toInvoice); amount.GreaterThan(outstanding) {
		return invalid("amount", "invoice %s has only %s outstanding", inv.InvoiceNo, outstanding.StringFixed(2))
	}
	return nil
}

func (s *paymentService) AllocatePayment(ctx context.Context, req AllocatePaymentRequest) (*PaymentAllocation, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("amount", req.Amount); err != nil {
		return nil, err
	}

	var alloc *PaymentAllocation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		inv, err := lockInvoiceTx(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		receipt, err := lockReceiptTx(ctx, tx, req.ReceiptID)
		if err != nil {
			return err
		}
		if err := checkAllocationTx(ctx, tx, receipt, inv, 0, req.Amount); err != nil {
			return err
		}

		alloc, err = scanAllocation(tx.QueryRow(ctx, `
			INSERT INTO payment_allocations (receipt_id, invoice_id, amount)
			VALUES ($1, $2, $3)
			RETURNING `+allocationColumns, req.ReceiptID, req.InvoiceID, req.Amount))
		if err != nil {
			return classify(err, "payment allocation", 0, "failed to allocate payment")
		}
		if err := audit(ctx, tx, "invoice", inv.ID, "allocated",
			fmt.Sprintf("%s from %s", req.Amount.StringFixed(2), receipt.ReceiptNo)); err != nil {
			return err
		}
		return recomputeInvoiceTx(ctx, tx, inv.ID, s.today())
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("payment allocated",
		zap.Int64("receipt_id", alloc.ReceiptID),
		zap.Int64("invoice_id", alloc.InvoiceID),
		zap.String("amount", alloc.Amount.StringFixed(2)))
	return alloc, nil
}

func (s *paymentService) UpdateAllocation(ctx context.Context, allocationID int64, amount decimal.Decimal) (*PaymentAllocation, error) {
	if err := checkPositive("amount", amount); err != nil {
		return nil, err
	}

	var alloc *PaymentAllocation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanAllocation(tx.QueryRow(ctx, `SELECT `+allocationColumns+` FROM payment_allocations WHERE id = $1`, allocationID))
		if err != nil {
			return classify(err, "payment allocation", allocationID, "failed to load allocation")
		}
		inv, err := lockInvoiceTx(ctx, tx, current.InvoiceID)
		if err != nil {
			return err
		}
		receipt, err := lockReceiptTx(ctx, tx, current.ReceiptID)
		if err != nil {
			return err
		}
		if err := checkAllocationTx(ctx, tx, receipt, inv, allocationID, amount); err != nil {
			return err
		}

		alloc, err = scanAllocation(tx.QueryRow(ctx, `
			UPDATE payment_allocations SET amount = $1, updated_at = NOW()
			WHERE id = $2
			RETURNING `+allocationColumns, amount, allocationID))
		if err != nil {
			return classify(err, "payment allocation", allocationID, "failed to update allocation")
		}
		if err := audit(ctx, tx, "invoice", inv.ID, "allocation_updated",
			fmt.Sprintf("%s -> %s", current.Amount.StringFixed(2), amount.StringFixed(2))); err != nil {
			return err
		}
		return recomputeInvoiceTx(ctx, tx, inv.ID, s.today())
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func (s *paymentService) DeleteAllocation(ctx context.Context, allocationID int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanAllocation(tx.QueryRow(ctx, `SELECT `+allocationColumns+` FROM payment_allocations WHERE id = $1`, allocationID))
		if err != nil {
			return classify(err, "payment allocation", allocationID, "failed to load allocation")
		}
		if _, err := lockInvoiceTx(ctx, tx, current.InvoiceID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM payment_allocations WHERE id = $1`, allocationID); err != nil {
			return classify(err, "payment allocation", allocationID, "failed to delete allocation")
		}
		if err := audit(ctx, tx, "invoice", current.InvoiceID, "allocation_deleted", current.Amount.StringFixed(2)); err != nil {
			return err
		}
		return recomputeInvoiceTx(ctx, tx, current.InvoiceID, s.today())
	})
}

// ── Payment plans ────────────────────────────────────────────────────────────

// SplitInstallments divides total into n amounts rounded to cents. The last
// installment absorbs the rounding remainder so the parts sum to total.
func SplitInstallments(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	each := total.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	parts := make([]decimal.Decimal, n)
	for i := range n - 1 {
		parts[i] = each
	}
	parts[n-1] = total.Sub(each.Mul(decimal.NewFromInt(int64(n - 1))))
	return parts
}

// checkInstallmentCount refuses a schedule whose regular installment would
// round down to zero cents.
func checkInstallmentCount(balance decimal.Decimal, n int) error {
	if n <= 0 {
		return invalid("installments", "must be at least 1")
	}
	if balance.Div(decimal.NewFromInt(int64(n))).RoundDown(2).IsPositive() {
		return nil
	}
	return invalid("installments", "balance %s cannot be split into %d installments", balance.StringFixed(2), n)
}

// InstallmentDueDate returns the due date of installment i (0-based). Month
// steps clamp to the last day of shorter months.
func InstallmentDueDate(first time.Time, frequency string, i int) time.Time {
	months := i
	switch frequency {
	case "quarterly":
		months = 3 * i
	case "annual":
		months = 12 * i
	}
	return addMonthsClamped(dateOf(first), months)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), min(d, lastDay), 0, 0, 0, 0, time.UTC)
}

func (s *paymentService) CreatePaymentPlan(ctx context.Context, req CreatePaymentPlanRequest) (*PaymentPlan, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	var plan PaymentPlan
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		ag, err := lockAgreementTx(ctx, tx, req.SaleAgreementID)
		if err != nil {
			return err
		}
		if ag.Status == AgreementCancelled || ag.Status == AgreementSettled {
			return conflict("sale agreement", ag.ID, "cannot plan payments on a %s agreement", ag.Status)
		}
		if !ag.BalanceDue.IsPositive() {
			return invalid("sale_agreement_id", "agreement %s has no balance to schedule", ag.AgreementNo)
		}

		if err := checkInstallmentCount(ag.BalanceDue, req.Installments); err != nil {
			return err
		}
		parts := SplitInstallments(ag.BalanceDue, req.Installments)
		err = tx.QueryRow(ctx, `
			INSERT INTO payment_plans (sale_agreement_id, installments, frequency, installment_amount, first_due_date)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, sale_agreement_id, installments, frequency, installment_amount, first_due_date, created_at
		`, ag.ID, req.Installments, req.Frequency, parts[0], dateOf(req.FirstDueDate)).Scan(
			&plan.ID, &plan.SaleAgreementID, &plan.Installments, &plan.Frequency,
			&plan.InstallmentAmount, &plan.FirstDueDate, &plan.CreatedAt,
		)
		if err != nil {
			return classify(err, "payment plan", 0, "failed to create payment plan")
		}

		for i, amount := range parts {
			installment := i + 1
			inv, err := s.insertInvoiceTx(ctx, tx, invoiceInsert{
				agreementID:   &ag.ID,
				planID:        &plan.ID,
				installmentNo: &installment,
				description:   fmt.Sprintf("%s installment %d of %d", ag.AgreementNo, installment, req.Installments),
				amountDue:     amount,
				dueDate:       InstallmentDueDate(req.FirstDueDate, req.Frequency, i),
			})
			if err != nil {
				return err
			}
			plan.Invoices = append(plan.Invoices, *inv)
		}
		return audit(ctx, tx, "sale_agreement", ag.ID, "payment_plan_created",
			fmt.Sprintf("%d %s installments", req.Installments, req.Frequency))
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}
