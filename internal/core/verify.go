package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// invariantCheck is a query returning (aggregate id, detail) for every
// aggregate that breaks the invariant. $1 narrows it to one aggregate; NULL
// scans the whole database.
type invariantCheck struct {
	name   string
	entity string
	query  string
}

var (
	checkOwnership = invariantCheck{"ownership_sum", "parcel", `
		SELECT parcel_id, 'active ownership totals ' || SUM(ownership_percentage)::text || '%'
		FROM parcel_owners
		WHERE is_active AND ($1::bigint IS NULL OR parcel_id = $1)
		GROUP BY parcel_id
		HAVING SUM(ownership_percentage) > 100`}

	checkArea = invariantCheck{"area_budget", "subdivision", `
		SELECT s.id, 'plots cover ' || (SUM(p.size_sqm) / 10000)::text || ' ha of ' || s.saleable_area_ha::text || ' ha saleable'
		FROM subdivisions s
		JOIN plots p ON p.subdivision_id = s.id
		WHERE ($1::bigint IS NULL OR s.id = $1)
		GROUP BY s.id, s.saleable_area_ha
		HAVING SUM(p.size_sqm) / 10000 > s.saleable_area_ha * 1.05`}

	checkSingleOffer = invariantCheck{"single_active_offer", "plot", `
		SELECT plot_id, COUNT(*)::text || ' reserved/accepted offers'
		FROM offers
		WHERE status IN ('reserved', 'accepted') AND ($1::bigint IS NULL OR plot_id = $1)
		GROUP BY plot_id
		HAVING COUNT(*) > 1`}

	checkSingleListing = invariantCheck{"single_active_listing", "plot", `
		SELECT plot_id, COUNT(*)::text || ' active listings'
		FROM listings
		WHERE status = 'active' AND ($1::bigint IS NULL OR plot_id = $1)
		GROUP BY plot_id
		HAVING COUNT(*) > 1`}

	checkSingleAgreement = invariantCheck{"single_active_agreement", "plot", `
		SELECT plot_id, COUNT(*)::text || ' active/completed agreements'
		FROM sale_agreements
		WHERE status IN ('active', 'completed') AND ($1::bigint IS NULL OR plot_id = $1)
		GROUP BY plot_id
		HAVING COUNT(*) > 1`}

	checkBalance = invariantCheck{"agreement_balance", "sale agreement", `
		SELECT a.id, 'deposit ' || a.deposit_paid::text || ', receipts ' || COALESCE(r.total, 0)::text
		             || ', balance ' || a.balance_due::text || ', price ' || a.price::text
		FROM sale_agreements a
		LEFT JOIN (SELECT sale_agreement_id, SUM(amount) AS total FROM receipts GROUP BY sale_agreement_id) r
		       ON r.sale_agreement_id = a.id
		WHERE ($1::bigint IS NULL OR a.id = $1)
		  AND (a.deposit_paid <> COALESCE(r.total, 0) OR a.balance_due <> a.price - a.deposit_paid)`}

	checkInvoice = invariantCheck{"invoice_paid", "invoice", `
		SELECT i.id, 'amount_paid ' || i.amount_paid::text || ', allocated ' || COALESCE(al.total, 0)::text
		             || ', due ' || i.amount_due::text || ', status ' || i.status
		FROM invoices i
		LEFT JOIN (SELECT invoice_id, SUM(amount) AS total FROM payment_allocations GROUP BY invoice_id) al
		       ON al.invoice_id = i.id
		WHERE ($1::bigint IS NULL OR i.id = $1)
		  AND (i.amount_paid <> COALESCE(al.total, 0) OR (i.amount_paid >= i.amount_due) <> (i.status = 'paid'))`}

	checkCurrentDocument = invariantCheck{"single_current_document", "document", `
		SELECT COALESCE(parent_document_id, id), COUNT(*) FILTER (WHERE is_current_version)::text || ' current versions'
		FROM documents
		WHERE ($1::bigint IS NULL OR COALESCE(parent_document_id, id) = $1)
		GROUP BY COALESCE(parent_document_id, id)
		HAVING COUNT(*) FILTER (WHERE is_current_version) <> 1`}
)

var allChecks = []invariantCheck{
	checkOwnership, checkArea, checkSingleOffer, checkSingleListing,
	checkSingleAgreement, checkBalance, checkInvoice, checkCurrentDocument,
}

func (c invariantCheck) run(ctx context.Context, q pgxQuerier, scope *int64) ([]ConsistencyError, error) {
	rows, err := q.Query(ctx, c.query, scope)
	if err != nil {
		return nil, fmt.Errorf("invariant %s: %w", c.name, err)
	}
	defer rows.Close()

	var out []ConsistencyError
	for rows.Next() {
		v := ConsistencyError{Invariant: c.name, Entity: c.entity}
		if err := rows.Scan(&v.ID, &v.Detail); err != nil {
			return nil, fmt.Errorf("invariant %s: %w", c.name, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// enforce runs c scoped to one aggregate inside tx and turns the first
// violation into a ConsistencyError, which aborts the transaction.
func (c invariantCheck) enforce(ctx context.Context, tx pgx.Tx, id int64) error {
	violations, err := c.run(ctx, tx, &id)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return &violations[0]
	}
	return nil
}

func verifyOwnershipTx(ctx context.Context, tx pgx.Tx, parcelID int64) error {
	return checkOwnership.enforce(ctx, tx, parcelID)
}

func verifyAreaTx(ctx context.Context, tx pgx.Tx, subdivisionID int64) error {
	return checkArea.enforce(ctx, tx, subdivisionID)
}

func verifyAgreementBalanceTx(ctx context.Context, tx pgx.Tx, agreementID int64) error {
	return checkBalance.enforce(ctx, tx, agreementID)
}

func verifyInvoiceTx(ctx context.Context, tx pgx.Tx, invoiceID int64) error {
	return checkInvoice.enforce(ctx, tx, invoiceID)
}

func verifyDocumentChainTx(ctx context.Context, tx pgx.Tx, rootID int64) error {
	return checkCurrentDocument.enforce(ctx, tx, rootID)
}

// verifyPlotTx checks the per-plot guards and that the stored stage is the
// one its offers and agreements derive.
func verifyPlotTx(ctx context.Context, tx pgx.Tx, plotID int64) error {
	for _, c := range []invariantCheck{checkSingleOffer, checkSingleListing, checkSingleAgreement} {
		if err := c.enforce(ctx, tx, plotID); err != nil {
			return err
		}
	}

	plot, err := getPlot(ctx, tx, plotID)
	if err != nil {
		return err
	}
	offers, err := collectStatuses[OfferStatus](ctx, tx, `SELECT status FROM offers WHERE plot_id = $1`, plotID)
	if err != nil {
		return fmt.Errorf("failed to read offers for plot %d: %w", plotID, err)
	}
	agreements, err := collectStatuses[AgreementStatus](ctx, tx, `SELECT status FROM sale_agreements WHERE plot_id = $1`, plotID)
	if err != nil {
		return fmt.Errorf("failed to read agreements for plot %d: %w", plotID, err)
	}
	if want := DerivePlotStage(plot.Stage, offers, agreements); want != plot.Stage {
		return &ConsistencyError{
			Invariant: "plot_stage",
			Entity:    "plot",
			ID:        plotID,
			Detail:    fmt.Sprintf("stored %s, derived %s", plot.Stage, want),
		}
	}
	return nil
}

// Verifier scans the whole database for invariant violations.
type Verifier struct {
	pool *pgxpool.Pool
}

func NewVerifier(pool *pgxpool.Pool) *Verifier {
	return &Verifier{pool: pool}
}

// Verify returns every violation found. An empty result means the database is consistent.
func (v *Verifier) Verify(ctx context.Context) ([]ConsistencyError, error) {
	var all []ConsistencyError
	for _, c := range allChecks {
		found, err := c.run(ctx, v.pool, nil)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	return all, nil
}
