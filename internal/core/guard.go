package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// The guard keeps at most one active offer, listing and agreement per plot.
// Each check runs after lockPlotTx in the same transaction, so two writers
// cannot both pass it. excludeID is the row being written (0 on insert).
// The partial unique indexes in the schema back these checks up.

func guardOfferTx(ctx context.Context, tx pgx.Tx, plotID, excludeID int64) error {
	var holder int64
	err := tx.QueryRow(ctx, `
		SELECT id FROM offers
		WHERE plot_id = $1 AND status = ANY($2) AND id <> $3
		LIMIT 1
	`, plotID, asStrings(activeOfferStatuses), excludeID).Scan(&holder)
	return guardResult(err, plotID, "offer", holder)
}

func guardListingTx(ctx context.Context, tx pgx.Tx, plotID, excludeID int64) error {
	var holder int64
	err := tx.QueryRow(ctx, `
		SELECT id FROM listings
		WHERE plot_id = $1 AND status = $2 AND id <> $3
		LIMIT 1
	`, plotID, string(ListingActive), excludeID).Scan(&holder)
	return guardResult(err, plotID, "listing", holder)
}

func guardAgreementTx(ctx context.Context, tx pgx.Tx, plotID, excludeID int64) error {
	var holder int64
	err := tx.QueryRow(ctx, `
		SELECT id FROM sale_agreements
		WHERE plot_id = $1 AND status = ANY($2) AND id <> $3
		LIMIT 1
	`, plotID, asStrings(activeAgreementStatuses), excludeID).Scan(&holder)
	return guardResult(err, plotID, "sale agreement", holder)
}

func guardResult(err error, plotID int64, kind string, holder int64) error {
	switch {
	case err == nil:
		return conflict("plot", plotID, "%s %d is already active", kind, holder)
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	default:
		return fmt.Errorf("failed to check active %s on plot %d: %w", kind, plotID, err)
	}
}
