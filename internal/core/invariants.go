package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	ownershipCap  = decimal.NewFromInt(100)
	sqmPerHectare = decimal.NewFromInt(10000)
	// areaTolerance is fixed policy: plots may exceed the saleable area by 5%.
	areaTolerance = decimal.RequireFromString("1.05")
)

// CheckOwnershipBudget rejects a share that would push the active ownership of
// a parcel above 100%. others is the sum over every other active link.
// Comparison is at two-decimal precision.
func CheckOwnershipBudget(others, proposed decimal.Decimal) error {
	total := others.Add(proposed).Round(2)
	if total.GreaterThan(ownershipCap) {
		return invalid("ownership_percentage",
			"active ownership would total %s%%, above 100%% (other owners hold %s%%)",
			total.StringFixed(2), others.StringFixed(2))
	}
	return nil
}

// SqmToHectares converts square metres to hectares.
func SqmToHectares(sqm decimal.Decimal) decimal.Decimal {
	return sqm.Div(sqmPerHectare)
}

// CheckAreaBudget rejects a plot that would push the subdivision's plotted area
// above saleable area × 1.05. Sizes are in square metres, the budget in hectares.
func CheckAreaBudget(otherSqm, proposedSqm, saleableHa decimal.Decimal) error {
	totalHa := SqmToHectares(otherSqm.Add(proposedSqm))
	limitHa := saleableHa.Mul(areaTolerance)
	if totalHa.GreaterThan(limitHa) {
		return invalid("size_sqm",
			"plots would cover %s ha, above the %s ha budget (saleable %s ha + 5%%)",
			totalHa.StringFixed(4), limitHa.StringFixed(4), saleableHa.StringFixed(4))
	}
	return nil
}

func checkPositive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return invalid(field, "must be greater than zero, got %s", d.String())
	}
	return nil
}

func checkNonNegative(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return invalid(field, "must not be negative, got %s", d.String())
	}
	return nil
}

// lockParcelTx takes the row lock on a parcel for the rest of the transaction.
func lockParcelTx(ctx context.Context, tx pgx.Tx, parcelID int64) (*Parcel, error) {
	var p Parcel
	err := tx.QueryRow(ctx, `
		SELECT id, registry_number, tenure, area_ha, acquisition_cost, location, created_at
		FROM parcels
		WHERE id = $1
		FOR UPDATE
	`, parcelID).Scan(&p.ID, &p.RegistryNumber, &p.Tenure, &p.AreaHa, &p.AcquisitionCost, &p.Location, &p.CreatedAt)
	if err != nil {
		return nil, classify(err, "parcel", parcelID, "failed to lock parcel")
	}
	return &p, nil
}

// lockSubdivisionTx takes the row lock on a subdivision for the rest of the transaction.
func lockSubdivisionTx(ctx context.Context, tx pgx.Tx, subdivisionID int64) (*Subdivision, error) {
	var s Subdivision
	err := tx.QueryRow(ctx, `
		SELECT id, parcel_id, name, planned_plots, created_plots, saleable_area_ha, status, created_at
		FROM subdivisions
		WHERE id = $1
		FOR UPDATE
	`, subdivisionID).Scan(&s.ID, &s.ParcelID, &s.Name, &s.PlannedPlots, &s.CreatedPlots, &s.SaleableAreaHa, &s.Status, &s.CreatedAt)
	if err != nil {
		return nil, classify(err, "subdivision", subdivisionID, "failed to lock subdivision")
	}
	return &s, nil
}

// checkOwnershipTx validates a new or changed share. The parcel must already be
// locked by the caller. excludeLinkID is the link being updated (0 on insert).
func checkOwnershipTx(ctx context.Context, tx pgx.Tx, parcelID, excludeLinkID int64, proposed decimal.Decimal) error {
	var others decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(ownership_percentage), 0)
		FROM parcel_owners
		WHERE parcel_id = $1 AND is_active AND id <> $2
	`, parcelID, excludeLinkID).Scan(&others)
	if err != nil {
		return fmt.Errorf("failed to sum ownership for parcel %d: %w", parcelID, err)
	}
	return CheckOwnershipBudget(others, proposed)
}

// checkAreaTx validates a new or resized plot. The subdivision must already be
// locked by the caller. excludePlotID is the plot being resized (0 on insert).
func checkAreaTx(ctx context.Context, tx pgx.Tx, sub *Subdivision, excludePlotID int64, proposedSqm decimal.Decimal) error {
	var otherSqm decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(size_sqm), 0)
		FROM plots
		WHERE subdivision_id = $1 AND id <> $2
	`, sub.ID, excludePlotID).Scan(&otherSqm)
	if err != nil {
		return fmt.Errorf("failed to sum plot area for subdivision %d: %w", sub.ID, err)
	}
	return CheckAreaBudget(otherSqm, proposedSqm, sub.SaleableAreaHa)
}
