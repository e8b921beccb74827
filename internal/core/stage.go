package core

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// DerivePlotStage computes a plot's stage from the statuses of every offer and
// agreement on it. The result never depends on which row changed last.
//
// A settled agreement means TRANSFERRED. Any other live agreement means SOLD.
// Failing that, a reserved or accepted offer means RESERVED. Otherwise the plot
// keeps a pre-sale stage (RAW, SURVEYED, READY_FOR_SALE) or falls back to
// READY_FOR_SALE.
func DerivePlotStage(current PlotStage, offers []OfferStatus, agreements []AgreementStatus) PlotStage {
	if slices.Contains(agreements, AgreementSettled) {
		return StageTransferred
	}
	for _, a := range agreements {
		if slices.Contains(liveAgreementStatuses, a) {
			return StageSold
		}
	}
	for _, o := range offers {
		if slices.Contains(activeOfferStatuses, o) {
			return StageReserved
		}
	}
	switch current {
	case StageRaw, StageSurveyed, StageReadyForSale:
		return current
	}
	return StageReadyForSale
}

// acceptsOffers reports whether new or accepted offers are allowed at stage s.
// SOLD plots take backup offers that become effective if the agreement falls through.
func acceptsOffers(s PlotStage) bool {
	switch s {
	case StageReadyForSale, StageReserved, StageSold:
		return true
	}
	return false
}

// acceptsAgreements reports whether a sale agreement may be created at stage s.
func acceptsAgreements(s PlotStage) bool {
	return s == StageReadyForSale || s == StageReserved
}

func asStrings[T ~string](vs []T) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

const plotColumns = `id, subdivision_id, plot_number, size_sqm, stage, has_water, has_electricity,
	has_road_access, surveyed_at, created_at, updated_at`

func scanPlot(row pgx.Row) (*Plot, error) {
	var p Plot
	err := row.Scan(&p.ID, &p.SubdivisionID, &p.PlotNumber, &p.SizeSqm, &p.Stage, &p.HasWater,
		&p.HasElectricity, &p.HasRoadAccess, &p.SurveyedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// lockPlotTx takes the row lock on a plot. Every command that changes the
// plot's offers, listings or agreements goes through here first, so guard
// checks and stage derivation see a stable set.
func lockPlotTx(ctx context.Context, tx pgx.Tx, plotID int64) (*Plot, error) {
	p, err := scanPlot(tx.QueryRow(ctx, `SELECT `+plotColumns+` FROM plots WHERE id = $1 FOR UPDATE`, plotID))
	if err != nil {
		return nil, classify(err, "plot", plotID, "failed to lock plot")
	}
	return p, nil
}

// plotIDForTx resolves the plot behind an offer or agreement row without
// locking the row itself. Callers lock the plot first, then the child row.
func plotIDForTx(ctx context.Context, tx pgx.Tx, table string, id int64) (int64, error) {
	var plotID int64
	err := tx.QueryRow(ctx, `SELECT plot_id FROM `+table+` WHERE id = $1`, id).Scan(&plotID)
	if err != nil {
		return 0, classify(err, entityOf(table), id, "failed to resolve plot")
	}
	return plotID, nil
}

func entityOf(table string) string {
	switch table {
	case "offers":
		return "offer"
	case "sale_agreements":
		return "sale agreement"
	case "listings":
		return "listing"
	}
	return table
}

// applyPlotStageTx re-derives the stage of a locked plot from all of its
// offers and agreements and writes it back when it changed.
func applyPlotStageTx(ctx context.Context, tx pgx.Tx, plot *Plot) (PlotStage, error) {
	offers, err := collectStatuses[OfferStatus](ctx, tx,
		`SELECT status FROM offers WHERE plot_id = $1`, plot.ID)
	if err != nil {
		return "", fmt.Errorf("failed to read offers for plot %d: %w", plot.ID, err)
	}
	agreements, err := collectStatuses[AgreementStatus](ctx, tx,
		`SELECT status FROM sale_agreements WHERE plot_id = $1`, plot.ID)
	if err != nil {
		return "", fmt.Errorf("failed to read agreements for plot %d: %w", plot.ID, err)
	}

	next := DerivePlotStage(plot.Stage, offers, agreements)
	if next == plot.Stage {
		return next, nil
	}
	_, err = tx.Exec(ctx, `UPDATE plots SET stage = $1, updated_at = NOW() WHERE id = $2`, string(next), plot.ID)
	if err != nil {
		return "", fmt.Errorf("failed to move plot %d to %s: %w", plot.ID, next, err)
	}
	if err := audit(ctx, tx, "plot", plot.ID, "stage_changed", fmt.Sprintf("%s -> %s", plot.Stage, next)); err != nil {
		return "", err
	}
	plot.Stage = next
	return next, nil
}

func collectStatuses[T ~string](ctx context.Context, tx pgx.Tx, sql string, id int64) ([]T, error) {
	rows, err := tx.Query(ctx, sql, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		var s string
		err := row.Scan(&s)
		return T(s), err
	})
}
