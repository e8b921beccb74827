package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// RegistryService manages master data: owners, clients, agents, parcels and
// their ownership shares, subdivisions and plots.
type RegistryService interface {
	CreateOwner(ctx context.Context, req CreateOwnerRequest) (*Owner, error)
	CreateClient(ctx context.Context, req CreateClientRequest) (*Client, error)
	CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error)
	CreateParcel(ctx context.Context, req CreateParcelRequest) (*Parcel, error)

	// Ownership shares. Active shares on a parcel never sum above 100%.
	AddParcelOwner(ctx context.Context, req AddParcelOwnerRequest) (*ParcelOwner, error)
	UpdateParcelOwner(ctx context.Context, req UpdateParcelOwnerRequest) (*ParcelOwner, error)
	DeactivateParcelOwner(ctx context.Context, parcelOwnerID int64) (*ParcelOwner, error)
	ListParcelOwners(ctx context.Context, parcelID int64) ([]ParcelOwner, error)

	// Subdivision planning. Plot areas stay within saleable area × 1.05.
	CreateSubdivision(ctx context.Context, req CreateSubdivisionRequest) (*Subdivision, error)
	GetSubdivision(ctx context.Context, subdivisionID int64) (*Subdivision, error)
	CreatePlot(ctx context.Context, req CreatePlotRequest) (*Plot, error)
	UpdatePlot(ctx context.Context, req UpdatePlotRequest) (*Plot, error)
	DeletePlot(ctx context.Context, plotID int64) error
	// RecordSurvey moves a RAW plot to SURVEYED.
	RecordSurvey(ctx context.Context, plotID int64) (*Plot, error)
	GetPlot(ctx context.Context, plotID int64) (*Plot, error)
}

type registryService struct {
	*base
}

// ── Parties ──────────────────────────────────────────────────────────────────

func (s *registryService) CreateOwner(ctx context.Context, req CreateOwnerRequest) (*Owner, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	var o Owner
	err := s.pool.QueryRow(ctx, `
		INSERT INTO owners (full_name, id_number, email, phone)
		VALUES ($1, $2, $3, $4)
		RETURNING id, full_name, COALESCE(id_number, ''), COALESCE(email, ''), COALESCE(phone, ''), created_at
	`, req.FullName, req.IDNumber, req.Email, req.Phone).Scan(
		&o.ID, &o.FullName, &o.IDNumber, &o.Email, &o.Phone, &o.CreatedAt,
	)
	if err != nil {
		return nil, classify(err, "owner", 0, "failed to create owner")
	}
	return &o, nil
}

func (s *registryService) CreateClient(ctx context.Context, req CreateClientRequest) (*Client, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	var c Client
	err := s.pool.QueryRow(ctx, `
		INSERT INTO clients (full_name, email, phone)
		VALUES ($1, $2, $3)
		RETURNING id, full_name, COALESCE(email, ''), COALESCE(phone, ''), created_at
	`, req.FullName, req.Email, req.Phone).Scan(&c.ID, &c.FullName, &c.Email, &c.Phone, &c.CreatedAt)
	if err != nil {
		return nil, classify(err, "client", 0, "failed to create client")
	}
	return &c, nil
}

func (s *registryService) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkNonNegative("commission_rate", req.CommissionRate); err != nil {
		return nil, err
	}
	if req.CommissionRate.GreaterThan(ownershipCap) {
		return nil, invalid("commission_rate", "must not exceed 100, got %s", req.CommissionRate)
	}
	var a Agent
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agents (full_name, email, commission_rate)
		VALUES ($1, $2, $3)
		RETURNING id, full_name, COALESCE(email, ''), commission_rate, is_active, created_at
	`, req.FullName, req.Email, req.CommissionRate).Scan(
		&a.ID, &a.FullName, &a.Email, &a.CommissionRate, &a.IsActive, &a.CreatedAt,
	)
	if err != nil {
		return nil, classify(err, "agent", 0, "failed to create agent")
	}
	return &a, nil
}

// ── Parcels and ownership ────────────────────────────────────────────────────

func (s *registryService) CreateParcel(ctx context.Context, req CreateParcelRequest) (*Parcel, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("area_ha", req.AreaHa); err != nil {
		return nil, err
	}
	if err := checkNonNegative("acquisition_cost", req.AcquisitionCost); err != nil {
		return nil, err
	}

	var p Parcel
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO parcels (registry_number, tenure, area_ha, acquisition_cost, location)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, registry_number, tenure, area_ha, acquisition_cost, location, created_at
		`, req.RegistryNumber, req.Tenure, req.AreaHa, req.AcquisitionCost, req.Location).Scan(
			&p.ID, &p.RegistryNumber, &p.Tenure, &p.AreaHa, &p.AcquisitionCost, &p.Location, &p.CreatedAt,
		)
		if err != nil {
			return classify(err, "parcel", 0, "failed to create parcel")
		}
		return audit(ctx, tx, "parcel", p.ID, "created", p.RegistryNumber)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const parcelOwnerColumns = `id, parcel_id, owner_id, ownership_percentage, is_active, start_date, end_date`

func scanParcelOwner(row pgx.Row) (*ParcelOwner, error) {
	var po ParcelOwner
	if err := row.Scan(&po.ID, &po.ParcelID, &po.OwnerID, &po.OwnershipPercentage,
		&po.IsActive, &po.StartDate, &po.EndDate); err != nil {
		return nil, err
	}
	return &po, nil
}

func checkDateRange(start time.Time, end *time.Time) error {
	if end != nil && end.Before(start) {
		return invalid("end_date", "must not be before start date %s", start.Format(time.DateOnly))
	}
	return nil
}

func (s *registryService) AddParcelOwner(ctx context.Context, req AddParcelOwnerRequest) (*ParcelOwner, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("ownership_percentage", req.OwnershipPercentage); err != nil {
		return nil, err
	}
	if err := checkDateRange(req.StartDate, req.EndDate); err != nil {
		return nil, err
	}

	var po *ParcelOwner
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockParcelTx(ctx, tx, req.ParcelID); err != nil {
			return err
		}
		if err := checkOwnershipTx(ctx, tx, req.ParcelID, 0, req.OwnershipPercentage); err != nil {
			return err
		}

		var err error
		po, err = scanParcelOwner(tx.QueryRow(ctx, `
			INSERT INTO parcel_owners (parcel_id, owner_id, ownership_percentage, start_date, end_date)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+parcelOwnerColumns,
			req.ParcelID, req.OwnerID, req.OwnershipPercentage, dateOf(req.StartDate), optionalDate(req.EndDate)))
		if err != nil {
			return classify(err, "parcel owner", 0, "failed to add parcel owner")
		}
		if err := audit(ctx, tx, "parcel", req.ParcelID, "owner_added",
			fmt.Sprintf("owner %d holds %s%%", req.OwnerID, req.OwnershipPercentage.StringFixed(2))); err != nil {
			return err
		}
		return verifyOwnershipTx(ctx, tx, req.ParcelID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("parcel owner added", zap.Int64("parcel_id", req.ParcelID), zap.Int64("owner_id", req.OwnerID))
	return po, nil
}

func (s *registryService) UpdateParcelOwner(ctx context.Context, req UpdateParcelOwnerRequest) (*ParcelOwner, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("ownership_percentage", req.OwnershipPercentage); err != nil {
		return nil, err
	}
	if err := checkDateRange(req.StartDate, req.EndDate); err != nil {
		return nil, err
	}

	var po *ParcelOwner
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var parcelID int64
		var active bool
		err := tx.QueryRow(ctx, `SELECT parcel_id, is_active FROM parcel_owners WHERE id = $1`, req.ParcelOwnerID).
			Scan(&parcelID, &active)
		if err != nil {
			return classify(err, "parcel owner", req.ParcelOwnerID, "failed to load parcel owner")
		}
		if _, err := lockParcelTx(ctx, tx, parcelID); err != nil {
			return err
		}
		if active {
			if err := checkOwnershipTx(ctx, tx, parcelID, req.ParcelOwnerID, req.OwnershipPercentage); err != nil {
				return err
			}
		}

		po, err = scanParcelOwner(tx.QueryRow(ctx, `
			UPDATE parcel_owners
			SET ownership_percentage = $1, start_date = $2, end_date = $3
			WHERE id = $4
			RETURNING `+parcelOwnerColumns,
			req.OwnershipPercentage, dateOf(req.StartDate), optionalDate(req.EndDate), req.ParcelOwnerID))
		if err != nil {
			return classify(err, "parcel owner", req.ParcelOwnerID, "failed to update parcel owner")
		}
		if err := audit(ctx, tx, "parcel", parcelID, "owner_updated",
			fmt.Sprintf("link %d now %s%%", req.ParcelOwnerID, req.OwnershipPercentage.StringFixed(2))); err != nil {
			return err
		}
		return verifyOwnershipTx(ctx, tx, parcelID)
	})
	if err != nil {
		return nil, err
	}
	return po, nil
}

func (s *registryService) DeactivateParcelOwner(ctx context.Context, parcelOwnerID int64) (*ParcelOwner, error) {
	var po *ParcelOwner
	today := s.today()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		po, err = scanParcelOwner(tx.QueryRow(ctx, `
			UPDATE parcel_owners
			SET is_active = FALSE, end_date = COALESCE(end_date, GREATEST(start_date, $2::date))
			WHERE id = $1
			RETURNING `+parcelOwnerColumns, parcelOwnerID, today))
		if err != nil {
			return classify(err, "parcel owner", parcelOwnerID, "failed to deactivate parcel owner")
		}
		return audit(ctx, tx, "parcel", po.ParcelID, "owner_deactivated", fmt.Sprintf("link %d", parcelOwnerID))
	})
	if err != nil {
		return nil, err
	}
	return po, nil
}

func (s *registryService) ListParcelOwners(ctx context.Context, parcelID int64) ([]ParcelOwner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+parcelOwnerColumns+`
		FROM parcel_owners
		WHERE parcel_id = $1
		ORDER BY is_active DESC, id
	`, parcelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query parcel owners: %w", err)
	}
	defer rows.Close()

	var owners []ParcelOwner
	for rows.Next() {
		po, err := scanParcelOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan parcel owner: %w", err)
		}
		owners = append(owners, *po)
	}
	return owners, rows.Err()
}

// ── Subdivisions and plots ───────────────────────────────────────────────────

func (s *registryService) CreateSubdivision(ctx context.Context, req CreateSubdivisionRequest) (*Subdivision, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("saleable_area_ha", req.SaleableAreaHa); err != nil {
		return nil, err
	}

	var sub Subdivision
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		parcel, err := lockParcelTx(ctx, tx, req.ParcelID)
		if err != nil {
			return err
		}
		if req.SaleableAreaHa.GreaterThan(parcel.AreaHa) {
			return invalid("saleable_area_ha", "%s ha exceeds parcel area %s ha",
				req.SaleableAreaHa.StringFixed(4), parcel.AreaHa.StringFixed(4))
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO subdivisions (parcel_id, name, planned_plots, saleable_area_ha)
			VALUES ($1, $2, $3, $4)
			RETURNING id, parcel_id, name, planned_plots, created_plots, saleable_area_ha, status, created_at
		`, req.ParcelID, req.Name, req.PlannedPlots, req.SaleableAreaHa).Scan(
			&sub.ID, &sub.ParcelID, &sub.Name, &sub.PlannedPlots, &sub.CreatedPlots,
			&sub.SaleableAreaHa, &sub.Status, &sub.CreatedAt,
		)
		if err != nil {
			return classify(err, "subdivision", 0, "failed to create subdivision")
		}
		return audit(ctx, tx, "subdivision", sub.ID, "created", sub.Name)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *registryService) GetSubdivision(ctx context.Context, subdivisionID int64) (*Subdivision, error) {
	var sub Subdivision
	err := s.pool.QueryRow(ctx, `
		SELECT id, parcel_id, name, planned_plots, created_plots, saleable_area_ha, status, created_at
		FROM subdivisions WHERE id = $1
	`, subdivisionID).Scan(&sub.ID, &sub.ParcelID, &sub.Name, &sub.PlannedPlots, &sub.CreatedPlots,
		&sub.SaleableAreaHa, &sub.Status, &sub.CreatedAt)
	if err != nil {
		return nil, classify(err, "subdivision", subdivisionID, "failed to get subdivision")
	}
	return &sub, nil
}

// syncCreatedPlotsTx recounts the subdivision's plots.
func syncCreatedPlotsTx(ctx context.Context, tx pgx.Tx, subdivisionID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE subdivisions
		SET created_plots = (SELECT COUNT(*) FROM plots WHERE subdivision_id = $1), updated_at = NOW()
		WHERE id = $1
	`, subdivisionID)
	if err != nil {
		return fmt.Errorf("failed to recount plots for subdivision %d: %w", subdivisionID, err)
	}
	return nil
}

func (s *registryService) CreatePlot(ctx context.Context, req CreatePlotRequest) (*Plot, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("size_sqm", req.SizeSqm); err != nil {
		return nil, err
	}

	var plot *Plot
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sub, err := lockSubdivisionTx(ctx, tx, req.SubdivisionID)
		if err != nil {
			return err
		}
		if err := checkAreaTx(ctx, tx, sub, 0, req.SizeSqm); err != nil {
			return err
		}
		plot, err = scanPlot(tx.QueryRow(ctx, `
			INSERT INTO plots (subdivision_id, plot_number, size_sqm, has_water, has_electricity, has_road_access)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+plotColumns,
			req.SubdivisionID, req.PlotNumber, req.SizeSqm, req.HasWater, req.HasElectricity, req.HasRoadAccess))
		if err != nil {
			return classify(err, "plot", 0, "failed to create plot")
		}
		if err := syncCreatedPlotsTx(ctx, tx, sub.ID); err != nil {
			return err
		}
		if err := audit(ctx, tx, "plot", plot.ID, "created", plot.PlotNumber); err != nil {
			return err
		}
		return verifyAreaTx(ctx, tx, sub.ID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("plot created", zap.Int64("plot_id", plot.ID), zap.Int64("subdivision_id", plot.SubdivisionID))
	return plot, nil
}

func (s *registryService) UpdatePlot(ctx context.Context, req UpdatePlotRequest) (*Plot, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("size_sqm", req.SizeSqm); err != nil {
		return nil, err
	}

	var plot *Plot
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var subdivisionID int64
		err := tx.QueryRow(ctx, `SELECT subdivision_id FROM plots WHERE id = $1`, req.PlotID).Scan(&subdivisionID)
		if err != nil {
			return classify(err, "plot", req.PlotID, "failed to load plot")
		}
		// Subdivision before plot, matching CreatePlot and DeletePlot.
		sub, err := lockSubdivisionTx(ctx, tx, subdivisionID)
		if err != nil {
			return err
		}
		if _, err := lockPlotTx(ctx, tx, req.PlotID); err != nil {
			return err
		}
		if err := checkAreaTx(ctx, tx, sub, req.PlotID, req.SizeSqm); err != nil {
			return err
		}
		plot, err = scanPlot(tx.QueryRow(ctx, `
			UPDATE plots
			SET size_sqm = $1, has_water = $2, has_electricity = $3, has_road_access = $4, updated_at = NOW()
			WHERE id = $5
			RETURNING `+plotColumns,
			req.SizeSqm, req.HasWater, req.HasElectricity, req.HasRoadAccess, req.PlotID))
		if err != nil {
			return classify(err, "plot", req.PlotID, "failed to update plot")
		}
		if err := audit(ctx, tx, "plot", plot.ID, "updated", "size "+req.SizeSqm.String()); err != nil {
			return err
		}
		return verifyAreaTx(ctx, tx, sub.ID)
	})
	if err != nil {
		return nil, err
	}
	return plot, nil
}

func (s *registryService) DeletePlot(ctx context.Context, plotID int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var subdivisionID int64
		err := tx.QueryRow(ctx, `SELECT subdivision_id FROM plots WHERE id = $1`, plotID).Scan(&subdivisionID)
		if err != nil {
			return classify(err, "plot", plotID, "failed to load plot")
		}
		if _, err := lockSubdivisionTx(ctx, tx, subdivisionID); err != nil {
			return err
		}
		plot, err := lockPlotTx(ctx, tx, plotID)
		if err != nil {
			return err
		}
		if plot.Stage == StageSold || plot.Stage == StageTransferred {
			return conflict("plot", plotID, "cannot delete a plot at stage %s", plot.Stage)
		}

		var refs int
		err = tx.QueryRow(ctx, `
			SELECT (SELECT COUNT(*) FROM offers WHERE plot_id = $1)
			     + (SELECT COUNT(*) FROM listings WHERE plot_id = $1)
			     + (SELECT COUNT(*) FROM sale_agreements WHERE plot_id = $1)
		`, plotID).Scan(&refs)
		if err != nil {
			return fmt.Errorf("failed to count plot references: %w", err)
		}
		if refs > 0 {
			return conflict("plot", plotID, "plot has sales history and cannot be deleted")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM plots WHERE id = $1`, plotID); err != nil {
			return classify(err, "plot", plotID, "failed to delete plot")
		}
		if err := syncCreatedPlotsTx(ctx, tx, subdivisionID); err != nil {
			return err
		}
		return audit(ctx, tx, "plot", plotID, "deleted", plot.PlotNumber)
	})
}

func (s *registryService) RecordSurvey(ctx context.Context, plotID int64) (*Plot, error) {
	var plot *Plot
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockPlotTx(ctx, tx, plotID)
		if err != nil {
			return err
		}
		if current.Stage != StageRaw {
			return conflict("plot", plotID, "survey requires stage %s, plot is %s", StageRaw, current.Stage)
		}
		plot, err = scanPlot(tx.QueryRow(ctx, `
			UPDATE plots SET stage = $1, surveyed_at = $2, updated_at = NOW()
			WHERE id = $3
			RETURNING `+plotColumns, string(StageSurveyed), s.now(), plotID))
		if err != nil {
			return classify(err, "plot", plotID, "failed to record survey")
		}
		return audit(ctx, tx, "plot", plotID, "stage_changed", fmt.Sprintf("%s -> %s", StageRaw, StageSurveyed))
	})
	if err != nil {
		return nil, err
	}
	return plot, nil
}

func (s *registryService) GetPlot(ctx context.Context, plotID int64) (*Plot, error) {
	return getPlot(ctx, s.pool, plotID)
}

func getPlot(ctx context.Context, q pgxQuerier, plotID int64) (*Plot, error) {
	plot, err := scanPlot(q.QueryRow(ctx, `SELECT `+plotColumns+` FROM plots WHERE id = $1`, plotID))
	if err != nil {
		return nil, classify(err, "plot", plotID, "failed to get plot")
	}
	return plot, nil
}

func optionalDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := dateOf(*t)
	return &d
}
