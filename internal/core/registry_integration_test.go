package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"land-office/internal/core"
)

func TestRegistry_OwnershipNeverExceeds100(t *testing.T) {
	f := setupEngine(t)
	parcel := f.parcel(t, "12")

	owner := func() int64 {
		o, err := f.eng.Registry.CreateOwner(f.ctx, core.CreateOwnerRequest{FullName: "Owner"})
		require.NoError(t, err)
		return o.ID
	}
	add := func(pct string) (*core.ParcelOwner, error) {
		return f.eng.Registry.AddParcelOwner(f.ctx, core.AddParcelOwnerRequest{
			ParcelID:            parcel.ID,
			OwnerID:             owner(),
			OwnershipPercentage: d(pct),
			StartDate:           date("2020-01-01"),
		})
	}

	first, err := add("60")
	require.NoError(t, err)

	_, err = add("50")
	requireKind(t, err, core.ErrValidation)
	var verr *core.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "ownership_percentage", verr.Field)

	_, err = add("40")
	require.NoError(t, err, "exactly 100 is allowed")

	_, err = f.eng.Registry.UpdateParcelOwner(f.ctx, core.UpdateParcelOwnerRequest{
		ParcelOwnerID:       first.ID,
		OwnershipPercentage: d("61"),
		StartDate:           first.StartDate,
	})
	requireKind(t, err, core.ErrValidation)

	_, err = f.eng.Registry.DeactivateParcelOwner(f.ctx, first.ID)
	require.NoError(t, err)
	_, err = add("60")
	require.NoError(t, err, "inactive shares do not count")

	owners, err := f.eng.Registry.ListParcelOwners(f.ctx, parcel.ID)
	require.NoError(t, err)
	assert.Len(t, owners, 3)

	f.assertConsistent(t)
}

func TestRegistry_AreaBudgetTolerance(t *testing.T) {
	f := setupEngine(t)
	parcel := f.parcel(t, "5")

	_, err := f.eng.Registry.CreateSubdivision(f.ctx, core.CreateSubdivisionRequest{
		ParcelID: parcel.ID, Name: "Too big", SaleableAreaHa: d("6"),
	})
	requireKind(t, err, core.ErrValidation)

	sub := f.subdivision(t, parcel.ID, "1")

	// 1.04 ha of 1 ha saleable is inside the 5% tolerance.
	plot := f.rawPlot(t, sub.ID, "10400")

	_, err = f.eng.Registry.CreatePlot(f.ctx, core.CreatePlotRequest{
		SubdivisionID: sub.ID, PlotNumber: "P-over", SizeSqm: d("600"),
	})
	requireKind(t, err, core.ErrValidation)
	var verr *core.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "size_sqm", verr.Field)

	_, err = f.eng.Registry.UpdatePlot(f.ctx, core.UpdatePlotRequest{PlotID: plot.ID, SizeSqm: d("11000")})
	requireKind(t, err, core.ErrValidation)

	_, err = f.eng.Registry.UpdatePlot(f.ctx, core.UpdatePlotRequest{PlotID: plot.ID, SizeSqm: d("10500"), HasWater: true})
	require.NoError(t, err, "exactly 105% is allowed")

	got, err := f.eng.Registry.GetSubdivision(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CreatedPlots)

	f.assertConsistent(t)
}

func TestRegistry_SurveyAndDelete(t *testing.T) {
	f := setupEngine(t)
	sub := f.subdivision(t, f.parcel(t, "3").ID, "2")
	plot := f.rawPlot(t, sub.ID, "800")
	assert.Equal(t, core.StageRaw, plot.Stage)

	surveyed, err := f.eng.Registry.RecordSurvey(f.ctx, plot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageSurveyed, surveyed.Stage)
	assert.NotNil(t, surveyed.SurveyedAt)

	_, err = f.eng.Registry.RecordSurvey(f.ctx, plot.ID)
	requireKind(t, err, core.ErrConflict)

	require.NoError(t, f.eng.Registry.DeletePlot(f.ctx, plot.ID))
	_, err = f.eng.Registry.GetPlot(f.ctx, plot.ID)
	requireKind(t, err, core.ErrNotFound)

	got, err := f.eng.Registry.GetSubdivision(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CreatedPlots)

	// A plot with sales history stays.
	ready := f.readyPlot(t)
	err = f.eng.Registry.DeletePlot(f.ctx, ready.ID)
	requireKind(t, err, core.ErrConflict)
}

func TestRegistry_UnknownReferences(t *testing.T) {
	f := setupEngine(t)

	_, err := f.eng.Registry.CreateSubdivision(f.ctx, core.CreateSubdivisionRequest{
		ParcelID: 999999, Name: "Ghost", SaleableAreaHa: d("1"),
	})
	requireKind(t, err, core.ErrNotFound)

	_, err = f.eng.Registry.CreatePlot(f.ctx, core.CreatePlotRequest{
		SubdivisionID: 999999, PlotNumber: "X", SizeSqm: d("100"),
	})
	requireKind(t, err, core.ErrNotFound)

	_, err = f.eng.Registry.CreateParcel(f.ctx, core.CreateParcelRequest{Tenure: "freehold", AreaHa: d("1")})
	requireKind(t, err, core.ErrValidation)
}
