package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"land-office/internal/blob"
	"land-office/internal/core"
	"land-office/internal/testutil"
)

// testClock is a settable engine clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx   context.Context
	pool  *pgxpool.Pool
	eng   *core.Engine
	clock *testClock
	blobs *blob.Memory
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	pool := testutil.NewPool(t)
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	blobs := blob.NewMemory()
	eng := core.NewEngine(pool, core.Options{Clock: clock.Now, Blobs: blobs})
	return &fixture{ctx: context.Background(), pool: pool, eng: eng, clock: clock, blobs: blobs}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got.StringFixed(2))
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, kind), "want %v, got %v", kind, err)
}

// assertConsistent runs the full-database verifier.
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	violations, err := f.eng.Verifier.Verify(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func (f *fixture) parcel(t *testing.T, areaHa string) *core.Parcel {
	t.Helper()
	p, err := f.eng.Registry.CreateParcel(f.ctx, core.CreateParcelRequest{
		RegistryNumber:  "LR-" + uuid.NewString()[:8],
		Tenure:          "freehold",
		AreaHa:          d(areaHa),
		AcquisitionCost: d("250000"),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) subdivision(t *testing.T, parcelID int64, saleableHa string) *core.Subdivision {
	t.Helper()
	s, err := f.eng.Registry.CreateSubdivision(f.ctx, core.CreateSubdivisionRequest{
		ParcelID:       parcelID,
		Name:           "Phase " + uuid.NewString()[:4],
		PlannedPlots:   10,
		SaleableAreaHa: d(saleableHa),
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) rawPlot(t *testing.T, subdivisionID int64, sizeSqm string) *core.Plot {
	t.Helper()
	p, err := f.eng.Registry.CreatePlot(f.ctx, core.CreatePlotRequest{
		SubdivisionID: subdivisionID,
		PlotNumber:    "P-" + uuid.NewString()[:6],
		SizeSqm:       d(sizeSqm),
	})
	require.NoError(t, err)
	return p
}

// readyPlot returns a surveyed plot with an active listing, stage READY_FOR_SALE.
func (f *fixture) readyPlot(t *testing.T) *core.Plot {
	t.Helper()
	sub := f.subdivision(t, f.parcel(t, "10").ID, "5")
	plot := f.rawPlot(t, sub.ID, "500")
	_, err := f.eng.Registry.RecordSurvey(f.ctx, plot.ID)
	require.NoError(t, err)
	_, err = f.eng.Sales.CreateListing(f.ctx, core.CreateListingRequest{PlotID: plot.ID, ListPrice: d("50000"), Activate: true})
	require.NoError(t, err)
	plot, err = f.eng.Registry.GetPlot(f.ctx, plot.ID)
	require.NoError(t, err)
	require.Equal(t, core.StageReadyForSale, plot.Stage)
	return plot
}

func (f *fixture) client(t *testing.T) *core.Client {
	t.Helper()
	c, err := f.eng.Registry.CreateClient(f.ctx, core.CreateClientRequest{FullName: "Client " + uuid.NewString()[:6]})
	require.NoError(t, err)
	return c
}

func (f *fixture) agent(t *testing.T, rate string) *core.Agent {
	t.Helper()
	a, err := f.eng.Registry.CreateAgent(f.ctx, core.CreateAgentRequest{FullName: "Agent " + uuid.NewString()[:6], CommissionRate: d(rate)})
	require.NoError(t, err)
	return a
}

func (f *fixture) offer(t *testing.T, plotID, clientID int64, reserve bool) *core.Offer {
	t.Helper()
	today := f.clock.Now()
	o, err := f.eng.Sales.CreateOffer(f.ctx, core.CreateOfferRequest{
		PlotID:          plotID,
		ClientID:        clientID,
		OfferPrice:      d("48000"),
		ReservationFee:  d("1000"),
		ReservationDate: today,
		ExpiryDate:      today.AddDate(0, 0, 14),
		Reserve:         reserve,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) agreement(t *testing.T, req core.CreateSaleAgreementRequest) *core.SaleAgreement {
	t.Helper()
	if req.AgreementDate.IsZero() {
		req.AgreementDate = f.clock.Now()
	}
	if req.Price.IsZero() {
		req.Price = d("50000")
	}
	ag, err := f.eng.Sales.CreateSaleAgreement(f.ctx, req)
	require.NoError(t, err)
	return ag
}

func (f *fixture) stage(t *testing.T, plotID int64) core.PlotStage {
	t.Helper()
	p, err := f.eng.Registry.GetPlot(f.ctx, plotID)
	require.NoError(t, err)
	return p.Stage
}
