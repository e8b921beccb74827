package core_test

import (
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"land-office/internal/core"
)

func TestSales_FullLifecycle(t *testing.T) {
	f := setupEngine(t)
	sub := f.subdivision(t, f.parcel(t, "4").ID, "2")
	plot := f.rawPlot(t, sub.ID, "1000")
	buyer := f.client(t)

	_, err := f.eng.Sales.CreateOffer(f.ctx, core.CreateOfferRequest{
		PlotID: plot.ID, ClientID: buyer.ID, OfferPrice: d("40000"),
		ReservationDate: f.clock.Now(), ExpiryDate: f.clock.Now().AddDate(0, 0, 7),
	})
	requireKind(t, err, core.ErrConflict)

	_, err = f.eng.Registry.RecordSurvey(f.ctx, plot.ID)
	require.NoError(t, err)
	listing, err := f.eng.Sales.CreateListing(f.ctx, core.CreateListingRequest{PlotID: plot.ID, ListPrice: d("45000")})
	require.NoError(t, err)
	assert.Equal(t, core.ListingDraft, listing.Status)
	assert.Equal(t, core.StageSurveyed, f.stage(t, plot.ID))

	listing, err = f.eng.Sales.ActivateListing(f.ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ListingActive, listing.Status)
	assert.Equal(t, core.StageReadyForSale, f.stage(t, plot.ID))

	offer := f.offer(t, plot.ID, buyer.ID, true)
	assert.Equal(t, core.OfferReserved, offer.Status)
	assert.Equal(t, core.StageReserved, f.stage(t, plot.ID))

	offer, err = f.eng.Sales.AcceptOffer(f.ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OfferAccepted, offer.Status)
	assert.Equal(t, core.StageReserved, f.stage(t, plot.ID))

	ag := f.agreement(t, core.CreateSaleAgreementRequest{
		PlotID: plot.ID, ClientID: buyer.ID, OfferID: &offer.ID, Price: d("45000"),
	})
	assert.Equal(t, "AGR-2026-0001", ag.AgreementNo)
	assert.Equal(t, core.AgreementActive, ag.Status)
	assertMoney(t, "45000", ag.BalanceDue)
	assertMoney(t, "0", ag.DepositPaid)
	assert.Equal(t, core.StageSold, f.stage(t, plot.ID))

	offer, err = f.eng.Sales.GetOffer(f.ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OfferConverted, offer.Status)

	listing, err = f.eng.Sales.GetListing(f.ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ListingSold, listing.Status)
	assert.NotNil(t, listing.ClosedAt)

	ag, err = f.eng.Sales.CompleteAgreement(f.ctx, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AgreementCompleted, ag.Status)
	assert.Equal(t, core.StageSold, f.stage(t, plot.ID))

	ag, err = f.eng.Sales.SettleAgreement(f.ctx, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AgreementSettled, ag.Status)
	assert.NotNil(t, ag.SettledAt)
	assert.Equal(t, core.StageTransferred, f.stage(t, plot.ID))

	// Transferred plots take no further business.
	_, err = f.eng.Sales.CreateOffer(f.ctx, core.CreateOfferRequest{
		PlotID: plot.ID, ClientID: buyer.ID, OfferPrice: d("40000"),
		ReservationDate: f.clock.Now(), ExpiryDate: f.clock.Now().AddDate(0, 0, 7),
	})
	requireKind(t, err, core.ErrConflict)
	_, err = f.eng.Sales.CancelAgreement(f.ctx, ag.ID, "too late")
	requireKind(t, err, core.ErrConflict)

	f.assertConsistent(t)
}

func TestSales_CancellationRevertsStage(t *testing.T) {
	f := setupEngine(t)
	plot := f.readyPlot(t)
	buyer := f.client(t)
	agent := f.agent(t, "5")

	ag := f.agreement(t, core.CreateSaleAgreementRequest{
		PlotID: plot.ID, ClientID: buyer.ID, AgentID: &agent.ID, Price: d("60000"),
	})
	assert.Equal(t, core.StageSold, f.stage(t, plot.ID))

	commissions, err := f.eng.Commissions.ListCommissions(f.ctx, ag.ID)
	require.NoError(t, err)
	require.Len(t, commissions, 1)
	assertMoney(t, "3000", commissions[0].Amount)
	assert.Equal(t, core.CommissionPending, commissions[0].Status)
	assert.Equal(t, date("2026-04-01"), commissions[0].PayableDate.UTC())

	ag, err = f.eng.Sales.CancelAgreement(f.ctx, ag.ID, "finance fell through")
	require.NoError(t, err)
	assert.Equal(t, core.AgreementCancelled, ag.Status)
	assert.Equal(t, "finance fell through", ag.CancellationReason)
	assert.Equal(t, core.StageReadyForSale, f.stage(t, plot.ID))

	commissions, err = f.eng.Commissions.ListCommissions(f.ctx, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CommissionCancelled, commissions[0].Status)
	_, err = f.eng.Commissions.MarkCommissionPaid(f.ctx, commissions[0].ID)
	requireKind(t, err, core.ErrConflict)

	f.assertConsistent(t)
}

func TestSales_CancellationWithBackupOfferGoesToReserved(t *testing.T) {
	f := setupEngine(t)
	plot := f.readyPlot(t)

	ag := f.agreement(t, core.CreateSaleAgreementRequest{PlotID: plot.ID, ClientID: f.client(t).ID})
	assert.Equal(t, core.StageSold, f.stage(t, plot.ID))

	backup := f.offer(t, plot.ID, f.client(t).ID, false)
	_, err := f.eng.Sales.AcceptOffer(f.ctx, backup.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageSold, f.stage(t, plot.ID), "agreement outranks the backup offer")

	_, err = f.eng.Sales.CancelAgreement(f.ctx, ag.ID, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, core.StageReserved, f.stage(t, plot.ID))

	_, err = f.eng.Sales.DeclineOffer(f.ctx, backup.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageReadyForSale, f.stage(t, plot.ID))

	f.assertConsistent(t)
}

func TestSales_ConcurrentAcceptOnlyOneWins(t *testing.T) {
	f := setupEngine(t)
	plot := f.readyPlot(t)

	const n = 4
	offers := make([]*core.Offer, n)
	for i := range offers {
		offers[i] = f.offer(t, plot.ID, f.client(t).ID, false)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, o := range offers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.eng.Sales.AcceptOffer(f.ctx, o.ID)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		requireKind(t, err, core.ErrConflict)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, core.StageReserved, f.stage(t, plot.ID))

	var active int
	require.NoError(t, f.pool.QueryRow(f.ctx,
		`SELECT COUNT(*) FROM offers WHERE plot_id = $1 AND status IN ('reserved', 'accepted')`, plot.ID).Scan(&active))
	assert.Equal(t, 1, active)

	f.assertConsistent(t)
}

func TestSales_ConcurrentAgreementNumbersAreUnique(t *testing.T) {
	f := setupEngine(t)

	const n = 8
	plots := make([]*core.Plot, n)
	clients := make([]*core.Client, n)
	for i := range plots {
		plots[i] = f.readyPlot(t)
		clients[i] = f.client(t)
	}

	numbers := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ag, err := f.eng.Sales.CreateSaleAgreement(f.ctx, core.CreateSaleAgreementRequest{
				PlotID: plots[i].ID, ClientID: clients[i].ID, Price: d("50000"), AgreementDate: f.clock.Now(),
			})
			errs[i] = err
			if err == nil {
				numbers[i] = ag.AgreementNo
			}
		}()
	}
	wg.Wait()

	format := regexp.MustCompile(`^AGR-2026-\d{4}$`)
	seen := make(map[string]bool, n)
	for i := range n {
		require.NoError(t, errs[i])
		assert.Regexp(t, format, numbers[i])
		assert.False(t, seen[numbers[i]], "duplicate %s", numbers[i])
		seen[numbers[i]] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[fmt.Sprintf("AGR-2026-%04d", i)], "gap at %d", i)
	}

	f.assertConsistent(t)
}

func TestSales_GuardsAndGates(t *testing.T) {
	f := setupEngine(t)
	plot := f.readyPlot(t)
	buyer := f.client(t)

	// A second active listing is refused.
	_, err := f.eng.Sales.CreateListing(f.ctx, core.CreateListingRequest{PlotID: plot.ID, ListPrice: d("1"), Activate: true})
	requireKind(t, err, core.ErrConflict)

	held := f.offer(t, plot.ID, buyer.ID, true)
	_, err = f.eng.Sales.CreateOffer(f.ctx, core.CreateOfferRequest{
		PlotID: plot.ID, ClientID: buyer.ID, OfferPrice: d("1000"),
		ReservationDate: f.clock.Now(), ExpiryDate: f.clock.Now().AddDate(0, 0, 1), Reserve: true,
	})
	requireKind(t, err, core.ErrConflict)

	// Cross-field validation.
	_, err = f.eng.Sales.CreateOffer(f.ctx, core.CreateOfferRequest{
		PlotID: plot.ID, ClientID: buyer.ID, OfferPrice: d("1000"), ReservationFee: d("2000"),
		ReservationDate: f.clock.Now(), ExpiryDate: f.clock.Now().AddDate(0, 0, 1),
	})
	requireKind(t, err, core.ErrValidation)
	_, err = f.eng.Sales.CreateOffer(f.ctx, core.CreateOfferRequest{
		PlotID: plot.ID, ClientID: buyer.ID, OfferPrice: d("1000"),
		ReservationDate: f.clock.Now(), ExpiryDate: f.clock.Now(),
	})
	requireKind(t, err, core.ErrValidation)

	// A draft agreement sells the plot without accruing commission.
	agent := f.agent(t, "1")
	draft := f.agreement(t, core.CreateSaleAgreementRequest{
		PlotID: plot.ID, ClientID: buyer.ID, AgentID: &agent.ID, Draft: true,
	})
	assert.Equal(t, core.AgreementDraft, draft.Status)
	assert.Equal(t, core.StageSold, f.stage(t, plot.ID))
	commissions, err := f.eng.Commissions.ListCommissions(f.ctx, draft.ID)
	require.NoError(t, err)
	assert.Empty(t, commissions)

	// SOLD plots refuse new agreements.
	_, err = f.eng.Sales.CreateSaleAgreement(f.ctx, core.CreateSaleAgreementRequest{
		PlotID: plot.ID, ClientID: buyer.ID, Price: d("1"), AgreementDate: f.clock.Now(),
	})
	requireKind(t, err, core.ErrConflict)

	active, err := f.eng.Sales.ActivateAgreement(f.ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AgreementActive, active.Status)
	commissions, err = f.eng.Commissions.ListCommissions(f.ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, commissions, 1)
	assertMoney(t, "500", commissions[0].Amount)

	paid, err := f.eng.Commissions.MarkCommissionPaid(f.ctx, commissions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.CommissionPaid, paid.Status)

	// The held offer is still reserved behind the agreement.
	held, err = f.eng.Sales.GetOffer(f.ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OfferReserved, held.Status)

	f.assertConsistent(t)
}
