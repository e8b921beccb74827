package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"land-office/internal/core"
)

func TestCommissions_AccrualIsOncePerAgentAndAgreement(t *testing.T) {
	f := setupEngine(t)
	agent := f.agent(t, "2.5")
	plot := f.readyPlot(t)
	ag := f.agreement(t, core.CreateSaleAgreementRequest{
		PlotID: plot.ID, ClientID: f.client(t).ID, AgentID: &agent.ID, Price: d("80000"),
	})

	tx, err := f.pool.Begin(f.ctx)
	require.NoError(t, err)
	defer tx.Rollback(f.ctx)
	require.NoError(t, core.AccrueCommissionTx(f.ctx, f.eng, tx, ag))
	require.NoError(t, core.AccrueCommissionTx(f.ctx, f.eng, tx, ag))
	require.NoError(t, tx.Commit(f.ctx))

	commissions, err := f.eng.Commissions.ListCommissions(f.ctx, ag.ID)
	require.NoError(t, err)
	require.Len(t, commissions, 1)
	assertMoney(t, "2000", commissions[0].Amount)
	assert.Equal(t, core.CommissionPending, commissions[0].Status)

	var accruals int
	require.NoError(t, f.pool.QueryRow(f.ctx, `
		SELECT COUNT(*) FROM audit_logs
		WHERE entity_type = 'sale_agreement' AND entity_id = $1 AND action = 'commission_accrued'
	`, ag.ID).Scan(&accruals))
	assert.Equal(t, 1, accruals)

	paid, err := f.eng.Commissions.MarkCommissionPaid(f.ctx, commissions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.CommissionPaid, paid.Status)
	_, err = f.eng.Commissions.MarkCommissionPaid(f.ctx, commissions[0].ID)
	requireKind(t, err, core.ErrConflict)
}
