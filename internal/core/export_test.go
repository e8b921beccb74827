package core

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// AccrueCommissionTx runs commission accrual for ag inside tx, outside the
// agreement transition that normally triggers it.
func AccrueCommissionTx(ctx context.Context, e *Engine, tx pgx.Tx, ag *SaleAgreement) error {
	return e.Commissions.(*commissionService).accrueTx(ctx, tx, ag)
}
