package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(invalid("f", "bad"), ErrValidation))
	assert.True(t, errors.Is(conflict("plot", 1, "busy"), ErrConflict))
	assert.True(t, errors.Is(notFound("plot", 1), ErrNotFound))
	assert.True(t, errors.Is(&ConsistencyError{Invariant: "x"}, ErrConsistency))

	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", conflict("plot", 1, "busy"))))
	assert.False(t, IsRetryable(invalid("f", "bad")))
	assert.True(t, IsClientError(notFound("agent", 3)))
	assert.True(t, IsClientError(invalid("f", "bad")))
	assert.False(t, IsClientError(conflict("plot", 1, "busy")))

	assert.Equal(t, "plot 7 not found", notFound("plot", 7).Error())
	assert.Equal(t, "conflict on plot 7: busy", conflict("plot", 7, "busy").Error())
	assert.Equal(t, "validation failed: amount: bad", invalid("amount", "bad").Error())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"serialization", &pgconn.PgError{Code: "40001"}, ErrConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrConflict},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "uq_offers_one_active_per_plot"}, ErrConflict},
		{"foreign key", &pgconn.PgError{Code: "23503", ConstraintName: "offers_client_id_fkey"}, ErrNotFound},
		{"check", &pgconn.PgError{Code: "23514", ConstraintName: "offers_check"}, ErrValidation},
		{"typed passes through", invalid("f", "bad"), ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, "offer", 5, "failed")
			assert.True(t, errors.Is(got, tt.want), "got %v", got)
		})
	}

	plain := errors.New("connection reset")
	got := classify(plain, "offer", 5, "failed to create offer")
	assert.True(t, errors.Is(got, plain))
	assert.Equal(t, "failed to create offer: connection reset", got.Error())
	assert.Nil(t, classify(nil, "offer", 5, "x"))
}

func TestClassify_ForeignKeyNamesEntity(t *testing.T) {
	got := classify(&pgconn.PgError{Code: "23503", ConstraintName: "offers_client_id_fkey"}, "offer", 0, "failed")
	var nf *NotFoundError
	require.ErrorAs(t, got, &nf)
	assert.Equal(t, "client", nf.Entity)
}

func TestCheck_ValidationErrorNamesField(t *testing.T) {
	b := newBase(nil, Options{})
	err := b.check(CreateOfferRequest{ClientID: 1})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "plot_id", verr.Field)
	assert.Equal(t, "failed required", verr.Reason)

	err = b.check(RecordReceiptRequest{SaleAgreementID: 1, PaymentDate: mustDate("2026-01-02"), Method: "barter"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "method", verr.Field)
}

func TestToSnake(t *testing.T) {
	assert.Equal(t, "sale_agreement_id", toSnake("SaleAgreementID"))
	assert.Equal(t, "plot_id", toSnake("PlotID"))
	assert.Equal(t, "amount", toSnake("Amount"))
}
