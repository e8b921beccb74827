package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePlotStage(t *testing.T) {
	tests := []struct {
		name       string
		current    PlotStage
		offers     []OfferStatus
		agreements []AgreementStatus
		want       PlotStage
	}{
		{"raw plot untouched", StageRaw, nil, nil, StageRaw},
		{"surveyed plot untouched", StageSurveyed, []OfferStatus{OfferDraft}, nil, StageSurveyed},
		{"accepted offer reserves", StageReadyForSale, []OfferStatus{OfferAccepted}, nil, StageReserved},
		{"reserved offer reserves", StageReadyForSale, []OfferStatus{OfferDraft, OfferReserved}, nil, StageReserved},
		{"last offer expires", StageReserved, []OfferStatus{OfferExpired, OfferDeclined}, nil, StageReadyForSale},
		{"another offer still holds", StageReserved, []OfferStatus{OfferCancelled, OfferAccepted}, nil, StageReserved},
		{"agreement sells", StageReserved, []OfferStatus{OfferConverted}, []AgreementStatus{AgreementActive}, StageSold},
		{"draft agreement sells", StageReadyForSale, nil, []AgreementStatus{AgreementDraft}, StageSold},
		{"agreement dominates offer", StageReserved, []OfferStatus{OfferAccepted}, []AgreementStatus{AgreementCompleted}, StageSold},
		{"settled transfers", StageSold, nil, []AgreementStatus{AgreementCancelled, AgreementSettled}, StageTransferred},
		{"cancelled with no offer reverts", StageSold, []OfferStatus{OfferConverted}, []AgreementStatus{AgreementCancelled}, StageReadyForSale},
		{"cancelled with backup offer reserves", StageSold, []OfferStatus{OfferAccepted}, []AgreementStatus{AgreementCancelled}, StageReserved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePlotStage(tt.current, tt.offers, tt.agreements))
		})
	}
}

func TestStageGates(t *testing.T) {
	assert.False(t, acceptsOffers(StageRaw))
	assert.False(t, acceptsOffers(StageSurveyed))
	assert.True(t, acceptsOffers(StageReadyForSale))
	assert.True(t, acceptsOffers(StageSold))
	assert.False(t, acceptsOffers(StageTransferred))

	assert.True(t, acceptsAgreements(StageReserved))
	assert.False(t, acceptsAgreements(StageSold))
}
