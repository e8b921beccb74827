package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Command inputs. Callers set primary fields only; derived fields (stage,
// balances, invoice status, document version) are owned by the engine.
// Decimal fields are range-checked in code because validator tags do not see
// inside decimal.Decimal.

type CreateOwnerRequest struct {
	FullName string `validate:"required,max=200"`
	IDNumber string `validate:"max=64"`
	Email    string `validate:"omitempty,email"`
	Phone    string `validate:"max=32"`
}

type CreateClientRequest struct {
	FullName string `validate:"required,max=200"`
	Email    string `validate:"omitempty,email"`
	Phone    string `validate:"max=32"`
}

type CreateAgentRequest struct {
	FullName       string `validate:"required,max=200"`
	Email          string `validate:"omitempty,email"`
	CommissionRate decimal.Decimal
}

type CreateParcelRequest struct {
	RegistryNumber  string `validate:"required,max=64"`
	Tenure          string `validate:"required,oneof=freehold leasehold"`
	AreaHa          decimal.Decimal
	AcquisitionCost decimal.Decimal
	Location        string `validate:"max=500"`
}

type AddParcelOwnerRequest struct {
	ParcelID            int64 `validate:"required,gt=0"`
	OwnerID             int64 `validate:"required,gt=0"`
	OwnershipPercentage decimal.Decimal
	StartDate           time.Time `validate:"required"`
	EndDate             *time.Time
}

type UpdateParcelOwnerRequest struct {
	ParcelOwnerID       int64 `validate:"required,gt=0"`
	OwnershipPercentage decimal.Decimal
	StartDate           time.Time `validate:"required"`
	EndDate             *time.Time
}

type CreateSubdivisionRequest struct {
	ParcelID       int64  `validate:"required,gt=0"`
	Name           string `validate:"required,max=200"`
	PlannedPlots   int    `validate:"gte=0"`
	SaleableAreaHa decimal.Decimal
}

type CreatePlotRequest struct {
	SubdivisionID  int64  `validate:"required,gt=0"`
	PlotNumber     string `validate:"required,max=32"`
	SizeSqm        decimal.Decimal
	HasWater       bool
	HasElectricity bool
	HasRoadAccess  bool
}

type UpdatePlotRequest struct {
	PlotID         int64 `validate:"required,gt=0"`
	SizeSqm        decimal.Decimal
	HasWater       bool
	HasElectricity bool
	HasRoadAccess  bool
}

type CreateListingRequest struct {
	PlotID    int64 `validate:"required,gt=0"`
	ListPrice decimal.Decimal
	Activate  bool
	Notes     string `validate:"max=2000"`
}

type CreateOfferRequest struct {
	PlotID          int64  `validate:"required,gt=0"`
	ClientID        int64  `validate:"required,gt=0"`
	AgentID         *int64 `validate:"omitempty,gt=0"`
	OfferPrice      decimal.Decimal
	ReservationFee  decimal.Decimal
	ReservationDate time.Time `validate:"required"`
	ExpiryDate      time.Time `validate:"required"`
	// Reserve places the offer straight into "reserved", holding the plot.
	Reserve bool
	Notes   string `validate:"max=2000"`
}

type CreateSaleAgreementRequest struct {
	PlotID        int64  `validate:"required,gt=0"`
	ClientID      int64  `validate:"required,gt=0"`
	OfferID       *int64 `validate:"omitempty,gt=0"`
	AgentID       *int64 `validate:"omitempty,gt=0"`
	Price         decimal.Decimal
	AgreementDate time.Time `validate:"required"`
	// Draft creates the agreement without activating it; no commission accrues yet.
	Draft bool
}

type RecordReceiptRequest struct {
	SaleAgreementID int64 `validate:"required,gt=0"`
	Amount          decimal.Decimal
	PaymentDate     time.Time `validate:"required"`
	Method          string    `validate:"omitempty,oneof=cash bank_transfer cheque mobile_money card"`
	Reference       string    `validate:"max=200"`
}

type UpdateReceiptRequest struct {
	ReceiptID   int64 `validate:"required,gt=0"`
	Amount      decimal.Decimal
	PaymentDate time.Time `validate:"required"`
	Reference   string    `validate:"max=200"`
}

type CreateInvoiceRequest struct {
	SaleAgreementID *int64 `validate:"omitempty,gt=0"`
	Description     string `validate:"max=500"`
	AmountDue       decimal.Decimal
	DueDate         time.Time `validate:"required"`
}

type AllocatePaymentRequest struct {
	ReceiptID int64 `validate:"required,gt=0"`
	InvoiceID int64 `validate:"required,gt=0"`
	Amount    decimal.Decimal
}

type CreatePaymentPlanRequest struct {
	SaleAgreementID int64     `validate:"required,gt=0"`
	Installments    int       `validate:"required,gt=0,lte=360"`
	Frequency       string    `validate:"required,oneof=monthly quarterly annual"`
	FirstDueDate    time.Time `validate:"required"`
}

type UploadDocumentRequest struct {
	EntityType       string `validate:"required,oneof=parcel subdivision plot listing offer sale_agreement receipt invoice client owner agent"`
	EntityID         int64  `validate:"required,gt=0"`
	ParentDocumentID *int64 `validate:"omitempty,gt=0"`
	Title            string `validate:"required,max=300"`
	FileName         string `validate:"required,max=300"`
	ContentType      string `validate:"max=100"`
	UploadedBy       string `validate:"max=200"`
}
