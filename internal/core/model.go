package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlotStage is the lifecycle state of a plot.
//
//	RAW → SURVEYED → READY_FOR_SALE → RESERVED → SOLD → TRANSFERRED
//	RESERVED / SOLD → READY_FOR_SALE on cancellation
type PlotStage string

const (
	StageRaw          PlotStage = "RAW"
	StageSurveyed     PlotStage = "SURVEYED"
	StageReadyForSale PlotStage = "READY_FOR_SALE"
	StageReserved     PlotStage = "RESERVED"
	StageSold         PlotStage = "SOLD"
	StageTransferred  PlotStage = "TRANSFERRED"
)

type OfferStatus string

const (
	OfferDraft     OfferStatus = "draft"
	OfferReserved  OfferStatus = "reserved"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
	OfferConverted OfferStatus = "converted" // turned into a sale agreement
)

type ListingStatus string

const (
	ListingDraft     ListingStatus = "draft"
	ListingActive    ListingStatus = "active"
	ListingWithdrawn ListingStatus = "withdrawn"
	ListingSold      ListingStatus = "sold"
)

type AgreementStatus string

const (
	AgreementDraft     AgreementStatus = "draft"
	AgreementActive    AgreementStatus = "active"
	AgreementCompleted AgreementStatus = "completed"
	AgreementSettled   AgreementStatus = "settled"
	AgreementCancelled AgreementStatus = "cancelled"
)

type InvoiceStatus string

const (
	InvoiceUnpaid     InvoiceStatus = "unpaid"
	InvoicePartlyPaid InvoiceStatus = "partly_paid"
	InvoicePaid       InvoiceStatus = "paid"
	InvoiceOverdue    InvoiceStatus = "overdue"
)

type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionPaid      CommissionStatus = "paid"
	CommissionCancelled CommissionStatus = "cancelled"
)

// Status sets that hold a plot. Guards and stage derivation both read these.
var (
	activeOfferStatuses     = []OfferStatus{OfferReserved, OfferAccepted}
	activeAgreementStatuses = []AgreementStatus{AgreementActive, AgreementCompleted}
	liveAgreementStatuses   = []AgreementStatus{AgreementDraft, AgreementActive, AgreementCompleted}
)

type Owner struct {
	ID        int64     `json:"id"`
	FullName  string    `json:"full_name"`
	IDNumber  string    `json:"id_number"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// Parcel is a registered land unit identified by its land-registry number.
type Parcel struct {
	ID              int64           `json:"id"`
	RegistryNumber  string          `json:"registry_number"`
	Tenure          string          `json:"tenure"` // freehold, leasehold
	AreaHa          decimal.Decimal `json:"area_ha"`
	AcquisitionCost decimal.Decimal `json:"acquisition_cost"`
	Location        string          `json:"location"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ParcelOwner links an owner to a parcel with a share of ownership.
// Active shares on a parcel never sum above 100.
type ParcelOwner struct {
	ID                  int64           `json:"id"`
	ParcelID            int64           `json:"parcel_id"`
	OwnerID             int64           `json:"owner_id"`
	OwnershipPercentage decimal.Decimal `json:"ownership_percentage"`
	IsActive            bool            `json:"is_active"`
	StartDate           time.Time       `json:"start_date"`
	EndDate             *time.Time      `json:"end_date,omitempty"`
}

// Subdivision splits a parcel into plots within a saleable area budget.
type Subdivision struct {
	ID             int64           `json:"id"`
	ParcelID       int64           `json:"parcel_id"`
	Name           string          `json:"name"`
	PlannedPlots   int             `json:"planned_plots"`
	CreatedPlots   int             `json:"created_plots"` // maintained by the engine
	SaleableAreaHa decimal.Decimal `json:"saleable_area_ha"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Plot struct {
	ID             int64           `json:"id"`
	SubdivisionID  int64           `json:"subdivision_id"`
	PlotNumber     string          `json:"plot_number"`
	SizeSqm        decimal.Decimal `json:"size_sqm"`
	Stage          PlotStage       `json:"stage"`
	HasWater       bool            `json:"has_water"`
	HasElectricity bool            `json:"has_electricity"`
	HasRoadAccess  bool            `json:"has_road_access"`
	SurveyedAt     *time.Time      `json:"surveyed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Listing struct {
	ID        int64           `json:"id"`
	PlotID    int64           `json:"plot_id"`
	ListPrice decimal.Decimal `json:"list_price"`
	Status    ListingStatus   `json:"status"`
	ListedAt  *time.Time      `json:"listed_at,omitempty"`
	ClosedAt  *time.Time      `json:"closed_at,omitempty"`
	Notes     string          `json:"notes"`
	CreatedAt time.Time       `json:"created_at"`
}

type Client struct {
	ID        int64     `json:"id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a sales agent; CommissionRate is a percentage of the agreement price.
type Agent struct {
	ID             int64           `json:"id"`
	FullName       string          `json:"full_name"`
	Email          string          `json:"email"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Offer is a client's bid on a plot, optionally holding it with a reservation fee.
type Offer struct {
	ID              int64           `json:"id"`
	PlotID          int64           `json:"plot_id"`
	ClientID        int64           `json:"client_id"`
	AgentID         *int64          `json:"agent_id,omitempty"`
	OfferPrice      decimal.Decimal `json:"offer_price"`
	ReservationFee  decimal.Decimal `json:"reservation_fee"`
	ReservationDate time.Time       `json:"reservation_date"`
	ExpiryDate      time.Time       `json:"expiry_date"`
	Status          OfferStatus     `json:"status"`
	Notes           string          `json:"notes"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SaleAgreement is the binding contract for a plot sale.
// DepositPaid and BalanceDue are derived from receipts and never set by callers.
type SaleAgreement struct {
	ID                 int64           `json:"id"`
	AgreementNo        string          `json:"agreement_no"`
	PlotID             int64           `json:"plot_id"`
	ClientID           int64           `json:"client_id"`
	OfferID            *int64          `json:"offer_id,omitempty"`
	AgentID            *int64          `json:"agent_id,omitempty"`
	Price              decimal.Decimal `json:"price"`
	DepositPaid        decimal.Decimal `json:"deposit_paid"`
	BalanceDue         decimal.Decimal `json:"balance_due"`
	AgreementDate      time.Time       `json:"agreement_date"`
	Status             AgreementStatus `json:"status"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	SettledAt          *time.Time      `json:"settled_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

type PaymentPlan struct {
	ID                int64           `json:"id"`
	SaleAgreementID   int64           `json:"sale_agreement_id"`
	Installments      int             `json:"installments"`
	Frequency         string          `json:"frequency"` // monthly, quarterly, annual
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	FirstDueDate      time.Time       `json:"first_due_date"`
	Invoices          []Invoice       `json:"invoices,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type Receipt struct {
	ID              int64           `json:"id"`
	ReceiptNo       string          `json:"receipt_no"`
	SaleAgreementID int64           `json:"sale_agreement_id"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentDate     time.Time       `json:"payment_date"`
	Method          string          `json:"method"`
	Reference       string          `json:"reference"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Invoice is a billable amount; AmountPaid and Status follow its allocations.
type Invoice struct {
	ID              int64           `json:"id"`
	InvoiceNo       string          `json:"invoice_no"`
	SaleAgreementID *int64          `json:"sale_agreement_id,omitempty"`
	PaymentPlanID   *int64          `json:"payment_plan_id,omitempty"`
	InstallmentNo   *int            `json:"installment_no,omitempty"`
	Description     string          `json:"description"`
	AmountDue       decimal.Decimal `json:"amount_due"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	DueDate         time.Time       `json:"due_date"`
	Status          InvoiceStatus   `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

type PaymentAllocation struct {
	ID        int64           `json:"id"`
	ReceiptID int64           `json:"receipt_id"`
	InvoiceID int64           `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

type Commission struct {
	ID              int64            `json:"id"`
	AgentID         int64            `json:"agent_id"`
	SaleAgreementID int64            `json:"sale_agreement_id"`
	Rate            decimal.Decimal  `json:"rate"`
	Amount          decimal.Decimal  `json:"amount"`
	Status          CommissionStatus `json:"status"`
	PayableDate     time.Time        `json:"payable_date"`
	PaidAt          *time.Time       `json:"paid_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Document is one version in a chain rooted at the first upload.
// Later versions point at the root through ParentDocumentID.
type Document struct {
	ID               int64     `json:"id"`
	EntityType       string    `json:"entity_type"`
	EntityID         int64     `json:"entity_id"`
	ParentDocumentID *int64    `json:"parent_document_id,omitempty"`
	Title            string    `json:"title"`
	FileName         string    `json:"file_name"`
	ContentType      string    `json:"content_type"`
	SizeBytes        int64     `json:"size_bytes"`
	StorageKey       string    `json:"storage_key"`
	Version          int       `json:"version"`
	IsCurrentVersion bool      `json:"is_current_version"`
	UploadedBy       string    `json:"uploaded_by"`
	CreatedAt        time.Time `json:"created_at"`
}

// Task is a follow-up item raised by the engine, e.g. for an overdue invoice.
type Task struct {
	ID         int64      `json:"id"`
	EntityType string     `json:"entity_type"`
	EntityID   int64      `json:"entity_id"`
	Kind       string     `json:"kind"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
