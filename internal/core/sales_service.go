package core

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SalesService drives listings, offers and sale agreements. Every command
// locks the plot first, runs the guard, writes, then re-derives the plot stage
// before committing.
type SalesService interface {
	// Listings
	CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error)
	// ActivateListing puts a listing on the market. A SURVEYED plot becomes READY_FOR_SALE.
	ActivateListing(ctx context.Context, listingID int64) (*Listing, error)
	WithdrawListing(ctx context.Context, listingID int64) (*Listing, error)
	GetListing(ctx context.Context, listingID int64) (*Listing, error)

	// Offers
	CreateOffer(ctx context.Context, req CreateOfferRequest) (*Offer, error)
	// AcceptOffer moves a draft or reserved offer to accepted. A second active
	// offer on the same plot is refused with ConflictError.
	AcceptOffer(ctx context.Context, offerID int64) (*Offer, error)
	DeclineOffer(ctx context.Context, offerID int64) (*Offer, error)
	CancelOffer(ctx context.Context, offerID int64) (*Offer, error)
	// ExpireOffer moves a draft or reserved offer to expired.
	ExpireOffer(ctx context.Context, offerID int64) (*Offer, error)
	GetOffer(ctx context.Context, offerID int64) (*Offer, error)

	// Agreements
	// CreateSaleAgreement allocates an AGR number, sells the plot, converts the
	// originating offer, closes the active listing and accrues commission.
	CreateSaleAgreement(ctx context.Context, req CreateSaleAgreementRequest) (*SaleAgreement, error)
	ActivateAgreement(ctx context.Context, agreementID int64) (*SaleAgreement, error)
	CompleteAgreement(ctx context.Context, agreementID int64) (*SaleAgreement, error)
	// SettleAgreement transfers the plot.
	SettleAgreement(ctx context.Context, agreementID int64) (*SaleAgreement, error)
	// CancelAgreement returns the plot to READY_FOR_SALE, or RESERVED when
	// another offer still holds it.
	CancelAgreement(ctx context.Context, agreementID int64, reason string) (*SaleAgreement, error)
	GetAgreement(ctx context.Context, agreementID int64) (*SaleAgreement, error)
}

type salesService struct {
	*base
	seq         SequenceGenerator
	commissions *commissionService
}

// ── Listings ─────────────────────────────────────────────────────────────────

const listingColumns = `id, plot_id, list_price, status, listed_at, closed_at, notes, created_at`

func scanListing(row pgx.Row) (*Listing, error) {
	var l Listing
	if err := row.Scan(&l.ID, &l.PlotID, &l.ListPrice, &l.Status, &l.ListedAt, &l.ClosedAt, &l.Notes, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *salesService) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("list_price", req.ListPrice); err != nil {
		return nil, err
	}

	var listing *Listing
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		plot, err := lockPlotTx(ctx, tx, req.PlotID)
		if err != nil {
			return err
		}
		listing, err = scanListing(tx.QueryRow(ctx, `
			INSERT INTO listings (plot_id, list_price, notes)
			VALUES ($1, $2, $3)
			RETURNING `+listingColumns, req.PlotID, req.ListPrice, req.Notes))
		if err != nil {
			return classify(err, "listing", 0, "failed to create listing")
		}
		if err := audit(ctx, tx, "listing", listing.ID, "created", ""); err != nil {
			return err
		}
		if req.Activate {
			return s.activateListingTx(ctx, tx, plot, listing)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (s *salesService) ActivateListing(ctx context.Context, listingID int64) (*Listing, error) {
	var listing *Listing
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		plot, err := s.lockPlotOf(ctx, tx, "listings", listingID)
		if err != nil {
			return err
		}
		listing, err = scanListing(tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
		if err != nil {
			return classify(err, "listing", listingID, "failed to lock listing")
		}
		if listing.Status != ListingDraft && listing.Status != ListingWithdrawn {
			return conflict("listing", listingID, "cannot activate a %s listing", listing.Status)
		}
		return s.activateListingTx(ctx, tx, plot, listing)
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (s *salesService) activateListingTx(ctx context.Context, tx pgx.Tx, plot *Plot, listing *Listing) error {
	switch plot.Stage {
	case StageSurveyed:
		_, err := tx.Exec(ctx, `UPDATE plots SET stage = $1, updated_at = NOW() WHERE id = $2`, string(StageReadyForSale), plot.ID)
		if err != nil {
			return fmt.Errorf("failed to promote plot %d: %w", plot.ID, err)
		}
		if err := audit(ctx, tx, "plot", plot.ID, "stage_changed",
			fmt.Sprintf("%s -> %s", StageSurveyed, StageReadyForSale)); err != nil {
			return err
		}
		plot.Stage = StageReadyForSale
	case StageReadyForSale:
	default:
		return conflict("plot", plot.ID, "cannot list a plot at stage %s", plot.Stage)
	}
	if err := guardListingTx(ctx, tx, plot.ID, listing.ID); err != nil {
		return err
	}

	err := tx.QueryRow(ctx, `
		UPDATE listings SET status = $1, listed_at = $2, closed_at = NULL
		WHERE id = $3
		RETURNING `+listingColumns, string(ListingActive), s.now(), listing.ID).Scan(
		&listing.ID, &listing.PlotID, &listing.ListPrice, &listing.Status,
		&listing.ListedAt, &listing.ClosedAt, &listing.Notes, &listing.CreatedAt)
	if err != nil {
		return classify(err, "listing", listing.ID, "failed to activate listing")
	}
	if err := audit(ctx, tx, "listing", listing.ID, "activated", ""); err != nil {
		return err
	}
	return verifyPlotTx(ctx, tx, plot.ID)
}

func (s *salesService) WithdrawListing(ctx context.Context, listingID int64) (*Listing, error) {
	var listing *Listing
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.lockPlotOf(ctx, tx, "listings", listingID); err != nil {
			return err
		}
		var err error
		listing, err = scanListing(tx.QueryRow(ctx, `
			UPDATE listings SET status = $1, closed_at = $2
			WHERE id = $3 AND status IN ('draft', 'active')
			RETURNING `+listingColumns, string(ListingWithdrawn), s.now(), listingID))
		if err != nil {
			if isNoRows(err) {
				return conflict("listing", listingID, "only draft or active listings can be withdrawn")
			}
			return classify(err, "listing", listingID, "failed to withdraw listing")
		}
		return audit(ctx, tx, "listing", listingID, "withdrawn", "")
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (s *salesService) GetListing(ctx context.Context, listingID int64) (*Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, listingID))
	if err != nil {
		return nil, classify(err, "listing", listingID, "failed to get listing")
	}
	return l, nil
}

// lockPlotOf locks the plot that owns a child row (offer, listing, agreement).
func (s *salesService) lockPlotOf(ctx context.Context, tx pgx.Tx, table string, id int64) (*Plot, error) {
	plotID, err := plotIDForTx(ctx, tx, table, id)
	if err != nil {
		return nil, err
	}
	return lockPlotTx(ctx, tx, plotID)
}

// ── Offers ───────────────────────────────────────────────────────────────────

const offerColumns = `id, plot_id, client_id, agent_id, offer_price, reservation_fee, reservation_date,
	expiry_date, status, notes, created_at, updated_at`

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	if err := row.Scan(&o.ID, &o.PlotID, &o.ClientID, &o.AgentID, &o.OfferPrice, &o.ReservationFee,
		&o.ReservationDate, &o.ExpiryDate, &o.Status, &o.Notes, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *salesService) CreateOffer(ctx context.Context, req CreateOfferRequest) (*Offer, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("offer_price", req.OfferPrice); err != nil {
		return nil, err
	}
	if err := checkNonNegative("reservation_fee", req.ReservationFee); err != nil {
		return nil, err
	}
	if req.ReservationFee.GreaterThan(req.OfferPrice) {
		return nil, invalid("reservation_fee", "%s exceeds offer price %s",
			req.ReservationFee.StringFixed(2), req.OfferPrice.StringFixed(2))
	}
	if !dateOf(req.ExpiryDate).After(dateOf(req.ReservationDate)) {
		return nil, invalid("expiry_date", "must be after reservation date %s", req.ReservationDate.Format("2006-01-02"))
	}

	status := OfferDraft
	if req.Reserve {
		status = OfferReserved
	}

	var offer *Offer
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		plot, err := lockPlotTx(ctx, tx, req.PlotID)
		if err != nil {
			return err
		}
		if !acceptsOffers(plot.Stage) {
			return conflict("plot", plot.ID, "plot at stage %s does not take offers", plot.Stage)
		}
		if status == OfferReserved {
			if err := guardOfferTx(ctx, tx, plot.ID, 0); err != nil {
				return err
			}
		}

		offer, err = scanOffer(tx.QueryRow(ctx, `
			INSERT INTO offers (plot_id, client_id, agent_id, offer_price, reservation_fee,
			                    reservation_date, expiry_date, status, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+offerColumns,
			req.PlotID, req.ClientID, req.AgentID, req.OfferPrice, req.ReservationFee,
			dateOf(req.ReservationDate), dateOf(req.ExpiryDate), string(status), req.Notes))
		if err != nil {
			return classify(err, "offer", 0, "failed to create offer")
		}
		if err := audit(ctx, tx, "offer", offer.ID, "created", string(status)); err != nil {
			return err
		}
		if _, err := applyPlotStageTx(ctx, tx, plot); err != nil {
			return err
		}
		return verifyPlotTx(ctx, tx, plot.ID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("offer created", zap.Int64("offer_id", offer.ID), zap.String("status", string(offer.Status)))
	return offer, nil
}

func (s *salesService) AcceptOffer(ctx context.Context, offerID int64) (*Offer, error) {
	return s.transitionOffer(ctx, offerID, []OfferStatus{OfferDraft, OfferReserved}, OfferAccepted)
}

func (s *salesService) DeclineOffer(ctx context.Context, offerID int64) (*Offer, error) {
	return s.transitionOffer(ctx, offerID, []OfferStatus{OfferDraft, OfferReserved, OfferAccepted}, OfferDeclined)
}

func (s *salesService) CancelOffer(ctx context.Context, offerID int64) (*Offer, error) {
	return s.transitionOffer(ctx, offerID, []OfferStatus{OfferDraft, OfferReserved, OfferAccepted}, OfferCancelled)
}

func (s *salesService) ExpireOffer(ctx context.Context, offerID int64) (*Offer, error) {
	return s.transitionOffer(ctx, offerID, []OfferStatus{OfferDraft, OfferReserved}, OfferExpired)
}

// transitionOffer moves one offer between statuses under the plot lock and
// re-derives the plot stage from every offer and agreement on it.
func (s *salesService) transitionOffer(ctx context.Context, offerID int64, from []OfferStatus, to OfferStatus) (*Offer, error) {
	var offer *Offer
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		plot, err := s.lockPlotOf(ctx, tx, "offers", offerID)
		if err != nil {
			return err
		}
		current, err := scanOffer(tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, offerID))
		if err != nil {
			return classify(err, "offer", offerID, "failed to lock offer")
		}
		if !slices.Contains(from, current.Status) {
			return conflict("offer", offerID, "cannot move a %s offer to %s", current.Status, to)
		}
		if slices.Contains(activeOfferStatuses, to) {
			if !acceptsOffers(plot.Stage) {
				return conflict("plot", plot.ID, "plot at stage %s does not take offers", plot.Stage)
			}
			if err := guardOfferTx(ctx, tx, plot.ID, offerID); err != nil {
				return err
			}
		}

		offer, err = scanOffer(tx.QueryRow(ctx, `
			UPDATE offers SET status = $1, updated_at = NOW()
			WHERE id = $2
			RETURNING `+offerColumns, string(to), offerID))
		if err != nil {
			return classify(err, "offer", offerID, "failed to update offer")
		}
		if err := audit(ctx, tx, "offer", offerID, string(to), fmt.Sprintf("%s -> %s", current.Status, to)); err != nil {
			return err
		}
		if _, err := applyPlotStageTx(ctx, tx, plot); err != nil {
			return err
		}
		return verifyPlotTx(ctx, tx, plot.ID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("offer transitioned", zap.Int64("offer_id", offerID), zap.String("status", string(to)))
	return offer, nil
}

func (s *salesService) GetOffer(ctx context.Context, offerID int64) (*Offer, error) {
	o, err := scanOffer(s.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, offerID))
	if err != nil {
		return nil, classify(err, "offer", offerID, "failed to get offer")
	}
	return o, nil
}

// ── Agreements ───────────────────────────────────────────────────────────────

const agreementColumns = `id, agreement_no, plot_id, client_id, offer_id, agent_id, price, deposit_paid,
	balance_due, agreement_date, status, cancellation_reason, settled_at, cancelled_at, created_at`

func scanAgreement(row pgx.Row) (*SaleAgreement, error) {
	var a SaleAgreement
	if err := row.Scan(&a.ID, &a.AgreementNo, &a.PlotID, &a.ClientID, &a.OfferID, &a.AgentID, &a.Price,
		&a.DepositPaid, &a.BalanceDue, &a.AgreementDate, &a.Status, &a.CancellationReason,
		&a.SettledAt, &a.CancelledAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *salesService) CreateSaleAgreement(ctx context.Context, req CreateSaleAgreementRequest) (*SaleAgreement, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := checkPositive("price", req.Price); err != nil {
		return nil, err
	}

	status := AgreementActive
	if req.Draft {
		status = AgreementDraft
	}

	var ag *SaleAgreement
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		plot, err := lockPlotTx(ctx, tx, req.PlotID)
		if err != nil {
			return err
		}
		if !acceptsAgreements(plot.Stage) {
			return conflict("plot", plot.ID, "cannot sell a plot at stage %s", plot.Stage)
		}
		if status == AgreementActive {
			if err := guardAgreementTx(ctx, tx, plot.ID, 0); err != nil {
				return err
			}
		}
		if req.OfferID != nil {
			if err := s.convertOfferTx(ctx, tx, *req.OfferID, req.PlotID, req.ClientID); err != nil {
				return err
			}
		}

		number, err := s.seq.NextTx(ctx, tx, SeqAgreement, s.now().Year())
		if err != nil {
			return err
		}
		ag, err = scanAgreement(tx.QueryRow(ctx, `
			INSERT INTO sale_agreements (agreement_no, plot_id, client_id, offer_id, agent_id, price,
			                             deposit_paid, balance_due, agreement_date, status)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $6, $7, $8)
			RETURNING `+agreementColumns,
			number, req.PlotID, req.ClientID, req.OfferID, req.AgentID, req.Price,
			dateOf(req.AgreementDate), string(status)))
		if err != nil {
			return classify(err, "sale agreement", 0, "failed to create sale agreement")
		}

		_, err = tx.Exec(ctx, `
			UPDATE listings SET status = $1, closed_at = $2
			WHERE plot_id = $3 AND status = $4
		`, string(ListingSold), s.now(), plot.ID, string(ListingActive))
		if err != nil {
			return fmt.Errorf("failed to close listing for plot %d: %w", plot.ID, err)
		}

		if err := audit(ctx, tx, "sale_agreement", ag.ID, "created", ag.AgreementNo); err != nil {
			return err
		}
		if _, err := applyPlotStageTx(ctx, tx, plot); err != nil {
			return err
		}
		if status == AgreementActive {
			if err := s.commissions.accrueTx(ctx, tx, ag); err != nil {
				return err
			}
		}
		return verifyPlotTx(ctx, tx, plot.ID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("sale agreement created",
		zap.Int64("agreement_id", ag.ID),
		zap.String("agreement_no", ag.AgreementNo),
		zap.Int64("plot_id", ag.PlotID))
	return ag, nil
}

// convertOfferTx marks the offer an agreement was written from as converted.
func (s *salesService) convertOfferTx(ctx context.Context, tx pgx.Tx, offerID, plotID, clientID int64) error {
	offer, err := scanOffer(tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, offerID))
	if err != nil {
		return classify(err, "offer", offerID, "failed to lock offer")
	}
	if offer.PlotID != plotID || offer.ClientID != clientID {
		return invalid("offer_id", "offer %d is not for plot %d and client %d", offerID, plotID, clientID)
	}
	if !slices.Contains([]OfferStatus{OfferDraft, OfferReserved, OfferAccepted}, offer.Status) {
		return conflict("offer", offerID, "cannot convert a %s offer", offer.Status)
	}
	_, err = tx.Exec(ctx, `UPDATE offers SET status = $1, updated_at = NOW() WHERE id = $2`, string(OfferConverted), offerID)
	if err != nil {
		return fmt.Errorf("failed to convert offer %d: %w", offerID, err)
	}
	return audit(ctx, tx, "offer", offerID, string(OfferConverted), fmt.Sprintf("%s -> %s", offer.Status, OfferConverted))
}

func (s *salesService) ActivateAgreement(ctx context.Context, agreementID int64) (*SaleAgreement, error) {
	return s.transitionAgreement(ctx, agreementID, []AgreementStatus{AgreementDraft}, AgreementActive, "")
}

func (s *salesService) CompleteAgreement(ctx context.Context, agreementID int64) (*SaleAgreement, error) {
	return s.transitionAgreement(ctx, agreementID, []AgreementStatus{AgreementActive}, AgreementCompleted, "")
}

func (s *salesService) SettleAgreement(ctx context.Context, agreementID int64) (*SaleAgreement, error) {
	return s.transitionAgreement(ctx, agreementID, []AgreementStatus{AgreementActive, AgreementCompleted}, AgreementSettled, "")
}

func (s *salesService) CancelAgreement(ctx context.Context, agreementID int64, reason string) (*SaleAgreement, error) {
	if len(reason) > 2000 {
		return nil, invalid("reason", "must be at most 2000 characters")
	}
	return s.transitionAgreement(ctx, agreementID, liveAgreementStatuses, AgreementCancelled, reason)
}

func (s *salesService) transitionAgreement(ctx context.Context, agreementID int64, from []AgreementStatus, to AgreementStatus, reason string) (*SaleAgreement, error) {
	var ag *SaleAgreement
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		plot, err := s.lockPlotOf(ctx, tx, "sale_agreements", agreementID)
		if err != nil {
			return err
		}
		current, err := lockAgreementTx(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if !slices.Contains(from, current.Status) {
			return conflict("sale agreement", agreementID, "cannot move a %s agreement to %s", current.Status, to)
		}
		if slices.Contains(activeAgreementStatuses, to) {
			if err := guardAgreementTx(ctx, tx, plot.ID, agreementID); err != nil {
				return err
			}
		}

		now := s.now()
		ag, err = scanAgreement(tx.QueryRow(ctx, `
			UPDATE sale_agreements
			SET status = $1,
			    settled_at = CASE WHEN $1 = 'settled' THEN $2 ELSE settled_at END,
			    cancelled_at = CASE WHEN $1 = 'cancelled' THEN $2 ELSE cancelled_at END,
			    cancellation_reason = CASE WHEN $1 = 'cancelled' THEN $3 ELSE cancellation_reason END,
			    updated_at = NOW()
			WHERE id = $4
			RETURNING `+agreementColumns, string(to), now, reason, agreementID))
		if err != nil {
			return classify(err, "sale agreement", agreementID, "failed to update sale agreement")
		}
		if err := audit(ctx, tx, "sale_agreement", agreementID, string(to),
			fmt.Sprintf("%s -> %s", current.Status, to)); err != nil {
			return err
		}

		switch to {
		case AgreementActive:
			if err := s.commissions.accrueTx(ctx, tx, ag); err != nil {
				return err
			}
		case AgreementCancelled:
			if err := s.commissions.cancelTx(ctx, tx, agreementID); err != nil {
				return err
			}
		}

		if _, err := applyPlotStageTx(ctx, tx, plot); err != nil {
			return err
		}
		return verifyPlotTx(ctx, tx, plot.ID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("sale agreement transitioned", zap.Int64("agreement_id", agreementID), zap.String("status", string(to)))
	return ag, nil
}

func (s *salesService) GetAgreement(ctx context.Context, agreementID int64) (*SaleAgreement, error) {
	ag, err := scanAgreement(s.pool.QueryRow(ctx, `SELECT `+agreementColumns+` FROM sale_agreements WHERE id = $1`, agreementID))
	if err != nil {
		return nil, classify(err, "sale agreement", agreementID, "failed to get sale agreement")
	}
	return ag, nil
}

func lockAgreementTx(ctx context.Context, tx pgx.Tx, agreementID int64) (*SaleAgreement, error) {
	ag, err := scanAgreement(tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM sale_agreements WHERE id = $1 FOR UPDATE`, agreementID))
	if err != nil {
		return nil, classify(err, "sale agreement", agreementID, "failed to lock sale agreement")
	}
	return ag, nil
}
