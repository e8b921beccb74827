package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scriptedExpirer replays one ExpireOffer error per call and reports status
// from GetOffer.
type scriptedExpirer struct {
	errs   []error
	status OfferStatus
	calls  int
}

func (e *scriptedExpirer) ExpireOffer(_ context.Context, offerID int64) (*Offer, error) {
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Offer{ID: offerID, Status: OfferExpired}, nil
}

func (e *scriptedExpirer) GetOffer(_ context.Context, offerID int64) (*Offer, error) {
	return &Offer{ID: offerID, Status: e.status}, nil
}

var quickPolicy = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestExpireOne(t *testing.T) {
	deadlock := &ConflictError{Entity: "offer", ID: 7, Reason: "deadlock detected"}

	t.Run("expires", func(t *testing.T) {
		e := &scriptedExpirer{status: OfferReserved}
		expired, err := expireOne(context.Background(), e, 7, quickPolicy)
		assert.NoError(t, err)
		assert.True(t, expired)
		assert.Equal(t, 1, e.calls)
	})

	t.Run("retries lock contention", func(t *testing.T) {
		e := &scriptedExpirer{errs: []error{deadlock, nil}, status: OfferReserved}
		expired, err := expireOne(context.Background(), e, 7, quickPolicy)
		assert.NoError(t, err)
		assert.True(t, expired)
		assert.Equal(t, 2, e.calls)
	})

	t.Run("skips an offer that moved on", func(t *testing.T) {
		e := &scriptedExpirer{
			errs:   []error{conflict("offer", 7, "cannot move a accepted offer to expired")},
			status: OfferAccepted,
		}
		expired, err := expireOne(context.Background(), e, 7, quickPolicy)
		assert.NoError(t, err)
		assert.False(t, expired)
		assert.Equal(t, 1, e.calls)
	})

	t.Run("reports contention that never clears", func(t *testing.T) {
		e := &scriptedExpirer{errs: []error{deadlock, deadlock, deadlock}, status: OfferReserved}
		expired, err := expireOne(context.Background(), e, 7, quickPolicy)
		assert.True(t, errors.Is(err, ErrConflict))
		assert.False(t, expired)
		assert.Equal(t, 3, e.calls)
	})

	t.Run("does not retry other failures", func(t *testing.T) {
		boom := errors.New("connection reset")
		e := &scriptedExpirer{errs: []error{boom}, status: OfferReserved}
		_, err := expireOne(context.Background(), e, 7, quickPolicy)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, e.calls)
	})
}
