package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/stockreserve/internal/model"
)

type stubTx struct {
	buyers      map[int64]*model.Buyer
	credited    map[int64]int64
	commissions []model.ReferralCommission
	insertErr   error
}

func (s *stubTx) Buyer(ctx context.Context, id int64) (*model.Buyer, error) {
	b, ok := s.buyers[id]
	if !ok {
		return nil, model.ErrBuyerNotFound
	}
	return b, nil
}

func (s *stubTx) CreditBalance(ctx context.Context, buyerID, amountCents int64) error {
	if _, ok := s.buyers[buyerID]; !ok {
		return model.ErrBuyerNotFound
	}
	if s.credited == nil {
		s.credited = map[int64]int64{}
	}
	s.credited[buyerID] += amountCents
	return nil
}

func (s *stubTx) InsertCommission(ctx context.Context, c model.ReferralCommission) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.commissions = append(s.commissions, c)
	return nil
}

func ptr(v int64) *int64 { return &v }

func TestAccrue_CreditsReferrer(t *testing.T) {
	tx := &stubTx{buyers: map[int64]*model.Buyer{
		1: {ID: 1},
		2: {ID: 2, ReferrerID: ptr(1)},
	}}
	a := New(10)
	now := time.Now()

	c, err := a.Accrue(context.Background(), tx, &model.Order{ID: 5, BuyerID: 2, TotalCents: 4750000}, now)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, int64(475000), c.CommissionCents)
	assert.Equal(t, int64(475000), tx.credited[1])
	require.Len(t, tx.commissions, 1)
	assert.Equal(t, model.ReferralCommission{
		OrderID:          5,
		ReferrerID:       1,
		ReferredID:       2,
		OrderAmountCents: 4750000,
		CommissionCents:  475000,
		CreatedAt:        now,
	}, tx.commissions[0])
}

func TestAccrue_NoReferrer(t *testing.T) {
	tx := &stubTx{buyers: map[int64]*model.Buyer{2: {ID: 2}}}

	c, err := New(10).Accrue(context.Background(), tx, &model.Order{ID: 5, BuyerID: 2, TotalCents: 1000}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, tx.credited)
	assert.Empty(t, tx.commissions)
}

func TestAccrue_ZeroRateOrAmount(t *testing.T) {
	tx := &stubTx{buyers: map[int64]*model.Buyer{1: {ID: 1}, 2: {ID: 2, ReferrerID: ptr(1)}}}

	c, err := New(0).Accrue(context.Background(), tx, &model.Order{ID: 5, BuyerID: 2, TotalCents: 1000}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = New(10).Accrue(context.Background(), tx, &model.Order{ID: 6, BuyerID: 2, TotalCents: 0}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, tx.commissions)
}

func TestAccrue_MissingReferrerIsSkipped(t *testing.T) {
	tx := &stubTx{buyers: map[int64]*model.Buyer{2: {ID: 2, ReferrerID: ptr(99)}}}

	c, err := New(10).Accrue(context.Background(), tx, &model.Order{ID: 5, BuyerID: 2, TotalCents: 1000}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestAccrue_PropagatesStorageError(t *testing.T) {
	boom := errors.New("boom")
	tx := &stubTx{
		buyers:    map[int64]*model.Buyer{1: {ID: 1}, 2: {ID: 2, ReferrerID: ptr(1)}},
		insertErr: boom,
	}

	_, err := New(10).Accrue(context.Background(), tx, &model.Order{ID: 5, BuyerID: 2, TotalCents: 1000}, time.Now())
	assert.ErrorIs(t, err, boom)
}
