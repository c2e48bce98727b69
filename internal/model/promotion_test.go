package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPromotionApplies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	productID := int64(7)
	other := int64(8)

	base := Promotion{
		Type:        AdjustmentPercent,
		Value:       10,
		MinQuantity: 5,
		StartsAt:    now.Add(-time.Hour),
		EndsAt:      now.Add(time.Hour),
		Active:      true,
	}

	tests := []struct {
		name     string
		mutate   func(p *Promotion)
		quantity int
		want     bool
	}{
		{name: "catalog wide", mutate: func(p *Promotion) {}, quantity: 5, want: true},
		{name: "matching product", mutate: func(p *Promotion) { p.ProductID = &productID }, quantity: 5, want: true},
		{name: "other product", mutate: func(p *Promotion) { p.ProductID = &other }, quantity: 5, want: false},
		{name: "below min quantity", mutate: func(p *Promotion) {}, quantity: 4, want: false},
		{name: "inactive", mutate: func(p *Promotion) { p.Active = false }, quantity: 5, want: false},
		{name: "not started", mutate: func(p *Promotion) { p.StartsAt = now.Add(time.Minute) }, quantity: 5, want: false},
		{name: "ended", mutate: func(p *Promotion) { p.EndsAt = now.Add(-time.Minute) }, quantity: 5, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			assert.Equal(t, tt.want, p.Applies(productID, tt.quantity, now))
		})
	}
}

func TestCouponUsable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Coupon{
		Code:       "SPRING",
		Type:       AdjustmentFixed,
		Value:      500,
		MaxUses:    2,
		UsedCount:  1,
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
		Active:     true,
	}
	assert.True(t, c.Usable(now))

	exhausted := c
	exhausted.UsedCount = 2
	assert.False(t, exhausted.Usable(now))

	unlimited := exhausted
	unlimited.MaxUses = 0
	assert.True(t, unlimited.Usable(now))

	assert.False(t, c.Usable(now.Add(2*time.Hour)))
}

func TestOrderStatusFinal(t *testing.T) {
	assert.False(t, OrderStatusWaitingPayment.Final())
	assert.True(t, OrderStatusCompleted.Final())
	assert.True(t, OrderStatusCancelled.Final())
}

func TestPromotionFixedDiscountIsPerUnit(t *testing.T) {
	fixed := Promotion{Type: AdjustmentFixed, Value: 150}
	assert.Equal(t, Adjustment{Type: AdjustmentFixed, Value: 600}, fixed.Adjustment(4))

	percent := Promotion{Type: AdjustmentPercent, Value: 10}
	assert.Equal(t, Adjustment{Type: AdjustmentPercent, Value: 10}, percent.Adjustment(4))

	coupon := Coupon{Type: AdjustmentFixed, Value: 150}
	assert.Equal(t, Adjustment{Type: AdjustmentFixed, Value: 150}, coupon.Adjustment())
}

func TestNormalizeCouponCode(t *testing.T) {
	assert.Equal(t, "MINUS50", NormalizeCouponCode(" minus50 "))
	assert.Equal(t, "SPRING", NormalizeCouponCode("SPRING"))
	assert.Empty(t, NormalizeCouponCode("  "))
}
