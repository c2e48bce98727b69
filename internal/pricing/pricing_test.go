package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/stockreserve/internal/model"
)

func TestQuote(t *testing.T) {
	engine := NewEngine(DefaultTiers())

	tests := []struct {
		name        string
		priceCents  int64
		quantity    int
		adjustments []model.Adjustment
		wantPercent int
		wantTotal   int64
	}{
		{
			name:        "below first tier",
			priceCents:  10000,
			quantity:    4,
			wantPercent: 0,
			wantTotal:   40000,
		},
		{
			name:        "five percent tier",
			priceCents:  10000,
			quantity:    500,
			wantPercent: 5,
			wantTotal:   4750000,
		},
		{
			name:        "ten percent tier",
			priceCents:  10000,
			quantity:    1000,
			wantPercent: 10,
			wantTotal:   9000000,
		},
		{
			name:        "highest tier wins without stacking",
			priceCents:  100,
			quantity:    6000,
			wantPercent: 20,
			wantTotal:   480000,
		},
		{
			name:        "percent coupon applies to tier-discounted total",
			priceCents:  10000,
			quantity:    500,
			adjustments: []model.Adjustment{{Type: model.AdjustmentPercent, Value: 10}},
			wantPercent: 5,
			wantTotal:   4275000,
		},
		{
			name:        "fixed coupon subtracted once",
			priceCents:  10000,
			quantity:    2,
			adjustments: []model.Adjustment{{Type: model.AdjustmentFixed, Value: 5000}},
			wantPercent: 0,
			wantTotal:   15000,
		},
		{
			name:        "fixed coupon never goes below zero",
			priceCents:  100,
			quantity:    1,
			adjustments: []model.Adjustment{{Type: model.AdjustmentFixed, Value: 5000}},
			wantPercent: 0,
			wantTotal:   0,
		},
		{
			name:        "rounds to nearest cent",
			priceCents:  333,
			quantity:    3,
			adjustments: []model.Adjustment{{Type: model.AdjustmentPercent, Value: 10}},
			wantPercent: 0,
			wantTotal:   899,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := engine.Quote(tt.priceCents, tt.quantity, tt.adjustments)
			assert.Equal(t, tt.wantPercent, q.DiscountPercent)
			assert.Equal(t, tt.wantTotal, q.TotalCents)
			assert.Equal(t, tt.priceCents*int64(tt.quantity), q.SubtotalCents)
		})
	}
}

func TestQuoteIsDeterministic(t *testing.T) {
	engine := NewEngine(DefaultTiers())
	adj := []model.Adjustment{{Type: model.AdjustmentPercent, Value: 7}}

	first := engine.Quote(1999, 1234, adj)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, engine.Quote(1999, 1234, adj))
	}
}

func TestParseTiers(t *testing.T) {
	tiers, err := ParseTiers("500:5, 1000:10,2000:15")
	require.NoError(t, err)
	assert.Equal(t, Tiers{{500, 5}, {1000, 10}, {2000, 15}}, tiers)
	assert.Equal(t, "500:5,1000:10,2000:15", tiers.String())

	_, err = ParseTiers("500")
	assert.Error(t, err)

	_, err = ParseTiers("500:150")
	assert.Error(t, err)

	empty, err := ParseTiers("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNewEngineDoesNotDependOnTierOrder(t *testing.T) {
	engine := NewEngine(Tiers{{1000, 10}, {500, 5}})
	assert.Equal(t, 10, engine.DiscountPercent(1500))
	assert.Equal(t, 5, engine.DiscountPercent(999))
	assert.Equal(t, 0, engine.DiscountPercent(499))
}

func TestShare(t *testing.T) {
	assert.Equal(t, int64(4750), Share(47500, 10))
	assert.Equal(t, int64(0), Share(47500, 0))
	assert.Equal(t, int64(2), Share(15, 10))
}
