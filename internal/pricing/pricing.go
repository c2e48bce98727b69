// Package pricing рассчитывает стоимость заказа: скидку за количество и дополнительные скидки промоакций и промокодов.
package pricing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/stockreserve/internal/model"
)

// Tier задаёт порог количества и процент скидки.
type Tier struct {
	MinQuantity int
	Percent     int
}

// Tiers — таблица скидок за количество.
type Tiers []Tier

// DefaultTiers возвращает таблицу скидок по умолчанию.
func DefaultTiers() Tiers {
	return Tiers{
		{MinQuantity: 500, Percent: 5},
		{MinQuantity: 1000, Percent: 10},
		{MinQuantity: 2000, Percent: 15},
		{MinQuantity: 5000, Percent: 20},
	}
}

// ParseTiers разбирает таблицу вида "500:5,1000:10".
func ParseTiers(s string) (Tiers, error) {
	var tiers Tiers
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		threshold, percent, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("parse tier %q: expected threshold:percent", part)
		}
		q, err := strconv.Atoi(strings.TrimSpace(threshold))
		if err != nil || q <= 0 {
			return nil, fmt.Errorf("parse tier %q: invalid threshold", part)
		}
		p, err := strconv.Atoi(strings.TrimSpace(percent))
		if err != nil || p < 0 || p > 100 {
			return nil, fmt.Errorf("parse tier %q: invalid percent", part)
		}
		tiers = append(tiers, Tier{MinQuantity: q, Percent: p})
	}
	return tiers, nil
}

// String возвращает таблицу в формате ParseTiers.
func (t Tiers) String() string {
	parts := make([]string, 0, len(t))
	for _, tier := range t {
		parts = append(parts, fmt.Sprintf("%d:%d", tier.MinQuantity, tier.Percent))
	}
	return strings.Join(parts, ",")
}

// Engine рассчитывает цену заказа. Безопасен для конкурентного использования.
type Engine struct {
	tiers Tiers
}

// NewEngine создаёт калькулятор с копией таблицы скидок, отсортированной по убыванию порога.
func NewEngine(tiers Tiers) *Engine {
	sorted := make(Tiers, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinQuantity > sorted[j].MinQuantity
	})
	return &Engine{tiers: sorted}
}

// DiscountPercent возвращает скидку самого высокого достигнутого порога.
func (e *Engine) DiscountPercent(quantity int) int {
	for _, tier := range e.tiers {
		if quantity >= tier.MinQuantity {
			return tier.Percent
		}
	}
	return 0
}

// Quote рассчитывает скидку за количество и итоговую сумму в копейках.
// Дополнительные скидки применяются по очереди к уже уменьшенной сумме.
func (e *Engine) Quote(unitPriceCents int64, quantity int, adjustments []model.Adjustment) model.Quote {
	subtotal := decimal.NewFromInt(unitPriceCents).Mul(decimal.NewFromInt(int64(quantity)))
	percent := e.DiscountPercent(quantity)

	total := applyPercent(subtotal, int64(percent))
	for _, adj := range adjustments {
		switch adj.Type {
		case model.AdjustmentPercent:
			total = applyPercent(total, adj.Value)
		case model.AdjustmentFixed:
			total = total.Sub(decimal.Min(decimal.NewFromInt(adj.Value), total))
		}
	}
	if total.IsNegative() {
		total = decimal.Zero
	}

	return model.Quote{
		DiscountPercent: percent,
		SubtotalCents:   subtotal.IntPart(),
		TotalCents:      total.Round(0).IntPart(),
	}
}

func applyPercent(amount decimal.Decimal, percent int64) decimal.Decimal {
	if percent <= 0 {
		return amount
	}
	if percent >= 100 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(100 - percent)).Div(decimal.NewFromInt(100))
}

// Share возвращает долю percent от суммы в копейках с округлением до копейки.
func Share(amountCents int64, percent int) int64 {
	if percent <= 0 || amountCents <= 0 {
		return 0
	}
	return decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromInt(int64(percent))).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}
