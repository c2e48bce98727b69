package model

import (
	"strings"
	"time"
)

// AdjustmentType задаёт способ применения скидки промоакции или промокода.
type AdjustmentType string

const (
	AdjustmentPercent AdjustmentType = "PERCENT"
	AdjustmentFixed   AdjustmentType = "FIXED"
)

// Adjustment описывает дополнительную скидку поверх скидки за количество.
// Для FIXED значение задаётся в копейках, для PERCENT — в процентах.
type Adjustment struct {
	Type  AdjustmentType
	Value int64
}

// Promotion описывает промоакцию на товар или на весь каталог (ProductID == nil).
// Для FIXED значение задаёт скидку с каждой единицы заказа.
type Promotion struct {
	ID          int64
	Name        string
	ProductID   *int64
	Type        AdjustmentType
	Value       int64
	MinQuantity int
	StartsAt    time.Time
	EndsAt      time.Time
	Active      bool
}

// Applies проверяет, действует ли промоакция для товара и количества в момент now.
func (p Promotion) Applies(productID int64, quantity int, now time.Time) bool {
	if !p.Active || quantity < p.MinQuantity {
		return false
	}
	if now.Before(p.StartsAt) || now.After(p.EndsAt) {
		return false
	}
	return p.ProductID == nil || *p.ProductID == productID
}

// Adjustment возвращает скидку промоакции для заказа из quantity единиц.
func (p Promotion) Adjustment(quantity int) Adjustment {
	if p.Type == AdjustmentFixed {
		return Adjustment{Type: p.Type, Value: p.Value * int64(quantity)}
	}
	return Adjustment{Type: p.Type, Value: p.Value}
}

// Coupon описывает промокод. Для FIXED значение вычитается один раз на заказ.
type Coupon struct {
	Code       string
	Type       AdjustmentType
	Value      int64
	MaxUses    int
	UsedCount  int
	ValidFrom  time.Time
	ValidUntil time.Time
	Active     bool
}

// Usable проверяет, можно ли применить промокод в момент now. MaxUses == 0 означает без ограничений.
func (c Coupon) Usable(now time.Time) bool {
	if !c.Active {
		return false
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidUntil) {
		return false
	}
	return c.MaxUses == 0 || c.UsedCount < c.MaxUses
}

// Adjustment возвращает скидку промокода.
func (c Coupon) Adjustment() Adjustment {
	return Adjustment{Type: c.Type, Value: c.Value}
}

// NormalizeCouponCode приводит промокод к каноническому виду: без пробелов по краям, в верхнем регистре.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
