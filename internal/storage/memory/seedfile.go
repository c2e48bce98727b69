package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mmeshcher/stockreserve/internal/model"
)

// SeedFile описывает начальные данные хранилища в памяти.
// Идентификаторы выдаются по порядку с единицы, поэтому referrer покупателя
// ссылается на номер ранее перечисленного покупателя.
type SeedFile struct {
	Products []SeedProduct `json:"products"`
	Buyers   []SeedBuyer   `json:"buyers"`
	Coupons  []SeedCoupon  `json:"coupons"`
}

type SeedProduct struct {
	Name       string   `json:"name"`
	PriceCents int64    `json:"price_cents"`
	Units      []string `json:"units"`
}

type SeedBuyer struct {
	ReferrerID   *int64 `json:"referrer,omitempty"`
	BalanceCents int64  `json:"balance_cents"`
}

type SeedCoupon struct {
	Code     string `json:"code"`
	Type     string `json:"type"`
	Value    int64  `json:"value"`
	MaxUses  int    `json:"max_uses"`
	ValidFor string `json:"valid_for"`
}

// Seeded сообщает, сколько записей загружено.
type Seeded struct {
	Products int
	Units    int
	Buyers   int
	Coupons  int
}

// Load заполняет хранилище данными из JSON.
func (s *Store) Load(ctx context.Context, r io.Reader) (Seeded, error) {
	var res Seeded

	var f SeedFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return res, fmt.Errorf("decode seed file: %w", err)
	}

	for i, p := range f.Products {
		if strings.TrimSpace(p.Name) == "" || p.PriceCents <= 0 {
			return res, fmt.Errorf("product #%d: name and positive price_cents are required", i+1)
		}
		id, err := s.AddProduct(ctx, p.Name, p.PriceCents)
		if err != nil {
			return res, fmt.Errorf("add product %q: %w", p.Name, err)
		}
		n, err := s.MintUnits(ctx, id, p.Units)
		if err != nil {
			return res, fmt.Errorf("mint units for %q: %w", p.Name, err)
		}
		res.Products++
		res.Units += n
	}

	for i, b := range f.Buyers {
		if b.BalanceCents < 0 {
			return res, fmt.Errorf("buyer #%d: negative balance", i+1)
		}
		if _, err := s.AddBuyer(ctx, b.ReferrerID, b.BalanceCents); err != nil {
			return res, fmt.Errorf("add buyer #%d: %w", i+1, err)
		}
		res.Buyers++
	}

	now := s.now()
	for _, c := range f.Coupons {
		coupon, err := c.coupon(now)
		if err != nil {
			return res, err
		}
		if err := s.AddCoupon(ctx, coupon); err != nil {
			return res, fmt.Errorf("add coupon %q: %w", c.Code, err)
		}
		res.Coupons++
	}

	return res, nil
}

func (c SeedCoupon) coupon(now time.Time) (model.Coupon, error) {
	code := model.NormalizeCouponCode(c.Code)
	if code == "" {
		return model.Coupon{}, fmt.Errorf("coupon without code")
	}

	typ := model.AdjustmentType(strings.ToUpper(c.Type))
	if typ == "" {
		typ = model.AdjustmentPercent
	}
	switch typ {
	case model.AdjustmentPercent:
		if c.Value <= 0 || c.Value > 100 {
			return model.Coupon{}, fmt.Errorf("coupon %q: percent must be within 1..100, got %d", code, c.Value)
		}
	case model.AdjustmentFixed:
		if c.Value <= 0 {
			return model.Coupon{}, fmt.Errorf("coupon %q: fixed value must be positive", code)
		}
	default:
		return model.Coupon{}, fmt.Errorf("coupon %q: unknown type %q", code, c.Type)
	}

	validFor := 30 * 24 * time.Hour
	if c.ValidFor != "" {
		d, err := time.ParseDuration(c.ValidFor)
		if err != nil || d <= 0 {
			return model.Coupon{}, fmt.Errorf("coupon %q: invalid valid_for %q", code, c.ValidFor)
		}
		validFor = d
	}

	return model.Coupon{
		Code:       code,
		Type:       typ,
		Value:      c.Value,
		MaxUses:    c.MaxUses,
		ValidFrom:  now,
		ValidUntil: now.Add(validFor),
		Active:     true,
	}, nil
}
