package memory

import (
	"context"
	"strings"

	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/model"
)

var _ ledger.Store = (*Store)(nil)

// AddProduct добавляет товар и возвращает его идентификатор.
func (s *Store) AddProduct(ctx context.Context, name string, priceCents int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.nextProduct++
	id := s.st.nextProduct
	s.st.products[id] = model.Product{ID: id, Name: name, PriceCents: priceCents, CreatedAt: s.now()}
	return id, nil
}

// MintUnits добавляет свободные единицы товара, пропуская уже существующие.
// Возвращает число добавленных единиц.
func (s *Store) MintUnits(ctx context.Context, productID int64, payloads []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.products[productID]; !ok {
		return 0, model.ErrProductNotFound
	}

	existing := make(map[string]struct{}, len(s.st.productUnits[productID]))
	for _, id := range s.st.productUnits[productID] {
		existing[s.st.units[id].Payload] = struct{}{}
	}

	added := 0
	for _, payload := range payloads {
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		if _, ok := existing[payload]; ok {
			continue
		}
		existing[payload] = struct{}{}

		s.st.nextUnit++
		id := s.st.nextUnit
		s.st.units[id] = &model.InventoryUnit{
			ID:        id,
			ProductID: productID,
			Payload:   payload,
			Status:    model.UnitStatusAvailable,
		}
		s.st.productUnits[productID] = append(s.st.productUnits[productID], id)
		added++
	}
	return added, nil
}

// AddBuyer добавляет покупателя с необязательным реферером.
func (s *Store) AddBuyer(ctx context.Context, referrerID *int64, balanceCents int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if referrerID != nil {
		if _, ok := s.st.buyers[*referrerID]; !ok {
			return 0, model.ErrBuyerNotFound
		}
	}

	s.st.nextBuyer++
	id := s.st.nextBuyer
	s.st.buyers[id] = &model.Buyer{ID: id, ReferrerID: referrerID, BalanceCents: balanceCents, CreatedAt: s.now()}
	return id, nil
}

// AddCoupon добавляет или заменяет промокод.
func (s *Store) AddCoupon(ctx context.Context, c model.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Code = model.NormalizeCouponCode(c.Code)
	s.st.coupons[c.Code] = &c
	return nil
}

// AddPromotion добавляет промоакцию.
func (s *Store) AddPromotion(ctx context.Context, p model.Promotion) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.nextPromotion++
	p.ID = s.st.nextPromotion
	s.st.promotions = append(s.st.promotions, p)
	return p.ID, nil
}
