// Package memory реализует хранилище заказов и единиц товара в памяти.
//
// Все изменения выполняются одним писателем под мьютексом. Транзакция меняет
// состояние на месте и ведёт журнал отката: при ошибке или панике внутри fn
// записи журнала применяются в обратном порядке, поэтому частичных изменений
// не остаётся. Стоимость транзакции зависит только от затронутых записей.
// Отправленные события outbox из памяти удаляются.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/model"
)

type state struct {
	products      map[int64]model.Product
	units         map[int64]*model.InventoryUnit
	productUnits  map[int64][]int64
	orderUnits    map[int64][]int64
	orders        map[int64]*model.Order
	paymentOrders map[string]int64
	buyers        map[int64]*model.Buyer
	coupons       map[string]*model.Coupon
	promotions    []model.Promotion
	commissions   map[int64]model.ReferralCommission
	pending       []model.Event

	nextProduct   int64
	nextUnit      int64
	nextOrder     int64
	nextBuyer     int64
	nextPromotion int64
	nextEvent     int64
}

func newState() *state {
	return &state{
		products:      map[int64]model.Product{},
		units:         map[int64]*model.InventoryUnit{},
		productUnits:  map[int64][]int64{},
		orderUnits:    map[int64][]int64{},
		orders:        map[int64]*model.Order{},
		paymentOrders: map[string]int64{},
		buyers:        map[int64]*model.Buyer{},
		coupons:       map[string]*model.Coupon{},
		commissions:   map[int64]model.ReferralCommission{},
	}
}

func (s *state) product(id int64) (*model.Product, bool) {
	p, ok := s.products[id]
	if !ok {
		return nil, false
	}
	p.TotalUnits = len(s.productUnits[id])
	p.Available = s.available(id)
	return &p, true
}

func (s *state) available(productID int64) int {
	n := 0
	for _, id := range s.productUnits[productID] {
		if s.units[id].Status == model.UnitStatusAvailable {
			n++
		}
	}
	return n
}

// Store хранит данные в памяти.
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// InTx выполняет fn под блокировкой записи и откатывает её изменения, если fn
// вернула ошибку или запаниковала.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{st: s.st, now: s.now}
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(ctx, t); err != nil {
		return err
	}
	committed = true
	return nil
}

// Product возвращает товар с вычисленными счётчиками единиц.
func (s *Store) Product(ctx context.Context, id int64) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.product(id)
	if !ok {
		return nil, model.ErrProductNotFound
	}
	return p, nil
}

// GetOrder возвращает копию заказа.
func (s *Store) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.st.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// OrderByPayment ищет заказ по идентификатору платежа.
func (s *Store) OrderByPayment(ctx context.Context, paymentID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.st.paymentOrders[paymentID]
	if !ok || paymentID == "" {
		return nil, model.ErrPaymentNotFound
	}
	cp := *s.st.orders[id]
	return &cp, nil
}

// OrderUnits возвращает единицы, закреплённые за заказом.
func (s *Store) OrderUnits(ctx context.Context, orderID int64) ([]model.InventoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.st.orderUnits[orderID]
	units := make([]model.InventoryUnit, 0, len(ids))
	for _, id := range ids {
		units = append(units, *s.st.units[id])
	}
	return units, nil
}

// ListExpired возвращает неоплаченные заказы с истёкшим сроком удержания, старые первыми.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []*model.Order
	for _, o := range s.st.orders {
		if o.Status == model.OrderStatusWaitingPayment && o.HoldDeadline.Before(now) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].HoldDeadline.Equal(orders[j].HoldDeadline) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].HoldDeadline.Before(orders[j].HoldDeadline)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}

	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// ListAwaitingPayment возвращает неоплаченные заказы с привязанным платежом.
func (s *Store) ListAwaitingPayment(ctx context.Context, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.st.orders {
		if o.Status == model.OrderStatusWaitingPayment && o.PaymentID != "" {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// Buyer возвращает копию покупателя.
func (s *Store) Buyer(ctx context.Context, id int64) (*model.Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.st.buyers[id]
	if !ok {
		return nil, model.ErrBuyerNotFound
	}
	cp := *b
	return &cp, nil
}

// Commissions возвращает начисления рефереру.
func (s *Store) Commissions(ctx context.Context, referrerID int64) ([]model.ReferralCommission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.ReferralCommission
	for _, c := range s.st.commissions {
		if c.ReferrerID == referrerID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].OrderID < res[j].OrderID })
	return res, nil
}

// FetchPending возвращает до limit неотправленных событий в порядке добавления.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.st.pending)
	if limit > 0 && n > limit {
		n = limit
	}
	return append([]model.Event(nil), s.st.pending[:n]...), nil
}

// MarkSent удаляет отправленные события из очереди.
func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sent := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		sent[id] = struct{}{}
	}
	kept := s.st.pending[:0]
	for _, e := range s.st.pending {
		if _, ok := sent[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	clear(s.st.pending[len(kept):])
	s.st.pending = kept
	return nil
}

type tx struct {
	st   *state
	now  func() time.Time
	undo []func()
}

func (t *tx) onRollback(f func()) {
	t.undo = append(t.undo, f)
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) saveUnit(u *model.InventoryUnit) {
	prev := *u
	t.onRollback(func() { *u = prev })
}

func (t *tx) saveOrderUnits(orderID int64) {
	prev, had := t.st.orderUnits[orderID]
	t.onRollback(func() {
		if had {
			t.st.orderUnits[orderID] = prev
		} else {
			delete(t.st.orderUnits, orderID)
		}
	})
}

func (t *tx) indexPayment(orderID int64, prevPaymentID, paymentID string) {
	if prevPaymentID == paymentID {
		return
	}
	if prevPaymentID != "" {
		delete(t.st.paymentOrders, prevPaymentID)
	}
	if paymentID != "" {
		t.st.paymentOrders[paymentID] = orderID
	}
	t.onRollback(func() {
		if paymentID != "" {
			delete(t.st.paymentOrders, paymentID)
		}
		if prevPaymentID != "" {
			t.st.paymentOrders[prevPaymentID] = orderID
		}
	})
}

func (t *tx) LockProduct(ctx context.Context, id int64) (*model.Product, error) {
	p, ok := t.st.product(id)
	if !ok {
		return nil, model.ErrProductNotFound
	}
	return p, nil
}

func (t *tx) Reserve(ctx context.Context, productID, orderID int64, quantity int) ([]int64, error) {
	if _, ok := t.st.products[productID]; !ok {
		return nil, model.ErrProductNotFound
	}
	if quantity <= 0 {
		return nil, model.ErrInvalidQuantity
	}

	picked := make([]int64, 0, quantity)
	for _, id := range t.st.productUnits[productID] {
		if t.st.units[id].Status == model.UnitStatusAvailable {
			picked = append(picked, id)
			if len(picked) == quantity {
				break
			}
		}
	}
	if len(picked) < quantity {
		return nil, model.ErrInsufficientStock
	}

	now := t.now()
	t.saveOrderUnits(orderID)
	for _, id := range picked {
		u := t.st.units[id]
		t.saveUnit(u)
		u.Status = model.UnitStatusReserved
		oid := orderID
		u.OrderID = &oid
		u.ReservedAt = &now
	}
	t.st.orderUnits[orderID] = append(t.st.orderUnits[orderID], picked...)
	return picked, nil
}

func (t *tx) Release(ctx context.Context, orderID int64) ([]int64, error) {
	t.saveOrderUnits(orderID)
	var released, kept []int64
	for _, id := range t.st.orderUnits[orderID] {
		u := t.st.units[id]
		if u.Status != model.UnitStatusReserved {
			kept = append(kept, id)
			continue
		}
		t.saveUnit(u)
		u.Status = model.UnitStatusAvailable
		u.OrderID = nil
		u.ReservedAt = nil
		released = append(released, id)
	}
	if len(kept) == 0 {
		delete(t.st.orderUnits, orderID)
	} else {
		t.st.orderUnits[orderID] = kept
	}
	return released, nil
}

func (t *tx) Consume(ctx context.Context, orderID int64) ([]int64, error) {
	ids := t.st.orderUnits[orderID]
	for _, id := range ids {
		u := t.st.units[id]
		if u.Status != model.UnitStatusReserved || u.OrderID == nil || *u.OrderID != orderID {
			return nil, fmt.Errorf("%w: unit %d of order %d is %s", model.ErrIntegrityViolation, id, orderID, u.Status)
		}
	}

	now := t.now()
	consumed := make([]int64, 0, len(ids))
	for _, id := range ids {
		u := t.st.units[id]
		t.saveUnit(u)
		u.Status = model.UnitStatusSold
		u.SoldAt = &now
		consumed = append(consumed, id)
	}
	return consumed, nil
}

func (t *tx) Available(ctx context.Context, productID int64) (int, error) {
	return t.st.available(productID), nil
}

func (t *tx) Buyer(ctx context.Context, id int64) (*model.Buyer, error) {
	b, ok := t.st.buyers[id]
	if !ok {
		return nil, model.ErrBuyerNotFound
	}
	cp := *b
	return &cp, nil
}

func (t *tx) CreditBalance(ctx context.Context, buyerID, amountCents int64) error {
	b, ok := t.st.buyers[buyerID]
	if !ok {
		return model.ErrBuyerNotFound
	}
	prev := b.BalanceCents
	t.onRollback(func() { b.BalanceCents = prev })
	b.BalanceCents += amountCents
	return nil
}

func (t *tx) DebitBalance(ctx context.Context, buyerID, amountCents int64) error {
	b, ok := t.st.buyers[buyerID]
	if !ok {
		return model.ErrBuyerNotFound
	}
	if b.BalanceCents < amountCents {
		return model.ErrInsufficientBalance
	}
	prev := b.BalanceCents
	t.onRollback(func() { b.BalanceCents = prev })
	b.BalanceCents -= amountCents
	return nil
}

func (t *tx) InsertCommission(ctx context.Context, c model.ReferralCommission) error {
	if _, ok := t.st.commissions[c.OrderID]; ok {
		return fmt.Errorf("commission for order %d already recorded", c.OrderID)
	}
	t.st.commissions[c.OrderID] = c
	t.onRollback(func() { delete(t.st.commissions, c.OrderID) })
	return nil
}

func (t *tx) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *tx) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	if o.PaymentID != "" {
		if _, taken := t.st.paymentOrders[o.PaymentID]; taken {
			return 0, model.ErrPaymentConflict
		}
	}

	prevNext := t.st.nextOrder
	t.st.nextOrder++
	cp := *o
	cp.ID = t.st.nextOrder
	t.st.orders[cp.ID] = &cp
	t.onRollback(func() {
		delete(t.st.orders, cp.ID)
		t.st.nextOrder = prevNext
	})
	t.indexPayment(cp.ID, "", cp.PaymentID)
	return cp.ID, nil
}

func (t *tx) UpdateOrder(ctx context.Context, o *model.Order) error {
	prev, ok := t.st.orders[o.ID]
	if !ok {
		return model.ErrOrderNotFound
	}
	if o.PaymentID != "" {
		if owner, taken := t.st.paymentOrders[o.PaymentID]; taken && owner != o.ID {
			return model.ErrPaymentConflict
		}
	}

	cp := *o
	t.st.orders[o.ID] = &cp
	t.onRollback(func() { t.st.orders[o.ID] = prev })
	t.indexPayment(o.ID, prev.PaymentID, cp.PaymentID)
	return nil
}

func (t *tx) Promotions(ctx context.Context, productID int64) ([]model.Promotion, error) {
	var res []model.Promotion
	for _, p := range t.st.promotions {
		if p.ProductID == nil || *p.ProductID == productID {
			res = append(res, p)
		}
	}
	return res, nil
}

func (t *tx) LockCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	c, ok := t.st.coupons[code]
	if !ok {
		return nil, model.ErrCouponInvalid
	}
	cp := *c
	return &cp, nil
}

func (t *tx) UseCoupon(ctx context.Context, code string) error {
	c, ok := t.st.coupons[code]
	if !ok {
		return model.ErrCouponInvalid
	}
	c.UsedCount++
	t.onRollback(func() { c.UsedCount-- })
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, e model.Event) error {
	prevLen, prevNext := len(t.st.pending), t.st.nextEvent
	t.st.nextEvent++
	e.ID = t.st.nextEvent
	t.st.pending = append(t.st.pending, e)
	t.onRollback(func() {
		clear(t.st.pending[prevLen:])
		t.st.pending = t.st.pending[:prevLen]
		t.st.nextEvent = prevNext
	})
	return nil
}
