// Package model содержит доменные сущности движка резервирования и выдачи заказов.
package model

import "time"

// UnitStatus описывает состояние единицы товара на складе.
type UnitStatus string

const (
	UnitStatusAvailable UnitStatus = "AVAILABLE"
	UnitStatusReserved  UnitStatus = "RESERVED"
	UnitStatusSold      UnitStatus = "SOLD"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusWaitingPayment OrderStatus = "WAITING_PAYMENT"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
)

// Final сообщает, является ли статус терминальным.
func (s OrderStatus) Final() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Product описывает товар. TotalUnits и Available вычисляются подсчётом единиц при чтении.
type Product struct {
	ID         int64
	Name       string
	PriceCents int64
	TotalUnits int
	Available  int
	CreatedAt  time.Time
}

// InventoryUnit описывает одну выдаваемую единицу товара (например, аккаунт).
type InventoryUnit struct {
	ID         int64
	ProductID  int64
	Payload    string
	Status     UnitStatus
	OrderID    *int64
	ReservedAt *time.Time
	SoldAt     *time.Time
}

// Order описывает заказ покупателя.
type Order struct {
	ID              int64
	BuyerID         int64
	ProductID       int64
	Quantity        int
	UnitPriceCents  int64
	DiscountPercent int
	TotalCents      int64
	Status          OrderStatus
	PaymentMethod   string
	PaymentID       string
	CouponCode      string
	HoldDeadline    time.Time
	CreatedAt       time.Time
	PaidAt          *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
}

// Buyer описывает покупателя, его реферера и внутренний баланс.
type Buyer struct {
	ID           int64
	ReferrerID   *int64
	BalanceCents int64
	CreatedAt    time.Time
}

// ReferralCommission описывает начисление рефереру за выполненный заказ.
type ReferralCommission struct {
	OrderID          int64
	ReferrerID       int64
	ReferredID       int64
	OrderAmountCents int64
	CommissionCents  int64
	CreatedAt        time.Time
}

// Event описывает событие жизненного цикла заказа для transactional outbox.
type Event struct {
	ID        int64
	EventID   string
	Type      string
	OrderID   int64
	Payload   []byte
	CreatedAt time.Time
	SentAt    *time.Time
}

// Типы событий жизненного цикла заказа.
const (
	EventOrderCreated   = "order.created"
	EventOrderCompleted = "order.completed"
	EventOrderCancelled = "order.cancelled"
	EventOrderExpired   = "order.expired"
)

// Quote содержит результат расчёта цены.
type Quote struct {
	DiscountPercent int
	SubtotalCents   int64
	TotalCents      int64
}
