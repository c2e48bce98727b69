package ledger

import (
	"context"
	"time"

	"github.com/mmeshcher/stockreserve/internal/commission"
	"github.com/mmeshcher/stockreserve/internal/inventory"
	"github.com/mmeshcher/stockreserve/internal/model"
)

// Store описывает хранилище, поверх которого работает ledger.
type Store interface {
	// InTx выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
	// Реализация может повторить fn при временной ошибке хранилища.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Product(ctx context.Context, id int64) (*model.Product, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	OrderByPayment(ctx context.Context, paymentID string) (*model.Order, error)
	OrderUnits(ctx context.Context, orderID int64) ([]model.InventoryUnit, error)
	// ListExpired возвращает до limit заказов в WAITING_PAYMENT со сроком удержания раньше now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error)
	// ListAwaitingPayment возвращает до limit неоплаченных заказов с привязанным платежом.
	ListAwaitingPayment(ctx context.Context, limit int) ([]model.Order, error)
}

// Tx описывает операции, доступные внутри транзакции.
type Tx interface {
	inventory.Store
	commission.Tx

	// LockProduct читает товар и блокирует его строку до конца транзакции.
	LockProduct(ctx context.Context, id int64) (*model.Product, error)
	// LockOrder читает заказ и блокирует его строку до конца транзакции.
	LockOrder(ctx context.Context, id int64) (*model.Order, error)
	InsertOrder(ctx context.Context, o *model.Order) (int64, error)
	UpdateOrder(ctx context.Context, o *model.Order) error

	Promotions(ctx context.Context, productID int64) ([]model.Promotion, error)
	// LockCoupon возвращает model.ErrCouponInvalid, если промокода нет.
	LockCoupon(ctx context.Context, code string) (*model.Coupon, error)
	UseCoupon(ctx context.Context, code string) error

	// DebitBalance списывает сумму с баланса покупателя или возвращает model.ErrInsufficientBalance.
	DebitBalance(ctx context.Context, buyerID, amountCents int64) error
	AppendEvent(ctx context.Context, e model.Event) error
}
