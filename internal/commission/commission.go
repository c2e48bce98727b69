// Package commission начисляет реферальное вознаграждение за выполненные заказы.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/stockreserve/internal/model"
	"github.com/mmeshcher/stockreserve/internal/pricing"
)

// Tx описывает операции хранилища, доступные начислению внутри транзакции завершения заказа.
type Tx interface {
	Buyer(ctx context.Context, id int64) (*model.Buyer, error)
	CreditBalance(ctx context.Context, buyerID, amountCents int64) error
	InsertCommission(ctx context.Context, c model.ReferralCommission) error
}

// Accrual начисляет рефереру процент от суммы заказа.
type Accrual struct {
	ratePercent int
}

// New создаёт начисление с указанной ставкой в процентах.
func New(ratePercent int) *Accrual {
	return &Accrual{ratePercent: ratePercent}
}

// Rate возвращает ставку в процентах.
func (a *Accrual) Rate() int {
	return a.ratePercent
}

// Accrue начисляет вознаграждение рефереру покупателя, если он есть.
// Должен вызываться в той же транзакции, что и перевод заказа в COMPLETED;
// однократность обеспечивается проверкой статуса заказа перед переходом.
func (a *Accrual) Accrue(ctx context.Context, tx Tx, order *model.Order, now time.Time) (*model.ReferralCommission, error) {
	buyer, err := tx.Buyer(ctx, order.BuyerID)
	if err != nil {
		if errors.Is(err, model.ErrBuyerNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load buyer: %w", err)
	}
	if buyer.ReferrerID == nil || *buyer.ReferrerID == buyer.ID {
		return nil, nil
	}

	amount := pricing.Share(order.TotalCents, a.ratePercent)
	if amount <= 0 {
		return nil, nil
	}

	if err := tx.CreditBalance(ctx, *buyer.ReferrerID, amount); err != nil {
		if errors.Is(err, model.ErrBuyerNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("credit referrer: %w", err)
	}

	c := model.ReferralCommission{
		OrderID:          order.ID,
		ReferrerID:       *buyer.ReferrerID,
		ReferredID:       buyer.ID,
		OrderAmountCents: order.TotalCents,
		CommissionCents:  amount,
		CreatedAt:        now,
	}
	if err := tx.InsertCommission(ctx, c); err != nil {
		return nil, fmt.Errorf("insert commission: %w", err)
	}
	return &c, nil
}
