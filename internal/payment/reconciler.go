package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/model"
)

// StatusSource возвращает статус платежа.
type StatusSource interface {
	GetStatus(ctx context.Context, paymentID string) (*Status, error)
}

// Ledger описывает операции ledger, нужные сверке платежей.
type Ledger interface {
	AwaitingPayment(ctx context.Context, limit int) ([]model.Order, error)
	HandlePaymentSignal(ctx context.Context, s ledger.PaymentSignal) (*model.Order, error)
}

// Reconciler опрашивает платёжную систему по неоплаченным заказам с привязанным платежом
// и передаёт итоговые статусы в ledger. Дублирует вебхук на случай потерянной доставки.
type Reconciler struct {
	ledger   Ledger
	source   StatusSource
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewReconciler создаёт сверку платежей.
func NewReconciler(l Ledger, source StatusSource, interval time.Duration, batch int, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{
		ledger:   l,
		source:   source,
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// Run выполняет сверку с заданным интервалом до отмены контекста.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.processBatch(ctx)
		}
	}
}

func (r *Reconciler) processBatch(ctx context.Context) {
	orders, err := r.ledger.AwaitingPayment(ctx, r.batch)
	if err != nil {
		r.logger.Error("load orders awaiting payment", zap.Error(err))
		return
	}

	for _, o := range orders {
		st, err := r.source.GetStatus(ctx, o.PaymentID)
		if err != nil {
			var rl *RateLimitError
			switch {
			case errors.As(err, &rl):
				r.logger.Warn("payment system rate limited", zap.Duration("retry_after", rl.RetryAfter))
				if rl.RetryAfter > 0 {
					timer := time.NewTimer(rl.RetryAfter)
					select {
					case <-ctx.Done():
						timer.Stop()
						return
					case <-timer.C:
					}
				}
				return
			case errors.Is(err, ErrNotRegistered):
				continue
			default:
				r.logger.Warn("get payment status",
					zap.Int64("order_id", o.ID),
					zap.String("payment_id", o.PaymentID),
					zap.Error(err))
				continue
			}
		}

		var status ledger.PaymentStatus
		switch st.Status {
		case StatusSucceeded:
			status = ledger.PaymentSucceeded
		case StatusFailed:
			status = ledger.PaymentFailed
		default:
			continue
		}

		_, err = r.ledger.HandlePaymentSignal(ctx, ledger.PaymentSignal{
			PaymentID: o.PaymentID,
			Status:    status,
			Method:    st.Method,
		})
		if err != nil && !errors.Is(err, model.ErrOrderAlreadyFinal) {
			r.logger.Error("apply payment status",
				zap.Int64("order_id", o.ID),
				zap.String("payment_id", o.PaymentID),
				zap.Error(err))
		}
	}
}
