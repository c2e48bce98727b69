// Package ledger реализует жизненный цикл заказа: создание с резервированием единиц,
// завершение оплаты, отмену и истечение срока удержания.
//
// Заказ проходит переходы WAITING_PAYMENT -> COMPLETED и WAITING_PAYMENT -> CANCELLED.
// Терминальные статусы не меняются. Каждый переход выполняется в одной транзакции
// хранилища вместе с изменением единиц товара, поэтому статусы заказа и его
// единиц всегда согласованы.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/commission"
	"github.com/mmeshcher/stockreserve/internal/metrics"
	"github.com/mmeshcher/stockreserve/internal/model"
	"github.com/mmeshcher/stockreserve/internal/pricing"
)

// PaymentMethodBalance обозначает способ оплаты с внутреннего баланса покупателя.
const PaymentMethodBalance = "balance"

// Settings задаёт параметры ledger.
type Settings struct {
	HoldTTL    time.Duration
	SweepBatch int
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

// WithTracer задаёт трейсер.
func WithTracer(t trace.Tracer) Option {
	return func(lg *Ledger) {
		if t != nil {
			lg.tracer = t
		}
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) {
		if now != nil {
			lg.now = now
		}
	}
}

// Ledger управляет заказами поверх Store.
type Ledger struct {
	store    Store
	pricing  *pricing.Engine
	accrual  *commission.Accrual
	settings Settings

	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New создаёт Ledger.
func New(store Store, engine *pricing.Engine, accrual *commission.Accrual, settings Settings, opts ...Option) *Ledger {
	if settings.SweepBatch <= 0 {
		settings.SweepBatch = 100
	}
	l := &Ledger{
		store:    store,
		pricing:  engine,
		accrual:  accrual,
		settings: settings,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/mmeshcher/stockreserve/internal/ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateRequest описывает запрос на создание заказа.
type CreateRequest struct {
	BuyerID    int64
	ProductID  int64
	Quantity   int
	CouponCode string
}

// Create рассчитывает цену, создаёт заказ в WAITING_PAYMENT и резервирует под него единицы.
// При нехватке единиц возвращает model.ErrInsufficientStock, заказ не создаётся.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*model.Order, error) {
	if req.Quantity <= 0 {
		return nil, model.ErrInvalidQuantity
	}
	req.CouponCode = model.NormalizeCouponCode(req.CouponCode)

	ctx, span := l.tracer.Start(ctx, "ledger.Create", trace.WithAttributes(
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("order.quantity", req.Quantity),
	))
	defer span.End()

	now := l.now()
	var order *model.Order

	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		product, err := tx.LockProduct(ctx, req.ProductID)
		if err != nil {
			return err
		}
		if _, err := tx.Buyer(ctx, req.BuyerID); err != nil {
			return err
		}

		adjustments, err := l.adjustments(ctx, tx, product, req, now)
		if err != nil {
			return err
		}
		quote := l.pricing.Quote(product.PriceCents, req.Quantity, adjustments)

		o := &model.Order{
			BuyerID:         req.BuyerID,
			ProductID:       product.ID,
			Quantity:        req.Quantity,
			UnitPriceCents:  product.PriceCents,
			DiscountPercent: quote.DiscountPercent,
			TotalCents:      quote.TotalCents,
			Status:          model.OrderStatusWaitingPayment,
			CouponCode:      req.CouponCode,
			HoldDeadline:    now.Add(l.settings.HoldTTL),
			CreatedAt:       now,
		}
		id, err := tx.InsertOrder(ctx, o)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		o.ID = id

		if _, err := tx.Reserve(ctx, product.ID, o.ID, req.Quantity); err != nil {
			return err
		}
		if req.CouponCode != "" {
			if err := tx.UseCoupon(ctx, req.CouponCode); err != nil {
				return fmt.Errorf("use coupon: %w", err)
			}
		}
		if err := appendEvent(ctx, tx, model.EventOrderCreated, o, now); err != nil {
			return err
		}

		order = o
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInsufficientStock):
			l.metrics.Reservation("insufficient_stock")
		case errors.Is(err, model.ErrProductNotFound),
			errors.Is(err, model.ErrBuyerNotFound),
			errors.Is(err, model.ErrCouponInvalid):
			l.metrics.Reservation("rejected")
		default:
			l.metrics.Reservation("error")
			l.logger.Error("create order failed",
				zap.Int64("product_id", req.ProductID),
				zap.Int("quantity", req.Quantity),
				zap.Error(err))
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	l.metrics.Reservation("ok")
	l.metrics.Transition(string(model.OrderStatusWaitingPayment), "created")
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	l.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", order.ProductID),
		zap.Int("quantity", order.Quantity),
		zap.Int64("total_cents", order.TotalCents))
	return order, nil
}

// adjustments выбирает самую выгодную для покупателя промоакцию и проверяет промокод.
func (l *Ledger) adjustments(ctx context.Context, tx Tx, product *model.Product, req CreateRequest, now time.Time) ([]model.Adjustment, error) {
	var result []model.Adjustment

	promotions, err := tx.Promotions(ctx, product.ID)
	if err != nil {
		return nil, fmt.Errorf("load promotions: %w", err)
	}
	var (
		best      *model.Adjustment
		bestTotal int64
	)
	for _, p := range promotions {
		if !p.Applies(product.ID, req.Quantity, now) {
			continue
		}
		adj := p.Adjustment(req.Quantity)
		total := l.pricing.Quote(product.PriceCents, req.Quantity, []model.Adjustment{adj}).TotalCents
		if best == nil || total < bestTotal {
			best, bestTotal = &adj, total
		}
	}
	if best != nil {
		result = append(result, *best)
	}

	if req.CouponCode != "" {
		coupon, err := tx.LockCoupon(ctx, req.CouponCode)
		if err != nil {
			return nil, err
		}
		if !coupon.Usable(now) {
			return nil, model.ErrCouponInvalid
		}
		result = append(result, coupon.Adjustment())
	}
	return result, nil
}

// Complete переводит заказ в COMPLETED: единицы становятся проданными, рефереру
// начисляется вознаграждение. Повторный вызов для выполненного заказа ничего не меняет.
func (l *Ledger) Complete(ctx context.Context, orderID int64, paymentMethod string) (*model.Order, error) {
	return l.settle(ctx, orderID, paymentMethod, nil)
}

// PayWithBalance оплачивает заказ с баланса покупателя и завершает его в той же транзакции.
func (l *Ledger) PayWithBalance(ctx context.Context, orderID, buyerID int64) (*model.Order, error) {
	return l.settle(ctx, orderID, PaymentMethodBalance, &buyerID)
}

func (l *Ledger) settle(ctx context.Context, orderID int64, method string, payer *int64) (*model.Order, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Complete", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("payment.method", method),
	))
	defer span.End()

	var (
		result       *model.Order
		accrued      *model.ReferralCommission
		transitioned bool
	)

	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		transitioned = false
		accrued = nil

		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if payer != nil && o.BuyerID != *payer {
			return model.ErrNotOrderOwner
		}
		switch o.Status {
		case model.OrderStatusCompleted:
			result = o
			return nil
		case model.OrderStatusCancelled:
			return model.ErrOrderAlreadyFinal
		}

		if payer != nil {
			if err := tx.DebitBalance(ctx, *payer, o.TotalCents); err != nil {
				return err
			}
		}

		units, err := tx.Consume(ctx, o.ID)
		if err != nil {
			return err
		}
		if len(units) != o.Quantity {
			return fmt.Errorf("%w: order %d consumed %d of %d units",
				model.ErrIntegrityViolation, o.ID, len(units), o.Quantity)
		}

		now := l.now()
		o.Status = model.OrderStatusCompleted
		if method != "" {
			o.PaymentMethod = method
		}
		o.PaidAt = &now
		o.CompletedAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		accrued, err = l.accrual.Accrue(ctx, tx, o, now)
		if err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, model.EventOrderCompleted, o, now); err != nil {
			return err
		}

		result = o
		transitioned = true
		return nil
	})
	if err != nil {
		l.logTransitionError("complete order", orderID, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if transitioned {
		l.metrics.Transition(string(model.OrderStatusCompleted), "payment")
		fields := []zap.Field{
			zap.Int64("order_id", result.ID),
			zap.String("payment_method", result.PaymentMethod),
			zap.Int64("total_cents", result.TotalCents),
		}
		if accrued != nil {
			l.metrics.Commission(accrued.CommissionCents)
			fields = append(fields,
				zap.Int64("referrer_id", accrued.ReferrerID),
				zap.Int64("commission_cents", accrued.CommissionCents))
		}
		l.logger.Info("order completed", fields...)
	}
	return result, nil
}

// Cancel отменяет неоплаченный заказ и возвращает его единицы в свободные.
// Повторная отмена ничего не меняет, отмена выполненного заказа возвращает model.ErrOrderAlreadyFinal.
func (l *Ledger) Cancel(ctx context.Context, orderID int64) (*model.Order, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Cancel", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	o, changed, err := l.cancel(ctx, orderID, nil)
	if err != nil {
		l.logTransitionError("cancel order", orderID, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if changed {
		l.metrics.Transition(string(model.OrderStatusCancelled), "cancelled")
		l.logger.Info("order cancelled", zap.Int64("order_id", orderID))
	}
	return o, nil
}

// cancel выполняет переход в CANCELLED. Если задан expireBefore, заказ отменяется только
// при истёкшем сроке удержания, а выполненный заказ пропускается без ошибки.
func (l *Ledger) cancel(ctx context.Context, orderID int64, expireBefore *time.Time) (*model.Order, bool, error) {
	var (
		result  *model.Order
		changed bool
	)

	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		changed = false

		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		result = o

		switch o.Status {
		case model.OrderStatusCancelled:
			return nil
		case model.OrderStatusCompleted:
			if expireBefore != nil {
				return nil
			}
			return model.ErrOrderAlreadyFinal
		}
		if expireBefore != nil && !o.HoldDeadline.Before(*expireBefore) {
			return nil
		}

		released, err := tx.Release(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("release units: %w", err)
		}
		if len(released) != o.Quantity {
			l.logger.Warn("released unit count differs from order quantity",
				zap.Int64("order_id", o.ID),
				zap.Int("released", len(released)),
				zap.Int("quantity", o.Quantity))
		}

		now := l.now()
		o.Status = model.OrderStatusCancelled
		o.CancelledAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		eventType := model.EventOrderCancelled
		if expireBefore != nil {
			eventType = model.EventOrderExpired
		}
		if err := appendEvent(ctx, tx, eventType, o, now); err != nil {
			return err
		}

		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// ExpireStale отменяет заказы, срок удержания которых истёк к моменту now, и возвращает их число.
// Каждый заказ обрабатывается в отдельной транзакции; ошибки по отдельным заказам
// не прерывают проход и возвращаются объединёнными.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ExpireStale")
	defer span.End()

	var (
		expired int
		errs    []error
	)
	for {
		ids, err := l.store.ListExpired(ctx, now, l.settings.SweepBatch)
		if err != nil {
			return expired, fmt.Errorf("list expired orders: %w", err)
		}

		batchExpired := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return expired, errors.Join(append(errs, err)...)
			}
			_, changed, err := l.cancel(ctx, id, &now)
			if err != nil {
				errs = append(errs, fmt.Errorf("expire order %d: %w", id, err))
				continue
			}
			if changed {
				batchExpired++
				l.metrics.Transition(string(model.OrderStatusCancelled), "expired")
				l.logger.Info("order expired", zap.Int64("order_id", id))
			}
		}
		expired += batchExpired

		if len(ids) < l.settings.SweepBatch || batchExpired == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("orders.expired", expired))
	err := errors.Join(errs...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return expired, err
}

// Get возвращает заказ.
func (l *Ledger) Get(ctx context.Context, orderID int64) (*model.Order, error) {
	return l.store.GetOrder(ctx, orderID)
}

// Units возвращает выданные по заказу единицы. Доступно только для выполненного заказа покупателя.
func (l *Ledger) Units(ctx context.Context, orderID, buyerID int64) ([]model.InventoryUnit, error) {
	o, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, model.ErrNotOrderOwner
	}
	if o.Status != model.OrderStatusCompleted {
		return nil, model.ErrOrderNotCompleted
	}
	return l.store.OrderUnits(ctx, orderID)
}

// Stock возвращает товар с вычисленным числом свободных единиц.
func (l *Ledger) Stock(ctx context.Context, productID int64) (*model.Product, error) {
	return l.store.Product(ctx, productID)
}

// AttachPayment привязывает к неоплаченному заказу идентификатор платежа во внешней системе.
func (l *Ledger) AttachPayment(ctx context.Context, orderID, buyerID int64, paymentID, method string) (*model.Order, error) {
	var result *model.Order
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != buyerID {
			return model.ErrNotOrderOwner
		}
		if o.Status.Final() {
			return model.ErrOrderAlreadyFinal
		}
		o.PaymentID = paymentID
		o.PaymentMethod = method
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		result = o
		return nil
	})
	if err != nil {
		l.logTransitionError("attach payment", orderID, err)
		return nil, err
	}
	return result, nil
}

// OrderByPayment возвращает заказ по идентификатору платежа.
func (l *Ledger) OrderByPayment(ctx context.Context, paymentID string) (*model.Order, error) {
	return l.store.OrderByPayment(ctx, paymentID)
}

// AwaitingPayment возвращает неоплаченные заказы с привязанным платежом.
func (l *Ledger) AwaitingPayment(ctx context.Context, limit int) ([]model.Order, error) {
	return l.store.ListAwaitingPayment(ctx, limit)
}

// PaymentStatus описывает итог платежа во внешней системе.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentSignal содержит сигнал платёжной системы о результате оплаты заказа.
type PaymentSignal struct {
	PaymentID string
	Status    PaymentStatus
	Method    string
}

// HandlePaymentSignal применяет сигнал оплаты: успех завершает заказ, неудача отменяет.
// Сигнал для уже завершённого заказа ничего не меняет.
func (l *Ledger) HandlePaymentSignal(ctx context.Context, s PaymentSignal) (*model.Order, error) {
	o, err := l.store.OrderByPayment(ctx, s.PaymentID)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case PaymentSucceeded:
		method := s.Method
		if method == "" {
			method = o.PaymentMethod
		}
		return l.Complete(ctx, o.ID, method)
	case PaymentFailed:
		res, err := l.Cancel(ctx, o.ID)
		if errors.Is(err, model.ErrOrderAlreadyFinal) {
			return o, nil
		}
		return res, err
	default:
		return nil, fmt.Errorf("unknown payment status %q", s.Status)
	}
}

func (l *Ledger) logTransitionError(op string, orderID int64, err error) {
	switch {
	case errors.Is(err, model.ErrIntegrityViolation):
		l.logger.Error(op+" failed: integrity violation", zap.Int64("order_id", orderID), zap.Error(err))
	case errors.Is(err, model.ErrOrderAlreadyFinal),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrNotOrderOwner),
		errors.Is(err, model.ErrInsufficientBalance):
		l.logger.Info(op+" rejected", zap.Int64("order_id", orderID), zap.Error(err))
	default:
		l.logger.Error(op+" failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

type eventPayload struct {
	OrderID         int64     `json:"order_id"`
	BuyerID         int64     `json:"buyer_id"`
	ProductID       int64     `json:"product_id"`
	Quantity        int       `json:"quantity"`
	TotalCents      int64     `json:"total_cents"`
	Status          string    `json:"status"`
	HoldDeadline    time.Time `json:"hold_deadline"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	DiscountPercent int       `json:"discount_percent"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func appendEvent(ctx context.Context, tx Tx, eventType string, o *model.Order, now time.Time) error {
	payload, err := json.Marshal(eventPayload{
		OrderID:         o.ID,
		BuyerID:         o.BuyerID,
		ProductID:       o.ProductID,
		Quantity:        o.Quantity,
		TotalCents:      o.TotalCents,
		Status:          string(o.Status),
		HoldDeadline:    o.HoldDeadline,
		PaymentMethod:   o.PaymentMethod,
		DiscountPercent: o.DiscountPercent,
		OccurredAt:      now,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = tx.AppendEvent(ctx, model.Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		OrderID:   o.ID,
		Payload:   payload,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
