// Package handler содержит HTTP-обработчики API сервиса резервирования.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/dedup"
	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/middleware"
	"github.com/mmeshcher/stockreserve/internal/model"
)

// Ledger определяет операции с заказами, используемые HTTP-обработчиками.
type Ledger interface {
	Create(ctx context.Context, req ledger.CreateRequest) (*model.Order, error)
	Get(ctx context.Context, orderID int64) (*model.Order, error)
	Units(ctx context.Context, orderID, buyerID int64) ([]model.InventoryUnit, error)
	Cancel(ctx context.Context, orderID int64) (*model.Order, error)
	PayWithBalance(ctx context.Context, orderID, buyerID int64) (*model.Order, error)
	AttachPayment(ctx context.Context, orderID, buyerID int64, paymentID, method string) (*model.Order, error)
	HandlePaymentSignal(ctx context.Context, s ledger.PaymentSignal) (*model.Order, error)
	Stock(ctx context.Context, productID int64) (*model.Product, error)
}

var _ Ledger = (*ledger.Ledger)(nil)

var _ Deduper = (*dedup.Redis)(nil)

// Quoter рассчитывает цену без создания заказа.
type Quoter interface {
	Quote(unitPriceCents int64, quantity int, adjustments []model.Adjustment) model.Quote
}

// Deduper отсеивает повторные доставки вебхуков.
type Deduper interface {
	Claim(ctx context.Context, key string) (dedup.State, error)
	Done(ctx context.Context, key string) error
	Forget(ctx context.Context, key string) error
}

// Option настраивает Handler.
type Option func(*Handler)

// WithDeduper задаёт дедупликацию вебхуков.
func WithDeduper(d Deduper) Option {
	return func(h *Handler) { h.dedup = d }
}

// WithWebhookSecret задаёт секрет подписи платёжных вебхуков. Без секрета маршрут вебхука не регистрируется.
func WithWebhookSecret(secret string) Option {
	return func(h *Handler) { h.webhookSecret = []byte(secret) }
}

// WithMetrics задаёт обработчик экспорта метрик.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithHealthCheck задаёт проверку готовности зависимостей.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(h *Handler) { h.health = check }
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	ledger        Ledger
	quoter        Quoter
	logger        *zap.Logger
	auth          *middleware.BuyerAuth
	dedup         Deduper
	webhookSecret []byte
	metrics       http.Handler
	health        func(ctx context.Context) error
}

// NewHandler создаёт обработчик HTTP-запросов.
func NewHandler(l Ledger, q Quoter, logger *zap.Logger, auth *middleware.BuyerAuth, opts ...Option) *Handler {
	h := &Handler{
		ledger: l,
		quoter: q,
		logger: logger,
		auth:   auth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type createOrderRequest struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Coupon    string `json:"coupon,omitempty"`
}

type orderResponse struct {
	ID              int64   `json:"id"`
	ProductID       int64   `json:"product_id"`
	Quantity        int     `json:"quantity"`
	UnitPrice       float64 `json:"unit_price"`
	DiscountPercent int     `json:"discount_percent"`
	Total           float64 `json:"total"`
	Status          string  `json:"status"`
	PaymentMethod   string  `json:"payment_method,omitempty"`
	PaymentID       string  `json:"payment_id,omitempty"`
	Coupon          string  `json:"coupon,omitempty"`
	HoldDeadline    string  `json:"hold_deadline"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	CancelledAt     *string `json:"cancelled_at,omitempty"`
}

func newOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:              o.ID,
		ProductID:       o.ProductID,
		Quantity:        o.Quantity,
		UnitPrice:       toMoney(o.UnitPriceCents),
		DiscountPercent: o.DiscountPercent,
		Total:           toMoney(o.TotalCents),
		Status:          string(o.Status),
		PaymentMethod:   o.PaymentMethod,
		PaymentID:       o.PaymentID,
		Coupon:          o.CouponCode,
		HoldDeadline:    o.HoldDeadline.Format(time.RFC3339),
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
		CompletedAt:     formatTime(o.CompletedAt),
		CancelledAt:     formatTime(o.CancelledAt),
	}
}

func toMoney(cents int64) float64 {
	return float64(cents) / 100
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// CreateOrder резервирует единицы товара под новый заказ текущего покупателя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := middleware.BuyerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ProductID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.ledger.Create(r.Context(), ledger.CreateRequest{
		BuyerID:    buyerID,
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		CouponCode: req.Coupon,
	})
	if err != nil {
		h.writeError(w, err, "create order", zap.Int64("buyerID", buyerID), zap.Int64("productID", req.ProductID))
		return
	}

	writeJSON(w, http.StatusCreated, newOrderResponse(order))
}

// GetOrder возвращает заказ текущего покупателя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type unitResponse struct {
	ID      int64  `json:"id"`
	Payload string `json:"payload"`
}

// GetOrderUnits выдаёт купленные единицы. Доступно только после оплаты.
func (h *Handler) GetOrderUnits(w http.ResponseWriter, r *http.Request) {
	buyerID, orderID, ok := h.orderParams(w, r)
	if !ok {
		return
	}

	units, err := h.ledger.Units(r.Context(), orderID, buyerID)
	if err != nil {
		if errors.Is(err, model.ErrNotOrderOwner) {
			err = model.ErrOrderNotFound
		}
		h.writeError(w, err, "get order units", zap.Int64("orderID", orderID))
		return
	}

	resp := make([]unitResponse, 0, len(units))
	for _, u := range units {
		resp = append(resp, unitResponse{ID: u.ID, Payload: u.Payload})
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelOrder отменяет неоплаченный заказ текущего покупателя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}

	cancelled, err := h.ledger.Cancel(r.Context(), order.ID)
	if err != nil {
		h.writeError(w, err, "cancel order", zap.Int64("orderID", order.ID))
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(cancelled))
}

// PayWithBalance оплачивает заказ с баланса покупателя.
func (h *Handler) PayWithBalance(w http.ResponseWriter, r *http.Request) {
	buyerID, orderID, ok := h.orderParams(w, r)
	if !ok {
		return
	}

	order, err := h.ledger.PayWithBalance(r.Context(), orderID, buyerID)
	if err != nil {
		h.writeError(w, err, "pay with balance", zap.Int64("orderID", orderID), zap.Int64("buyerID", buyerID))
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type attachPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Method    string `json:"method"`
}

// AttachPayment привязывает к заказу платёж, созданный во внешней платёжной системе.
func (h *Handler) AttachPayment(w http.ResponseWriter, r *http.Request) {
	buyerID, orderID, ok := h.orderParams(w, r)
	if !ok {
		return
	}

	var req attachPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.ledger.AttachPayment(r.Context(), orderID, buyerID, req.PaymentID, req.Method)
	if err != nil {
		h.writeError(w, err, "attach payment", zap.Int64("orderID", orderID), zap.String("paymentID", req.PaymentID))
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type stockResponse struct {
	ProductID  int64   `json:"product_id"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	TotalUnits int     `json:"total_units"`
	Available  int     `json:"available"`
}

// GetStock возвращает число свободных единиц товара.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || productID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.ledger.Stock(r.Context(), productID)
	if err != nil {
		h.writeError(w, err, "get stock", zap.Int64("productID", productID))
		return
	}

	writeJSON(w, http.StatusOK, stockResponse{
		ProductID:  p.ID,
		Name:       p.Name,
		Price:      toMoney(p.PriceCents),
		TotalUnits: p.TotalUnits,
		Available:  p.Available,
	})
}

type quoteResponse struct {
	DiscountPercent int     `json:"discount_percent"`
	Subtotal        float64 `json:"subtotal"`
	Total           float64 `json:"total"`
}

// GetQuote рассчитывает стоимость для цены за единицу и количества.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	price, err := decimal.NewFromString(r.URL.Query().Get("price"))
	if err != nil || price.IsNegative() {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	quantity, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil || quantity <= 0 {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	cents := price.Shift(2).Round(0).IntPart()
	q := h.quoter.Quote(cents, quantity, nil)

	writeJSON(w, http.StatusOK, quoteResponse{
		DiscountPercent: q.DiscountPercent,
		Subtotal:        toMoney(q.SubtotalCents),
		Total:           toMoney(q.TotalCents),
	})
}

// Health сообщает о готовности сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) orderParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	buyerID, ok := middleware.BuyerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, 0, false
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, 0, false
	}
	return buyerID, orderID, true
}

// ownedOrder загружает заказ и скрывает чужие заказы как несуществующие.
func (h *Handler) ownedOrder(w http.ResponseWriter, r *http.Request) (*model.Order, bool) {
	buyerID, orderID, ok := h.orderParams(w, r)
	if !ok {
		return nil, false
	}

	order, err := h.ledger.Get(r.Context(), orderID)
	if err == nil && order.BuyerID != buyerID {
		err = model.ErrOrderNotFound
	}
	if err != nil {
		h.writeError(w, err, "get order", zap.Int64("orderID", orderID))
		return nil, false
	}
	return order, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	status := statusFor(err)
	switch {
	case errors.Is(err, model.ErrIntegrityViolation):
		h.logger.Error(op+" integrity violation", append(fields, zap.Error(err))...)
	case status >= http.StatusInternalServerError:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
	}

	msg := http.StatusText(status)
	switch {
	case errors.Is(err, model.ErrInsufficientStock):
		msg = "not enough stock"
	case errors.Is(err, model.ErrOrderAlreadyFinal):
		msg = "this order is already settled"
	}
	http.Error(w, msg, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInsufficientStock),
		errors.Is(err, model.ErrOrderAlreadyFinal),
		errors.Is(err, model.ErrOrderNotCompleted),
		errors.Is(err, model.ErrPaymentConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrCouponInvalid),
		errors.Is(err, model.ErrInvalidQuantity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrProductNotFound),
		errors.Is(err, model.ErrBuyerNotFound),
		errors.Is(err, model.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotOrderOwner):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrTransientStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
