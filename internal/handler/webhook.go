package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/dedup"
	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/model"
)

const (
	signatureHeader   = "X-Signature"
	maxWebhookBody    = 64 << 10
	retryAfterSeconds = 5
)

type webhookRequest struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Method    string `json:"method"`
}

// PaymentWebhook принимает уведомления платёжной системы об итогах оплаты.
// Повторная доставка уже обработанного сигнала и сигнал для закрытого заказа отвечают 200.
// Пока тот же сигнал обрабатывается другим запросом, ответ 409 с Retry-After.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.validSignature(body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("webhook signature mismatch", zap.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil || req.PaymentID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status := ledger.PaymentStatus(req.Status)
	if status != ledger.PaymentSucceeded && status != ledger.PaymentFailed {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	key := "payment:" + req.PaymentID + ":" + req.Status
	claimed := false
	if h.dedup != nil {
		state, err := h.dedup.Claim(r.Context(), key)
		switch {
		case err != nil:
			h.logger.Warn("webhook dedup unavailable", zap.String("paymentID", req.PaymentID), zap.Error(err))
		case state == dedup.StateDone:
			h.logger.Debug("duplicate webhook ignored", zap.String("paymentID", req.PaymentID))
			w.WriteHeader(http.StatusOK)
			return
		case state == dedup.StateInFlight:
			h.logger.Info("webhook is already being processed", zap.String("paymentID", req.PaymentID))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			http.Error(w, "payment signal is being processed", http.StatusConflict)
			return
		default:
			claimed = true
		}
	}

	_, err = h.ledger.HandlePaymentSignal(r.Context(), ledger.PaymentSignal{
		PaymentID: req.PaymentID,
		Status:    status,
		Method:    req.Method,
	})
	if err != nil && !errors.Is(err, model.ErrOrderAlreadyFinal) {
		if claimed {
			h.forget(r, key)
		}
		h.writeError(w, err, "handle payment webhook", zap.String("paymentID", req.PaymentID))
		return
	}

	if claimed {
		h.markDone(r, key)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) markDone(r *http.Request, key string) {
	if err := h.dedup.Done(r.Context(), key); err != nil {
		h.logger.Warn("mark webhook key done", zap.String("key", key), zap.Error(err))
	}
}

func (h *Handler) forget(r *http.Request, key string) {
	if err := h.dedup.Forget(r.Context(), key); err != nil {
		h.logger.Warn("forget webhook key", zap.String("key", key), zap.Error(err))
	}
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	if len(h.webhookSecret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(h.webhookSecret, body))
}

// Sign вычисляет HMAC-SHA256 тела вебхука.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
