// Package payment получает статусы платежей из внешней платёжной системы
// и передаёт итоговые результаты в ledger.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotRegistered возвращается, если платёжная система ещё не знает о платеже.
var ErrNotRegistered = errors.New("payment not registered")

// RateLimitError возвращается при ответе 429. RetryAfter содержит паузу, запрошенную сервером.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("payment system rate limit, retry after %s", e.RetryAfter)
}

// Статусы платежа во внешней системе.
const (
	StatusPending   = "PENDING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Status описывает ответ платёжной системы по одному платежу.
type Status struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Method    string `json:"method,omitempty"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжной системой.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к платёжной системе по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetStatus запрашивает статус платежа.
func (c *Client) GetStatus(ctx context.Context, paymentID string) (*Status, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("payment client not configured")
	}

	endpoint := fmt.Sprintf("%s/api/payments/%s", c.baseURL, url.PathEscape(paymentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, ErrNotRegistered
	case http.StatusTooManyRequests:
		var retryAfter time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Status
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.PaymentID == "" {
		result.PaymentID = paymentID
	}

	return &result, nil
}
