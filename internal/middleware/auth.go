// Package middleware содержит HTTP middleware сервиса резервирования.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const buyerIDKey contextKey = "buyerID"

const tokenCookieName = "buyer_token"

// BuyerAuth проверяет подписанный токен покупателя. Токены выпускаются вне сервиса
// тем же секретом: "<buyer_id>.<hex hmac-sha256(buyer_id)>".
type BuyerAuth struct {
	secretKey []byte
}

// NewBuyerAuth создаёт BuyerAuth с указанным секретом. Пустой секрет заменяется случайным,
// и тогда принимаются только токены, выпущенные этим же процессом.
func NewBuyerAuth(secret string) *BuyerAuth {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			key = []byte("default-secret-key")
		}
	}
	return &BuyerAuth{secretKey: key}
}

// Middleware извлекает покупателя из заголовка Authorization или cookie и кладёт его в контекст.
func (a *BuyerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if cookie, err := r.Cookie(tokenCookieName); err == nil {
				token = cookie.Value
			}
		}

		buyerID, ok := a.Parse(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), buyerIDKey, buyerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Issue выпускает токен для покупателя.
func (a *BuyerAuth) Issue(buyerID int64) string {
	id := strconv.FormatInt(buyerID, 10)
	return id + "." + a.sign(id)
}

// Parse проверяет подпись токена и возвращает идентификатор покупателя.
func (a *BuyerAuth) Parse(token string) (int64, bool) {
	id, signature, ok := strings.Cut(token, ".")
	if !ok || id == "" {
		return 0, false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(id))) {
		return 0, false
	}

	buyerID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || buyerID <= 0 {
		return 0, false
	}
	return buyerID, true
}

func (a *BuyerAuth) sign(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// BuyerIDFromContext извлекает идентификатор покупателя из контекста запроса.
func BuyerIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(buyerIDKey).(int64)
	return id, ok
}

// WithBuyerID кладёт идентификатор покупателя в контекст.
func WithBuyerID(ctx context.Context, buyerID int64) context.Context {
	return context.WithValue(ctx, buyerIDKey, buyerID)
}
