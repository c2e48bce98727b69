package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPayload struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// echoOrder декодирует заказ и отвечает им же с удвоенным количеством.
func echoOrder(w http.ResponseWriter, r *http.Request) {
	var p orderPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "bad order", http.StatusBadRequest)
		return
	}
	p.Quantity *= 2
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(p)
}

func gzipBytes(t *testing.T, data string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		compressBody   bool
		acceptEncoding string
		wantEncoding   string
	}{
		{name: "plain request, plain response"},
		{name: "plain request, compressed response", acceptEncoding: "gzip", wantEncoding: "gzip"},
		{name: "compressed request, plain response", compressBody: true},
		{name: "compressed both ways", compressBody: true, acceptEncoding: "br, gzip", wantEncoding: "gzip"},
	}

	const payload = `{"product_id":12,"quantity":3}`

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(payload)
			if tt.compressBody {
				body = gzipBytes(t, payload)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/orders", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoOrder)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			require.Equal(t, http.StatusCreated, res.StatusCode)
			assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
			assert.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))

			var reader io.Reader = res.Body
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				require.NoError(t, err)
				defer gr.Close()
				reader = gr
			}

			var got orderPayload
			require.NoError(t, json.NewDecoder(reader).Decode(&got))
			assert.Equal(t, orderPayload{ProductID: 12, Quantity: 6}, got)
		})
	}
}

func TestGzipMiddlewareSkipsNoContent(t *testing.T) {
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Zero(t, w.Body.Len())
}

func TestGzipMiddlewareRejectsBrokenBody(t *testing.T) {
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
