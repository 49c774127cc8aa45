package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantLevel string
		wantCode  int
		wantBytes int
	}{
		{
			name:      "implicit ok",
			handler:   func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("hello")) },
			wantLevel: "INFO",
			wantCode:  http.StatusOK,
			wantBytes: 5,
		},
		{
			name: "client error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			},
			wantLevel: "WARN",
			wantCode:  http.StatusNotFound,
		},
		{
			name:      "server error",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantLevel: "ERROR",
			wantCode:  http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			rec := httptest.NewRecorder()
			LoggingMiddleware(logger)(tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, "http request", line["msg"])
			assert.Equal(t, tt.wantLevel, line["level"])
			assert.Equal(t, "/jobs/abc", line["path"])
			assert.EqualValues(t, tt.wantCode, line["status"])
			if tt.wantBytes > 0 {
				assert.EqualValues(t, tt.wantBytes, line["bytes"])
			} else {
				assert.EqualValues(t, rec.Body.Len(), line["bytes"])
			}
		})
	}
}

func TestStatusRecorder_KeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &statusRecorder{ResponseWriter: rec}

	assert.Equal(t, http.StatusOK, rw.code())
	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusAccepted, rw.code())
	assert.Same(t, rec, rw.Unwrap())
}

func TestRecoveryMiddleware_AbortHandler(t *testing.T) {
	handler := RecoveryMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs", nil))
	})
}

func TestCORSMiddleware_Origins(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"wildcard echoes origin", []string{"*"}, "https://a.example", "https://a.example"},
		{"listed origin", []string{"https://a.example", " https://b.example"}, "https://b.example", "https://b.example"},
		{"unlisted origin", []string{"https://a.example"}, "https://c.example", ""},
		{"no origin header", []string{"*"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORSMiddleware(tt.allowed)(ok).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "Origin", rec.Header().Get("Vary"))
			if tt.want != "" {
				assert.Equal(t, "GET, POST, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}

func TestChainMiddleware_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { order = append(order, "handler") })

	ChainMiddleware(mark("outer"), mark("inner"))(final).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
