package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// MockBotServer creates a test server that mocks Bot API responses. Handlers
// are keyed by API method name (the path segment after the token).
type MockBotServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
	// Calls counts requests per method.
	Calls map[string]int
}

// NewMockBotServer creates a new mock Bot API server.
func NewMockBotServer(t *testing.T) *MockBotServer {
	t.Helper()
	m := &MockBotServer{
		Handlers: make(map[string]http.HandlerFunc),
		Calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Paths look like /bot<token>/<method>.
		idx := strings.LastIndex(r.URL.Path, "/")
		method := r.URL.Path[idx+1:]
		m.Calls[method]++
		if handler, ok := m.Handlers[method]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockResult adds a handler returning a successful response with the given
// result payload.
func (m *MockBotServer) MockResult(method string, result interface{}) {
	m.Handlers[method] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"ok":     true,
			"result": result,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockError adds a handler returning a failed response with the given error
// code and description.
func (m *MockBotServer) MockError(method string, code int, description string) {
	m.Handlers[method] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"ok":          false,
			"error_code":  code,
			"description": description,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockRetryAfter adds a handler returning a throttling response carrying the
// given retry_after seconds.
func (m *MockBotServer) MockRetryAfter(method string, seconds int) {
	m.Handlers[method] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"ok":          false,
			"error_code":  429,
			"description": "Too Many Requests: retry after",
			"parameters":  map[string]interface{}{"retry_after": seconds},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
