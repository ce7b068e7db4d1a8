package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// TestNewMetricsServer tests metrics server creation
func TestNewMetricsServer(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name string
		addr string
	}{
		{
			name: "Standard port",
			addr: "localhost:9090",
		},
		{
			name: "Custom port",
			addr: "localhost:19090",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewMetricsServer(tt.addr, logger)

			if server == nil {
				t.Fatal("NewMetricsServer() returned nil")
			}
			if server.addr != tt.addr {
				t.Errorf("Expected addr %s, got %s", tt.addr, server.addr)
			}
			if server.server == nil {
				t.Error("Expected non-nil HTTP server")
			}
		})
	}
}

// TestMetricsServer_StartStop tests startup, scrape and graceful shutdown
func TestMetricsServer_StartStop(t *testing.T) {
	logger := zap.NewNop()

	addr := "localhost:19091"
	server := NewMetricsServer(addr, logger)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatalf("Failed to connect to metrics server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 from /health, got %d", resp.StatusCode)
	}

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 from /metrics, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Expected Go runtime metrics in scrape output")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

// TestRequestCorrelation tests request ID propagation through the middleware
func TestRequestCorrelation(t *testing.T) {
	var seenID string
	handler := RequestCorrelation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("Generated ID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pods", nil))

		if seenID == "" {
			t.Error("Expected a generated request ID in the handler context")
		}
		if got := rec.Header().Get("X-Request-Id"); got != seenID {
			t.Errorf("Response header X-Request-Id = %q, want %q", got, seenID)
		}
	})

	t.Run("Propagated ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/pods", nil)
		req.Header.Set("X-Request-Id", "req-via-header")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seenID != "req-via-header" {
			t.Errorf("Expected propagated request ID, got %q", seenID)
		}
	})
}

// TestRequestLogger tests that the logging middleware passes requests through
func TestRequestLogger(t *testing.T) {
	logger := zap.NewNop()

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("Middleware altered status code: got %d", rec.Code)
	}
}

// TestRequestMetrics tests that the metrics middleware passes requests through
func TestRequestMetrics(t *testing.T) {
	handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/containerLogs/x/y/z", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Middleware altered status code: got %d", rec.Code)
	}
}
