package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observedLogger swaps in a recording logger for one test and restores the
// previous one afterwards.
func observedLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prevGlobal, prevHelper := globalLogger, helperLogger
	setGlobal(zap.New(core, zap.AddCaller()))
	t.Cleanup(func() {
		globalLogger, helperLogger = prevGlobal, prevHelper
	})
	return logs
}

// TestCallerAttribution pins every way the logger can be reached to the real
// call site: the package helpers, L() directly, and a request-scoped logger
// pulled back out of a context.
func TestCallerAttribution(t *testing.T) {
	logs := observedLogger(t)

	Info("via helper")
	L().Info("direct")
	ctx := WithRequestID(context.Background(), "req-7")
	WithContext(ctx).Warn("request scoped")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if !e.Caller.Defined {
			t.Fatalf("%q: no caller recorded", e.Message)
		}
		if !strings.HasSuffix(e.Caller.File, "logging_test.go") {
			t.Errorf("%q attributed to %s, want this file", e.Message, e.Caller.String())
		}
	}
	if got := entries[2].ContextMap()["request_id"]; got != "req-7" {
		t.Errorf("request_id = %v, want req-7", got)
	}
}

func TestMiddlewareRequestLogs(t *testing.T) {
	logs := observedLogger(t)

	const body = "created one"
	var handlerID string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(body))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things", nil))

	if handlerID == "" {
		t.Fatal("request id missing from handler context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != handlerID {
		t.Errorf("X-Request-ID header = %q, want %q", got, handlerID)
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want started and completed", len(entries))
	}
	if entries[0].Message != "request started" || entries[1].Message != "request completed" {
		t.Fatalf("messages = %q, %q", entries[0].Message, entries[1].Message)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Caller.File, "logging.go") {
			t.Errorf("%q attributed to %s, want logging.go", e.Message, e.Caller.String())
		}
		if got := e.ContextMap()["request_id"]; got != handlerID {
			t.Errorf("%q request_id = %v, want %q", e.Message, got, handlerID)
		}
	}
	cm := entries[1].ContextMap()
	if cm["status"] != int64(http.StatusCreated) {
		t.Errorf("status = %v, want %d", cm["status"], http.StatusCreated)
	}
	if cm["size"] != int64(len(body)) {
		t.Errorf("size = %v, want %d", cm["size"], len(body))
	}
}

func TestRequestIDGenerated(t *testing.T) {
	a, b := generateRequestID(), generateRequestID()
	if a == "" || a == b {
		t.Fatalf("ids not unique: %q, %q", a, b)
	}
}
