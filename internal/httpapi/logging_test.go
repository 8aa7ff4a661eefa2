package httpapi

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"INFO":  LevelInfo,
		"debug": LevelDebug,
		"1":     LevelDebug,
		"weird": LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x?log=info", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelInfo {
		t.Fatalf("query should win over header: %v", got)
	}
}

func TestLoggingLineWriter_SplitsLines(t *testing.T) {
	var buf bytes.Buffer
	lw := &loggingLineWriter{log: zerolog.New(&buf)}
	_, _ = lw.Write([]byte("{\"a\":1}\n{\"b\":"))
	_, _ = lw.Write([]byte("2}\n\n{\"c\":3}\n"))

	out := buf.String()
	for _, want := range []string{`"chunk":{"a":1}`, `"chunk":{"b":2}`, `"chunk":{"c":3}`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %q", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 3 {
		t.Fatalf("expected 3 log lines, got %d: %q", n, out)
	}
}

func TestGenerateWithDebugLogging(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())

	svc := &mockService{outputs: helloOutputs()}
	rec := postJSON(NewMux(svc, Options{}), "/v1/generate?log=debug", `{"id":"r1","prompt":"hi"}`)
	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	out := buf.String()
	if !strings.Contains(out, `"request_id":"r1"`) || !strings.Contains(out, "generate start") || !strings.Contains(out, "stream>") {
		t.Fatalf("expected request logs, got %q", out)
	}
}
