package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"batchd/internal/backend/local"
	"batchd/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadSettingsLayering(t *testing.T) {
	d := t.TempDir()
	cfgPath := writeFile(t, d, "batchd.yaml", "backend:\n  stages: 3\n  max_batch_size: 4\nhttp:\n  addr: \":7000\"\n")
	envPath := writeFile(t, d, "test.env", "BATCHD_MAX_BATCH_SIZE=8\nBATCHD_ADDR=:7100\n")
	t.Setenv("BATCHD_ADDR", ":7200")

	cfg, err := loadSettings(cfgPath, envPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Stages != 3 {
		t.Fatalf("file value lost: %+v", cfg.Backend)
	}
	if cfg.Backend.MaxBatchSize != 8 {
		t.Fatalf("dotenv should override file: %d", cfg.Backend.MaxBatchSize)
	}
	if cfg.HTTP.Addr != ":7200" {
		t.Fatalf("process env should override dotenv: %s", cfg.HTTP.Addr)
	}
	if cfg.Engine.IterationTimeoutS != 60 {
		t.Fatalf("default lost: %+v", cfg.Engine)
	}
}

func TestLoadSettingsEnvFile(t *testing.T) {
	if _, err := loadSettings("", defaultEnvFile); err != nil {
		t.Fatalf("missing default .env should be ignored: %v", err)
	}
	if _, err := loadSettings("", "missing.env"); err == nil {
		t.Fatalf("explicit missing env file should fail")
	}
}

func TestLoadSettingsValidates(t *testing.T) {
	t.Setenv("BATCHD_BACKEND", "remote")
	if _, err := loadSettings("", ""); err == nil {
		t.Fatalf("remote backend without worker URL should fail validation")
	}
}

func TestBuildLocalWithAdapters(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sql.gguf", "w")
	cfg := config.Defaults()
	cfg.Backend.Stages = 2
	cfg.Backend.EnableAdapters = true
	cfg.Backend.AdaptersDir = dir

	bs, err := buildBackend(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer bs.close()
	if bs.backend.Stages() != 2 || len(bs.adapters) != 1 || bs.adapters[0].Name != "sql" {
		t.Fatalf("unexpected backend set: stages=%d adapters=%+v", bs.backend.Stages(), bs.adapters)
	}
}

func TestBuildLocalLlamaWithoutTag(t *testing.T) {
	if local.LlamaBuilt {
		t.Skip("built with llama support")
	}
	cfg := config.Defaults()
	cfg.Backend.Executor = config.ExecutorLlama
	cfg.Backend.ModelPath = "/nonexistent.gguf"
	_, _, _, err := buildLocal(cfg, zerolog.Nop())
	if err == nil || !local.IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestBuildRemoteDialFailure(t *testing.T) {
	cfg := config.Defaults()
	cfg.Backend.Kind = config.BackendRemote
	cfg.Backend.WorkerURL = "http://127.0.0.1:1"
	cfg.Backend.ConnectTimeoutS = 1
	if _, err := buildBackend(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "batchd dev (llama=") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRootRejectsBadLogLevel(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"worker", "--log-level", "loud"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "log level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestNewLoggerJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}
