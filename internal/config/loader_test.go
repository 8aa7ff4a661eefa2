package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `
http:
  addr: ":9999"
  cors_origins: ["http://a"]
engine:
  iteration_timeout_s: 5
  log_requests: true
backend:
  kind: remote
  worker_url: http://w:9000
  stages: 2
journal_path: /tmp/j.db
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" || len(cfg.HTTP.CORSOrigins) != 1 || cfg.Engine.IterationTimeoutS != 5 ||
		!cfg.Engine.LogRequests || cfg.Backend.Kind != BackendRemote || cfg.Backend.WorkerURL != "http://w:9000" ||
		cfg.Backend.Stages != 2 || cfg.JournalPath != "/tmp/j.db" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"http":{"addr":":7070"},"backend":{"stages":3,"max_batch_size":8},"log_level":"debug"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7070" || cfg.Backend.Stages != 3 || cfg.Backend.MaxBatchSize != 8 || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "log_level = \"warn\"\n[http]\naddr = \":8081\"\n[backend]\nexecutor = \"llama\"\nmodel_path = \"/m.gguf\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8081" || cfg.Backend.Executor != ExecutorLlama || cfg.Backend.ModelPath != "/m.gguf" || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	d := t.TempDir()
	cases := map[string]string{
		"cfg.txt":           "not supported",
		"broken.yaml":       "addr: :8080\n: broken\n",
		"engine-type.yaml":  "engine:\n  iteration_timeout_s: soon\n",
		"backend-list.yaml": "backend:\n  stages: [1, 2]\n",
		"broken.json":       `{ "http": { "addr": ":8080" }, "backend": }`,
		"stages-type.json":  `{"backend":{"stages":"two"}}`,
		"origins-type.json": `{"http":{"cors_origins":"http://a"}}`,
		"broken.toml":       "[http]\naddr=:8080\nstages\n",
		"log-requests.toml": "[engine]\nlog_requests = \"yes\"\n",
		"body-bytes.toml":   "[http]\nmax_body_bytes = \"1MiB\"\n",
	}
	for name, content := range cases {
		p := writeTempFile(t, d, name, content)
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadedSectionsLayerOverDefaults(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "partial.toml", "[engine]\ndrain_timeout_s = 9\n[backend]\nkind = \"remote\"\n")
	file, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := Defaults().Merge(file)
	if cfg.Engine.DrainTimeoutS != 9 || cfg.Engine.IterationTimeoutS != 60 || cfg.HTTP.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected merge: %+v", cfg)
	}
	// Loading does not validate: a remote backend still needs a worker URL.
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for remote backend without worker_url")
	}
	cfg.Backend.WorkerURL = "http://w:9090"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMergeKeepsDefaultsForZeroFields(t *testing.T) {
	file := Config{Backend: BackendConfig{Stages: 4}, Engine: EngineConfig{LogRequests: true}}
	cfg := Defaults().Merge(file)
	if cfg.Backend.Stages != 4 || !cfg.Engine.LogRequests {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Backend.Kind != BackendLocal || cfg.Engine.IterationTimeoutS != 60 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BATCHD_ADDR":                       ":1234",
		"BATCHD_ENGINE_ITERATION_TIMEOUT_S": "7",
		"BATCHD_STAGES":                     "2",
		"BATCHD_LOG_REQUESTS":               "true",
		"BATCHD_CORS_ORIGINS":               "http://a, ,http://b",
		"BATCHD_BACKEND":                    "remote",
		"BATCHD_WORKER_URL":                 "http://w",
	}
	cfg := Defaults()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.HTTP.Addr != ":1234" || cfg.Engine.IterationTimeoutS != 7 || cfg.Backend.Stages != 2 || !cfg.Engine.LogRequests {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[1] != "http://b" {
		t.Fatalf("origins: %v", cfg.HTTP.CORSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyEnvRejectsMalformed(t *testing.T) {
	cfg := Defaults()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "BATCHD_STAGES" {
			return "two"
		}
		return ""
	})
	if err == nil {
		t.Fatalf("expected error for malformed integer")
	}
	if cfg.Backend.Stages != 1 {
		t.Fatalf("malformed value should not be applied: %d", cfg.Backend.Stages)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown backend":     func(c *Config) { c.Backend.Kind = "gpu" },
		"remote without url":  func(c *Config) { c.Backend.Kind = BackendRemote },
		"llama without model": func(c *Config) { c.Backend.Executor = ExecutorLlama },
		"unknown executor":    func(c *Config) { c.Backend.Executor = "onnx" },
		"zero stages":         func(c *Config) { c.Backend.Stages = 0 },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" a,b ,,c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected split: %q", got)
	}
	if SplitCSV("") != nil {
		t.Fatalf("empty input should give nil")
	}
}
