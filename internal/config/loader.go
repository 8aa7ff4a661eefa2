package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for batchd.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	HTTP    HTTPConfig    `json:"http" yaml:"http" toml:"http"`
	Engine  EngineConfig  `json:"engine" yaml:"engine" toml:"engine"`
	Backend BackendConfig `json:"backend" yaml:"backend" toml:"backend"`
	// JournalPath enables the SQLite request journal when set.
	JournalPath    string `json:"journal_path" yaml:"journal_path" toml:"journal_path"`
	JournalMaxRows int    `json:"journal_max_rows" yaml:"journal_max_rows" toml:"journal_max_rows"`
	LogLevel       string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

type HTTPConfig struct {
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSEnabled    bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins    []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	ReadTimeoutS   int      `json:"read_timeout_s" yaml:"read_timeout_s" toml:"read_timeout_s"`
	ShutdownGraceS int      `json:"shutdown_grace_s" yaml:"shutdown_grace_s" toml:"shutdown_grace_s"`
}

type EngineConfig struct {
	IterationTimeoutS int  `json:"iteration_timeout_s" yaml:"iteration_timeout_s" toml:"iteration_timeout_s"`
	DrainTimeoutS     int  `json:"drain_timeout_s" yaml:"drain_timeout_s" toml:"drain_timeout_s"`
	DisableAutoStart  bool `json:"disable_auto_start" yaml:"disable_auto_start" toml:"disable_auto_start"`
	LogRequests       bool `json:"log_requests" yaml:"log_requests" toml:"log_requests"`
	MaxLogLen         int  `json:"max_log_len" yaml:"max_log_len" toml:"max_log_len"`
}

// BackendConfig selects and tunes the compute backend.
type BackendConfig struct {
	// Kind is "local" or "remote".
	Kind           string `json:"kind" yaml:"kind" toml:"kind"`
	ModelName      string `json:"model_name" yaml:"model_name" toml:"model_name"`
	Stages         int    `json:"stages" yaml:"stages" toml:"stages"`
	MaxBatchSize   int    `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	MaxModelLen    int    `json:"max_model_len" yaml:"max_model_len" toml:"max_model_len"`
	EnableAdapters bool   `json:"enable_adapters" yaml:"enable_adapters" toml:"enable_adapters"`
	AdaptersDir    string `json:"adapters_dir" yaml:"adapters_dir" toml:"adapters_dir"`
	// Executor is "synthetic" or "llama" for the local backend.
	Executor  string `json:"executor" yaml:"executor" toml:"executor"`
	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`
	Threads   int    `json:"threads" yaml:"threads" toml:"threads"`
	// WorkerURL is the remote worker base URL.
	WorkerURL       string `json:"worker_url" yaml:"worker_url" toml:"worker_url"`
	CallTimeoutS    int    `json:"call_timeout_s" yaml:"call_timeout_s" toml:"call_timeout_s"`
	ConnectTimeoutS int    `json:"connect_timeout_s" yaml:"connect_timeout_s" toml:"connect_timeout_s"`
}

// Backend kinds.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Executor kinds.
const (
	ExecutorSynthetic = "synthetic"
	ExecutorLlama     = "llama"
)

// Defaults returns a Config with every field set to its default.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			MaxBodyBytes:   1 << 20,
			ReadTimeoutS:   30,
			ShutdownGraceS: 10,
		},
		Engine: EngineConfig{
			IterationTimeoutS: 60,
			DrainTimeoutS:     5,
		},
		Backend: BackendConfig{
			Kind:            BackendLocal,
			ModelName:       "synthetic-echo",
			Stages:          1,
			MaxBatchSize:    32,
			MaxModelLen:     2048,
			Executor:        ExecutorSynthetic,
			CallTimeoutS:    10,
			ConnectTimeoutS: 5,
		},
		JournalMaxRows: 100000,
		LogLevel:       "info",
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Merge overlays the non-zero fields of o onto c. Booleans can only be
// switched on.
func (c Config) Merge(o Config) Config {
	str(&c.HTTP.Addr, o.HTTP.Addr)
	c.HTTP.CORSEnabled = c.HTTP.CORSEnabled || o.HTTP.CORSEnabled
	if len(o.HTTP.CORSOrigins) > 0 {
		c.HTTP.CORSOrigins = o.HTTP.CORSOrigins
	}
	if o.HTTP.MaxBodyBytes > 0 {
		c.HTTP.MaxBodyBytes = o.HTTP.MaxBodyBytes
	}
	num(&c.HTTP.ReadTimeoutS, o.HTTP.ReadTimeoutS)
	num(&c.HTTP.ShutdownGraceS, o.HTTP.ShutdownGraceS)

	num(&c.Engine.IterationTimeoutS, o.Engine.IterationTimeoutS)
	num(&c.Engine.DrainTimeoutS, o.Engine.DrainTimeoutS)
	c.Engine.DisableAutoStart = c.Engine.DisableAutoStart || o.Engine.DisableAutoStart
	c.Engine.LogRequests = c.Engine.LogRequests || o.Engine.LogRequests
	num(&c.Engine.MaxLogLen, o.Engine.MaxLogLen)

	str(&c.Backend.Kind, o.Backend.Kind)
	str(&c.Backend.ModelName, o.Backend.ModelName)
	num(&c.Backend.Stages, o.Backend.Stages)
	num(&c.Backend.MaxBatchSize, o.Backend.MaxBatchSize)
	num(&c.Backend.MaxModelLen, o.Backend.MaxModelLen)
	c.Backend.EnableAdapters = c.Backend.EnableAdapters || o.Backend.EnableAdapters
	str(&c.Backend.AdaptersDir, o.Backend.AdaptersDir)
	str(&c.Backend.Executor, o.Backend.Executor)
	str(&c.Backend.ModelPath, o.Backend.ModelPath)
	num(&c.Backend.Threads, o.Backend.Threads)
	str(&c.Backend.WorkerURL, o.Backend.WorkerURL)
	num(&c.Backend.CallTimeoutS, o.Backend.CallTimeoutS)
	num(&c.Backend.ConnectTimeoutS, o.Backend.ConnectTimeoutS)

	str(&c.JournalPath, o.JournalPath)
	num(&c.JournalMaxRows, o.JournalMaxRows)
	str(&c.LogLevel, o.LogLevel)
	return c
}

// ApplyEnv overrides fields from BATCHD_* environment variables. Malformed
// numeric or boolean values are reported.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	e := envReader{get: getenv}
	e.str("BATCHD_ADDR", &c.HTTP.Addr)
	e.boolean("BATCHD_CORS_ENABLED", &c.HTTP.CORSEnabled)
	if v := getenv("BATCHD_CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = SplitCSV(v)
	}
	e.integer("BATCHD_ENGINE_ITERATION_TIMEOUT_S", &c.Engine.IterationTimeoutS)
	e.integer("BATCHD_ENGINE_DRAIN_TIMEOUT_S", &c.Engine.DrainTimeoutS)
	e.boolean("BATCHD_LOG_REQUESTS", &c.Engine.LogRequests)
	e.integer("BATCHD_MAX_LOG_LEN", &c.Engine.MaxLogLen)
	e.str("BATCHD_BACKEND", &c.Backend.Kind)
	e.str("BATCHD_MODEL_NAME", &c.Backend.ModelName)
	e.integer("BATCHD_STAGES", &c.Backend.Stages)
	e.integer("BATCHD_MAX_BATCH_SIZE", &c.Backend.MaxBatchSize)
	e.integer("BATCHD_MAX_MODEL_LEN", &c.Backend.MaxModelLen)
	e.boolean("BATCHD_ENABLE_ADAPTERS", &c.Backend.EnableAdapters)
	e.str("BATCHD_ADAPTERS_DIR", &c.Backend.AdaptersDir)
	e.str("BATCHD_EXECUTOR", &c.Backend.Executor)
	e.str("BATCHD_MODEL_PATH", &c.Backend.ModelPath)
	e.str("BATCHD_WORKER_URL", &c.Backend.WorkerURL)
	e.str("BATCHD_JOURNAL_PATH", &c.JournalPath)
	e.str("BATCHD_LOG_LEVEL", &c.LogLevel)
	return e.err
}

// Validate reports configuration that cannot be served.
func (c Config) Validate() error {
	switch c.Backend.Kind {
	case BackendLocal:
		switch c.Backend.Executor {
		case ExecutorSynthetic:
		case ExecutorLlama:
			if c.Backend.ModelPath == "" {
				return fmt.Errorf("backend.model_path is required for the llama executor")
			}
		default:
			return fmt.Errorf("unknown executor %q", c.Backend.Executor)
		}
	case BackendRemote:
		if c.Backend.WorkerURL == "" {
			return fmt.Errorf("backend.worker_url is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Backend.Stages < 1 {
		return fmt.Errorf("backend.stages must be >= 1, got %d", c.Backend.Stages)
	}
	return nil
}

// Seconds converts a whole-second setting to a Duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// SplitCSV splits a comma-separated list, dropping blanks.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func str(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func num(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

type envReader struct {
	get func(string) string
	err error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.get(key); v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v := e.get(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v := e.get(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
