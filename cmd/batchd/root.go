package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"batchd/internal/config"
)

const defaultEnvFile = ".env"

// globals holds the resolved persistent flags shared by subcommands.
type globals struct {
	configPath string
	envFile    string
	logLevel   string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "batchd",
		Short:         "Continuous-batching inference request daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", defaultEnvFile, "Dotenv file with BATCHD_* settings")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := loadSettings(g.configPath, g.envFile)
		if err != nil {
			return err
		}
		if g.logLevel != "" {
			cfg.LogLevel = g.logLevel
		}
		g.cfg = cfg
		g.log, err = newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
		return err
	}

	root.AddCommand(newServeCmd(g), newWorkerCmd(g), newVersionCmd())
	return root
}

// loadSettings layers defaults, the config file, the dotenv file and the
// process environment, in increasing precedence.
func loadSettings(configPath, envFile string) (config.Config, error) {
	cfg := config.Defaults()
	if configPath != "" {
		fileCfg, err := config.Load(configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = cfg.Merge(fileCfg)
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist) && envFile == defaultEnvFile:
			// optional
		default:
			return cfg, fmt.Errorf("read env file: %w", err)
		}
	}
	getenv := func(k string) string {
		if v, ok := os.LookupEnv(k); ok {
			return v
		}
		return dotenv[k]
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// newLogger writes human-readable output to terminals and JSON otherwise.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
