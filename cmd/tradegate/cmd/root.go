package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rustyeddy/tradegate/config"
	"github.com/rustyeddy/tradegate/engine"
	"github.com/rustyeddy/tradegate/journal"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradegate",
	Short: "Risk gate and signal bridge between a strategy and its broker",
	Long: `Tradegate sits between a trading strategy and the process that places
orders. Every decision is sized, checked against daily and overall loss
limits, rate limits and an emergency stop, then queued for the execution
side to pull.

It provides tools for:
  - Serving the signal bridge and the risk gate over HTTP
  - Backtesting decision feeds under the same limits
  - Inspecting risk status and monthly P&L from the journal
  - Resetting halts after an operator review`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	configPath  string
	dbPath      string
	envFile     string
	logLevel    string
	profileName string

	envSettings config.Env
	logger      *slog.Logger
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file, YAML or JSON (default: TRADEGATE_CONFIG or built-in defaults)")
	pf.StringVarP(&dbPath, "db", "d", "", "path to SQLite journal DB (default from config)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before TRADEGATE_* variables")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default: TRADEGATE_LOG_LEVEL)")
	pf.StringVarP(&profileName, "profile", "p", "", "risk profile preset: "+strings.Join(config.PresetNames(), ", "))
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	envSettings, err = config.LoadEnv(envFile)
	if err != nil {
		return err
	}
	level := logLevel
	if level == "" {
		level = envSettings.LogLevel
	}
	logger, err = newLogger(cmd.ErrOrStderr(), level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig layers the config file (or defaults), the environment and
// the command line, in that order.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = envSettings.ConfigPath
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg, err := envSettings.Apply(cfg)
	if err != nil {
		return nil, err
	}
	if profileName != "" && profileName != cfg.Profile.Name {
		if cfg, err = cfg.WithProfile(profileName); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.Journal.DBPath = dbPath
	}
	return cfg, nil
}

func openJournal(cfg *config.Config) (*journal.SQLite, error) {
	j, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

// openEngine resumes an engine from the journal without a signal queue,
// for commands that inspect or adjust state while no server is running.
func openEngine(cfg *config.Config, j *journal.SQLite) (*engine.Engine, error) {
	return engine.New(engine.Options{Config: cfg, Store: j, Logger: logger})
}

// parseDate accepts YYYY-MM-DD or RFC3339. Empty means unbounded.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD or RFC3339", s)
	}
	return t.UTC(), nil
}
