// Package cli implements the mqol command-line client.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/mqol-labs/internal/config"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App holds the streams and settings shared by every command.
type App struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	v          *viper.Viper
	configFile string
	envFile    string
	logLevel   string
	logger     *slog.Logger
}

// NewApp returns an App bound to the process streams.
func NewApp() *App {
	return &App{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"db-driver":    "db_driver",
	"db-path":      "db_path",
	"database-url": "database_url",
	"llm-provider": "llm_provider",
	"llm-model":    "llm_model",
	"bank":         "question_bank_path",
	"catalog":      "intervention_catalog_path",
	"log-dir":      "conversation_log_dir",
}

// CreateRootCommand builds the command tree.
func (app *App) CreateRootCommand() *cobra.Command {
	if app.v == nil {
		app.v = viper.New()
	}
	rootCmd := &cobra.Command{
		Use:   "mqol",
		Short: "MQoL - marital quality-of-life assessment",
		Long: `mqol runs the marital quality-of-life assessment against a local store.
Configuration comes from the environment, an optional config file and flags,
in increasing order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd)
		},
	}
	rootCmd.SetIn(app.In)
	rootCmd.SetOut(app.Out)
	rootCmd.SetErr(app.Err)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "Config file (yaml, toml or json)")
	flags.StringVar(&app.envFile, "env-file", ".env", "Environment file loaded before configuration")
	flags.StringVar(&app.logLevel, "log-level", "warn", "Set log level (debug|info|warn|error)")
	flags.String("db-driver", "", "Store backend (sqlite|postgres)")
	flags.String("db-path", "", "SQLite database path")
	flags.String("database-url", "", "Postgres connection URL")
	flags.String("llm-provider", "", "Language model provider (openai|anthropic|gemini|gateway|dummy)")
	flags.String("llm-model", "", "Language model name")
	flags.String("bank", "", "Question bank path or glob")
	flags.String("catalog", "", "Intervention catalog path")
	flags.String("log-dir", "", "Conversation transcript directory")

	for flag, key := range flagKeys {
		if err := app.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(
		app.newChatCommand(),
		app.newReportCommand(),
		app.newBankCommand(),
		app.newVersionCommand(),
	)
	return rootCmd
}

func (app *App) setup(cmd *cobra.Command) error {
	level, err := log.ParseLevel(strings.ToLower(app.logLevel))
	if err != nil {
		return fmt.Errorf("invalid log level %q", app.logLevel)
	}
	handler := log.NewWithOptions(app.Err, log.Options{Level: level, ReportTimestamp: false})
	app.logger = slog.New(handler)
	slog.SetDefault(app.logger)

	if err := godotenv.Load(app.envFile); err != nil {
		if f := cmd.Flag("env-file"); f != nil && f.Changed {
			return fmt.Errorf("load env file %s: %w", app.envFile, err)
		}
		app.logger.Debug("No .env file found, using environment variables")
	}

	if app.configFile != "" {
		app.v.SetConfigFile(app.configFile)
		if err := app.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", app.configFile, err)
		}
	}
	return nil
}

// loadConfig reads the environment and overlays the config file and flags.
// Only flags that were set take precedence.
func (app *App) loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if err := cfg.Overlay(app.v); err != nil {
		return nil, err
	}
	return cfg, nil
}
