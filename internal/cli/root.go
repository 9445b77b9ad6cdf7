package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"broker-gateway/internal/config"
	"broker-gateway/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// noConfig marks commands that run without loading config.toml.
const noConfig = "no-config"

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: logging.NewLogger()}

	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Broker Gateway - one API over Indian stock brokers",
		Long: `Broker Gateway exposes a single order and market data API over
Zerodha, Angel One and Fyers.

It stores per-user broker credentials encrypted at rest, keeps their
sessions valid, and fans out live ticks to any number of subscribers.

Run 'gateway serve' to start the HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			app.ConfigDir = dir
			if cmd.Annotations[noConfig] == "true" {
				return nil
			}

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.Logger = logging.NewLoggerWithConfig(cfg.Logging.LogConfig())

			debug, _ := cmd.Flags().GetBool("debug")
			switch {
			case debug:
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			case cmd.Name() != "serve":
				// Keep one-shot commands quiet so their output stays readable.
				app.Logger = app.Logger.Level(zerolog.WarnLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/broker-gateway)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	rootCmd.AddCommand(newServeCmd(app))
	addCredentialCommands(rootCmd, app)
	addInstrumentCommands(rootCmd, app)
	addTradingCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newExamplesCmd(app), newQuickstartCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{noConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Broker Gateway v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "init",
		Short:       "Write a config.toml template",
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := config.WriteDefault(app.ConfigDir); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.ConfigDir})
			}
			output.Success("✓ Configuration written to %s", app.ConfigDir)
			output.Dim("Set GATEWAY_MASTER_KEY and GATEWAY_JWT_SECRET before running 'gateway serve'.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(redactedConfig(app.Config))
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{noConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load already validated; reaching here means the file is good.
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

// redactedConfig copies cfg with secrets masked.
func redactedConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Store.MasterKey = maskSecret(out.Store.MasterKey)
	out.Server.JWTSecret = maskSecret(out.Server.JWTSecret)
	return out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Server")
	output.Printf("  Address:         %s\n", cfg.Server.Addr)
	output.Printf("  JWT Secret:      %s\n", setOrMissing(output, cfg.Server.JWTSecret))
	output.Printf("  Rate Limit:      %.0f rps (burst %d)\n", cfg.Server.RateLimit, cfg.Server.RateBurst)
	output.Println()

	output.Bold("Store")
	output.Printf("  Driver:          %s\n", cfg.Store.Driver)
	switch cfg.Store.Driver {
	case "sqlite":
		output.Printf("  Path:            %s\n", cfg.Store.Path)
	case "redis":
		output.Printf("  Redis:           %s (db %d)\n", cfg.Store.RedisAddr, cfg.Store.RedisDB)
	}
	output.Printf("  Master Key:      %s\n", setOrMissing(output, cfg.Store.MasterKey))
	output.Println()

	output.Bold("Sessions")
	output.Printf("  Cache TTL:       %s\n", cfg.Cache.TTL)
	output.Printf("  Refresh Margin:  %s\n", cfg.Session.RefreshMargin)
	output.Printf("  Timezone:        %s\n", cfg.Session.Timezone)
	output.Println()

	output.Bold("Gateway")
	output.Printf("  Broker Timeout:  %s\n", cfg.Gateway.BrokerTimeout)
	output.Printf("  Breaker:         %d failures, %s cooldown\n", cfg.Gateway.BreakerThreshold, cfg.Gateway.BreakerCooldown)
	output.Printf("  Read Only:       %v\n", cfg.Gateway.ReadOnly)
	output.Println()

	output.Bold("Brokers")
	table := NewTable(output, "BROKER", "ENABLED", "EXPIRY", "RATE", "BASE URL")
	for _, id := range sortedBrokerKeys(cfg) {
		b := cfg.Brokers[id]
		enabled := output.Red("no")
		if b.Enabled {
			enabled = output.Green("yes")
		}
		table.AddRow(id, enabled, b.ExpiryModel, formatRate(b.RateLimit), b.BaseURL)
	}
	table.Render()
}

func setOrMissing(output *Output, s string) string {
	if s == "" {
		return output.Yellow("not set")
	}
	return output.Green("set")
}
