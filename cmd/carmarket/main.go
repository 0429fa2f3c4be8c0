// Command carmarket manages a marketplace session from the terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/carmarket/internal/client"
	"github.com/TheMichaelB/carmarket/internal/config"
	"github.com/TheMichaelB/carmarket/internal/creds"
	"github.com/TheMichaelB/carmarket/internal/events"
)

// Commands annotated with skipClient run without config or a client.
const skipClient = "skip-client"

var (
	cfgFile    string
	jsonOutput bool
	logLevel   string

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "carmarket",
	Short: "Car marketplace session client",
	Long: `carmarket signs in to the marketplace API, keeps the session token in
local storage and logs out automatically when the token expires.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./carmarket.json or ~/.config/carmarket/config.json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var shown reportedError
		if !jsonOutput && !errors.As(err, &shown) {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

// reportedError has already been shown to the user.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func setup(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipClient] == "true" {
		return nil
	}

	loaded, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	cfg = loaded

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	// A --totp secret on the command line wins over every config source
	if f := cmd.Flags().Lookup("totp"); f != nil && f.Changed {
		cfg.Auth.TOTPSecret = f.Value.String()
	}

	if cfg.Auth.CredentialsFile != "" {
		c, err := creds.LoadFromFile(cfg.Auth.CredentialsFile)
		if err != nil {
			return err
		}
		c.Apply(&cfg.Auth)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}

	reporter, err := events.InitSentry(cfg.Log.SentryDSN, cfg.Log.Environment)
	if err != nil {
		logger.WithError(err).Warn("Error reporting disabled")
	} else if reporter != nil {
		logger.SetReporter(reporter)
	}
	events.SetDefault(logger)

	apiClient, err = client.New(cfg, &terminalNavigator{}, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	cmd.SetContext(events.WithLogger(commandContext(cmd), logger))
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if apiClient != nil {
		if err := apiClient.Close(); err != nil {
			logger.WithError(err).Debug("Close client")
		}
	}
	events.FlushSentry(2 * time.Second)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// terminalNavigator asks the user to open pages; a terminal has no location bar.
type terminalNavigator struct{}

func (terminalNavigator) Navigate(ctx context.Context, url string) error {
	if !jsonOutput {
		printInfo("Open this URL in your browser to continue:\n  %s", url)
	}
	return nil
}

func (terminalNavigator) ReplaceURL(url string) {}

// Output helpers

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
