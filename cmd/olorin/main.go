// olorin runs the fraud investigation engine.
//
// Usage:
//
//	olorin serve [--port=8080] [--sqlite=<path>]
//	olorin migrate [--sqlite=<path>]
//	olorin cursor new|decode <cursor>
//	olorin keys [--dir=data]
//	olorin token --subject=<actor> [--key=data/jwt_private.pem]
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var globalFlags struct {
	sqlitePath string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "olorin",
	Short: "Fraud investigation orchestration engine",
	Long: "Olorin runs domain analyzers against an entity, aggregates their findings\n" +
		"into a risk score and tracks every investigation with optimistic versioning.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.sqlitePath, "sqlite", "", "Use SQLite at this path instead of DATABASE_URL")
	pf.StringVar(&globalFlags.logLevel, "log-level", os.Getenv("OLORIN_LOG_LEVEL"), "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cursorCmd)
	rootCmd.Version = version
}

// newLogger builds the JSON logger used by every subcommand and installs it
// as the slog default.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(globalFlags.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
