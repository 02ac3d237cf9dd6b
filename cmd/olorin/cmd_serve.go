package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	olorin "github.com/Olorin-ai-git/Bayit-Plus-sub034"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and MCP server",
	Long: `Starts the investigation API on the configured port. MCP clients connect
over streamable HTTP at /mcp. SIGINT or SIGTERM drains in-flight requests and
gives running investigations a bounded time to finish.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override OLORIN_PORT")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []olorin.Option{
		olorin.WithLogger(logger),
		olorin.WithVersion(version),
	}
	if servePort != 0 {
		opts = append(opts, olorin.WithPort(servePort))
	}
	if globalFlags.sqlitePath != "" {
		opts = append(opts, olorin.WithSQLitePath(globalFlags.sqlitePath))
	}

	app, err := olorin.New(opts...)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
