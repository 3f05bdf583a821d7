// Package main provides the entry point for the mcp-portainer server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/txn2/mcp-portainer/internal/server"
	"github.com/txn2/mcp-portainer/pkg/database/migrate"
	"github.com/txn2/mcp-portainer/pkg/logging"
	"github.com/txn2/mcp-portainer/pkg/platform"
)

const envPrefix = "MCP_PORTAINER_"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    server.DefaultName,
		Usage:   "MCP server for Portainer over streamable HTTP",
		Version: server.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Sources: cli.EnvVars(envPrefix + "CONFIG"),
			},
			&cli.StringFlag{
				Name:    "address",
				Usage:   "Listen address, overrides server.address",
				Sources: cli.EnvVars(envPrefix + "ADDRESS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, error",
				Sources: cli.EnvVars(envPrefix + "LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format: json, text, pretty",
				Sources: cli.EnvVars(envPrefix + "LOG_FORMAT"),
			},
			&cli.BoolFlag{
				Name:    "enable-legacy-sse",
				Usage:   "Serve the deprecated HTTP+SSE transport",
				Sources: cli.EnvVars(envPrefix + "ENABLE_LEGACY_SSE"),
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the server (default)",
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: runMigrate,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(_ context.Context, cmd *cli.Command) error {
					_, err := fmt.Fprintf(cmd.Root().Writer, "%s version %s\n", server.DefaultName, server.Version)
					return err
				},
			},
		},
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cli.Command) (*platform.Config, error) {
	cfg := platform.DefaultConfig()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = platform.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	if v := cmd.String("address"); v != "" {
		cfg.Server.Address = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if cmd.IsSet("enable-legacy-sse") {
		cfg.Server.LegacySSE.Enabled = cmd.Bool("enable-legacy-sse")
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = server.Version
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging, logging.WithWriter(cmd.Root().ErrWriter))
	if err != nil {
		return err
	}

	p, err := platform.New(cfg, platform.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	return p.ListenAndServe(ctx)
}

func runMigrate(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging, logging.WithWriter(cmd.Root().ErrWriter))
	if err != nil {
		return err
	}
	st, err := platform.Migrate(cfg, migrate.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	_, err = fmt.Fprintf(cmd.Root().Writer, "schema at version %d\n", st.Version)
	return err
}
