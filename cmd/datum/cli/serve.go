package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/faucetdb/datum/internal/endpoint"
)

func newServeCmd(a *app) *cobra.Command {
	var attach map[string]string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a development endpoint",
		Long: `Serve the relations, rows and functions of a SQL database as a datum
endpoint, with session cookies and an event socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("attach") {
				a.cfg.Server.Attach = attach
			}
			return runServe(cmd.Context(), a)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "127.0.0.1", "HTTP listen host")
	cmd.Flags().String("driver", "sqlite", "database driver: sqlite, postgres, mysql or sqlserver")
	cmd.Flags().String("dsn", "", "database connection string")
	cmd.Flags().String("base-path", "", "path the endpoint is served under")
	cmd.Flags().StringToStringVar(&attach, "attach", nil, "attach SQLite databases as schemas, schema=path (sqlite only)")

	a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	a.v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	a.v.BindPFlag("server.driver", cmd.Flags().Lookup("driver"))
	a.v.BindPFlag("server.dsn", cmd.Flags().Lookup("dsn"))
	a.v.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))

	return cmd
}

func runServe(ctx context.Context, a *app) error {
	cfg, err := a.cfg.Server.Endpoint()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := endpoint.Open(ctx, cfg, a.logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "→ Listening on http://%s:%d%s\n", cfg.Host, cfg.Port, cfg.BasePath)
	fmt.Fprintf(os.Stderr, "→ Events:     ws://%s:%d%s/event\n", cfg.Host, cfg.Port, cfg.BasePath)
	fmt.Fprintf(os.Stderr, "→ Health:     http://%s:%d/healthz\n", cfg.Host, cfg.Port)
	fmt.Fprintf(os.Stderr, "→ Driver:     %s\n", cfg.Driver)

	return srv.ListenAndServe(ctx)
}
