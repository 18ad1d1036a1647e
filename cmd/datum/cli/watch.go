package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/faucetdb/datum/internal/datum"
	"github.com/faucetdb/datum/internal/transport"
)

func newWatchCmd(a *app) *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print change events from the event socket",
		Long: `Open the event socket, attach a session and print each change event as a
JSON line until interrupted. Without --session a new session is requested.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, a, types)
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", []string{
		transport.SubscriptionTable,
		transport.SubscriptionColumn,
		transport.SubscriptionRow,
		transport.SubscriptionField,
	}, "subscription types to print")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, a *app, types []string) error {
	a.cfg.Endpoint.Evented = datum.EventedYes
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var mu sync.Mutex
	out := cmd.OutOrStdout()
	for _, t := range types {
		db.Endpoint().OnEvent(t, func(ev transport.Event) {
			mu.Lock()
			defer mu.Unlock()
			if err := printJSON(out, ev); err != nil {
				a.logger.Warn("printing event failed", "error", err)
			}
		})
	}

	if token := a.session(); token != "" {
		if err := db.Endpoint().Attach(ctx, token); err != nil {
			return fmt.Errorf("attach session: %w", err)
		}
	} else if _, err := db.NewSession(ctx); err != nil {
		return err
	}
	a.logger.Info("watching events", "endpoint", db.Endpoint().BaseURL(), "types", types)

	<-ctx.Done()
	return nil
}
