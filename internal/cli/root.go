// Package cli implements standingctl, which runs the batch operations of
// the standing booking service once and exits.  External schedulers (cron,
// Kubernetes CronJobs) call it to keep the rolling window materialized.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iliyamo/gym-standing-booking/internal/app"
	"github.com/iliyamo/gym-standing-booking/internal/config"
	"github.com/iliyamo/gym-standing-booking/internal/database"
	"github.com/iliyamo/gym-standing-booking/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
}

var validFormats = []string{"json", "text"}

// NewRootCommand creates the standingctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "standingctl",
		Short:         "Run standing booking batch operations",
		Long:          "Materializes standing bookings and maintains the session window. Every command is idempotent and safe to re-run.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "json", "output format (json|text)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newMaterializeCommand(opts))
	cmd.AddCommand(newSessionsCommand(opts))
	return cmd
}

// openApp loads configuration, opens and migrates the store and wires the
// application.  The returned func closes the store.
func openApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.LoadBatch()
	logging.Init(cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.OpenConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return app.New(cfg, db, app.Publisher(cfg)), func() { _ = db.Close() }, nil
}

// write prints v as indented JSON, or through text when the text format is
// selected.
func write(w io.Writer, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "text" {
		text(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
