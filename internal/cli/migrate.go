package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, closeFn, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return write(cmd.OutOrStdout(), opts, map[string]string{"status": "migrated"}, func(w io.Writer) {
				fmt.Fprintln(w, "schema up to date")
			})
		},
	}
}
