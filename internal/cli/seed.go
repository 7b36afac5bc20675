package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"chronostore/internal/seed"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.parquet>...",
		Short: "Import records from Parquet seed files",
		Long: `Import records from Parquet seed files.

Rows keep their business and processing ranges and are inserted through
the recovery path, so overlapping rows are rejected.

Examples:
  chronostore seed --config chronostore.yaml balances.parquet accounts.parquet`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), cmd, rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open registry", err)
			}
			defer reg.Close()

			res, err := seed.Import(cmd.Context(), reg, args...)
			if err != nil {
				return WrapExitError(ExitFailure, "seed failed", err)
			}
			return emit(cmd, rootOpts, res, func(w io.Writer) {
				fmt.Fprintf(w, "imported %d record(s) from %d file(s)\n", res.Records, res.Files)
				names := make([]string, 0, len(res.Entities))
				for name := range res.Entities {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(w, "  %s: %d\n", name, res.Entities[name])
				}
			})
		},
	}
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Entities []string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <file.parquet>",
		Short: "Export persisted records to a Parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), cmd, opts.RootOptions)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open registry", err)
			}
			defer reg.Close()

			n, err := seed.Export(cmd.Context(), reg, args[0], opts.Entities...)
			if err != nil {
				return WrapExitError(ExitFailure, "export failed", err)
			}
			data := map[string]any{"path": args[0], "records": n}
			return emit(cmd, opts.RootOptions, data, func(w io.Writer) {
				fmt.Fprintf(w, "exported %d record(s) to %s\n", n, args[0])
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Entities, "entity", nil, "entity types to export (default all)")
	return cmd
}
