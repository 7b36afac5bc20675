package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// ArchiveOptions holds flags for the archive command.
type ArchiveOptions struct {
	*RootOptions
	ProcessingTo string
	BusinessTo   string
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive <entity> <key>",
		Short: "Inactivate a bitemporal entity and archive its closed history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := openRegistry(ctx, cmd, opts.RootOptions)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open registry", err)
			}
			defer reg.Close()

			processingTo, err := parseInstant(opts.ProcessingTo, time.Time{})
			if err != nil {
				return WrapExitError(ExitCommandError, "bad --processing-to", err)
			}
			businessTo, err := parseInstant(opts.BusinessTo, time.Time{})
			if err != nil {
				return WrapExitError(ExitCommandError, "bad --business-to", err)
			}
			info, err := reg.Archive(ctx, args[0], args[1], processingTo, businessTo)
			if err != nil {
				return WrapExitError(ExitFailure, "archive failed", err)
			}
			return emit(cmd, opts.RootOptions, info, func(w io.Writer) {
				fmt.Fprintf(w, "archived %s records to %s\n", info.Metadata["records"], info.Key)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProcessingTo, "processing-to", "", "processing instant closing the history (default now)")
	cmd.Flags().StringVar(&opts.BusinessTo, "business-to", "", "business instant closing open ranges")
	return cmd
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <entity> <key>",
		Short: "Delete every record of an entity, archiving it first when an archive is configured",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := openRegistry(ctx, cmd, rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open registry", err)
			}
			defer reg.Close()

			info, err := reg.Purge(ctx, args[0], args[1])
			if err != nil {
				return WrapExitError(ExitFailure, "purge failed", err)
			}
			return emit(cmd, rootOpts, info, func(w io.Writer) {
				if info.Key == "" {
					fmt.Fprintf(w, "purged %s %s\n", args[0], args[1])
					return
				}
				fmt.Fprintf(w, "purged %s %s, history archived to %s\n", args[0], args[1], info.Key)
			})
		},
	}
}
