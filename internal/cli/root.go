// Package cli implements the chronostore command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"chronostore/internal/core"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	config *core.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chronostore",
		Short: "Bitemporal entity store",
		Long:  "Seed, export, query and archive bitemporal entity history.",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := core.LoadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.Verbose {
				cfg.Log.Level = "debug"
			}
			opts.config = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewAsOfCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

// openRegistry builds a registry from the loaded configuration, registers
// the configured entity types and warms it from the persistent store.
func openRegistry(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*core.Registry, error) {
	cfg := opts.config
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	types := cfg.EntityTypes()
	if len(types) == 0 {
		return nil, errors.New("no entity types configured")
	}
	logger := core.NewLogger(cfg.Log, cmd.ErrOrStderr())

	store, err := core.OpenPersistentStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	arch, err := core.OpenArchive(ctx, cfg.Archive)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	metrics, err := core.OpenMetricsRecorder(cfg.Metrics, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	options := []core.Option{
		core.WithLogger(logger),
		core.WithAuditRecorder(core.NewLogAuditRecorder(logger)),
		core.WithMetricsRecorder(metrics),
		core.WithArchive(arch),
	}
	if cfg.CircuitBreaker.Enabled {
		options = append(options, core.WithCircuitBreaker(cfg.CircuitBreaker.Settings()))
	}
	reg, err := core.NewRegistry(store, options...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, typ := range types {
		if _, err := reg.Register(typ); err != nil {
			_ = reg.Close()
			return nil, err
		}
	}
	if _, err := reg.Warm(ctx); err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("warm: %w", err)
	}
	return reg, nil
}
