package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"chronostore/internal/archive"
	"chronostore/internal/behavior"
	"chronostore/internal/core"
	"chronostore/pkg/domain"
)

func findEntity(ctx context.Context, reg *core.Registry, entity, key string) (*behavior.Entity, error) {
	p, ok := reg.Portal(entity)
	if !ok {
		return nil, WrapExitError(ExitCommandError, "unknown entity type", errors.New(entity))
	}
	e, ok := p.Find(ctx, key)
	if !ok {
		return nil, WrapExitError(ExitFailure, "lookup failed", domain.NotFoundError{Entity: entity, Key: key})
	}
	return e, nil
}

// AsOfOptions holds flags for the asof command.
type AsOfOptions struct {
	*RootOptions
	Business   string
	Processing string
}

// NewAsOfCommand creates the asof command.
func NewAsOfCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AsOfOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "asof <entity> <key>",
		Short: "Show the record visible at a business and processing instant",
		Long: `Show the record visible at a business and processing instant.

Instants accept YYYY-MM-DD, RFC 3339 or "infinity". The business date
defaults to now and the processing date to infinity (latest knowledge).
Non-dated entities ignore both.

Examples:
  chronostore asof Balance B1 --business 2020-07-01
  chronostore asof Balance B1 --business 2020-07-01 --processing 2024-01-01T09:00:00Z`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsOf(cmd, opts, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&opts.Business, "business", "", "business instant (default now)")
	cmd.Flags().StringVar(&opts.Processing, "processing", "", "processing instant (default infinity)")
	return cmd
}

func runAsOf(cmd *cobra.Command, opts *AsOfOptions, entity, key string) error {
	ctx := cmd.Context()
	reg, err := openRegistry(ctx, cmd, opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open registry", err)
	}
	defer reg.Close()

	business, err := parseInstant(opts.Business, reg.Coordinator().Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "bad --business", err)
	}
	processing, err := parseInstant(opts.Processing, domain.Infinity)
	if err != nil {
		return WrapExitError(ExitCommandError, "bad --processing", err)
	}
	e, err := findEntity(ctx, reg, entity, key)
	if err != nil {
		return err
	}

	var (
		rec domain.Record
		ok  = true
	)
	if e.Type().Kind.Dated() {
		rec, ok, err = e.AsOf(ctx, business, processing)
	} else {
		rec, err = e.Record(ctx)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "asof failed", err)
	}
	if !ok {
		return WrapExitError(ExitFailure, "asof failed", domain.NotFoundError{Entity: entity, Key: key})
	}
	return emit(cmd, opts.RootOptions, rec, func(w io.Writer) {
		writeRecords(w, []domain.Record{rec})
	})
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Archived bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <entity> <key>",
		Short: "List every stored record of an entity",
		Long: `List every stored record of an entity.

With --archived the records written to the archive store by archive and
purge are listed instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts, args[0], args[1])
		},
	}
	cmd.Flags().BoolVar(&opts.Archived, "archived", false, "read archived history")
	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions, entity, key string) error {
	ctx := cmd.Context()
	reg, err := openRegistry(ctx, cmd, opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open registry", err)
	}
	defer reg.Close()

	var recs []domain.Record
	if opts.Archived {
		recs, err = archivedHistory(ctx, reg.ArchiveStore(), entity, key)
	} else {
		recs, err = liveHistory(ctx, reg, entity, key)
	}
	if err != nil {
		return err
	}
	return emit(cmd, opts.RootOptions, recs, func(w io.Writer) {
		writeRecords(w, recs)
	})
}

func liveHistory(ctx context.Context, reg *core.Registry, entity, key string) ([]domain.Record, error) {
	e, err := findEntity(ctx, reg, entity, key)
	if err != nil {
		return nil, err
	}
	if !e.Type().Kind.Dated() {
		rec, err := e.Record(ctx)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "history failed", err)
		}
		return []domain.Record{rec}, nil
	}
	recs, err := e.History(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "history failed", err)
	}
	return recs, nil
}

func archivedHistory(ctx context.Context, store archive.Store, entity, key string) ([]domain.Record, error) {
	if store == nil {
		return nil, WrapExitError(ExitCommandError, "history failed", core.ErrArchiveDisabled)
	}
	infos, err := archive.ListHistory(ctx, store, entity, key)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "list archive", err)
	}
	var recs []domain.Record
	for _, info := range infos {
		batch, err := archive.ReadHistory(ctx, store, info.Key)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "read archive", err)
		}
		recs = append(recs, batch...)
	}
	return recs, nil
}
