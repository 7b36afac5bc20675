package seed

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"chronostore/internal/core"
)

// maxParallelReads bounds concurrent file decoding.
const maxParallelReads = 4

// Result summarizes an import.
type Result struct {
	Files    int
	Records  int
	Entities map[string]int
}

// Import decodes the seed files concurrently and inserts every row through
// InsertForRecovery of the portal registered for its entity. Rows are
// applied in entity, key and range order. A failing row stops the import;
// rows applied before it stay persisted.
func Import(ctx context.Context, reg *core.Registry, paths ...string) (Result, error) {
	batches := make([][]Row, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := ReadFile(path)
			if err != nil {
				return err
			}
			batches[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var rows []Row
	for _, batch := range batches {
		rows = append(rows, batch...)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if a.BusinessFrom != b.BusinessFrom {
			return a.BusinessFrom < b.BusinessFrom
		}
		return a.ProcessingFrom < b.ProcessingFrom
	})

	res := Result{Files: len(paths), Entities: make(map[string]int)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := apply(ctx, reg, row); err != nil {
			return res, err
		}
		res.Records++
		res.Entities[row.Entity]++
	}
	reg.Logger().Info("seed imported", "files", res.Files, "records", res.Records)
	return res, nil
}

func apply(ctx context.Context, reg *core.Registry, row Row) error {
	p, ok := reg.Portal(row.Entity)
	if !ok {
		return fmt.Errorf("seed row %s %s: entity type not registered", row.Entity, row.Key)
	}
	rec, err := row.Record()
	if err != nil {
		return err
	}
	e, ok := p.Find(ctx, row.Key)
	if !ok {
		if p.Type().Kind.Dated() {
			e = p.NewDated(rec.Key, rec.Business.From, nil)
		} else {
			e = p.New(rec.Key, nil)
		}
	}
	if err := e.InsertForRecovery(ctx, rec); err != nil {
		return fmt.Errorf("seed row %s %s: %w", row.Entity, row.Key, err)
	}
	return nil
}
