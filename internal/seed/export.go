package seed

import (
	"context"
	"fmt"
	"sort"

	"chronostore/internal/core"
)

// Export writes every persisted record of the named entity types, or of all
// registered types when none are named, to a Parquet file at path. It
// returns the number of rows written.
func Export(ctx context.Context, reg *core.Registry, path string, entities ...string) (int, error) {
	if len(entities) == 0 {
		for _, typ := range reg.Types() {
			entities = append(entities, typ.Name)
		}
	}
	sort.Strings(entities)

	var rows []Row
	for _, entity := range entities {
		if _, ok := reg.Portal(entity); !ok {
			return 0, fmt.Errorf("export %s: entity type not registered", entity)
		}
		recs, err := reg.Store().Load(ctx, entity)
		if err != nil {
			return 0, fmt.Errorf("export %s: %w", entity, err)
		}
		for _, rec := range recs {
			row, err := FromRecord(entity, rec)
			if err != nil {
				return 0, err
			}
			rows = append(rows, row)
		}
	}
	if err := WriteFile(path, rows); err != nil {
		return 0, err
	}
	reg.Logger().Info("seed exported", "path", path, "records", len(rows))
	return len(rows), nil
}
