package core

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"chronostore/internal/archive"
	"chronostore/internal/infra/persistence/badger"
	"chronostore/internal/infra/persistence/memory"
	"chronostore/internal/infra/persistence/postgres"
	"chronostore/internal/infra/persistence/sqlite"
	"chronostore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBadger   StorageDriver = "badger"   // embedded badger key-value store
)

// PersistentStore is the durable backend contract.
type PersistentStore = domain.PersistentStore

// OpenPersistentStore opens the backend selected by cfg. An empty driver
// selects memory.
func OpenPersistentStore(cfg StorageConfig) (PersistentStore, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageMemory
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(cfg.PostgresDSN)
	case StorageBadger:
		return badger.NewStore(cfg.BadgerPath)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// OpenArchive opens the archive store selected by cfg. An empty or "none"
// driver disables archiving and returns nil.
func OpenArchive(ctx context.Context, cfg ArchiveConfig) (archive.Store, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	}
	return archive.Open(ctx, archive.Config{
		Driver: archive.Driver(cfg.Driver),
		FSRoot: cfg.FSRoot,
		S3: archive.S3Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		},
	})
}

// OpenMetricsRecorder builds the recorder selected by cfg. Prometheus
// collectors are registered on reg, or on the default registerer when reg is
// nil.
func OpenMetricsRecorder(cfg MetricsConfig, reg prometheus.Registerer) (MetricsRecorder, error) {
	switch cfg.Driver {
	case "", "none":
		return noopMetricsRecorder{}, nil
	case "expvar":
		return NewExpvarMetricsRecorder(""), nil
	case "prometheus":
		rec, err := NewPrometheusMetricsRecorder(reg, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown metrics driver %s", cfg.Driver)
	}
}
