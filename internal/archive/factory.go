package archive

import (
	"context"
	"fmt"

	"chronostore/internal/infra/archive/fs"
	"chronostore/internal/infra/archive/memory"
	"chronostore/internal/infra/archive/s3"
)

// S3Config configures the S3 backend.
type S3Config = s3.Config

// Config selects and configures an archive backend.
type Config struct {
	Driver Driver
	// FSRoot is the directory root when Driver is fs (default ./archive).
	FSRoot string
	S3     S3Config
}

// Open returns the Store selected by cfg. An empty driver selects fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}
