package archive

import (
	"context"
	"fmt"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

// New picks the backend named by config. "fs" is the default.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	switch cfg.Backend {
	case "", "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFS(dir)
	case "s3":
		return NewS3(ctx, cfg)
	case "gcs":
		return newGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}
