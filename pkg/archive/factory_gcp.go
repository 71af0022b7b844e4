//go:build gcp

package archive

import (
	"context"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

func newGCS(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	return NewGCS(ctx, cfg)
}
