//go:build !gcp

package archive

import (
	"context"
	"fmt"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

func newGCS(context.Context, config.ArchiveConfig) (Archive, error) {
	return nil, fmt.Errorf("archive: gcs backend requires a build with -tags gcp")
}
