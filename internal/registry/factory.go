package registry

import (
	"context"
	"strings"
)

// NewStore picks a backend by configuration: postgres when a database URL
// is set, a JSON file when a path is set, otherwise the no-op store.
func NewStore(ctx context.Context, databaseURL, filePath, profileKey string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL, profileKey)
	}
	if strings.TrimSpace(filePath) != "" {
		return NewFileStore(filePath)
	}
	return NewNoopStore(), nil
}
