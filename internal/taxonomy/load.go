package taxonomy

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ObjectFetcher reads a whole object from cloud storage.
type ObjectFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Load resolves a table source. An empty source selects the embedded default,
// gs:// URIs are read through objects, anything else is a local path.
func Load(ctx context.Context, source string, objects ObjectFetcher) (*Table, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return Default(), nil
	}

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(source, "gs://") {
		if objects == nil {
			return nil, fmt.Errorf("taxonomy.Load: %s needs a storage client", source)
		}
		data, err = objects.Fetch(ctx, source)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("taxonomy.Load: reading %s: %w", source, err)
	}

	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("taxonomy.Load: %s: %w", source, err)
	}
	return t, nil
}
