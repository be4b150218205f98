// Package catalog supplies the endpoint descriptors the connection core
// manages. Descriptors come from either a YAML file or a Postgres table;
// both sources are read-only from the core's point of view.
package catalog

import (
	"context"
	"fmt"

	"github.com/gitmemory/conncore/internal/transport"
)

// Source yields the endpoint descriptors to manage.
type Source interface {
	Descriptors(ctx context.Context) ([]transport.Descriptor, error)
}

// validate rejects descriptors the manager could never register.
func validate(descs []transport.Descriptor) error {
	seen := make(map[string]struct{}, len(descs))
	for i, d := range descs {
		if d.ID == "" {
			return fmt.Errorf("endpoint %d: id is required", i)
		}
		if d.Endpoint == "" {
			return fmt.Errorf("endpoint %q: endpoint address is required", d.ID)
		}
		if d.ProtocolKind == "" {
			return fmt.Errorf("endpoint %q: protocol is required", d.ID)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("endpoint %q: duplicate id", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}
