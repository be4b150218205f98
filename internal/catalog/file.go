package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gitmemory/conncore/internal/transport"
)

// FileSource loads descriptors from a YAML file of the form:
//
//	endpoints:
//	  - id: svc-a
//	    endpoint: wss://a.example.com/ws
//	    protocol: websocket
//	    weight: 2
type FileSource struct {
	Path string
}

type fileCatalog struct {
	Endpoints []transport.Descriptor `yaml:"endpoints"`
}

// Descriptors reads and validates the endpoint list.
func (s FileSource) Descriptors(ctx context.Context) ([]transport.Descriptor, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	// Expand ${VAR} environment variables, same as the config loader
	expanded := os.ExpandEnv(string(data))

	var cat fileCatalog
	if err := yaml.Unmarshal([]byte(expanded), &cat); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}

	if err := validate(cat.Endpoints); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", s.Path, err)
	}
	return cat.Endpoints, nil
}
