package resource

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk resource configuration.
type Document struct {
	Resources []Spec `yaml:"resources"`

	// ActionDependencies maps action types to the resource names they
	// require, driving RequiredResourcesFor.
	ActionDependencies map[string][]string `yaml:"action_dependencies"`
}

// Spec configures one managed resource.
type Spec struct {
	Name                string         `yaml:"name"`
	Type                Type           `yaml:"type"`
	Required            bool           `yaml:"required"`
	AutoStart           bool           `yaml:"auto_start"`
	HealthCheckInterval time.Duration  `yaml:"health_check_interval"`
	MaxRetries          int            `yaml:"max_retries"`
	Config              map[string]any `yaml:"config"`
}

// LoadConfig reads and validates a YAML resource configuration file.
func LoadConfig(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resource config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses a YAML resource configuration document.
func ParseConfig(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse resource config: %w", err)
	}
	seen := make(map[string]bool, len(doc.Resources))
	for i, spec := range doc.Resources {
		if spec.Name == "" {
			return nil, fmt.Errorf("resource %d has no name", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate resource name %q", spec.Name)
		}
		seen[spec.Name] = true
		switch spec.Type {
		case TypeContainerWorkload, TypeVectorStore, TypeExternalHTTPAPI,
			TypeDatabase, TypeFilesystem, TypeCompute:
		default:
			return nil, fmt.Errorf("resource %q has unknown type %q", spec.Name, spec.Type)
		}
	}
	for action, deps := range doc.ActionDependencies {
		for _, dep := range deps {
			if !seen[dep] {
				return nil, fmt.Errorf("action %q depends on undeclared resource %q", action, dep)
			}
		}
	}
	return &doc, nil
}
