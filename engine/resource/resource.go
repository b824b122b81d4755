// Package resource manages the external dependencies (databases, vector
// stores, HTTP APIs, containers) whose availability gates strategy
// execution: health probing, auto-start, and background supervision.
package resource

import "time"

// Type classifies a managed resource.
type Type string

const (
	TypeContainerWorkload Type = "container"
	TypeVectorStore       Type = "vector_store"
	TypeExternalHTTPAPI   Type = "http_api"
	TypeDatabase          Type = "database"
	TypeFilesystem        Type = "filesystem"
	TypeCompute           Type = "compute"
)

// Status is a resource's observed health.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
	StatusStarting    Status = "starting"
	StatusStopping    Status = "stopping"
	StatusUnknown     Status = "unknown"
)

// Usable reports whether a resource in this status may gate a job through.
// Degraded is permitted; callers log it as a warning.
func (s Status) Usable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// ManagedResource is one external dependency under the manager's care.
type ManagedResource struct {
	Name                string         `json:"name"`
	Type                Type           `json:"type"`
	Config              map[string]any `json:"config,omitempty"`
	Required            bool           `json:"required"`
	AutoStart           bool           `json:"auto_start"`
	HealthCheckInterval time.Duration  `json:"health_check_interval"`
	MaxRetries          int            `json:"max_retries"`
	Status              Status         `json:"status"`
	LastCheck           *time.Time     `json:"last_check,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}
