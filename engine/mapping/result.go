package mapping

import "time"

// ResultStatus is the per-identifier outcome of a path execution.
type ResultStatus string

const (
	StatusSuccess        ResultStatus = "success"
	StatusNoMappingFound ResultStatus = "no_mapping_found"
	StatusSkipped        ResultStatus = "skipped"
	StatusExecutionError ResultStatus = "execution_error"
)

// Provenance records one step's contribution to a mapping result.
type Provenance struct {
	StepID             string        `json:"step_id"`
	StepName           string        `json:"step_name"`
	ResourceID         string        `json:"resource_id"`
	ResourceName       string        `json:"resource_name"`
	InputIDs           []string      `json:"input_ids"`
	OutputIDs          []string      `json:"output_ids"`
	ResolvedHistorical bool          `json:"resolved_historical"`
	Duration           time.Duration `json:"duration_ns"`
}

// Result is one input identifier's mapping outcome.
type Result struct {
	SourceIdentifier   string         `json:"source_identifier"`
	TargetIdentifiers  []string       `json:"target_identifiers,omitempty"`
	MappedValue        string         `json:"mapped_value,omitempty"`
	Status             ResultStatus   `json:"status"`
	Message            string         `json:"message,omitempty"`
	ConfidenceScore    float64        `json:"confidence_score"`
	HopCount           int            `json:"hop_count"`
	MappingDirection   string         `json:"mapping_direction"`
	MappingPathDetails map[string]any `json:"mapping_path_details,omitempty"`
	MappingSource      string         `json:"mapping_source,omitempty"`
	ErrorDetails       string         `json:"error_details,omitempty"`
	Cached             bool           `json:"cached,omitempty"`
	Provenance         []Provenance   `json:"provenance,omitempty"`
}

// PathMetrics summarizes one path execution for the caller.
type PathMetrics struct {
	TotalDuration time.Duration
	SuccessCount  int
	ErrorCount    int
	FilteredCount int
	MissingIDs    []string
	BatchCount    int
}
