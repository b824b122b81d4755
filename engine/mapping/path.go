// Package mapping implements the batched mapping-path runner and the
// entity-mapping cache layered on the persistence store.
package mapping

import "strings"

// Resource describes the mapping resource a path step calls.
type Resource struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	ClientPath string `json:"client_path,omitempty"`
}

// PathStep is one hop of a mapping path.
type PathStep struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Resource   Resource `json:"resource"`
	InputType  string   `json:"input_ontology_type"`
	OutputType string   `json:"output_ontology_type"`
}

// Path is an ordered sequence of steps translating identifiers from a
// source ontology to a target ontology. A reverse path is the same steps
// walked backwards; downstream code reads IsReverse rather than inspecting
// the path's identity.
type Path struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Steps     []PathStep `json:"steps"`
	IsReverse bool       `json:"is_reverse,omitempty"`
}

// HopCount is the number of hops the path represents, independent of
// direction.
func (p Path) HopCount() int { return len(p.Steps) }

// Ordered returns the steps in execution order.
func (p Path) Ordered() []PathStep {
	if !p.IsReverse {
		return p.Steps
	}
	out := make([]PathStep, len(p.Steps))
	for i, step := range p.Steps {
		out[len(p.Steps)-1-i] = step
	}
	return out
}

// Direction renders the direction label stored with cached mappings.
func (p Path) Direction() string {
	if p.IsReverse {
		return "reverse"
	}
	return "forward"
}

// resourceMatches reports whether the step's resource name or client path
// contains the marker.
func resourceMatches(step PathStep, marker string) bool {
	name := strings.ToLower(step.Resource.Name)
	client := strings.ToLower(step.Resource.ClientPath)
	return strings.Contains(name, marker) || strings.Contains(client, marker)
}
