package mapping_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/biomapper/strategy-engine/engine/mapping"
)

func intp(v int) *int { return &v }

func spokeStep() mapping.PathStep {
	return mapping.PathStep{
		ID:   "s1",
		Name: "uniprot_to_spoke",
		Resource: mapping.Resource{
			ID:         "r1",
			Name:       "spoke_graph",
			Type:       "graph",
			ClientPath: "clients.spoke_client",
		},
		InputType:  "UNIPROTKB_AC",
		OutputType: "SPOKE_PROTEIN",
	}
}

func ragStep() mapping.PathStep {
	return mapping.PathStep{
		ID:       "s2",
		Name:     "rag_lookup",
		Resource: mapping.Resource{ID: "r2", Name: "rag_store", ClientPath: "clients.rag_client"},
	}
}

func llmStep() mapping.PathStep {
	return mapping.PathStep{
		ID:       "s3",
		Name:     "llm_resolve",
		Resource: mapping.Resource{ID: "r3", Name: "llm_resolver", ClientPath: "clients.llm_client"},
	}
}

func apiStep() mapping.PathStep {
	return mapping.PathStep{
		ID:       "s4",
		Name:     "rest_lookup",
		Resource: mapping.Resource{ID: "r4", Name: "uniprot_rest", ClientPath: "clients.uniprot_client"},
	}
}

func TestDeriveConfidence(t *testing.T) {
	tests := []struct {
		name      string
		hops      *int
		isReverse bool
		steps     []mapping.PathStep
		want      float64
	}{
		{"unknown hop count", nil, false, nil, 0.70},
		{"direct hop", intp(1), false, nil, 0.95},
		{"zero hops treated as direct", intp(0), false, nil, 0.95},
		{"two hops", intp(2), false, nil, 0.85},
		{"three hops", intp(3), false, nil, 0.75},
		{"four hops", intp(4), false, nil, 0.65},
		{"five hops", intp(5), false, nil, 0.55},
		{"long path hits the floor", intp(10), false, nil, 0.15},
		{"reverse penalty", intp(1), true, nil, 0.85},
		{"rag penalty", intp(1), false, []mapping.PathStep{ragStep()}, 0.90},
		{"llm penalty", intp(1), false, []mapping.PathStep{llmStep()}, 0.85},
		{"penalties stack", intp(2), true, []mapping.PathStep{ragStep(), llmStep()}, 0.60},
		{"never below zero", intp(20), true, []mapping.PathStep{ragStep(), llmStep()}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapping.DeriveConfidence(tt.hops, tt.isReverse, tt.steps)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSourceFor(t *testing.T) {
	tests := []struct {
		name  string
		steps []mapping.PathStep
		want  string
	}{
		{"spoke resource", []mapping.PathStep{spokeStep()}, "spoke"},
		{"rag via client path", []mapping.PathStep{ragStep()}, "rag"},
		{"llm resource", []mapping.PathStep{llmStep()}, "llm"},
		{"spoke wins over later rag", []mapping.PathStep{spokeStep(), ragStep()}, "spoke"},
		{"unrecognized falls back to api", []mapping.PathStep{apiStep()}, "api"},
		{"no steps", nil, "api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapping.SourceFor(tt.steps))
		})
	}
}

func TestPathOrderingAndDirection(t *testing.T) {
	p := mapping.Path{
		ID:    "p1",
		Name:  "uniprot_to_arivale",
		Steps: []mapping.PathStep{spokeStep(), ragStep()},
	}
	assert.Equal(t, 2, p.HopCount())
	assert.Equal(t, "forward", p.Direction())
	assert.Equal(t, "s1", p.Ordered()[0].ID)

	rev := p
	rev.IsReverse = true
	assert.Equal(t, "reverse", rev.Direction())
	assert.Equal(t, "s2", rev.Ordered()[0].ID)
	assert.Equal(t, 2, rev.HopCount())
}
