package engine

import (
	"reflect"
	"testing"
	"time"
)

func TestSanitizeValue(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"string", "P01579", "P01579"},
		{"bool", true, true},
		{"int", 42, 42},
		{"float", 0.85, 0.85},
		{"time becomes RFC3339", ts, "2025-03-14T09:26:53Z"},
		{"slice recurses", []any{"a", 1, ts}, []any{"a", 1, "2025-03-14T09:26:53Z"}},
		{"string slice widens", []string{"x", "y"}, []any{"x", "y"}},
		{"unknown type tagged", make(chan int), "<chan int>"},
		{"func tagged", func() {}, "<func()>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeValue(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("sanitizeValue(%v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeMap(t *testing.T) {
	in := map[string]any{
		"id":     "P01579",
		"nested": map[string]any{"conn": make(chan int), "count": 3},
	}
	got := sanitizeMap(in)

	nested, ok := got["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested = %#v", got["nested"])
	}
	if nested["conn"] != "<chan int>" {
		t.Errorf("conn = %v, want type tag", nested["conn"])
	}
	if nested["count"] != 3 {
		t.Errorf("count = %v", nested["count"])
	}

	if sanitizeMap(nil) != nil {
		t.Error("nil map should stay nil")
	}
}
