package engine

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParamSchema is a compiled JSON Schema for an action's parameters.
type ParamSchema struct {
	schema *jsonschema.Schema
}

// CompileParamSchema compiles a JSON Schema document for use in a
// Descriptor.
func CompileParamSchema(actionType, schemaJSON string) (*ParamSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, WrapError(KindValidation, fmt.Sprintf("action %q schema is not valid JSON", actionType), err)
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://" + actionType + "/params.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, WrapError(KindValidation, fmt.Sprintf("action %q schema rejected", actionType), err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, WrapError(KindValidation, fmt.Sprintf("action %q schema does not compile", actionType), err)
	}
	return &ParamSchema{schema: schema}, nil
}

// Validate checks params against the schema. Violations are permanent
// validation errors.
func (s *ParamSchema) Validate(params map[string]any) error {
	if s == nil || s.schema == nil {
		return nil
	}
	value := any(params)
	if params == nil {
		value = map[string]any{}
	}
	if err := s.schema.Validate(value); err != nil {
		return WrapError(KindValidation, "step params failed schema validation", err)
	}
	return nil
}
