package gateway

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ParamType is the JSON type of a method parameter
type ParamType string

const (
	ParamString ParamType = "string"
	ParamAmount ParamType = "amount"
)

// ParamSpec describes one method parameter
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
}

// MethodSpec describes the parameters of one method. Message is reported when
// validation fails.
type MethodSpec struct {
	Params  []ParamSpec
	Message string
}

// ParamValidator checks request params against per-method JSON Schemas.
// Required strings must contain a non-whitespace character and amounts must
// be positive numbers.
type ParamValidator struct {
	schemas  map[string]*gojsonschema.Schema
	messages map[string]string
}

// NewParamValidator compiles a schema for every method in specs
func NewParamValidator(specs map[string]MethodSpec) (*ParamValidator, error) {
	v := &ParamValidator{
		schemas:  make(map[string]*gojsonschema.Schema, len(specs)),
		messages: make(map[string]string, len(specs)),
	}

	for method, spec := range specs {
		schema, err := compileSchema(spec)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", method, err)
		}
		method = CanonicalMethod(method)
		v.schemas[method] = schema
		v.messages[method] = spec.Message
	}
	return v, nil
}

func compileSchema(spec MethodSpec) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(spec.Params))
	required := []string{}

	for _, param := range spec.Params {
		switch param.Type {
		case ParamString:
			properties[param.Name] = map[string]interface{}{
				"type":    "string",
				"pattern": `\S`,
			}
		case ParamAmount:
			properties[param.Name] = map[string]interface{}{
				"type":             "number",
				"exclusiveMinimum": 0,
			}
		default:
			return nil, fmt.Errorf("unknown param type %q", param.Type)
		}
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// Validate returns an InvalidParams error if params do not satisfy the method's
// schema. Methods without a schema always pass.
func (v *ParamValidator) Validate(method string, params map[string]interface{}) *RPCError {
	method = CanonicalMethod(method)
	schema, ok := v.schemas[method]
	if !ok {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: v.message(method), Data: err.Error()}
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		details = append(details, resultErr.String())
	}
	return &RPCError{Code: InvalidParams, Message: v.message(method), Data: details}
}

func (v *ParamValidator) message(method string) string {
	if msg := v.messages[method]; msg != "" {
		return msg
	}
	return "Invalid params"
}
