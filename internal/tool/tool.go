// Package tool implements the agent's tool surface: declared definitions
// with JSON-schema-shaped parameter specs, and a registry that validates and
// dispatches model-issued calls.
package tool

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/invopop/jsonschema"

	"github.com/querysmith/querysmith/internal/warehouse"
)

var (
	ErrDuplicateTool = errors.New("tool: duplicate tool name")
	// ErrQueryRejected marks SQL refused before execution by the read-only
	// policy. Handlers wrap it with the rejection reason.
	ErrQueryRejected = errors.New("tool: query rejected")
)

// Call is a tool invocation issued by the model.
type Call struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type FailureKind string

const (
	FailureUnknownTool     FailureKind = "unknown_tool"
	FailureSchemaViolation FailureKind = "schema_violation"
	FailureHandlerError    FailureKind = "handler_error"
	FailureQueryRejected   FailureKind = "query_rejected"
	FailureWarehouseError  FailureKind = "warehouse_error"
	FailureTimeout         FailureKind = "timeout"
)

type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	// WarehouseKind is set when Kind is FailureWarehouseError.
	WarehouseKind warehouse.ErrorKind `json:"warehouse_kind,omitempty"`
}

// Result is the outcome of a dispatched call. Exactly one of Content or
// Failure is meaningful.
type Result struct {
	CallID  string   `json:"call_id"`
	Tool    string   `json:"tool"`
	Content string   `json:"content,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func (r Result) OK() bool {
	return r.Failure == nil
}

type Handler func(ctx context.Context, args json.RawMessage) (string, error)

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Params is the parameter spec declared per tool. The same value is
// serialized into the LLM request so the model sees exactly what dispatch
// will enforce.
type Params struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

type Definition struct {
	Name        string
	Description string
	Params      Params
	Handler     Handler
}

// ReflectParams derives a parameter spec from a tool's typed input struct.
func ReflectParams[T any]() Params {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var input T
	schema := reflector.Reflect(input)

	params := Params{Type: "object", Properties: map[string]Property{}, Required: schema.Required}
	if schema.Properties != nil {
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			params.Properties[pair.Key] = Property{
				Type:        pair.Value.Type,
				Description: pair.Value.Description,
			}
		}
	}
	return params
}
