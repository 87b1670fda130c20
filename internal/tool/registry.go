package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/querysmith/querysmith/internal/observability"
	"github.com/querysmith/querysmith/internal/warehouse"
)

// Registry holds the tool definitions the model may call. Dispatch never
// returns a Go error or panics past this boundary: every outcome is a Result.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]Definition
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{defs: make(map[string]Definition), logger: logger}
}

func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Definitions returns all registered tools sorted by name, for serialization
// into LLM requests.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Dispatch(ctx context.Context, call Call) Result {
	start := time.Now()
	result := r.dispatch(ctx, call)

	outcome := "ok"
	if result.Failure != nil {
		outcome = string(result.Failure.Kind)
	}
	observability.ObserveToolDispatch(call.Name, outcome, time.Since(start))
	r.logger.InfoContext(ctx, "tool_dispatch",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.String("outcome", outcome),
		slog.String("duration", time.Since(start).String()),
	)
	return result
}

func (r *Registry) dispatch(ctx context.Context, call Call) (result Result) {
	result = Result{CallID: call.ID, Tool: call.Name}

	r.mu.RLock()
	def, exists := r.defs[call.Name]
	r.mu.RUnlock()
	if !exists {
		result.Failure = &Failure{Kind: FailureUnknownTool, Message: fmt.Sprintf("unknown tool %q", call.Name)}
		return result
	}

	if err := validateArgs(def.Params, call.Args); err != nil {
		result.Failure = &Failure{Kind: FailureSchemaViolation, Message: err.Error()}
		return result
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result.Content = ""
			result.Failure = &Failure{Kind: FailureHandlerError, Message: fmt.Sprintf("tool %q panicked: %v", call.Name, recovered)}
		}
	}()

	content, err := def.Handler(ctx, call.Args)
	if err != nil {
		result.Failure = classifyHandlerError(err)
		return result
	}
	result.Content = content
	return result
}

func classifyHandlerError(err error) *Failure {
	var whErr *warehouse.Error
	switch {
	case errors.As(err, &whErr):
		return &Failure{Kind: FailureWarehouseError, Message: whErr.Message, WarehouseKind: whErr.Kind}
	case errors.Is(err, ErrQueryRejected):
		return &Failure{Kind: FailureQueryRejected, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: FailureTimeout, Message: err.Error()}
	default:
		return &Failure{Kind: FailureHandlerError, Message: err.Error()}
	}
}

func validateArgs(params Params, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	for _, key := range params.Required {
		if _, present := decoded[key]; !present {
			return fmt.Errorf("missing required argument %q", key)
		}
	}
	for key, value := range decoded {
		property, declared := params.Properties[key]
		if !declared {
			return fmt.Errorf("unexpected argument %q", key)
		}
		if err := checkType(key, property.Type, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(key, declared string, value any) error {
	if value == nil {
		return nil
	}
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("argument %q must be a string", key)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("argument %q must be a boolean", key)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("argument %q must be a number", key)
		}
	case "integer":
		number, ok := value.(float64)
		if !ok || number != math.Trunc(number) {
			return fmt.Errorf("argument %q must be an integer", key)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("argument %q must be an array", key)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("argument %q must be an object", key)
		}
	}
	return nil
}
