package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// StepInput is passed to step handlers.
//
// For Execute, Data holds the step's StepData. For Compensate, Data holds the
// CompensationData returned by the successful Execute.
type StepInput struct {
	TransactionID   string
	SagaID          string
	TransactionType string
	UserID          string
	Amount          int64
	Asset           string
	IdempotencyKey  string
	StepName        string
	StepOrder       int
	Attempt         int
	Generation      int // starts at 0, bumped when a compensated step runs again
	Data            Payload
	Metadata        Payload
}

// DedupeToken returns a token unique to this (transaction, step, generation).
// Side-effecting handlers use it to make repeated deliveries harmless. A step
// that was compensated and then retried gets a new token, so its effect is
// applied again instead of being matched to the undone one.
func (in *StepInput) DedupeToken() string {
	token := in.IdempotencyKey + ":" + in.StepName
	if in.Generation > 0 {
		token += ":g" + strconv.Itoa(in.Generation)
	}
	return token
}

// StepHandler executes and compensates one kind of step.
//
// Handlers are registered by name and referenced from StepDefinition, so a
// job queued before a restart is dispatched to the same code afterwards.
//
// Guidelines for implementing handlers:
//   - Execute must be idempotent per (transaction, step); jobs are delivered at least once
//   - Compensate must be idempotent and tolerate a missing forward effect
//   - Honor ctx; it carries the step timeout
type StepHandler interface {
	// Execute performs the step. The returned payload is stored as the step's
	// compensation data.
	Execute(ctx context.Context, in *StepInput) (Payload, error)

	// Compensate undoes a completed Execute.
	Compensate(ctx context.Context, in *StepInput) error
}

// HandlerFuncs adapts plain functions to StepHandler.
// A nil Compensate is a no-op, for steps without side effects.
type HandlerFuncs struct {
	ExecuteFunc    func(ctx context.Context, in *StepInput) (Payload, error)
	CompensateFunc func(ctx context.Context, in *StepInput) error
}

// Execute calls ExecuteFunc.
func (h HandlerFuncs) Execute(ctx context.Context, in *StepInput) (Payload, error) {
	if h.ExecuteFunc == nil {
		return nil, nil
	}
	return h.ExecuteFunc(ctx, in)
}

// Compensate calls CompensateFunc.
func (h HandlerFuncs) Compensate(ctx context.Context, in *StepInput) error {
	if h.CompensateFunc == nil {
		return nil
	}
	return h.CompensateFunc(ctx, in)
}

// TypedHandler is a generic StepHandler that decodes step data into T.
//
// Example:
//
//	type ChainReceipt struct {
//	    TxHash string `json:"tx_hash"`
//	}
//
//	h := saga.NewTypedHandler(
//	    func(ctx context.Context, in *saga.StepInput, _ struct{}) (ChainReceipt, error) {
//	        return chain.Submit(ctx, in.DedupeToken(), in.Amount)
//	    },
//	    func(ctx context.Context, in *saga.StepInput, r ChainReceipt) error {
//	        return chain.Revert(ctx, r.TxHash)
//	    },
//	)
type TypedHandler[In, Out any] struct {
	execute    func(ctx context.Context, in *StepInput, data In) (Out, error)
	compensate func(ctx context.Context, in *StepInput, data Out) error
}

// NewTypedHandler creates a type-safe handler.
//
// The step data is decoded into In before execute runs; the result of execute
// is stored as compensation data and decoded into Out before compensate runs.
func NewTypedHandler[In, Out any](
	execute func(ctx context.Context, in *StepInput, data In) (Out, error),
	compensate func(ctx context.Context, in *StepInput, data Out) error,
) *TypedHandler[In, Out] {
	return &TypedHandler[In, Out]{execute: execute, compensate: compensate}
}

// Execute decodes the step data and runs the typed execute function.
func (h *TypedHandler[In, Out]) Execute(ctx context.Context, in *StepInput) (Payload, error) {
	data, err := convertPayload[In](in.Data)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", in.StepName, err)
	}
	out, err := h.execute(ctx, in, data)
	if err != nil {
		return nil, err
	}
	return toPayload(out)
}

// Compensate decodes the compensation data and runs the typed compensate function.
func (h *TypedHandler[In, Out]) Compensate(ctx context.Context, in *StepInput) error {
	if h.compensate == nil {
		return nil
	}
	data, err := convertPayload[Out](in.Data)
	if err != nil {
		return fmt.Errorf("step %s compensate: %w", in.StepName, err)
	}
	return h.compensate(ctx, in, data)
}

// convertPayload decodes a payload into T through JSON, so payloads read back
// from any store (where numbers may have become float64) decode the same way.
func convertPayload[T any](p Payload) (T, error) {
	var zero T
	if len(p) == 0 {
		return zero, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return zero, fmt.Errorf("encode payload: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		// toPayload keeps scalars and slices under "value".
		if v, ok := p[scalarKey]; ok && len(p) == 1 {
			if raw, err = json.Marshal(v); err == nil {
				if err = json.Unmarshal(raw, &out); err == nil {
					return out, nil
				}
			}
		}
		return zero, fmt.Errorf("cannot convert payload to %T: %w", zero, err)
	}
	return out, nil
}

const scalarKey = "value"


func toPayload(v any) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		// Scalars and slices are kept under a single key.
		return Payload{scalarKey: v}, nil
	}
	return p, nil
}

// StepDefinition is the static description of one step of a saga type.
type StepDefinition struct {
	Name                string
	Order               int
	Handler             string // name of the StepHandler whose Execute runs the step
	CompensationHandler string // name of the StepHandler whose Compensate undoes it
	Timeout             time.Duration
	Retryable           bool
	MaxRetries          int
	Backoff             BackoffStrategy // nil uses the executor default
}

// MaxAttempts returns the number of forward attempts allowed for the step.
func (d StepDefinition) MaxAttempts() int {
	if !d.Retryable {
		return 1
	}
	return d.MaxRetries + 1
}

// Definition maps a transaction type to its ordered steps.
type Definition struct {
	TransactionType string
	Steps           []StepDefinition
}

// Step returns the definition of the named step.
func (d *Definition) Step(name string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Registry holds saga definitions and step handlers.
//
// A Registry is an explicit configuration object: it is built once, injected
// into NewOrchestrator, and safe for concurrent reads afterwards.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	handlers    map[string]StepHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
		handlers:    make(map[string]StepHandler),
	}
}

// RegisterDefinition registers the ordered steps for a transaction type.
//
// Steps are sorted by Order, which must form the contiguous sequence 1..N.
// Step names must be unique within the definition.
func (r *Registry) RegisterDefinition(transactionType string, steps []StepDefinition) error {
	if transactionType == "" {
		return fmt.Errorf("transaction type is required")
	}
	if len(steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	sorted := make([]StepDefinition, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	names := make(map[string]struct{}, len(sorted))
	for i, s := range sorted {
		if s.Name == "" {
			return fmt.Errorf("step %d: name is required", i+1)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate step name: %s", s.Name)
		}
		names[s.Name] = struct{}{}
		if s.Order != i+1 {
			return fmt.Errorf("step %s: order %d breaks the sequence 1..%d", s.Name, s.Order, len(sorted))
		}
		if s.Handler == "" {
			return fmt.Errorf("step %s: handler is required", s.Name)
		}
		if s.CompensationHandler == "" {
			return fmt.Errorf("step %s: compensation handler is required", s.Name)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("step %s: negative timeout", s.Name)
		}
		if s.MaxRetries < 0 {
			return fmt.Errorf("step %s: negative max retries", s.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[transactionType]; exists {
		return fmt.Errorf("definition already registered: %s", transactionType)
	}
	r.definitions[transactionType] = &Definition{
		TransactionType: transactionType,
		Steps:           sorted,
	}
	return nil
}

// Definition returns the definition for a transaction type.
func (r *Registry) Definition(transactionType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[transactionType]
	if !ok {
		return nil, notFound("saga definition", transactionType)
	}
	return def, nil
}

// Types returns the registered transaction types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterHandler registers a step handler under a name. Registering the same
// name twice replaces the handler.
func (r *Registry) RegisterHandler(name string, h StepHandler) {
	if name == "" || h == nil {
		panic("saga: RegisterHandler requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Handler resolves a handler by name.
func (r *Registry) Handler(name string) (StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, notFound("step handler", name)
	}
	return h, nil
}

// Validate checks that every handler referenced by a definition is registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, def := range r.definitions {
		for _, s := range def.Steps {
			if _, ok := r.handlers[s.Handler]; !ok {
				return fmt.Errorf("%s/%s: unknown handler %q", def.TransactionType, s.Name, s.Handler)
			}
			if _, ok := r.handlers[s.CompensationHandler]; !ok {
				return fmt.Errorf("%s/%s: unknown compensation handler %q", def.TransactionType, s.Name, s.CompensationHandler)
			}
		}
	}
	return nil
}

// Compile-time checks
var (
	_ StepHandler = HandlerFuncs{}
	_ StepHandler = (*TypedHandler[any, any])(nil)
)
