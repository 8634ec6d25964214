package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
)

// Handler executes one task attempt. The context carries the soft time
// limit; handlers must observe cancellation. The returned value is stored as
// the task result (and passed to the next chain stage).
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Definition declares one task: its home queue, time limits, and retry
// budget. Zero limits fall back to the runtime configuration.
type Definition struct {
	Name        string
	Queue       string
	SoftLimit   time.Duration
	HardLimit   time.Duration
	MaxAttempts int
	RateLimited bool
	Handler     Handler
}

// Registry maps task names to definitions. Registration happens during
// process init and is immutable afterwards; lookups are concurrent.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// MustRegister adds a task definition, panicking on duplicates or missing
// fields. Called from init paths only.
func (r *Registry) MustRegister(def Definition) {
	if def.Name == "" {
		panic("taskqueue: task definition requires a name")
	}
	if def.Handler == nil {
		panic(fmt.Sprintf("taskqueue: task %q requires a handler", def.Name))
	}
	if def.Queue == "" {
		panic(fmt.Sprintf("taskqueue: task %q requires a queue", def.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		panic(fmt.Sprintf("taskqueue: task %q registered twice", def.Name))
	}
	r.defs[def.Name] = def
}

// Lookup resolves a task name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered task names sorted, for startup logging.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invocation is the handler-side view of one envelope: payload decoding,
// identity, and the cross-process result list.
type Invocation struct {
	env    *Envelope
	broker *Broker
	log    *slog.Logger
}

// Decode unmarshals the task payload into v.
func (inv *Invocation) Decode(v any) error {
	if len(inv.env.Payload) == 0 {
		return ferrors.TaskError("task payload is empty").
			WithContext("task", inv.env.Task).Build()
	}
	if err := json.Unmarshal(inv.env.Payload, v); err != nil {
		return ferrors.TaskError("decode task payload").WithCause(err).
			WithContext("task", inv.env.Task).Build()
	}
	return nil
}

// PrevResult unmarshals the upstream chain stage's result into v. Returns
// false when there is no upstream value (head of chain, or the upstream
// stage failed with ignore_result).
func (inv *Invocation) PrevResult(v any) (bool, error) {
	if len(inv.env.PrevResult) == 0 || string(inv.env.PrevResult) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(inv.env.PrevResult, v); err != nil {
		return false, ferrors.TaskError("decode upstream result").WithCause(err).
			WithContext("task", inv.env.Task).Build()
	}
	return true, nil
}

// TaskID returns the envelope id.
func (inv *Invocation) TaskID() string { return inv.env.ID }

// CorrelationID returns the inherited correlation id.
func (inv *Invocation) CorrelationID() string { return inv.env.CorrelationID }

// Attempt returns the 1-based attempt number.
func (inv *Invocation) Attempt() int { return inv.env.Attempt }

// Epoch returns the scenario epoch the envelope was minted under, 0 when the
// submitter did not stamp one.
func (inv *Invocation) Epoch() int64 { return inv.env.Epoch }

// Header returns an envelope header value.
func (inv *Invocation) Header(key string) string { return inv.env.Header(key) }

// Logger returns a logger pre-seeded with task identity fields.
func (inv *Invocation) Logger() *slog.Logger { return inv.log }

// AppendResult pushes an intermediate payload onto the correlation result
// list so a downstream aggregation task can drain it, even across processes.
func (inv *Invocation) AppendResult(ctx context.Context, payload any) error {
	return inv.broker.AppendResult(ctx, inv.env.CorrelationID, payload)
}

// NewTestInvocation builds an Invocation outside a worker loop so handler
// tests can call task functions directly. AppendResult goes through the
// supplied broker.
func NewTestInvocation(env *Envelope, broker *Broker) *Invocation {
	return newInvocation(env, broker, slog.Default())
}

func newInvocation(env *Envelope, broker *Broker, base *slog.Logger) *Invocation {
	log := base.With(
		logfields.Task(env.Task),
		logfields.TaskID(env.ID),
		logfields.Queue(env.Queue),
		logfields.Attempt(env.Attempt),
		logfields.CorrelationID(env.CorrelationID),
	)
	return &Invocation{env: env, broker: broker, log: log}
}
