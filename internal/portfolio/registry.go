package portfolio

import (
	"encoding/json"
	"fmt"
	"sort"

	"FortyAcres/internal/state"
)

// Call is one operation executed on behalf of an account.
type Call struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Handler executes one named operation. env's sender is the account.
type Handler interface {
	Handle(env *state.Env, acct *Account, args json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(env *state.Env, acct *Account, args json.RawMessage) (any, error)

func (f HandlerFunc) Handle(env *state.Env, acct *Account, args json.RawMessage) (any, error) {
	return f(env, acct, args)
}

// Registry maps operation names to handlers. It is wiring, not state: it
// is built once at startup and never changes inside a transition.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(op string, h Handler) error {
	if _, ok := r.handlers[op]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, op)
	}
	r.handlers[op] = h
	return nil
}

func (r *Registry) Lookup(op string) (Handler, error) {
	h, ok := r.handlers[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return h, nil
}

// Operations lists the registered operation names in sorted order.
func (r *Registry) Operations() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing arguments", ErrMalformedArgs)
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedArgs, err)
	}
	return nil
}
