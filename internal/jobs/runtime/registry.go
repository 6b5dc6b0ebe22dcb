package runtime

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is surfaced by Yield (and by every engine API call, which all
// yield internally) once a kill has been requested for the instance. The
// payload is expected to let it flow out of Run.
var ErrCancelled = errors.New("cancelled")

// Payload is one runnable application. Implementations see only the Context
// capability surface, never the engine internals.
type Payload interface {
	Run(ctx *Context) error
}

// PayloadFunc adapts a plain function to the Payload interface.
type PayloadFunc func(ctx *Context) error

func (f PayloadFunc) Run(ctx *Context) error { return f(ctx) }

// Registry resolves a JobDefinition's entry point to its Payload. Payloads
// are compiled into the node binary and registered at boot; this is the Go
// rendition of an isolated per-application loader: the lookup key is the
// only coupling between engine and payload.
type Registry struct {
	mu       sync.RWMutex
	payloads map[string]Payload
}

func NewRegistry() *Registry {
	return &Registry{payloads: make(map[string]Payload)}
}

func (r *Registry) Register(entryPoint string, p Payload) error {
	if p == nil {
		return fmt.Errorf("nil payload")
	}
	if entryPoint == "" {
		return fmt.Errorf("empty entry point")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.payloads[entryPoint]; exists {
		return fmt.Errorf("payload already registered for entry_point=%s", entryPoint)
	}
	r.payloads[entryPoint] = p
	return nil
}

func (r *Registry) Get(entryPoint string) (Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payloads[entryPoint]
	return p, ok
}
