// Package tools holds the pre-registered capability table the gateway
// dispatches advertising actions to. Capability implementations live outside
// this module; the gateway only resolves names and invokes handlers.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler implements one capability. The returned value is rendered into task
// artifacts; an error marks the task failed.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Skill describes one registered capability.
type Skill struct {
	ID          string
	Name        string
	Description string

	// RequiresApproval parks invocations behind a human-owned workflow step
	// instead of running the handler synchronously.
	RequiresApproval bool

	// ObjectType/ObjectIDArg, when set, record an object-to-step mapping at
	// step creation time: ObjectIDArg names the argument carrying the domain
	// object id (e.g. "media_buy_id").
	ObjectType  string
	ObjectIDArg string

	Handler Handler
}

// Registry is the function table of registered capabilities. Lookup is
// case-insensitive; registration order is preserved for free-text matching.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	skills map[string]Skill
}

func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds a capability. Re-registering an existing id is an error; the
// table is assembled once at startup.
func (r *Registry) Register(s Skill) error {
	if s.ID == "" {
		return fmt.Errorf("skill id required")
	}
	if s.Handler == nil && !s.RequiresApproval {
		return fmt.Errorf("skill %s: handler required", s.ID)
	}
	key := strings.ToLower(s.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[key]; ok {
		return fmt.Errorf("skill %s already registered", s.ID)
	}
	r.skills[key] = s
	r.order = append(r.order, key)
	return nil
}

// Get returns a capability by id.
func (r *Registry) Get(id string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[strings.ToLower(id)]
	return s, ok
}

// List returns all capabilities in registration order.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]Skill, 0, len(r.order))
	for _, key := range r.order {
		res = append(res, r.skills[key])
	}
	return res
}

// MatchText scans free text for the first registered capability name, in
// registration order, matching case-insensitively as a substring. Which match
// wins when a text mentions several names is ambiguous by nature; first
// registration order is the documented behavior.
func (r *Registry) MatchText(text string) (Skill, bool) {
	lowered := strings.ToLower(text)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.order {
		if strings.Contains(lowered, key) {
			return r.skills[key], true
		}
	}
	return Skill{}, false
}

// Invoke runs a capability handler and converts a panic into an error, so a
// misbehaving handler cannot take down the caller's goroutine.
func Invoke(ctx context.Context, s Skill, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", s.ID, r)
		}
	}()
	return s.Handler(ctx, args)
}
