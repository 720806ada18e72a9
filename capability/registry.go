// Package capability defines the uniform contract between the
// orchestration core and the external agent capabilities that perform
// the actual research work, plus the registry and timeout-enforcing
// invoker the stage executor calls through.
package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/researchflow/types"
)

// Document is the structured input/output payload exchanged with an
// agent capability. The core never interprets its contents.
type Document map[string]any

// Capability is a named, versioned agent function. Implementations
// live outside the core; the orchestrator is agnostic to what they
// compute.
type Capability interface {
	// Name returns the capability name stages resolve against.
	Name() string
	// Version identifies the capability revision for diagnostics.
	Version() string
	// Invoke performs the work. It should honor ctx cancellation, but
	// the invoker enforces the wall-clock timeout regardless.
	Invoke(ctx context.Context, input Document) (Document, error)
}

// Registry resolves capability names to implementations. Stages name
// capabilities as strings; there is no runtime reflection involved.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds or replaces a capability by name.
func (r *Registry) Register(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[cap.Name()] = cap
}

// Resolve returns the capability registered under name.
func (r *Registry) Resolve(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("capability not registered: %s", name)
	}
	return cap, nil
}

// Verify reports an error naming every capability in names that is
// not registered. It is meant to run once at startup so a missing
// agent surfaces before the first job rather than mid-pipeline.
func (r *Registry) Verify(names ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, name := range names {
		if _, ok := r.caps[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return types.NewError(types.ErrAgentNotFound, "capabilities not registered: "+strings.Join(missing, ", "))
	}
	return nil
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FuncCapability wraps a plain function as a Capability.
type FuncCapability struct {
	name    string
	version string
	fn      func(ctx context.Context, input Document) (Document, error)
}

// NewFuncCapability creates a function-backed capability.
func NewFuncCapability(name, version string, fn func(ctx context.Context, input Document) (Document, error)) *FuncCapability {
	return &FuncCapability{name: name, version: version, fn: fn}
}

func (c *FuncCapability) Name() string    { return c.name }
func (c *FuncCapability) Version() string { return c.version }
func (c *FuncCapability) Invoke(ctx context.Context, input Document) (Document, error) {
	return c.fn(ctx, input)
}
