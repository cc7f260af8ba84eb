// Package driver implements the Driver Registry (spec C6): a name-to-factory
// map resolving a tool binding's driver_kind to a constructed Driver,
// lazily, on first use. It generalizes the teacher's ToolDriver interface
// (pkg/executor/driver.go) from a single MCP implementation to a registry
// of named, independently testable drivers.
package driver

import (
	"context"
	"fmt"
	"sync"
)

// Input is the normalized payload a Driver executes.
type Input struct {
	ConnectorID string
	Verb        string
	Payload     []byte
	TimeoutMs   int64
	Extra       map[string]any
}

// Output is what a Driver returns on a single attempt.
type Output struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// Driver performs one side-effecting call for a resolved tool binding.
type Driver interface {
	Name() string
	Execute(ctx context.Context, in Input) (Output, error)
}

// Factory constructs a Driver, given its static configuration blob (as
// decoded from the tool binding's driver_config, if any).
type Factory func(config map[string]any) (Driver, error)

// Registry maps driver_kind names to factories, constructing and caching
// drivers lazily.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Driver
}

// New returns a Registry seeded with the runtime's built-in drivers.
func New() *Registry {
	r := &Registry{
		factories: map[string]Factory{},
		instances: map[string]Driver{},
	}
	r.Register("noop", newNoopFactory("noop"))
	r.Register("noop_delivery_v0", newNoopFactory("noop_delivery_v0"))
	r.Register("noop_webhook_v0", newNoopFactory("noop_webhook_v0"))
	r.Register("http", newHTTPFactory)
	r.Register("restricted_shell", newRestrictedShellFactory)
	r.Register("http_webhook_delivery_v1", newWebhookFactory)
	return r
}

// Register installs a factory under name, overwriting any prior one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.instances, name)
}

// Resolve returns the driver for name, constructing it on first use via its
// factory and caching the instance.
func (r *Registry) Resolve(name string, config map[string]any) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.instances[name]; ok {
		return d, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("driver: unknown driver_kind %q", name)
	}
	d, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("driver: construct %q: %w", name, err)
	}
	r.instances[name] = d
	return d, nil
}

// noopDriver records nothing and always reports success; it exists to
// exercise the pipeline end-to-end without a real side effect.
type noopDriver struct{ name string }

func newNoopFactory(name string) Factory {
	return func(map[string]any) (Driver, error) { return &noopDriver{name: name}, nil }
}

func (d *noopDriver) Name() string { return d.name }

func (d *noopDriver) Execute(ctx context.Context, in Input) (Output, error) {
	return Output{StatusCode: 200, Body: []byte(`{"noop":true}`)}, nil
}
