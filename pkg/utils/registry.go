package utils

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Component is the lifecycle surface every pluggable core component exposes.
type Component interface {
	Name() string
	Dependencies() []string
	Start(ctx context.Context) error
	Stop() error
	Health() (HealthStatus, string)
}

// ComponentRegistry starts components in dependency order and stops them in
// reverse. A dependency cycle is a startup-time error.
type ComponentRegistry struct {
	components map[string]Component
	startOrder []string
	started    bool
	mu         sync.Mutex
}

func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{
		components: make(map[string]Component),
	}
}

func (cr *ComponentRegistry) Register(c Component) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if cr.started {
		return fmt.Errorf("cannot register %s: registry already started", c.Name())
	}
	if _, exists := cr.components[c.Name()]; exists {
		return fmt.Errorf("component %s already registered", c.Name())
	}

	cr.components[c.Name()] = c
	return nil
}

// StartAll resolves a topological order over declared dependencies and
// starts each component. Missing or circular dependencies fail the whole
// startup before any component runs.
func (cr *ComponentRegistry) StartAll(ctx context.Context) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	order, err := cr.resolveOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		log.Printf("🧩 Starting component: %s", name)
		if err := cr.components[name].Start(ctx); err != nil {
			// Roll back the ones already running.
			for i := len(cr.startOrder) - 1; i >= 0; i-- {
				cr.components[cr.startOrder[i]].Stop()
			}
			cr.startOrder = nil
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		cr.startOrder = append(cr.startOrder, name)
	}

	cr.started = true
	return nil
}

func (cr *ComponentRegistry) StopAll() {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	for i := len(cr.startOrder) - 1; i >= 0; i-- {
		name := cr.startOrder[i]
		log.Printf("🧩 Stopping component: %s", name)
		if err := cr.components[name].Stop(); err != nil {
			log.Printf("⚠️  Component %s stop failed: %v", name, err)
		}
	}
	cr.startOrder = nil
	cr.started = false
}

// StartOrder returns the resolved order after a successful StartAll.
func (cr *ComponentRegistry) StartOrder() []string {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	order := make([]string, len(cr.startOrder))
	copy(order, cr.startOrder)
	return order
}

func (cr *ComponentRegistry) resolveOrder() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make(map[string]int, len(cr.components))
	order := make([]string, 0, len(cr.components))

	var visit func(name string) error
	visit = func(name string) error {
		c, exists := cr.components[name]
		if !exists {
			return fmt.Errorf("unknown dependency: %s", name)
		}

		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("circular dependency involving %s", name)
		}

		state[name] = visiting
		for _, dep := range c.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	// Deterministic iteration keeps startup logs stable.
	names := make([]string, 0, len(cr.components))
	for name := range cr.components {
		names = append(names, name)
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}
