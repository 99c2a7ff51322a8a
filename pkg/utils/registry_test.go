package utils

import (
	"context"
	"testing"
)

type fakeComponent struct {
	name    string
	deps    []string
	started *[]string
	stopped *[]string
}

func (fc *fakeComponent) Name() string           { return fc.name }
func (fc *fakeComponent) Dependencies() []string { return fc.deps }
func (fc *fakeComponent) Start(ctx context.Context) error {
	*fc.started = append(*fc.started, fc.name)
	return nil
}
func (fc *fakeComponent) Stop() error {
	*fc.stopped = append(*fc.stopped, fc.name)
	return nil
}
func (fc *fakeComponent) Health() (HealthStatus, string) { return StatusHealthy, "" }

func TestRegistryStartsDependenciesFirst(t *testing.T) {
	var started, stopped []string

	cr := NewComponentRegistry()
	cr.Register(&fakeComponent{name: "node", deps: []string{"mesh", "sync"}, started: &started, stopped: &stopped})
	cr.Register(&fakeComponent{name: "mesh", deps: []string{"transport"}, started: &started, stopped: &stopped})
	cr.Register(&fakeComponent{name: "transport", started: &started, stopped: &stopped})
	cr.Register(&fakeComponent{name: "sync", deps: []string{"transport"}, started: &started, stopped: &stopped})

	if err := cr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}

	pos := make(map[string]int)
	for i, name := range started {
		pos[name] = i
	}

	if pos["transport"] > pos["mesh"] || pos["mesh"] > pos["node"] || pos["sync"] > pos["node"] {
		t.Errorf("startup order violates dependencies: %v", started)
	}

	cr.StopAll()
	if len(stopped) != 4 {
		t.Errorf("expected 4 components stopped, got %d", len(stopped))
	}
	if stopped[len(stopped)-1] != started[0] {
		t.Errorf("expected reverse stop order: started=%v stopped=%v", started, stopped)
	}
}

func TestRegistryRejectsCircularDependency(t *testing.T) {
	var started, stopped []string

	cr := NewComponentRegistry()
	cr.Register(&fakeComponent{name: "a", deps: []string{"b"}, started: &started, stopped: &stopped})
	cr.Register(&fakeComponent{name: "b", deps: []string{"a"}, started: &started, stopped: &stopped})

	if err := cr.StartAll(context.Background()); err == nil {
		t.Fatal("expected circular dependency error")
	}
	if len(started) != 0 {
		t.Errorf("no component should start on cycle, got %v", started)
	}
}

func TestRegistryRejectsUnknownDependency(t *testing.T) {
	var started, stopped []string

	cr := NewComponentRegistry()
	cr.Register(&fakeComponent{name: "a", deps: []string{"missing"}, started: &started, stopped: &stopped})

	if err := cr.StartAll(context.Background()); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestMeshErrorKinds(t *testing.T) {
	err := NewMeshError(KindPolicyViolation, "security", errTest)

	if !IsKind(err, KindPolicyViolation) {
		t.Error("expected policy violation kind")
	}
	if IsKind(err, KindFatal) {
		t.Error("unexpected fatal kind")
	}
	if err.Retryable() {
		t.Error("policy violations are not retryable")
	}

	timeout := NewMeshError(KindConsensusTimeout, "election", errTest)
	if !timeout.Retryable() {
		t.Error("consensus timeouts are retryable")
	}
}

var errTest = &testError{}

type testError struct{}

func (e *testError) Error() string { return "test error" }
