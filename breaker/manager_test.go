package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/penserai/acteon/infrastructure/resilience"
)

func TestManager_DispatchRunsThroughPrimaryBreaker(t *testing.T) {
	m := NewManager(resilience.DefaultConfig(), nil, nil, nil, nil)

	effective, rerouted, err := m.Dispatch(context.Background(), "slack", func() error { return nil })
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if effective != "slack" || rerouted {
		t.Fatalf("expected primary provider with no reroute, got %q rerouted=%v", effective, rerouted)
	}
	if m.State("slack") != resilience.StateClosed {
		t.Fatalf("expected closed, got %v", m.State("slack"))
	}
}

func TestManager_RoutesToFallbackWhenPrimaryOpen(t *testing.T) {
	cfg := resilience.Config{MaxFailures: 1, Timeout: time.Hour}
	m := NewManager(cfg, nil, map[string]string{"webhook": "log"}, nil, nil)

	failing := errors.New("boom")
	if _, _, err := m.Dispatch(context.Background(), "webhook", func() error { return failing }); err != failing {
		t.Fatalf("expected first call to surface the provider error, got %v", err)
	}
	if m.State("webhook") != resilience.StateOpen {
		t.Fatalf("expected webhook breaker open after one failure, got %v", m.State("webhook"))
	}

	effective, rerouted, err := m.Dispatch(context.Background(), "webhook", func() error { return nil })
	if err != nil {
		t.Fatalf("Dispatch with fallback: %v", err)
	}
	if !rerouted || effective != "log" {
		t.Fatalf("expected reroute to log fallback, got effective=%q rerouted=%v", effective, rerouted)
	}
}

func TestManager_NoFallbackReturnsCircuitOpen(t *testing.T) {
	cfg := resilience.Config{MaxFailures: 1, Timeout: time.Hour}
	m := NewManager(cfg, nil, nil, nil, nil)

	m.Dispatch(context.Background(), "webhook", func() error { return errors.New("boom") })

	_, _, err := m.Dispatch(context.Background(), "webhook", func() error { return nil })
	if err != resilience.ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestManager_TripResetAndList(t *testing.T) {
	m := NewManager(resilience.DefaultConfig(), nil, nil, nil, nil)
	m.Dispatch(context.Background(), "slack", func() error { return nil })
	m.Trip("slack")
	if m.State("slack") != resilience.StateOpen {
		t.Fatalf("expected open after Trip")
	}

	m.Reset("slack")
	if m.State("slack") != resilience.StateClosed {
		t.Fatalf("expected closed after Reset")
	}

	statuses := m.List()
	if len(statuses) != 1 || statuses[0].Provider != "slack" {
		t.Fatalf("expected one slack status, got %+v", statuses)
	}
}

func TestManager_PerProviderOverride(t *testing.T) {
	overrides := map[string]resilience.Config{
		"flaky": {MaxFailures: 1, Timeout: time.Hour},
	}
	m := NewManager(resilience.DefaultConfig(), overrides, nil, nil, nil)

	m.Dispatch(context.Background(), "flaky", func() error { return errors.New("boom") })
	if m.State("flaky") != resilience.StateOpen {
		t.Fatalf("expected override's MaxFailures=1 to open after a single failure")
	}

	m.Dispatch(context.Background(), "steady", func() error { return errors.New("boom") })
	if m.State("steady") != resilience.StateClosed {
		t.Fatalf("expected default template to tolerate one failure")
	}
}
