package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRemote = errors.New("remote down")

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	return cfg
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := testConfig("khon-kaen")
	cfg.OnStateChange = func(name string, to State) {
		if name != "khon-kaen" {
			t.Errorf("name = %q", name)
		}
		transitions = append(transitions, to)
	}
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), func(context.Context) error { return errRemote }); !errors.Is(err, errRemote) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if !cb.IsOpen() {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("guarded function ran while open")
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestCircuitBreaker_CancelledCallsDoNotTrip(t *testing.T) {
	cb, _ := New(testConfig("cancel"), nil)
	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	}
	if cb.IsOpen() {
		t.Error("breaker opened on cancelled calls")
	}
}

func TestCircuitBreaker_Fallback(t *testing.T) {
	cb, _ := New(testConfig("fallback"), nil)
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), func(context.Context) error { return errRemote })
	}

	var fellBack bool
	err := cb.ExecuteWithFallback(context.Background(),
		func(context.Context) error { return nil },
		func(_ context.Context, cause error) error {
			fellBack = errors.Is(cause, ErrOpen)
			return nil
		})
	if err != nil || !fellBack {
		t.Errorf("err = %v, fellBack = %v", err, fellBack)
	}
}

func TestManager(t *testing.T) {
	m := NewManager(testConfig(""), nil)
	a1, _ := m.Get("b-hospital")
	a2, _ := m.Get("b-hospital")
	if a1 != a2 {
		t.Error("Get returned different breakers for one name")
	}
	m.Get("a-hospital")

	st := m.Status()
	if len(st) != 2 || st[0].Name != "a-hospital" || st[0].State != StateClosed {
		t.Errorf("status = %+v", st)
	}
}

func TestStateValue(t *testing.T) {
	if StateClosed.Value() != 0 || StateOpen.Value() != 1 || StateHalfOpen.Value() != 2 {
		t.Error("unexpected gauge encoding")
	}
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	errRefused := errors.New("payload refused")
	cfg := testConfig("ignore")
	cfg.Ignore = func(err error) bool { return errors.Is(err, errRefused) }
	cb, _ := New(cfg, nil)

	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), func(context.Context) error { return errRefused }); !errors.Is(err, errRefused) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if cb.IsOpen() {
		t.Error("breaker opened on ignored errors")
	}
}
