package instrumentation

import (
	"context"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	inst, err := New(Config{ServiceName: "oauth-server", ServiceVersion: "1.2.3"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.Metrics() == nil {
		t.Fatal("Metrics() is nil")
	}
	if inst.MeterProvider() == nil || inst.TracerProvider() == nil {
		t.Fatal("providers are nil")
	}

	// No-op instruments record without error or panics
	m := inst.Metrics()
	ctx := context.Background()
	m.RecordHTTPRequest(ctx, "POST", "token", 200, 1.5)
	m.RecordRateLimitExceeded(ctx, "register")
	m.CodeExchanged.Add(ctx, 1)
}

func TestNewRequiresServiceName(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without service name succeeded")
	}
}

func TestMetricsNilSafety(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Must not panic when instrumentation is not attached
	m.RecordHTTPRequest(ctx, "GET", "jwks", 200, 0.1)
	m.RecordRateLimitExceeded(ctx, "token")
}

func TestShutdown(t *testing.T) {
	inst, err := New(Config{ServiceName: "oauth-server"})
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	inst.RegisterShutdown(func(context.Context) error {
		calls++
		return errors.New("flush failed")
	})

	if err := inst.Shutdown(context.Background()); err == nil {
		t.Error("Shutdown() swallowed the registered error")
	}
	// Shutdown runs the registered functions exactly once
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("shutdown calls = %d, want 1", calls)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{ServiceName: "oauth-server"})
	if err != nil {
		t.Fatal(err)
	}

	counter := func() int64 { return 7 }
	if err := inst.RegisterStorageSizeCallbacks(counter, counter, counter, counter); err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}
