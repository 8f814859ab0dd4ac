package monitoring

import (
	"testing"

	"go.uber.org/zap"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	// Test setting a custom logger
	called := false
	customLogger := func(format string, v ...interface{}) {
		called = true
	}

	SetLogger(customLogger)
	Logf("test message")

	if !called {
		t.Error("Custom logger was not called")
	}

	// Test setting nil logger (should create no-op)
	SetLogger(nil)
	// This should not panic
	Logf("test message")

	// Verify the logger is a no-op by checking it doesn't panic
	// and doesn't call anything
	noOpCalled := false
	testLogger := func(format string, v ...interface{}) {
		noOpCalled = true
	}
	SetLogger(testLogger)
	// First verify our test logger works
	Logf("test")
	if !noOpCalled {
		t.Error("Test logger should have been called")
	}

	// Now set to nil and verify it doesn't call our logger
	noOpCalled = false
	SetLogger(nil)
	Logf("test")
	if noOpCalled {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	// Test that Logf is not nil by default
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}

	// Test that we can call it without panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()

	Logf("test message: %s", "value")
}

func TestInitAndNamed(t *testing.T) {
	if err := Init(true); err != nil {
		t.Fatalf("Init(true) failed: %v", err)
	}
	defer Sync()

	l := Named("gate", "gate_id", 3)
	if l == nil {
		t.Fatal("Named returned nil")
	}
	l.Infow("armed", "coin_event_id", 42)
	Warnf("warning %d", 1)
}

func TestSetLoggerNil_MutesNamed(t *testing.T) {
	original, originalWarn := Logf, Warnf
	defer func() {
		Logf, Warnf = original, originalWarn
		if err := Init(false); err != nil {
			t.Fatalf("Init(false) failed: %v", err)
		}
	}()

	SetLogger(nil)
	if Named("engine").Desugar().Core().Enabled(zap.ErrorLevel) {
		t.Error("Named logger should be muted after SetLogger(nil)")
	}
}
