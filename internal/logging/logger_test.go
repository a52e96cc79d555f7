// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New("debug", true)
	if err != nil {
		t.Fatalf("New(debug, true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be enabled")
	}
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New("", false)
	if err != nil {
		t.Fatalf("New(\"\", false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be disabled at the default level")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be enabled")
	}
}

// TestNewRejectsUnknownLevel surfaces bad configuration.
func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New("loud", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
