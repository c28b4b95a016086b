package logger

import (
	"testing"

	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/config"
)

func TestNew(t *testing.T) {
	log, err := New(config.LogConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if log.Core().Enabled(zap.InfoLevel) {
		t.Error("expected info to be disabled at warn level")
	}
	if !log.Core().Enabled(zap.ErrorLevel) {
		t.Error("expected error to be enabled")
	}

	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}

	dev, err := New(config.LogConfig{Format: "console"})
	if err != nil || !dev.Core().Enabled(zap.DebugLevel) {
		t.Errorf("expected console logger at debug, got %v", err)
	}
}
