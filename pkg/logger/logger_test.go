package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInitAndLogger(t *testing.T) {
	if Logger() == nil {
		t.Fatal("expected fallback logger before Init")
	}

	if err := Init("warn"); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if Logger().Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be suppressed at warn level")
	}
	if !Logger().Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("warn should be enabled at warn level")
	}

	// Unknown levels fall back to info rather than failing.
	if err := Init("not-a-level"); err != nil {
		t.Fatalf("Init with bad level returned error: %v", err)
	}
	if !Logger().Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("fallback level should enable info")
	}
}

func TestWithModule(t *testing.T) {
	log := WithModule("sync")
	if log == nil {
		t.Fatal("expected module logger")
	}
}
