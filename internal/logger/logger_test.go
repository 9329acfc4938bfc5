package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"dealhealth/internal/config"
)

func TestNewFallsBackToInfo(t *testing.T) {
	log, err := New(config.LogConfig{Level: "shouting", Encoding: "console"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer log.Sync()
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug should be disabled at info level")
	}
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be enabled")
	}
}

func TestNewDebugLevel(t *testing.T) {
	log, err := New(config.LogConfig{Level: "DEBUG"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug should be enabled")
	}
}
