package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// capture routes log output into a buffer for the duration of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := logger.Load()
	prevLevel := GetLevel()
	prevRate := sampleRate.Load()
	t.Cleanup(func() {
		install(prev)
		SetLevel(prevLevel)
		sampleRate.Store(prevRate)
	})

	var buf bytes.Buffer
	SetOutput(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: programLevel})))
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warning", LevelWarning, false},
		{"WARN", LevelWarning, false},
		{"error", LevelError, false},
		{"fatal", LevelFatal, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigure(t *testing.T) {
	capture(t)

	if err := Configure("debug", 10); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if GetLevel() != LevelDebug {
		t.Errorf("expected debug level, got %v", GetLevel())
	}
	if sampleRate.Load() != 10 {
		t.Errorf("expected sample rate 10, got %d", sampleRate.Load())
	}

	// Empty values keep the current settings.
	if err := Configure("", 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if GetLevel() != LevelDebug || sampleRate.Load() != 10 {
		t.Error("empty configuration should not change settings")
	}

	if err := Configure("loud", 1); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelWarning)

	Info("hidden")
	Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message logged below the configured level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warning message missing")
	}
}

func TestSamplingKeepsCounting(t *testing.T) {
	buf := capture(t)
	sampleRate.Store(1_000_000)

	before := TotalErrors.Load()
	for range 10 {
		Error("sampled")
	}
	if got := TotalErrors.Load() - before; got != 10 {
		t.Errorf("expected 10 counted errors, got %d", got)
	}
	if n := strings.Count(buf.String(), "sampled"); n > 10 {
		t.Errorf("expected at most 10 lines, got %d", n)
	}
}

func TestRuleHelpers(t *testing.T) {
	buf := capture(t)
	sampleRate.Store(1)

	skipped, failed := SkippedRules.Load(), FailedRules.Load()
	RuleSkipped("r1", errors.New("unknown condition type"))
	RuleFailed("r2", "actions", errors.New("boom"))

	if SkippedRules.Load()-skipped != 1 || FailedRules.Load()-failed != 1 {
		t.Error("rule counters not incremented")
	}
	out := buf.String()
	for _, want := range []string{`"rule_id":"r1"`, `"rule_id":"r2"`, `"stage":"actions"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in output %s", want, out)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	c4, c5 := Total4xxErrors.Load(), Total5xxErrors.Load()
	HTTPStatus(200)
	HTTPStatus(404)
	HTTPStatus(503)
	if Total4xxErrors.Load()-c4 != 1 || Total5xxErrors.Load()-c5 != 1 {
		t.Error("status counters not incremented by class")
	}
}
