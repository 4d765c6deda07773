package zerolog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hamidsh/hoshyar-gateway/pkg/gateway"
)

func TestNewLogger(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }, "debug"},
		{"info", func(l *Logger) { l.Info("msg") }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg") }, "warn"},
		{"error", func(l *Logger) { l.Error("msg") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			logger := NewLogger(zerolog.New(&output))

			tt.log(logger)

			if output.Len() == 0 {
				t.Fatalf("Expected %s log to be written", tt.name)
			}
			if !strings.Contains(output.String(), `"level":"`+tt.level+`"`) {
				t.Errorf("Expected level %q in output: %s", tt.level, output.String())
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("request completed",
		gateway.Field{Key: "endpoint", Value: "search"},
		gateway.Field{Key: "credits", Value: 30},
	)

	got := output.String()
	if !strings.Contains(got, `"endpoint":"search"`) {
		t.Errorf("Expected endpoint field in output: %s", got)
	}
	if !strings.Contains(got, `"credits":30`) {
		t.Errorf("Expected credits field in output: %s", got)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("filtered out")
	logger.Info("filtered out")
	if output.Len() != 0 {
		t.Errorf("Expected debug/info to be filtered, got: %s", output.String())
	}

	logger.Warn("kept")
	if output.Len() == 0 {
		t.Error("Expected warn log to be written")
	}
}
