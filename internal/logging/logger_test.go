package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/radio"
)

func TestNew_ProdWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo, Activation: radio.ActivationOTAA}
	logger := newWithWriter(&buf, cfg, "1.2.3", "cloudpico-node")

	logger.Debug("hidden")
	logger.Info("hello", "sequence", 4)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for k, want := range map[string]any{
		"msg": "hello", "app": "cloudpico-node", "version": "1.2.3",
		"env": "prod", "activation": "otaa", "sequence": float64(4),
	} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %v", k, rec[k], want)
		}
	}
}

func TestNew_DevUsesTint(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.Config{LogLevel: slog.LevelDebug}, "dev", "cloudpico-node")

	logger.Debug("tinted")

	out := buf.String()
	if !strings.Contains(out, "tinted") || !strings.Contains(out, "cloudpico-node") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("dev output should not be JSON: %q", out)
	}
}
