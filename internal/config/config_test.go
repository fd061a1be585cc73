package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.TargetRate != 16000 {
		t.Fatalf("expected default target rate 16000, got %d", cfg.Capture.TargetRate)
	}
	if filepath.Base(cfg.Daemon.SocketPath) != "dictation.sock" {
		t.Fatalf("unexpected default socket path %q", cfg.Daemon.SocketPath)
	}
	if cfg.StatusBus.Enabled {
		t.Fatal("status bus should be disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dictation.yaml")
	data := []byte(`
daemon:
  socket_path: /run/user/1000/dict.sock
engine:
  mode: exec
  command: "whisper-cli --json"
capture:
  target_rate: 16000
  block_ms: 20
  device_hint: WH-1000XM5
paste:
  terminal_classes: [xterm, uxterm, urxvt]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Daemon.SocketPath != "/run/user/1000/dict.sock" {
		t.Fatalf("expected socket path override, got %q", cfg.Daemon.SocketPath)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "whisper-cli --json" {
		t.Fatalf("expected exec engine, got %+v", cfg.Engine)
	}
	if cfg.Capture.BlockMS != 20 || cfg.Capture.DeviceHint != "WH-1000XM5" {
		t.Fatalf("unexpected capture config %+v", cfg.Capture)
	}
	if len(cfg.Paste.TerminalClasses) != 3 {
		t.Fatalf("expected 3 terminal classes, got %v", cfg.Paste.TerminalClasses)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DICT_SOCKET_PATH", "/tmp/test.sock")
	t.Setenv("DICT_ENGINE_MODE", "mock")
	t.Setenv("DICT_CAPTURE_TARGET_RATE", "22050")
	t.Setenv("DICT_BLUETOOTH_ENABLED", "false")
	t.Setenv("DICT_PASTE_TERMINAL_CLASSES", "xterm, st, alacritty")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Daemon.SocketPath != "/tmp/test.sock" {
		t.Fatalf("expected socket path override, got %q", cfg.Daemon.SocketPath)
	}
	if cfg.Engine.Mode != "mock" {
		t.Fatalf("expected engine mode override, got %q", cfg.Engine.Mode)
	}
	if cfg.Capture.TargetRate != 22050 {
		t.Fatalf("expected target rate override, got %d", cfg.Capture.TargetRate)
	}
	if cfg.Bluetooth.Enabled {
		t.Fatal("expected bluetooth disabled")
	}
	if len(cfg.Paste.TerminalClasses) != 3 || cfg.Paste.TerminalClasses[1] != "st" {
		t.Fatalf("unexpected terminal classes %v", cfg.Paste.TerminalClasses)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("DICT_ENGINE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}

	t.Setenv("DICT_ENGINE_MODE", "")
	path := filepath.Join(t.TempDir(), "dictation.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  mode: whisper\n  model_path: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for whisper mode without model path")
	}

	t.Setenv("DICT_ENGINE_MODE", "mock")
	t.Setenv("DICT_CAPTURE_BLOCK_MS", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero block duration")
	}
}
