package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type DaemonConfig struct {
	SocketPath      string `yaml:"socket_path"`
	ShutdownGraceMS int    `yaml:"shutdown_grace_ms"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	HTTPBind     string `yaml:"http_bind"`
}

type EngineConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, whisper
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	Command    string `yaml:"command"`
	Threads    int    `yaml:"threads"`
	SampleRate int    `yaml:"sample_rate"`
}

type TimingLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type StatusBusConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Embedded         bool   `yaml:"embedded"`
	Port             int    `yaml:"port"`
	Server           string `yaml:"server"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	TargetRate int    `yaml:"target_rate"`
	BlockMS    int    `yaml:"block_ms"`
	DeviceHint string `yaml:"device_hint"`
}

type BluetoothConfig struct {
	Enabled    bool `yaml:"enabled"`
	SettleMS   int  `yaml:"settle_ms"`
	PreferMSBC bool `yaml:"prefer_msbc"`
}

type PasteConfig struct {
	Enabled         bool     `yaml:"enabled"`
	TerminalClasses []string `yaml:"terminal_classes"`
}

type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Engine    EngineConfig    `yaml:"engine"`
	TimingLog TimingLogConfig `yaml:"timing_log"`
	StatusBus StatusBusConfig `yaml:"status_bus"`
	Capture   CaptureConfig   `yaml:"capture"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Paste     PasteConfig     `yaml:"paste"`
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "dictation")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "dictation")
}

func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			SocketPath:      filepath.Join(runtimeDir(), "dictation.sock"),
			ShutdownGraceMS: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Engine: EngineConfig{
			Mode:       "whisper",
			ModelPath:  filepath.Join(dataDir(), "models", "ggml-large-v3-turbo.bin"),
			Language:   "", // auto-detect
			Threads:    0,  // runtime default
			SampleRate: 16000,
		},
		TimingLog: TimingLogConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir(), "timing.db"),
			RetentionDays: 90,
		},
		StatusBus: StatusBusConfig{
			Enabled:          false,
			Embedded:         true,
			Port:             4222,
			Server:           "nats://127.0.0.1:4222",
			SubjectPrefix:    "dictation",
			ConnectTimeoutMS: 2000,
		},
		Capture: CaptureConfig{
			TargetRate: 16000,
			BlockMS:    30,
		},
		Bluetooth: BluetoothConfig{
			Enabled:    true,
			SettleMS:   500,
			PreferMSBC: true,
		},
		Paste: PasteConfig{
			Enabled:         true,
			TerminalClasses: []string{"xterm", "uxterm"},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Daemon.SocketPath, "DICT_SOCKET_PATH")
	overrideInt(&cfg.Daemon.ShutdownGraceMS, "DICT_SHUTDOWN_GRACE_MS")
	overrideString(&cfg.Telemetry.LogLevel, "DICT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "DICT_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.HTTPBind, "DICT_TELEMETRY_HTTP_BIND")
	overrideString(&cfg.Engine.Mode, "DICT_ENGINE_MODE")
	overrideString(&cfg.Engine.ModelPath, "DICT_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Language, "DICT_ENGINE_LANGUAGE")
	overrideString(&cfg.Engine.Command, "DICT_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.Threads, "DICT_ENGINE_THREADS")
	overrideInt(&cfg.Engine.SampleRate, "DICT_ENGINE_SAMPLE_RATE")
	overrideBool(&cfg.TimingLog.Enabled, "DICT_TIMING_LOG_ENABLED")
	overrideString(&cfg.TimingLog.Path, "DICT_TIMING_LOG_PATH")
	overrideInt(&cfg.TimingLog.RetentionDays, "DICT_TIMING_LOG_RETENTION_DAYS")
	overrideBool(&cfg.StatusBus.Enabled, "DICT_STATUS_BUS_ENABLED")
	overrideBool(&cfg.StatusBus.Embedded, "DICT_STATUS_BUS_EMBEDDED")
	overrideInt(&cfg.StatusBus.Port, "DICT_STATUS_BUS_PORT")
	overrideString(&cfg.StatusBus.Server, "DICT_STATUS_BUS_SERVER")
	overrideString(&cfg.StatusBus.SubjectPrefix, "DICT_STATUS_BUS_SUBJECT_PREFIX")
	overrideInt(&cfg.StatusBus.ConnectTimeoutMS, "DICT_STATUS_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Capture.TargetRate, "DICT_CAPTURE_TARGET_RATE")
	overrideInt(&cfg.Capture.BlockMS, "DICT_CAPTURE_BLOCK_MS")
	overrideString(&cfg.Capture.DeviceHint, "DICT_CAPTURE_DEVICE_HINT")
	overrideBool(&cfg.Bluetooth.Enabled, "DICT_BLUETOOTH_ENABLED")
	overrideInt(&cfg.Bluetooth.SettleMS, "DICT_BLUETOOTH_SETTLE_MS")
	overrideBool(&cfg.Bluetooth.PreferMSBC, "DICT_BLUETOOTH_PREFER_MSBC")
	overrideBool(&cfg.Paste.Enabled, "DICT_PASTE_ENABLED")
	overrideStringSlice(&cfg.Paste.TerminalClasses, "DICT_PASTE_TERMINAL_CLASSES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.Daemon.SocketPath == "" {
		return errors.New("daemon.socket_path must not be empty")
	}
	if cfg.Daemon.ShutdownGraceMS < 0 {
		return errors.New("daemon.shutdown_grace_ms must be >= 0")
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "text", "json":
	default:
		return errors.New("telemetry.log_format must be one of text|json")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("engine.mode must be one of mock|exec|whisper")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Mode == "whisper" && cfg.Engine.ModelPath == "" {
		return errors.New("engine.model_path must be set when mode=whisper")
	}
	if cfg.Engine.Threads < 0 {
		return errors.New("engine.threads must be >= 0")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.TimingLog.Enabled {
		if cfg.TimingLog.Path == "" {
			return errors.New("timing_log.path must not be empty when enabled")
		}
		if cfg.TimingLog.RetentionDays < 0 {
			return errors.New("timing_log.retention_days must be >= 0")
		}
	}
	if cfg.StatusBus.Enabled {
		if cfg.StatusBus.Embedded {
			if cfg.StatusBus.Port <= 0 || cfg.StatusBus.Port > 65535 {
				return errors.New("status_bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if cfg.StatusBus.Server == "" {
			return errors.New("status_bus.server must not be empty when embedded mode is disabled")
		}
		if cfg.StatusBus.SubjectPrefix == "" {
			return errors.New("status_bus.subject_prefix must not be empty")
		}
	}
	if cfg.Capture.TargetRate <= 0 {
		return errors.New("capture.target_rate must be positive")
	}
	if cfg.Capture.BlockMS <= 0 {
		return errors.New("capture.block_ms must be positive")
	}
	if cfg.Bluetooth.SettleMS < 0 {
		return errors.New("bluetooth.settle_ms must be >= 0")
	}
	return nil
}
