// Package config parses the proxy's fixed-argument CLI invocation,
// resolves the upstream bus address, and loads an optional YAML
// override file for ambient settings (log level/format, the consent
// and telemetry file paths, the metrics listen address) via koanf/v2.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/linglong-community/dbus-proxy/internal/consent"
	"github.com/linglong-community/dbus-proxy/internal/telemetry"
)

// argCount is the number of positional arguments the CLI expects, after
// the program name: appId, sessionOrSystem, socketPath, nameCSV,
// pathCSV, interfaceCSV.
const argCount = 6

// Sentinel errors for CLI argument validation.
var (
	ErrWrongArgCount  = errors.New("dbus proxy param err")
	ErrEmptySocket    = errors.New("dbus proxy socketPath err")
	ErrUnknownBusKind = errors.New("user input dbus type err")
)

// busKindSession and busKindSystem are the two values argv[1] may take.
const (
	busKindSession = "session"
	busKindSystem  = "system"
)

// CLIArgs holds the proxy's fixed-position command-line arguments.
type CLIArgs struct {
	AppID            string
	BusKind          string
	SocketPath       string
	NameFilters      []string
	PathFilters      []string
	InterfaceFilters []string
}

// ParseArgs parses argv (excluding the program name, i.e. os.Args[1:])
// into CLIArgs, matching the original's argc/argv[1..6] layout exactly:
// appId, sessionOrSystem, socketPath, nameCSV, pathCSV, interfaceCSV.
func ParseArgs(argv []string) (*CLIArgs, error) {
	if len(argv) < argCount {
		return nil, ErrWrongArgCount
	}

	socketPath := argv[2]
	if socketPath == "" {
		return nil, ErrEmptySocket
	}

	busKind := argv[1]
	if busKind != busKindSession && busKind != busKindSystem {
		return nil, fmt.Errorf("%q: %w", busKind, ErrUnknownBusKind)
	}

	return &CLIArgs{
		AppID:            argv[0],
		BusKind:          busKind,
		SocketPath:       socketPath,
		NameFilters:      splitCSV(argv[3]),
		PathFilters:      splitCSV(argv[4]),
		InterfaceFilters: splitCSV(argv[5]),
	}, nil
}

// splitCSV splits a comma-separated CLI argument the same way the
// original's QString::split does: an empty input still yields a
// one-element list holding the empty string, which is harmless since
// filter.Filter never matches an empty rule against a non-empty field.
func splitCSV(s string) []string {
	return strings.Split(s, ",")
}

// UpstreamBusAddress resolves the Unix-domain socket path for the real
// bus this proxy relays to.
func (a *CLIArgs) UpstreamBusAddress() (string, error) {
	switch a.BusKind {
	case busKindSession:
		return fmt.Sprintf("/run/user/%d/bus", os.Getuid()), nil
	case busKindSystem:
		return "/run/dbus/system_bus_socket", nil
	default:
		return "", fmt.Errorf("%q: %w", a.BusKind, ErrUnknownBusKind)
	}
}

// LogConfig controls the daemon's structured logging output.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// FileConfig is the optional YAML override file's shape. Every field
// has a usable default; the file itself need not exist.
type FileConfig struct {
	Log                 LogConfig `koanf:"log"`
	ConsentPolicyPath   string    `koanf:"consent_policy_path"`
	TelemetryConfigPath string    `koanf:"telemetry_config_path"`
	MetricsAddr         string    `koanf:"metrics_addr"`
}

// DefaultFileConfig returns the ambient defaults used when no override
// file is given, or when it's missing.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ConsentPolicyPath:   consent.DefaultPolicyPath,
		TelemetryConfigPath: telemetry.DefaultConfigPath,
		MetricsAddr:         "127.0.0.1:9090",
	}
}

// envPrefix namespaces environment variable overrides for FileConfig,
// e.g. DBUS_PROXY_CONFIG_LOG_LEVEL -> log.level. envKeyMapper turns every
// underscore into a key separator, so only the log.* keys can be
// overridden this way; consent_policy_path, telemetry_config_path and
// metrics_addr cannot.
const envPrefix = "DBUS_PROXY_CONFIG_"

// Load builds a FileConfig from DefaultFileConfig(), overlaid by path
// (if non-empty and it exists) and then by DBUS_PROXY_CONFIG_*
// environment variables (log.* keys only; see envPrefix). A missing or empty path is not an error: the
// defaults stand on their own, matching this file's ambient, fully
// optional role (unlike the required positional CLI arguments).
func Load(path string) (*FileConfig, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultFileConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config from %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &FileConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// envKeyMapper transforms DBUS_PROXY_CONFIG_LOG_LEVEL -> log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer,
// the same "seed koanf with defaults before overlaying the file" shape
// the teacher's config loader uses.
func loadDefaults(k *koanf.Koanf, defaults FileConfig) error {
	defaultMap := map[string]any{
		"log.level":             defaults.Log.Level,
		"log.format":            defaults.Log.Format,
		"consent_policy_path":   defaults.ConsentPolicyPath,
		"telemetry_config_path": defaults.TelemetryConfigPath,
		"metrics_addr":          defaults.MetricsAddr,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a structured logger for cfg, defaulting to JSON
// output unless Format is explicitly "text".
func NewLogger(cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
