package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/linglong-community/dbus-proxy/internal/config"
)

func TestParseArgsAcceptsAllSixPositionals(t *testing.T) {
	t.Parallel()

	args, err := config.ParseArgs([]string{
		"org.example.App", "session", "/tmp/proxy.sock",
		"a,b", "c,d", "e,f",
	})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if args.AppID != "org.example.App" {
		t.Errorf("AppID = %q", args.AppID)
	}
	if got := args.NameFilters; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("NameFilters = %v", got)
	}
}

func TestParseArgsRejectsTooFewArguments(t *testing.T) {
	t.Parallel()

	_, err := config.ParseArgs([]string{"org.example.App", "session", "/tmp/proxy.sock"})
	if !errors.Is(err, config.ErrWrongArgCount) {
		t.Fatalf("err = %v, want ErrWrongArgCount", err)
	}
}

func TestParseArgsRejectsEmptySocketPath(t *testing.T) {
	t.Parallel()

	_, err := config.ParseArgs([]string{"org.example.App", "session", "", "", "", ""})
	if !errors.Is(err, config.ErrEmptySocket) {
		t.Fatalf("err = %v, want ErrEmptySocket", err)
	}
}

func TestParseArgsRejectsUnknownBusKind(t *testing.T) {
	t.Parallel()

	_, err := config.ParseArgs([]string{"org.example.App", "both", "/tmp/proxy.sock", "", "", ""})
	if !errors.Is(err, config.ErrUnknownBusKind) {
		t.Fatalf("err = %v, want ErrUnknownBusKind", err)
	}
}

func TestUpstreamBusAddressResolvesSessionAndSystem(t *testing.T) {
	t.Parallel()

	session, err := config.ParseArgs([]string{"a", "session", "/s", "", "", ""})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	addr, err := session.UpstreamBusAddress()
	if err != nil {
		t.Fatalf("UpstreamBusAddress: %v", err)
	}
	want := "/run/user/" + strconv.Itoa(os.Getuid()) + "/bus"
	if addr != want {
		t.Errorf("session address = %q, want %q", addr, want)
	}

	system, err := config.ParseArgs([]string{"a", "system", "/s", "", "", ""})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	addr, err = system.UpstreamBusAddress()
	if err != nil {
		t.Fatalf("UpstreamBusAddress: %v", err)
	}
	if addr != "/run/dbus/system_bus_socket" {
		t.Errorf("system address = %q", addr)
	}
}

func TestLoadFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := config.DefaultFileConfig()
	if cfg.Log.Level != want.Log.Level || cfg.MetricsAddr != want.MetricsAddr {
		t.Errorf("Load() = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadFallsBackToDefaultsWhenPathEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxy.yaml")
	yamlContent := "log:\n  level: debug\n  format: text\nmetrics_addr: 127.0.0.1:9999\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.MetricsAddr != "127.0.0.1:9999" {
		t.Errorf("MetricsAddr = %q, want 127.0.0.1:9999", cfg.MetricsAddr)
	}
	// Untouched field must keep its default.
	if cfg.ConsentPolicyPath == "" {
		t.Error("ConsentPolicyPath should retain its default, not be emptied by the overlay")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := config.ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
