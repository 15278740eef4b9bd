package consent_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/linglong-community/dbus-proxy/internal/consent"
)

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dbus_map_config")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	return path
}

func TestLoadPolicyMapResolvesExactMatch(t *testing.T) {
	t.Parallel()

	path := writePolicyFile(t, `{
		"dde-file-manager": [
			{"name": "org.freedesktop.portal.Documents", "path": "/org/freedesktop/portal/Documents", "ifce": "org.freedesktop.portal.Documents"}
		]
	}`)

	pm, err := consent.LoadPolicyMap(path)
	if err != nil {
		t.Fatalf("LoadPolicyMap: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	id := pm.Resolve(logger, "org.freedesktop.portal.Documents", "/org/freedesktop/portal/Documents", "org.freedesktop.portal.Documents")
	if id != "dde-file-manager" {
		t.Errorf("Resolve = %q, want dde-file-manager", id)
	}
}

func TestLoadPolicyMapNoMatchReturnsEmpty(t *testing.T) {
	t.Parallel()

	path := writePolicyFile(t, `{"x": [{"name": "a", "path": "b", "ifce": "c"}]}`)

	pm, err := consent.LoadPolicyMap(path)
	if err != nil {
		t.Fatalf("LoadPolicyMap: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	id := pm.Resolve(logger, "nope", "nope", "nope")
	if id != "" {
		t.Errorf("Resolve = %q, want empty", id)
	}
	if buf.Len() == 0 {
		t.Error("expected a warning log line for unresolved lookup")
	}
}

func TestLoadPolicyMapRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	path := writePolicyFile(t, `not json`)

	if _, err := consent.LoadPolicyMap(path); err == nil {
		t.Fatal("expected error for malformed policy file")
	}
}
