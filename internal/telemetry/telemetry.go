// Package telemetry reports observed D-Bus access tuples to an external
// collection endpoint, fire-and-forget, matching the original
// post_thread.cpp contract.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultConfigPath is the on-disk location of the JSON config carrying
// the collection endpoint's base URL.
const DefaultConfigPath = "/deepin/linglong/config/dbus_proxy_config"

// postTimeout bounds the whole POST round-trip; the original used a
// 1-second QTimer racing the network reply.
const postTimeout = time.Second

// fileConfig is the on-disk shape of DefaultConfigPath.
type fileConfig struct {
	DbusDBURL string `json:"dbusDbUrl"`
}

// report is the JSON body posted for an observed access.
type report struct {
	AppID     string `json:"appId"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Interface string `json:"interface"`
}

// Poster posts access reports to a configured collection endpoint.
type Poster struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// LoadPoster reads the config file at path and builds a Poster for the
// dbusDbUrl it names. A missing or unparsable config, or a config with no
// dbusDbUrl key, is not fatal: the returned Poster silently no-ops, as
// the original does ("dbusDbUrl not found in config").
func LoadPoster(path string, logger *slog.Logger) *Poster {
	logger = logger.With(slog.String("component", "telemetry"))

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("open telemetry config file failed", slog.Any("error", err))
		return &Poster{logger: logger}
	}

	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		logger.Warn("parse telemetry config file failed", slog.Any("error", err))
		return &Poster{logger: logger}
	}

	if cfg.DbusDBURL == "" {
		logger.Debug("dbusDbUrl not found in telemetry config")
		return &Poster{logger: logger}
	}

	return &Poster{
		url:    cfg.DbusDBURL + "/apps/adddbusproxy",
		client: &http.Client{Timeout: postTimeout},
		logger: logger,
	}
}

// Post reports an observed access for appID. It is a no-op when name, path,
// and interface are all empty, or when no collection endpoint was
// configured. Errors are logged and otherwise ignored — the caller never
// blocks the proxy's hot path on this call failing.
func (p *Poster) Post(appID, name, path, iface string) {
	if name == "" && path == "" && iface == "" {
		return
	}
	if p.client == nil {
		return
	}

	body, err := json.Marshal(report{AppID: appID, Name: name, Path: path, Interface: iface})
	if err != nil {
		p.logger.Warn("marshal telemetry report failed", slog.Any("error", err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("build telemetry request failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("post telemetry report failed", slog.Any("error", fmt.Errorf("post to %s: %w", p.url, err)))
		return
	}
	defer resp.Body.Close()
}
