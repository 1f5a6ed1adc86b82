package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// DefaultStateDir is where persisted gateway state lives.
const DefaultStateDir = "~/.openclaw"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace: "~/.openclaw/workspace",
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				ChannelCommon: ChannelCommon{DMPolicy: "pairing"},
			},
			WhatsApp: WhatsAppConfig{
				ChannelCommon: ChannelCommon{DMPolicy: "pairing"},
			},
			Web: WebConfig{
				Host: "127.0.0.1",
				Port: 18791,
			},
		},
		Messages: MessagesConfig{
			FlushIntervalMs: 1500,
		},
		Gateway: GatewayConfig{
			StateDir:          DefaultStateDir,
			LaneIdleSec:       300,
			StuckThresholdSec: 600,
			StuckGraceSec:     60,
			DrainTimeoutSec:   5,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CLAWGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("CLAWGATE_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("CLAWGATE_STATE_DIR", &c.Gateway.StateDir)
	envStr("CLAWGATE_WORKSPACE", &c.Agents.Defaults.Workspace)

	// Auto-enable channels if credentials are provided via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	// Telemetry
	envStr("CLAWGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CLAWGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CLAWGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("CLAWGATE_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	if v := os.Getenv("CLAWGATE_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Messages.DebounceMs = ms
		}
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// StateDirPath returns the expanded state directory.
func (c *Config) StateDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dir := c.Gateway.StateDir
	if dir == "" {
		dir = DefaultStateDir
	}
	return ExpandHome(dir)
}

// Watch re-loads the config file on change and swaps the policy-bearing
// sections in place. Returns a stop function. Parse failures keep the
// previous config.
func Watch(path string, cfg *Config) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				fresh, loadErr := Load(path)
				if loadErr != nil {
					slog.Warn("config reload failed, keeping previous", "error", loadErr)
					continue
				}
				cfg.ReplaceFrom(fresh)
				slog.Info("config reloaded", "path", path)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", werr)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
