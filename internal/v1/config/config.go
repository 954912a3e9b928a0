// Package config loads and validates server configuration. The base
// document is JSON, selected from the first available source in precedence
// order, then overridden key-by-key from SIGNAL_FISH__ environment
// variables. Validation failures are fatal at startup.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/logging"
)

// EnvPrefix introduces override variables: SIGNAL_FISH__A__B=value maps to
// {"a":{"b":value}}.
const EnvPrefix = "SIGNAL_FISH__"

// InlineConfigEnv holds a complete inline JSON document; it outranks every
// file source.
const InlineConfigEnv = "SIGNAL_FISH_CONFIG"

// DefaultFileName is looked up in the working directory and next to the
// executable.
const DefaultFileName = "signal-fish.json"

type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	DevelopmentMode bool     `json:"development_mode"`
	AllowedOrigins  []string `json:"allowed_origins"`
	TLSEnabled      bool     `json:"tls_enabled"`
	TLSCertPath     string   `json:"tls_cert_path"`
	TLSKeyPath      string   `json:"tls_key_path"`
	InstanceID      string   `json:"instance_id"`
}

type WebSocketConfig struct {
	AuthTimeoutSecs     int    `json:"auth_timeout_secs"`
	MaxMessageSize      int    `json:"max_message_size"`
	PingTimeoutSecs     int    `json:"ping_timeout_secs"`
	BatchingEnabled     bool   `json:"batching_enabled"`
	BatchSize           int    `json:"batch_size"`
	BatchIntervalMs     int    `json:"batch_interval_ms"`
	EnableMessagePack   bool   `json:"enable_messagepack"`
	AdvertiseRkyv       bool   `json:"advertise_rkyv"`
	TokenBindingEnabled bool   `json:"token_binding_enabled"`
	TokenBindingRequired bool  `json:"token_binding_required"`
	UpgradeRateLimit    string `json:"upgrade_rate_limit"`
}

type RoomsConfig struct {
	CodeLength          int    `json:"code_length"`
	CodeRegionPrefix    string `json:"code_region_prefix"`
	MaxPlayersLimit     int    `json:"max_players_limit"`
	MaxRoomsPerGame     int    `json:"max_rooms_per_game"`
	MaxSpectators       int    `json:"max_spectators"`
	EmptyTimeoutSecs    int    `json:"empty_timeout_secs"`
	InactiveTimeoutSecs int    `json:"inactive_timeout_secs"`
	CleanupIntervalSecs int    `json:"cleanup_interval_secs"`
}

type LimitsConfig struct {
	MaxConnectionsPerIP   int `json:"max_connections_per_ip"`
	RoomCreatesPerMinute  int `json:"room_creates_per_minute"`
	JoinAttemptsPerMinute int `json:"join_attempts_per_minute"`
}

type ReconnectConfig struct {
	Enabled         bool `json:"enabled"`
	WindowSecs      int  `json:"window_secs"`
	EventBufferSize int  `json:"event_buffer_size"`
}

// AppConfig is one entry of the application registry.
type AppConfig struct {
	ID                 string `json:"id"`
	Secret             string `json:"secret"`
	Name               string `json:"name"`
	Org                string `json:"org,omitempty"`
	MaxRooms           int    `json:"max_rooms,omitempty"`
	MaxPlayersPerRoom  int    `json:"max_players_per_room,omitempty"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute,omitempty"`
}

type AuthConfig struct {
	Enabled bool        `json:"enabled"`
	Apps    []AppConfig `json:"apps"`
}

type SdkConfig struct {
	MinVersion           string              `json:"min_version"`
	RequiredPlatforms    []string            `json:"required_platforms"`
	DefaultCapabilities  []string            `json:"default_capabilities"`
	PlatformCapabilities map[string][]string `json:"platform_capabilities"`
}

type MetricsConfig struct {
	BearerToken string `json:"bearer_token"`
	RequireAuth bool   `json:"require_auth"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

type NamesConfig struct {
	MaxPlayerNameLength         int    `json:"max_player_name_length"`
	AllowUnicode                bool   `json:"allow_unicode"`
	AllowSpaces                 bool   `json:"allow_spaces"`
	AllowSurroundingWhitespace  bool   `json:"allow_surrounding_whitespace"`
	AllowedSymbols              string `json:"allowed_symbols"`
	AdditionalAllowedCharacters string `json:"additional_allowed_characters"`
}

// Config is the full validated server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	WebSocket WebSocketConfig `json:"websocket"`
	Rooms     RoomsConfig     `json:"rooms"`
	Limits    LimitsConfig    `json:"limits"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Auth      AuthConfig      `json:"auth"`
	Sdk       SdkConfig       `json:"sdk"`
	Metrics   MetricsConfig   `json:"metrics"`
	Redis     RedisConfig     `json:"redis"`
	Names     NamesConfig     `json:"names"`
}

// Default returns the baseline configuration every source overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		WebSocket: WebSocketConfig{
			AuthTimeoutSecs:   10,
			MaxMessageSize:    64 * 1024,
			PingTimeoutSecs:   60,
			BatchingEnabled:   true,
			BatchSize:         16,
			BatchIntervalMs:   50,
			EnableMessagePack: true,
			UpgradeRateLimit:  "100-M",
		},
		Rooms: RoomsConfig{
			CodeLength:          6,
			MaxPlayersLimit:     16,
			MaxRoomsPerGame:     1000,
			MaxSpectators:       8,
			EmptyTimeoutSecs:    120,
			InactiveTimeoutSecs: 3600,
			CleanupIntervalSecs: 30,
		},
		Limits: LimitsConfig{
			MaxConnectionsPerIP:   32,
			RoomCreatesPerMinute:  10,
			JoinAttemptsPerMinute: 30,
		},
		Reconnect: ReconnectConfig{
			Enabled:         true,
			WindowSecs:      60,
			EventBufferSize: 256,
		},
		Sdk: SdkConfig{
			DefaultCapabilities: []string{"rooms", "game_data", "reconnect", "spectators"},
		},
		Names: NamesConfig{
			MaxPlayerNameLength: 32,
			AllowUnicode:        true,
			AllowSpaces:         true,
			AllowedSymbols:      "-_.",
		},
	}
}

// Load builds the configuration: defaults, then the highest-precedence
// available source (inline env JSON > stdin > explicit path > CWD file >
// executable-dir file), then SIGNAL_FISH__ env overrides.
func Load(explicitPath string, stdin io.Reader) (*Config, error) {
	cfg := Default()

	source, name, err := pickSource(explicitPath, stdin)
	if err != nil {
		return nil, err
	}
	if source != nil {
		if err := json.Unmarshal(source, cfg); err != nil {
			return nil, fmt.Errorf("parse config from %s: %w", name, err)
		}
		logging.Info(context.Background(), "Loaded configuration", zap.String("source", name))
	} else {
		logging.Info(context.Background(), "No configuration source found, using defaults")
	}

	if err := applyEnvOverrides(cfg, os.Environ()); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

func pickSource(explicitPath string, stdin io.Reader) ([]byte, string, error) {
	if inline := os.Getenv(InlineConfigEnv); inline != "" {
		return []byte(inline), "env:" + InlineConfigEnv, nil
	}

	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, "", fmt.Errorf("read config from stdin: %w", err)
		}
		if len(strings.TrimSpace(string(data))) > 0 {
			return data, "stdin", nil
		}
	}

	candidates := []string{}
	if explicitPath != "" {
		candidates = append(candidates, explicitPath)
	}
	candidates = append(candidates, DefaultFileName)
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), DefaultFileName))
	}

	for i, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			// An explicit path that cannot be read is fatal; fallbacks are
			// best-effort.
			if i == 0 && explicitPath != "" {
				return nil, "", fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		return data, path, nil
	}
	return nil, "", nil
}

// applyEnvOverrides folds SIGNAL_FISH__A__B=value variables into the
// config. Values parse as JSON scalars with string fallback; comma-separated
// values become arrays.
func applyEnvOverrides(cfg *Config, environ []string) error {
	overrides := map[string]any{}
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}

		segments := strings.Split(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__")
		if len(segments) == 0 {
			continue
		}

		node := overrides
		for _, seg := range segments[:len(segments)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[seg] = child
			}
			node = child
		}
		node[segments[len(segments)-1]] = parseEnvValue(value)
	}

	if len(overrides) == 0 {
		return nil
	}

	blob, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encode env overrides: %w", err)
	}
	if err := json.Unmarshal(blob, cfg); err != nil {
		return fmt.Errorf("apply env overrides: %w", err)
	}
	return nil
}

// parseEnvValue interprets an override value: JSON scalar first, then a
// comma-split array, then a plain string.
func parseEnvValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		arr := make([]any, 0, len(parts))
		for _, p := range parts {
			arr = append(arr, parseEnvValue(strings.TrimSpace(p)))
		}
		return arr
	}
	return s
}

// Validate returns every configuration violation. An empty slice means the
// configuration is usable.
func (c *Config) Validate() []string {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535 (got %d)", c.Server.Port))
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, "server.tls_cert_path is required when TLS is enabled")
		}
		if c.Server.TLSKeyPath == "" {
			errs = append(errs, "server.tls_key_path is required when TLS is enabled")
		}
	}

	if c.WebSocket.AuthTimeoutSecs < 5 || c.WebSocket.AuthTimeoutSecs > 60 {
		errs = append(errs, fmt.Sprintf("websocket.auth_timeout_secs must be between 5 and 60 (got %d)", c.WebSocket.AuthTimeoutSecs))
	}
	if c.WebSocket.MaxMessageSize < 1024 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be at least 1024 (got %d)", c.WebSocket.MaxMessageSize))
	}
	if c.WebSocket.BatchingEnabled && (c.WebSocket.BatchSize < 1 || c.WebSocket.BatchIntervalMs < 1) {
		errs = append(errs, "websocket batching requires batch_size >= 1 and batch_interval_ms >= 1")
	}

	if c.Rooms.CodeLength < 4 || c.Rooms.CodeLength > 12 {
		errs = append(errs, fmt.Sprintf("rooms.code_length must be between 4 and 12 (got %d)", c.Rooms.CodeLength))
	}
	if c.Rooms.MaxPlayersLimit < 1 {
		errs = append(errs, "rooms.max_players_limit must be at least 1")
	}
	if c.Rooms.CleanupIntervalSecs < 1 {
		errs = append(errs, "rooms.cleanup_interval_secs must be at least 1")
	}

	if c.Limits.MaxConnectionsPerIP < 1 {
		errs = append(errs, "limits.max_connections_per_ip must be at least 1")
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.WindowSecs < 1 {
			errs = append(errs, "reconnect.window_secs must be at least 1")
		}
		if c.Reconnect.EventBufferSize < 1 {
			errs = append(errs, "reconnect.event_buffer_size must be at least 1")
		}
	}

	if c.Metrics.RequireAuth && c.Metrics.BearerToken == "" {
		errs = append(errs, "metrics.bearer_token is required when metrics.require_auth is set")
	}

	if c.Auth.Enabled {
		seen := map[string]bool{}
		for i, app := range c.Auth.Apps {
			if app.ID == "" {
				errs = append(errs, fmt.Sprintf("auth.apps[%d].id cannot be empty", i))
				continue
			}
			if app.Secret == "" {
				errs = append(errs, fmt.Sprintf("auth.apps[%d] (%s) has no secret", i, app.ID))
			}
			if seen[app.ID] {
				errs = append(errs, fmt.Sprintf("auth.apps contains duplicate id %s", app.ID))
			}
			seen[app.ID] = true
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis.enabled is set")
	}

	return errs
}
