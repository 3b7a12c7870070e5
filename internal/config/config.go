// Package config loads the layered configuration shared by the broker and
// the agent. Precedence, lowest to highest: built-in defaults, the YAML file,
// OPSGATE_* environment variables, command-line flags (applied by cmd).
// Environment keys nest with a double underscore, so OPSGATE_AUTH__JWKS_URL
// overrides auth.jwks_url.
package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/internal/operr"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "OPSGATE_"

// Duration decodes either a Go duration string ("90s", "1h") or a bare
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the configuration tree.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Broker   BrokerConfig  `yaml:"broker"`
	Agent    AgentConfig   `yaml:"agent"`
	IPC      IPCConfig     `yaml:"ipc"`
	Auth     AuthConfig    `yaml:"auth"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Update   UpdateConfig  `yaml:"update"`
	Audit    AuditConfig   `yaml:"audit"`
}

// BrokerConfig configures the unprivileged broker process.
type BrokerConfig struct {
	// HTTPAddr is the listen address of the ops HTTP server (/healthz,
	// /metrics, /ws). Empty disables it.
	HTTPAddr string `yaml:"http_addr"`
	// Stdio serves the JSON-RPC surface on stdin/stdout.
	Stdio bool `yaml:"stdio"`
	// StdioToken is presented to the auth pipeline for requests arriving on
	// stdio, which carries no per-request credentials. Irrelevant in
	// permissive local mode.
	StdioToken string `yaml:"stdio_token"`
}

// AgentConfig configures the privileged agent process.
type AgentConfig struct {
	Name string `yaml:"name"`
	// DryRun makes destructive operations (reboot, service restart) log
	// instead of execute.
	DryRun bool `yaml:"dry_run"`
}

// IPCConfig covers both ends of the broker/agent socket.
type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
	// SocketMode is an octal string such as "0660".
	SocketMode      string          `yaml:"socket_mode"`
	SocketOwner     string          `yaml:"socket_owner"`
	SocketGroup     string          `yaml:"socket_group"`
	MaxMessageBytes int             `yaml:"max_message_bytes"`
	CallTimeout     Duration        `yaml:"call_timeout"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// FileMode parses SocketMode as an octal permission.
func (c IPCConfig) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil {
		return 0, operr.InvalidArgumentf("socket_mode %q is not an octal mode", c.SocketMode)
	}
	return os.FileMode(mode), nil
}

// ReconnectConfig tunes the broker's reconnect loop.
type ReconnectConfig struct {
	Enabled      bool     `yaml:"enabled"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Factor       float64  `yaml:"factor"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

// AuthConfig selects and tunes the authentication mode.
type AuthConfig struct {
	// Mode is "jwt" or "local".
	Mode       string            `yaml:"mode"`
	JWKSURL    string            `yaml:"jwks_url"`
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	CacheTTL   Duration          `yaml:"cache_ttl"`
	GroupRoles map[string]string `yaml:"group_roles"`
	// DefaultRole is assigned to authenticated callers whose groups map to
	// nothing. "anonymous" locks unmapped callers out entirely.
	DefaultRole string          `yaml:"default_role"`
	Local       LocalAuthConfig `yaml:"local"`
}

// LocalAuthConfig is the development-only path.
type LocalAuthConfig struct {
	Permissive bool `yaml:"permissive"`
	// Role synthesized for permissive callers.
	Role        string `yaml:"role"`
	SharedToken string `yaml:"shared_token"`
	// SharedTokenHash is an argon2id "saltHex:hashHex" pair. Takes
	// precedence over SharedToken when both are set.
	SharedTokenHash string `yaml:"shared_token_hash"`
}

// MetricsConfig tunes the sampler and its store.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN        string   `yaml:"dsn"`
	Interval   Duration `yaml:"interval"`
	Retention  Duration `yaml:"retention"`
	Collectors []string `yaml:"collectors"`
}

// UpdateConfig locates the release layout and tunes health verification.
type UpdateConfig struct {
	// BaseDir holds releases/, staging/, the current symlink,
	// update_state.json and version_history.json.
	BaseDir string `yaml:"base_dir"`
	Channel string `yaml:"channel"`
	// ManifestURL is the release server base; the backend fetches
	// <manifest_url>/<channel>.json. Empty leaves update.check and
	// update.run unavailable.
	ManifestURL string `yaml:"manifest_url"`
	// AutoCheck polls the channel on this interval; zero disables.
	AutoCheck Duration `yaml:"auto_check"`
	// AutoApply promotes auto-check findings straight to a run.
	AutoApply bool               `yaml:"auto_apply"`
	Health    UpdateHealthConfig `yaml:"health"`
}

// UpdateHealthConfig enables individual post-switch health checks.
type UpdateHealthConfig struct {
	ServiceUnit string `yaml:"service_unit"`
	SocketPath  string `yaml:"socket_path"`
	HTTPURL     string `yaml:"http_url"`
	IPCProbe    bool   `yaml:"ipc_probe"`
}

// AuditConfig locates the append-only audit trail.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Broker: BrokerConfig{
			HTTPAddr: "127.0.0.1:8787",
			Stdio:    true,
		},
		Agent: AgentConfig{
			Name: "opsgate-agent",
		},
		IPC: IPCConfig{
			SocketPath:      "/run/opsgate/ops-agent.sock",
			SocketMode:      "0660",
			MaxMessageBytes: 16 * 1024 * 1024,
			CallTimeout:     Duration(30 * time.Second),
			Reconnect: ReconnectConfig{
				Enabled:      true,
				InitialDelay: Duration(time.Second),
				MaxDelay:     Duration(30 * time.Second),
				Factor:       2,
				MaxAttempts:  10,
			},
		},
		Auth: AuthConfig{
			Mode:        "local",
			CacheTTL:    Duration(time.Hour),
			DefaultRole: "viewer",
			Local: LocalAuthConfig{
				Permissive: true,
				Role:       "admin",
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Driver:    "sqlite",
			Path:      "metrics.db",
			Interval:  Duration(60 * time.Second),
			Retention: Duration(7 * 24 * time.Hour),
			Collectors: []string{
				"cpu_percent", "memory_percent", "disk_percent",
			},
		},
		Update: UpdateConfig{
			BaseDir: "/opt/opsgate",
			Channel: "stable",
			Health: UpdateHealthConfig{
				IPCProbe: true,
			},
		},
		Audit: AuditConfig{
			Path: "audit.jsonl",
		},
	}
}

// LoadFile merges the YAML file at path into cfg. Unknown keys are an error.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// ApplyEnv merges OPSGATE_* entries of environ into cfg. It is a pure
// function over the given environment so tests can pass synthetic slices.
// Unknown keys are an error, matching the strict file decode.
func ApplyEnv(cfg *Config, environ []string) error {
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.TrimPrefix(key, EnvPrefix), "__")
		for i, seg := range path {
			path[i] = strings.ToLower(seg)
		}
		if err := setByPath(reflect.ValueOf(cfg).Elem(), path, value); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

// setByPath walks struct fields by yaml tag and assigns the leaf from its
// string form using the field's own type.
func setByPath(v reflect.Value, path []string, value string) error {
	field := fieldByTag(v, path[0])
	if !field.IsValid() {
		return fmt.Errorf("unknown key %q", path[0])
	}
	if len(path) > 1 {
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("%q is not a section", path[0])
		}
		return setByPath(field, path[1:], value)
	}
	return assign(field, value)
}

func fieldByTag(v reflect.Value, tag string) reflect.Value {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if name == tag {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

func assign(field reflect.Value, value string) error {
	if _, ok := field.Interface().(Duration); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			secs, ferr := strconv.ParseFloat(value, 64)
			if ferr != nil {
				return fmt.Errorf("invalid duration %q", value)
			}
			d = time.Duration(secs * float64(time.Second))
		}
		field.Set(reflect.ValueOf(Duration(d)))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool %q", value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", value)
		}
		field.SetFloat(f)
	case reflect.Slice:
		// Comma-separated lists, e.g. collectors.
		parts := strings.Split(value, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p))
			}
		}
		field.Set(out)
	case reflect.Map:
		// key=value pairs, e.g. group_roles "admins=admin,ops=operator".
		out := reflect.MakeMap(field.Type())
		for _, pair := range strings.Split(value, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return fmt.Errorf("invalid mapping entry %q", pair)
			}
			out.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(v))
		}
		field.Set(out)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Load composes Default, LoadFile (when path is non-empty) and ApplyEnv.
func Load(path string, environ []string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component would accept at construction time.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "jwt", "local":
	default:
		return operr.InvalidArgumentf("auth.mode %q: want jwt or local", c.Auth.Mode)
	}
	if c.Auth.Mode == "jwt" && c.Auth.JWKSURL == "" {
		return operr.InvalidArgumentf("auth.jwks_url is required in jwt mode")
	}
	switch c.Metrics.Driver {
	case "sqlite", "postgres":
	default:
		return operr.InvalidArgumentf("metrics.driver %q: want sqlite or postgres", c.Metrics.Driver)
	}
	if iv := c.Metrics.Interval.Std(); iv < time.Second || iv > 3600*time.Second {
		return operr.InvalidArgumentf("metrics.interval %s: want 1s..3600s", iv)
	}
	if c.IPC.MaxMessageBytes <= 0 {
		return operr.InvalidArgumentf("ipc.max_message_bytes must be positive")
	}
	if c.IPC.Reconnect.Factor < 1 {
		return operr.InvalidArgumentf("ipc.reconnect.factor must be >= 1")
	}
	if _, err := c.IPC.FileMode(); err != nil {
		return err
	}
	return nil
}
