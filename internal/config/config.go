// Package config resolves the aide home directory and loads config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ankittk/aide/internal/autoreply"
)

// ErrInvalid is wrapped by every validation failure from Load.
var ErrInvalid = errors.New("invalid config")

type GatewayConfig struct {
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	MaxConnections int      `mapstructure:"max_connections" yaml:"max_connections"`
	AuthTokens     []string `mapstructure:"auth_tokens" yaml:"auth_tokens"`
}

type ChannelConfig struct {
	Mode       string `mapstructure:"mode" yaml:"mode"`
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url,omitempty"`
}

type AutoReplyConfig struct {
	MaxRepliesPerHour int                      `mapstructure:"max_replies_per_hour" yaml:"max_replies_per_hour"`
	DefaultMode       string                   `mapstructure:"default_mode" yaml:"default_mode"`
	ReplyTTLSecs      int                      `mapstructure:"reply_ttl_secs" yaml:"reply_ttl_secs"`
	Channels          map[string]ChannelConfig `mapstructure:"channels" yaml:"channels,omitempty"`
}

type DetectionConfig struct {
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	RulesFile  string `mapstructure:"rules_file" yaml:"rules_file"`
	WatchRules bool   `mapstructure:"watch_rules" yaml:"watch_rules"`
}

type WorkflowsConfig struct {
	Dir           string `mapstructure:"dir" yaml:"dir"`
	StateDir      string `mapstructure:"state_dir" yaml:"state_dir"`
	Default       string `mapstructure:"default" yaml:"default"`
	AutoApprove   bool   `mapstructure:"auto_approve" yaml:"auto_approve"`
	MaxConcurrent int    `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

type ToolsConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Sandbox bool   `mapstructure:"sandbox" yaml:"sandbox"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	URL    string `mapstructure:"url" yaml:"url"`
}

type OtelConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Config is the daemon configuration. Relative paths are resolved against Home.
type Config struct {
	Home      string          `mapstructure:"-" yaml:"-"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	AutoReply AutoReplyConfig `mapstructure:"auto_reply" yaml:"auto_reply"`
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Workflows WorkflowsConfig `mapstructure:"workflows" yaml:"workflows"`
	Tools     ToolsConfig     `mapstructure:"tools" yaml:"tools"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Otel      OtelConfig      `mapstructure:"otel" yaml:"otel"`
}

var defaults = map[string]any{
	"gateway.host":                    "127.0.0.1",
	"gateway.port":                    3548,
	"gateway.max_connections":         64,
	"gateway.auth_tokens":             []string{},
	"auto_reply.max_replies_per_hour": 20,
	"auto_reply.default_mode":         string(autoreply.ModeAutoWithApproval),
	"auto_reply.reply_ttl_secs":       86400,
	"detection.buffer_size":           10000,
	"detection.rules_file":            "rules.yaml",
	"detection.watch_rules":           true,
	"workflows.dir":                   "workflows",
	"workflows.state_dir":             "runs",
	"workflows.default":               "",
	"workflows.auto_approve":          false,
	"workflows.max_concurrent":        8,
	"tools.dir":                       "tools",
	"tools.sandbox":                   false,
	"store.driver":                    "sqlite",
	"store.url":                       "",
	"otel.enabled":                    true,
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("AIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file exists.
func Default(home string) *Config {
	cfg, err := decode(newViper(), home)
	if err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads file (or <home>/config.yaml when file is empty), overlays AIDE_*
// environment variables, applies defaults and validates. A missing
// <home>/config.yaml is not an error; a missing explicit file is.
func Load(home, file string) (*Config, error) {
	v := newViper()
	path := file
	if path == "" {
		path = File(home)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v, home)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper, home string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Home = home
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AutoReply.Channels == nil {
		c.AutoReply.Channels = map[string]ChannelConfig{}
	}
	for name, ch := range c.AutoReply.Channels {
		if ch.Mode == "" {
			ch.Mode = c.AutoReply.DefaultMode
			c.AutoReply.Channels[name] = ch
		}
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		problems = append(problems, "gateway.port must be between 1 and 65535")
	}
	if c.Gateway.MaxConnections < 1 {
		problems = append(problems, "gateway.max_connections must be at least 1")
	}
	if c.AutoReply.MaxRepliesPerHour < 0 {
		problems = append(problems, "auto_reply.max_replies_per_hour must not be negative")
	}
	if c.AutoReply.ReplyTTLSecs < 0 {
		problems = append(problems, "auto_reply.reply_ttl_secs must not be negative")
	}
	if _, err := autoreply.ParseMode(c.AutoReply.DefaultMode); err != nil {
		problems = append(problems, "auto_reply.default_mode: "+err.Error())
	}
	for _, name := range c.ChannelNames() {
		if _, err := autoreply.ParseMode(c.AutoReply.Channels[name].Mode); err != nil {
			problems = append(problems, fmt.Sprintf("auto_reply.channels.%s.mode: %v", name, err))
		}
	}
	if c.Detection.BufferSize < 1 {
		problems = append(problems, "detection.buffer_size must be at least 1")
	}
	if c.Workflows.MaxConcurrent < 1 {
		problems = append(problems, "workflows.max_concurrent must be at least 1")
	}
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.URL == "" {
			problems = append(problems, "store.url is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ChannelNames returns the configured channel names, sorted.
func (c *Config) ChannelNames() []string {
	names := make([]string, 0, len(c.AutoReply.Channels))
	for name := range c.AutoReply.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChannelModes returns the parsed per-channel auto-reply modes.
func (c *Config) ChannelModes() map[string]autoreply.Mode {
	out := make(map[string]autoreply.Mode, len(c.AutoReply.Channels))
	for name, ch := range c.AutoReply.Channels {
		if m, err := autoreply.ParseMode(ch.Mode); err == nil {
			out[name] = m
		}
	}
	return out
}

// Path resolves p against Home unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}

func (c *Config) RulesPath() string    { return c.Path(c.Detection.RulesFile) }
func (c *Config) WorkflowsDir() string { return c.Path(c.Workflows.Dir) }
func (c *Config) StateDir() string     { return c.Path(c.Workflows.StateDir) }
func (c *Config) ToolsDir() string     { return c.Path(c.Tools.Dir) }
func (c *Config) DigestDir() string    { return filepath.Join(c.Home, "digests") }

// SQLitePath is the sqlite database file: store.url when set, else <home>/aide.db.
func (c *Config) SQLitePath() string {
	if c.Store.URL != "" {
		return c.Path(c.Store.URL)
	}
	return filepath.Join(c.Home, "aide.db")
}

// Write saves cfg as YAML to path, creating parent directories.
func (c *Config) Write(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
