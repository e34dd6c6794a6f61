// Package config loads lswasm settings from defaults, an optional config
// file, LSWASM_* environment variables and command-line flags, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/hostfunc"
	"github.com/caffeineduck/lswasm/sandbox"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes the environment variables read by Load.
	EnvPrefix = "LSWASM"

	// MainModule is the name of the first module given on the command line.
	MainModule = "main"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrMalformedEnv is returned for an --env value without '='.
	ErrMalformedEnv = errors.New("malformed environment entry")
)

// Config is the complete server configuration.
type Config struct {
	Port            int            `mapstructure:"port"`
	UDS             string         `mapstructure:"uds"`
	MaxRequestBytes int64          `mapstructure:"max_request_bytes"`
	MaxConns        int            `mapstructure:"max_conns"`
	FailClosed      bool           `mapstructure:"fail_closed"`
	Memory          string         `mapstructure:"memory"`
	CacheDir        string         `mapstructure:"cache_dir"`
	GuestLogLevel   string         `mapstructure:"guest_log_level"`
	Env             []string       `mapstructure:"env"`
	Modules         []ModuleConfig `mapstructure:"modules"`
	SharedData      SharedData     `mapstructure:"shared_data"`
	Log             LogConfig      `mapstructure:"log"`
}

// ModuleConfig describes one filter to load at startup. Env entries are
// KEY=VALUE strings, kept as a list so that viper does not fold the case
// of the keys.
type ModuleConfig struct {
	Name         string   `mapstructure:"name"`
	Path         string   `mapstructure:"path"`
	Env          []string `mapstructure:"env"`
	VMConfig     string   `mapstructure:"vm_config"`
	PluginConfig string   `mapstructure:"plugin_config"`
}

// SharedData bounds the store behind the proxy-wasm shared data imports.
// Zero means unlimited.
type SharedData struct {
	MaxKeySize   int `mapstructure:"max_key_size"`
	MaxValueSize int `mapstructure:"max_value_size"`
	MaxEntries   int `mapstructure:"max_entries"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	shared := hostfunc.DefaultSharedDataConfig()
	return &Config{
		Port:            8080,
		MaxRequestBytes: 1 << 20,
		GuestLogLevel:   "info",
		SharedData: SharedData{
			MaxKeySize:   shared.MaxKeySize,
			MaxValueSize: shared.MaxValueSize,
			MaxEntries:   shared.MaxEntries,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// flagKeys maps config keys to the flags that override them.
var flagKeys = map[string]string{
	"port":              "port",
	"uds":               "uds",
	"max_request_bytes": "max-request-bytes",
	"max_conns":         "max-conns",
	"fail_closed":       "fail-closed",
	"memory":            "memory",
	"cache_dir":         "cache-dir",
	"guest_log_level":   "guest-log-level",
	"log.level":         "log-level",
	"log.format":        "log-format",
}

// Load builds a Config. path names an optional config file (YAML, TOML or
// JSON); flags may be nil. Only flags the user actually set override the
// file and the environment.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("port", d.Port)
	v.SetDefault("uds", d.UDS)
	v.SetDefault("max_request_bytes", d.MaxRequestBytes)
	v.SetDefault("max_conns", d.MaxConns)
	v.SetDefault("fail_closed", d.FailClosed)
	v.SetDefault("memory", d.Memory)
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("guest_log_level", d.GuestLogLevel)
	v.SetDefault("shared_data.max_key_size", d.SharedData.MaxKeySize)
	v.SetDefault("shared_data.max_value_size", d.SharedData.MaxValueSize)
	v.SetDefault("shared_data.max_entries", d.SharedData.MaxEntries)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for key, name := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.UDS == "" && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("%w: max_request_bytes must be positive", ErrInvalidConfig)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("%w: max_conns must not be negative", ErrInvalidConfig)
	}
	if _, err := sandbox.ParseMemoryLimit(c.Memory); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, ok := abi.ParseLogLevel(c.GuestLogLevel); !ok {
		return fmt.Errorf("%w: unknown guest log level %q", ErrInvalidConfig, c.GuestLogLevel)
	}
	if sd := c.SharedData; sd.MaxKeySize < 0 || sd.MaxValueSize < 0 || sd.MaxEntries < 0 {
		return fmt.Errorf("%w: shared_data limits must not be negative", ErrInvalidConfig)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q (expected console or json)", ErrInvalidConfig, c.Log.Format)
	}

	if _, err := ParseEnv(c.Env); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(c.Modules))
	for i, m := range c.Modules {
		if m.Path == "" {
			return fmt.Errorf("%w: modules[%d] has no path", ErrInvalidConfig, i)
		}
		if m.Name == "" {
			return fmt.Errorf("%w: modules[%d] has no name", ErrInvalidConfig, i)
		}
		if seen[m.Name] {
			return fmt.Errorf("%w: module name %q used twice", ErrInvalidConfig, m.Name)
		}
		seen[m.Name] = true
		if _, err := ParseEnv(m.Env); err != nil {
			return fmt.Errorf("%w: module %q: %w", ErrInvalidConfig, m.Name, err)
		}
	}
	return nil
}

// ModuleEnv returns the environment of m: the global entries overlaid with
// the module's own. Call it on a validated Config.
func (c *Config) ModuleEnv(m ModuleConfig) map[string]string {
	env, _ := ParseEnv(append(slices.Clone(c.Env), m.Env...))
	return env
}

// ParseEnv turns KEY=VALUE entries into a map. The value may be empty or
// contain '='; an entry without '=' or with an empty key is an error.
func ParseEnv(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q (expected KEY=VALUE)", ErrMalformedEnv, e)
		}
		env[k] = v
	}
	return env, nil
}

// FlagModules names module paths given on the command line: the first is
// MainModule, the rest take their file name without extension.
func FlagModules(paths []string, pluginConfig string) []ModuleConfig {
	mods := make([]ModuleConfig, 0, len(paths))
	for i, p := range paths {
		name := MainModule
		if i > 0 {
			name = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		}
		mods = append(mods, ModuleConfig{Name: name, Path: p, PluginConfig: pluginConfig})
	}
	return mods
}
