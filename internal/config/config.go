// Package config handles Wonderland agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the process-level settings.
const (
	DefaultWorldURL      = "ws://localhost:3000/ws"
	DefaultAgentName     = "Alice in Wonderland"
	DefaultAvatarPath    = "./avatar.vrm"
	DefaultBackendURL    = "ws://localhost:8765"
	DefaultCharacterPath = "./alice-config.json"
	DefaultDataDir       = "./data"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wonderland/config.yaml, /etc/wonderland/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wonderland", "config.yaml"))
	}

	paths = append(paths, "/etc/wonderland/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path holds a
// config file. Callers treat it as "use defaults".
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping [ErrNoConfig] if nothing
// was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Wonderland agent configuration.
type Config struct {
	World         WorldConfig     `yaml:"world"`
	Backend       BackendConfig   `yaml:"backend"`
	CharacterPath string          `yaml:"character_path"`
	Agent         AgentConfig     `yaml:"agent"`
	Proximity     ProximityConfig `yaml:"proximity"`
	MQTT          MQTTConfig      `yaml:"mqtt"`
	Transcript    bool            `yaml:"transcript"`
	DataDir       string          `yaml:"data_dir"`
	LogLevel      string          `yaml:"log_level"`
	LogFormat     string          `yaml:"log_format"` // text or json
}

// WorldConfig defines the virtual-world connection.
type WorldConfig struct {
	URL        string `yaml:"url"`
	AgentName  string `yaml:"agent_name"`
	AvatarPath string `yaml:"avatar_path"`
}

// BackendConfig defines the voice backend link.
type BackendConfig struct {
	URL               string        `yaml:"url"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`    // Default: 10s
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // Default: 5s
}

// AgentConfig holds coordinator timings. Zero values take the
// coordinator's defaults.
type AgentConfig struct {
	MoveDuration          time.Duration `yaml:"move_duration"`
	GreetingDuration      time.Duration `yaml:"greeting_duration"`
	InteractionWindow     time.Duration `yaml:"interaction_window"`
	IdleAnimationInterval time.Duration `yaml:"idle_animation_interval"`
	IdleRevert            time.Duration `yaml:"idle_revert"`
	LookAroundInterval    time.Duration `yaml:"look_around_interval"`
}

// ProximityConfig tunes the proximity watcher.
type ProximityConfig struct {
	Interval time.Duration `yaml:"interval"` // Default: 1s
	Radius   float64       `yaml:"radius"`   // Default: 5 world units
}

// MQTTConfig defines the optional Home Assistant MQTT publisher. It is
// active only when Broker and DeviceName are both set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://, mqtts://, tcp://, ssl://
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`     // Default: homeassistant
	PublishIntervalSec int    `yaml:"publish_interval_sec"` // Default: 60
}

// Configured reports whether the MQTT publisher should run.
func (m MQTTConfig) Configured() bool {
	return m.Broker != "" && m.DeviceName != ""
}

// Load reads configuration from a YAML file. Defaults fill anything the
// file leaves out; environment overrides are not applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.World.URL == "" {
		c.World.URL = DefaultWorldURL
	}
	if c.World.AgentName == "" {
		c.World.AgentName = DefaultAgentName
	}
	if c.World.AvatarPath == "" {
		c.World.AvatarPath = DefaultAvatarPath
	}
	if c.Backend.URL == "" {
		c.Backend.URL = DefaultBackendURL
	}
	if c.CharacterPath == "" {
		c.CharacterPath = DefaultCharacterPath
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// ApplyEnv overlays the process environment on c. lookup is normally
// [os.LookupEnv]. Empty values are ignored. DEBUG set to any true value
// forces debug logging.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("WS_URL", &c.World.URL)
	set("AGENT_NAME", &c.World.AgentName)
	set("AVATAR_PATH", &c.World.AvatarPath)
	set("ALICE_BACKEND_URL", &c.Backend.URL)
	set("CHARACTER_PATH", &c.CharacterPath)

	if v, ok := lookup("DEBUG"); ok && v != "" {
		if debug, err := strconv.ParseBool(v); err == nil && debug {
			c.LogLevel = "debug"
		}
	}
}

// Validate checks the configuration for values that would fail at
// runtime.
func (c *Config) Validate() error {
	var errs []error

	if err := checkURL("world.url", c.World.URL, "ws", "wss", "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("backend.url", c.Backend.URL, "ws", "wss", "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Proximity.Radius < 0 {
		errs = append(errs, fmt.Errorf("proximity.radius must not be negative"))
	}
	if c.MQTT.Broker != "" {
		if c.MQTT.DeviceName == "" {
			errs = append(errs, fmt.Errorf("mqtt.device_name is required when mqtt.broker is set"))
		}
		if err := checkURL("mqtt.broker", c.MQTT.Broker, "mqtt", "mqtts", "tcp", "ssl", "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s %q has no host", field, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%s %q: scheme must be one of %v", field, raw, schemes)
}
