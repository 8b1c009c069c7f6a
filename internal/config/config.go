// Package config loads service settings from an optional YAML file with
// STACKWATCH_* environment overrides on top. Every field has a working
// default: an empty environment yields a monitor on the local engine
// with the bus bridge disabled.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Engine struct {
	Timeout     time.Duration `yaml:"timeout"`
	PullTimeout time.Duration `yaml:"pull_timeout"`
}

type Refresh struct {
	Interval time.Duration `yaml:"interval"`
}

type Updates struct {
	Interval time.Duration `yaml:"interval"`
}

type MQTT struct {
	Broker          string        `yaml:"broker"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	BaseTopic       string        `yaml:"base_topic"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	NodeID          string        `yaml:"node_id"`
	StateInterval   time.Duration `yaml:"state_interval"`
	Debounce        time.Duration `yaml:"debounce"`
}

type HTTP struct {
	Listen string `yaml:"listen"`
}

type Config struct {
	Engine    Engine  `yaml:"engine"`
	Refresh   Refresh `yaml:"refresh"`
	Updates   Updates `yaml:"updates"`
	MQTT      MQTT    `yaml:"mqtt"`
	HTTP      HTTP    `yaml:"http"`
	PrefsPath string  `yaml:"prefs_path"`
	LogLevel  string  `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Engine: Engine{
			Timeout:     30 * time.Second,
			PullTimeout: 10 * time.Minute,
		},
		Refresh: Refresh{Interval: 5 * time.Second},
		Updates: Updates{Interval: time.Hour},
		MQTT: MQTT{
			Port:            1883,
			BaseTopic:       "stackwatch",
			DiscoveryPrefix: "homeassistant",
			NodeID:          "stackwatch",
			StateInterval:   5 * time.Minute,
			Debounce:        2 * time.Second,
		},
		HTTP:      HTTP{Listen: ":8099"},
		PrefsPath: "data/preferences.json",
		LogLevel:  "info",
	}
}

// Load reads path (when non-empty and present) over the defaults, then
// applies environment overrides. A named file that does not exist is an
// error; the default path is allowed to be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("STACKWATCH_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = "stackwatch.yaml"
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only.
	default:
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	envString("STACKWATCH_MQTT_BROKER", &c.MQTT.Broker)
	envInt("STACKWATCH_MQTT_PORT", &c.MQTT.Port)
	envString("STACKWATCH_MQTT_USERNAME", &c.MQTT.Username)
	envString("STACKWATCH_MQTT_PASSWORD", &c.MQTT.Password)
	envString("STACKWATCH_MQTT_BASE_TOPIC", &c.MQTT.BaseTopic)
	envString("STACKWATCH_MQTT_DISCOVERY_PREFIX", &c.MQTT.DiscoveryPrefix)
	envString("STACKWATCH_MQTT_NODE_ID", &c.MQTT.NodeID)
	envDuration("STACKWATCH_MQTT_STATE_INTERVAL", &c.MQTT.StateInterval)
	envDuration("STACKWATCH_MQTT_DEBOUNCE", &c.MQTT.Debounce)

	envDuration("STACKWATCH_ENGINE_TIMEOUT", &c.Engine.Timeout)
	envDuration("STACKWATCH_PULL_TIMEOUT", &c.Engine.PullTimeout)
	envDuration("STACKWATCH_REFRESH_INTERVAL", &c.Refresh.Interval)
	envDuration("STACKWATCH_UPDATE_INTERVAL", &c.Updates.Interval)

	envString("STACKWATCH_LISTEN", &c.HTTP.Listen)
	envString("STACKWATCH_PREFS_PATH", &c.PrefsPath)
	envString("STACKWATCH_LOG_LEVEL", &c.LogLevel)
}

func (c Config) validate() error {
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", c.Refresh.Interval)
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine timeout must be positive, got %s", c.Engine.Timeout)
	}
	if c.MQTT.Broker != "" && (c.MQTT.Port <= 0 || c.MQTT.Port > 65535) {
		return fmt.Errorf("mqtt port %d out of range", c.MQTT.Port)
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
