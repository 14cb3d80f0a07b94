package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kumakita/aitrios-monitor/internal/logger"
)

// Config defines the runtime configuration for the device monitor.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Console    ConsoleConfig    `yaml:"console"`
	Polling    PollingConfig    `yaml:"polling"`
	Parameters ParametersConfig `yaml:"parameters"`
	Processing ProcessingConfig `yaml:"processing"`
	HTTP       HTTPConfig       `yaml:"http"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type DeviceConfig struct {
	ID string `yaml:"id"`
}

// ConsoleConfig holds the cloud console endpoint and client credentials.
type ConsoleConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scope        string        `yaml:"scope"`
	Timeout      time.Duration `yaml:"timeout"`
}

type PollingConfig struct {
	Interval       time.Duration `yaml:"interval"`
	FollowUpDelay  time.Duration `yaml:"follow_up_delay"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type ParametersConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	RequireIdle bool          `yaml:"require_idle"`
}

type ProcessingConfig struct {
	Interval time.Duration `yaml:"interval"`
	Results  int           `yaml:"results"`
	Images   bool          `yaml:"images"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	AssetsDir   string `yaml:"assets_dir"`
}

// MQTTConfig enables event republishing when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ClickHouseConfig enables the inference result archive when Addr is set.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig returns a config aligned with the desktop client's behavior.
func DefaultConfig() Config {
	return Config{
		Console: ConsoleConfig{
			BaseURL:  "https://console.aitrios.sony-semicon.com/api/v1",
			TokenURL: "https://auth.aitrios.sony-semicon.com/oauth2/default/v1/token",
			Scope:    "system",
			Timeout:  15 * time.Second,
		},
		Polling: PollingConfig{
			Interval:       2 * time.Second,
			FollowUpDelay:  1 * time.Second,
			CommandTimeout: 10 * time.Second,
		},
		Parameters: ParametersConfig{
			CacheTTL:    300 * time.Second,
			RequireIdle: true,
		},
		Processing: ProcessingConfig{
			Interval: 5 * time.Second,
			Results:  5,
			Images:   true,
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
			AssetsDir:   "./static",
		},
		MQTT: MQTTConfig{
			ClientID:    "aitrios-monitor",
			TopicPrefix: "aitrios",
		},
		ClickHouse: ClickHouseConfig{
			Database: "aitrios",
			Username: "default",
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file,
// then .env and process environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Config", "Failed to read .env: %v", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Device.ID = getEnv("AITRIOS_DEVICE_ID", c.Device.ID)
	c.Console.BaseURL = getEnv("AITRIOS_BASE_URL", c.Console.BaseURL)
	c.Console.TokenURL = getEnv("AITRIOS_TOKEN_URL", c.Console.TokenURL)
	c.Console.ClientID = getEnv("AITRIOS_CLIENT_ID", c.Console.ClientID)
	c.Console.ClientSecret = getEnv("AITRIOS_CLIENT_SECRET", c.Console.ClientSecret)
	c.Console.Timeout = getEnvDuration("AITRIOS_TIMEOUT", c.Console.Timeout)

	c.Polling.Interval = getEnvDuration("MONITOR_POLL_INTERVAL", c.Polling.Interval)
	c.Polling.CommandTimeout = getEnvDuration("MONITOR_COMMAND_TIMEOUT", c.Polling.CommandTimeout)
	c.Parameters.CacheTTL = getEnvDuration("MONITOR_PARAM_CACHE_TTL", c.Parameters.CacheTTL)
	c.Parameters.RequireIdle = getEnvBool("MONITOR_APPLY_REQUIRE_IDLE", c.Parameters.RequireIdle)

	c.HTTP.Addr = getEnv("MONITOR_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.MetricsAddr = getEnv("MONITOR_METRICS_ADDR", c.HTTP.MetricsAddr)

	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)

	c.ClickHouse.Addr = getEnv("CLICKHOUSE_ADDR", c.ClickHouse.Addr)
	c.ClickHouse.Database = getEnv("CLICKHOUSE_DB", c.ClickHouse.Database)
	c.ClickHouse.Username = getEnv("CLICKHOUSE_USER", c.ClickHouse.Username)
	c.ClickHouse.Password = getEnv("CLICKHOUSE_PASS", c.ClickHouse.Password)
}

// Validate reports settings the monitor cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Device.ID == "" {
		errs = append(errs, errors.New("device id is required"))
	}
	if c.Console.ClientID == "" || c.Console.ClientSecret == "" {
		errs = append(errs, errors.New("client id and client secret are required"))
	}
	if c.Console.BaseURL == "" {
		errs = append(errs, errors.New("console base url is required"))
	}
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling interval must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("Config", "Failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		logger.Warn("Config", "Failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}
