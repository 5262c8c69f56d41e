package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the palletsync server.
type Config struct {
	HTTPPort        int    `yaml:"http_port"`
	MQTTBindAddress string `yaml:"mqtt_bind"`
	DatabasePath    string `yaml:"database_path"`
	LogLevel        string `yaml:"log_level"`
	MDNSEnabled     bool   `yaml:"mdns_enabled"`

	UnitBottleWeightGrams int           `yaml:"unit_bottle_weight_grams"`
	NoiseThresholdGrams   int           `yaml:"noise_threshold_grams"`
	DebounceWindow        time.Duration `yaml:"debounce_window"`
	SessionTimeout        time.Duration `yaml:"session_timeout"`
	CloseSessionOnIdle    bool          `yaml:"close_session_on_idle"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`

	DeviceQueueSize  int `yaml:"device_queue_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	HistoryReplay    int `yaml:"history_replay"`

	// DeviceProducts maps a scale to the product whose stock its transactions move.
	DeviceProducts map[string]int64 `yaml:"device_products"`
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/palletsync.db"
	defaultLogLevel        = "info"

	defaultUnitBottleWeight = 275
	defaultDebounceWindow   = 3 * time.Second
	defaultSessionTimeout   = 5 * time.Minute
	defaultSweepInterval    = time.Second

	defaultDeviceQueueSize  = 256
	defaultSubscriberBuffer = 64
	defaultHistoryReplay    = 50
)

// FileEnv names the environment variable holding the optional YAML file path.
const FileEnv = "PALLETSYNC_CONFIG"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:              defaultHTTPPort,
		MQTTBindAddress:       defaultMQTTBindAddress,
		DatabasePath:          defaultDatabasePath,
		LogLevel:              defaultLogLevel,
		UnitBottleWeightGrams: defaultUnitBottleWeight,
		NoiseThresholdGrams:   defaultUnitBottleWeight,
		DebounceWindow:        defaultDebounceWindow,
		SessionTimeout:        defaultSessionTimeout,
		CloseSessionOnIdle:    true,
		SweepInterval:         defaultSweepInterval,
		DeviceQueueSize:       defaultDeviceQueueSize,
		SubscriberBuffer:      defaultSubscriberBuffer,
		HistoryReplay:         defaultHistoryReplay,
		DeviceProducts:        map[string]int64{},
	}
}

// Load derives configuration from defaults, an optional YAML file named by
// PALLETSYNC_CONFIG and finally environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.mergeEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	if c.DeviceProducts == nil {
		c.DeviceProducts = map[string]int64{}
	}
	return nil
}

func (c *Config) mergeEnv(getenv func(string) string) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"PALLETSYNC_HTTP_PORT", &c.HTTPPort},
		{"PALLETSYNC_UNIT_BOTTLE_GRAMS", &c.UnitBottleWeightGrams},
		{"PALLETSYNC_NOISE_THRESHOLD_GRAMS", &c.NoiseThresholdGrams},
		{"PALLETSYNC_DEVICE_QUEUE", &c.DeviceQueueSize},
		{"PALLETSYNC_SUBSCRIBER_BUFFER", &c.SubscriberBuffer},
		{"PALLETSYNC_HISTORY_REPLAY", &c.HistoryReplay},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PALLETSYNC_DEBOUNCE_WINDOW", &c.DebounceWindow},
		{"PALLETSYNC_SESSION_TIMEOUT", &c.SessionTimeout},
		{"PALLETSYNC_SWEEP_INTERVAL", &c.SweepInterval},
	}
	for _, e := range durations {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = d
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"PALLETSYNC_MDNS", &c.MDNSEnabled},
		{"PALLETSYNC_CLOSE_SESSION_ON_IDLE", &c.CloseSessionOnIdle},
	}
	for _, e := range bools {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = b
	}

	if v := getenv("PALLETSYNC_MQTT_BIND"); v != "" {
		c.MQTTBindAddress = v
	}
	if v := getenv("PALLETSYNC_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := getenv("PALLETSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// PALLETSYNC_DEVICE_PRODUCTS=scale-1=3,scale-2=7
	if v := getenv("PALLETSYNC_DEVICE_PRODUCTS"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			device, id, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || device == "" {
				return fmt.Errorf("invalid PALLETSYNC_DEVICE_PRODUCTS entry %q", pair)
			}
			productID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid PALLETSYNC_DEVICE_PRODUCTS entry %q: %w", pair, err)
			}
			c.DeviceProducts[device] = productID
		}
	}

	return nil
}

// Validate rejects settings the reconciliation engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http_port must be between 1 and 65535, got %d", c.HTTPPort))
	}
	if c.UnitBottleWeightGrams <= 0 {
		errs = append(errs, fmt.Errorf("unit_bottle_weight_grams must be positive, got %d", c.UnitBottleWeightGrams))
	}
	if c.NoiseThresholdGrams < 0 {
		errs = append(errs, fmt.Errorf("noise_threshold_grams must not be negative, got %d", c.NoiseThresholdGrams))
	}
	if c.DebounceWindow <= 0 || c.SessionTimeout <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("debounce_window, session_timeout and sweep_interval must be positive"))
	}
	if c.DeviceQueueSize <= 0 || c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("device_queue_size and subscriber_buffer must be positive"))
	}
	if c.HistoryReplay < 0 {
		errs = append(errs, fmt.Errorf("history_replay must not be negative, got %d", c.HistoryReplay))
	}
	return errors.Join(errs...)
}
