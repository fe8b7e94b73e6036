package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the listener configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Serial      SerialConfig      `yaml:"serial"`
	Backend     BackendConfig     `yaml:"backend"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Pairing     PairingConfig     `yaml:"pairing"`
	OTA         OTAConfig         `yaml:"ota"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	Integration IntegrationConfig `yaml:"integration"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig represents process identity
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SerialConfig selects and opens device ports
type SerialConfig struct {
	BaudRate    int           `yaml:"baud_rate"`
	VendorID    string        `yaml:"vendor_id"`
	ProductID   string        `yaml:"product_id"`
	NameFilter  string        `yaml:"name_filter"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// BackendConfig represents the questionnaire backend
type BackendConfig struct {
	AnswerURL string        `yaml:"answer_url"`
	MotherURL string        `yaml:"mother_url"`
	MotherID  int           `yaml:"mother_id"`
	SessionID string        `yaml:"session_id"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SupervisorConfig controls the monitor loop
type SupervisorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
	TriggerStagger time.Duration `yaml:"trigger_stagger"`
	ErrorBackoff   time.Duration `yaml:"error_backoff"`
}

// PairingConfig controls the interactive pairing handshake
type PairingConfig struct {
	PromptTimeout     time.Duration `yaml:"prompt_timeout"`
	WiFiPromptTimeout time.Duration `yaml:"wifi_prompt_timeout"`
	Cooldown          time.Duration `yaml:"cooldown"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	CommandDelay      time.Duration `yaml:"command_delay"`
}

// OTAConfig controls OTA session bookkeeping
type OTAConfig struct {
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	AllowConcurrent bool          `yaml:"allow_concurrent"`
}

// TriggerConfig represents the out-of-band OTA trigger sources
type TriggerConfig struct {
	Dir          string `yaml:"dir"`
	SingleFile   string `yaml:"single_file"`
	MultiPattern string `yaml:"multi_pattern"`
	NATSSubject  string `yaml:"nats_subject"`
}

// APIConfig represents the operator API
type APIConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	PasswordHash string `yaml:"password_hash"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// IntegrationConfig forwards device events to external systems
type IntegrationConfig struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// MQTTConfig represents the MQTT event integration
type MQTTConfig struct {
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TLS          bool   `yaml:"tls"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
}

// WebhookConfig represents the HTTP event integration
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filename)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// 使用默认配置
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if answerURL := os.Getenv("ANSWER_URL"); answerURL != "" {
		c.Backend.AnswerURL = answerURL
	}

	if motherURL := os.Getenv("MOTHER_URL"); motherURL != "" {
		c.Backend.MotherURL = motherURL
	}

	if motherID := os.Getenv("MOTHER_ID"); motherID != "" {
		if id, err := strconv.Atoi(motherID); err == nil {
			c.Backend.MotherID = id
		}
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.Integration.MQTT.BrokerURL = broker
	}

	if filter := os.Getenv("SERIAL_NAME_FILTER"); filter != "" {
		c.Serial.NameFilter = filter
	}
}

// setDefaults fills every unset field
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "esp-listener"
	}
	if c.Server.Version == "" {
		c.Server.Version = "1.0.0"
	}

	// ESP32-S3 native USB
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 2000000
	}
	if c.Serial.VendorID == "" {
		c.Serial.VendorID = "303A"
	}
	if c.Serial.ProductID == "" {
		c.Serial.ProductID = "1001"
	}
	if c.Serial.NameFilter == "" {
		c.Serial.NameFilter = "56"
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = time.Second
	}

	if c.Backend.AnswerURL == "" {
		c.Backend.AnswerURL = "https://edu.tambulamedia.com/api/questionnaires/answer"
	}
	if c.Backend.MotherURL == "" {
		c.Backend.MotherURL = "https://edu.tambulamedia.com/api/questionnaires/mother"
	}
	if c.Backend.MotherID == 0 {
		c.Backend.MotherID = 1
	}
	if c.Backend.SessionID == "" {
		c.Backend.SessionID = "0"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}

	if c.Supervisor.Interval == 0 {
		c.Supervisor.Interval = 2 * time.Second
	}
	if c.Supervisor.StatsInterval == 0 {
		c.Supervisor.StatsInterval = 6 * time.Minute
	}
	if c.Supervisor.TriggerStagger == 0 {
		c.Supervisor.TriggerStagger = 500 * time.Millisecond
	}
	if c.Supervisor.ErrorBackoff == 0 {
		c.Supervisor.ErrorBackoff = 100 * time.Millisecond
	}

	if c.Pairing.PromptTimeout == 0 {
		c.Pairing.PromptTimeout = 30 * time.Second
	}
	if c.Pairing.WiFiPromptTimeout == 0 {
		c.Pairing.WiFiPromptTimeout = 60 * time.Second
	}
	if c.Pairing.Cooldown == 0 {
		c.Pairing.Cooldown = 5 * time.Second
	}
	if c.Pairing.StaleAfter == 0 {
		c.Pairing.StaleAfter = 2 * time.Minute
	}
	if c.Pairing.SettleDelay == 0 {
		c.Pairing.SettleDelay = 2 * time.Second
	}
	if c.Pairing.CommandDelay == 0 {
		c.Pairing.CommandDelay = time.Second
	}

	// 大固件 (~900KB) 需要约 7 分钟
	if c.OTA.SessionTimeout == 0 {
		c.OTA.SessionTimeout = 7 * time.Minute
	}

	if c.Trigger.Dir == "" {
		c.Trigger.Dir = os.TempDir()
	}
	if c.Trigger.SingleFile == "" {
		c.Trigger.SingleFile = "esp_ota_command.json"
	}
	if c.Trigger.MultiPattern == "" {
		c.Trigger.MultiPattern = "esp_ota_command_*.json"
	}
	if c.Trigger.NATSSubject == "" {
		c.Trigger.NATSSubject = "fleet.ota.trigger"
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}

	if c.NATS.ClientID == "" {
		c.NATS.ClientID = "esp-listener"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "esp-listener"
	}
	if c.Integration.MQTT.TopicPattern == "" {
		c.Integration.MQTT.TopicPattern = "esp/{device_id}/{event}"
	}
	if c.Integration.Webhook.Timeout == 0 {
		c.Integration.Webhook.Timeout = 10 * time.Second
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 12 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks values that defaults cannot repair
func (c *Config) Validate() error {
	if c.Serial.BaudRate < 0 {
		return fmt.Errorf("invalid baud rate: %d", c.Serial.BaudRate)
	}
	if _, err := strconv.ParseUint(c.Serial.VendorID, 16, 16); err != nil {
		return fmt.Errorf("invalid vendor id %q: %w", c.Serial.VendorID, err)
	}
	if _, err := strconv.ParseUint(c.Serial.ProductID, 16, 16); err != nil {
		return fmt.Errorf("invalid product id %q: %w", c.Serial.ProductID, err)
	}
	if c.Pairing.Cooldown < 0 || c.Pairing.PromptTimeout < 0 || c.Pairing.WiFiPromptTimeout < 0 {
		return fmt.Errorf("pairing timeouts must not be negative")
	}
	if c.Supervisor.Interval <= 0 || c.Supervisor.StatsInterval <= 0 {
		return fmt.Errorf("supervisor intervals must be positive")
	}
	if c.Integration.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.Integration.MQTT.QoS)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	return nil
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== ESP Listener Configuration ===\n")
	fmt.Printf("Server: %s %s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Serial: VID=%s PID=%s filter=%q @ %d baud\n",
		c.Serial.VendorID, c.Serial.ProductID, c.Serial.NameFilter, c.Serial.BaudRate)
	fmt.Printf("Answer endpoint: %s\n", c.Backend.AnswerURL)
	fmt.Printf("Mother endpoint: %s (motherId=%d)\n", c.Backend.MotherURL, c.Backend.MotherID)
	fmt.Printf("Supervisor: every %s, stats every %s\n", c.Supervisor.Interval, c.Supervisor.StatsInterval)
	fmt.Printf("Pairing: prompt %s, wifi %s, cooldown %s\n",
		c.Pairing.PromptTimeout, c.Pairing.WiFiPromptTimeout, c.Pairing.Cooldown)
	fmt.Printf("OTA triggers: %s/{%s,%s}\n", c.Trigger.Dir, c.Trigger.SingleFile, c.Trigger.MultiPattern)
	if c.NATS.URL != "" {
		fmt.Printf("NATS: %s (trigger subject %s)\n", c.NATS.URL, c.Trigger.NATSSubject)
	}
	if c.Integration.MQTT.BrokerURL != "" {
		fmt.Printf("MQTT: %s (%s)\n", c.Integration.MQTT.BrokerURL, c.Integration.MQTT.TopicPattern)
	}
	if c.Integration.Webhook.URL != "" {
		fmt.Printf("Webhook: %s\n", c.Integration.Webhook.URL)
	}
	if c.Database.DSN != "" {
		fmt.Printf("Database: configured\n")
	}
	if c.API.Port != 0 {
		fmt.Printf("API: %s:%d (auth=%v)\n", c.API.Host, c.API.Port, c.JWT.Secret != "")
	}
	fmt.Printf("==================================\n")
}
