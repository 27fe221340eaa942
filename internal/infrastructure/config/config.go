package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Route-B credential lengths fixed by the distributor's issuing format.
const (
	routeBIDLength       = 32
	routeBPasswordLength = 12
	minJWTSecretLength   = 32
	maxScanDuration      = 14
)

// Config is the root configuration structure for the Route-B bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Meter     MeterConfig     `yaml:"meter"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	NATS      NATSConfig      `yaml:"nats"`
	Zabbix    ZabbixConfig    `yaml:"zabbix"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// MeterConfig describes the smart meter and the modem used to reach it.
type MeterConfig struct {
	// ID names the meter in MQTT topics, NATS subjects and stored readings.
	ID string `yaml:"id"`

	// Connection is the modem URL: "serial:///dev/ttyUSB0" or "tcp://host:port".
	Connection string `yaml:"connection"`

	// BaudRate applies to serial connections. Default: 115200.
	BaudRate int `yaml:"baud_rate"`

	// RouteBID and RouteBPassword are issued by the distributor.
	// Prefer BROUTE_METER_RBID / BROUTE_METER_PASSWORD over the file.
	RouteBID       string `yaml:"route_b_id"`
	RouteBPassword string `yaml:"route_b_password"`

	Scan ScanConfig `yaml:"scan"`

	// JoinReadTimeout bounds each wait during scan and join. 0 waits forever.
	JoinReadTimeout time.Duration `yaml:"join_read_timeout"`

	// QueryTimeout is the per-line timeout while polling.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// PollInterval is the pause between successful polls. 0 polls back-to-back.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HealthInterval is how often bridge health is published.
	HealthInterval time.Duration `yaml:"health_interval"`

	// SourceObject and DestinationObject are 6-digit hex ECHONET objects.
	SourceObject      string `yaml:"source_object"`
	DestinationObject string `yaml:"destination_object"`

	// UDPPort is the ECHONET Lite port as 4 hex digits.
	UDPPort string `yaml:"udp_port"`
}

// ScanConfig contains active scan parameters.
type ScanConfig struct {
	Mode        int    `yaml:"mode"`
	ChannelMask string `yaml:"channel_mask"`
	MinDuration int    `yaml:"min_duration"`
	MaxDuration int    `yaml:"max_duration"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes stored readings older than this. 0 keeps all.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// NATSConfig contains NATS publishing settings.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// SubjectPrefix is the first subject token. Default: "broute".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ZabbixConfig contains zabbix_sender settings.
type ZabbixConfig struct {
	Enabled bool `yaml:"enabled"`

	// SenderPath is the zabbix_sender binary. Default: "zabbix_sender".
	SenderPath string `yaml:"sender_path"`

	Server string `yaml:"server"`
	Port   int    `yaml:"port"`

	// Host is the monitored host name as configured in Zabbix.
	Host string `yaml:"host"`

	// Key is the trapper item key receiving the power value.
	Key string `yaml:"key"`

	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT verification settings. An empty secret disables
// authentication on the API.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BROUTE_SECTION_KEY
// For example: BROUTE_METER_CONNECTION, BROUTE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Meter: MeterConfig{
			ID:         "meter",
			Connection: "serial:///dev/ttyUSB0",
			BaudRate:   115200,
			Scan: ScanConfig{
				Mode:        2,
				ChannelMask: "FFFFFFFF",
				MinDuration: 4,
				MaxDuration: 7,
			},
			QueryTimeout:      2 * time.Second,
			PollInterval:      60 * time.Second,
			HealthInterval:    30 * time.Second,
			SourceObject:      "05FF01",
			DestinationObject: "028801",
			UDPPort:           "0E1A",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/broute.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "broute-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "broute",
		},
		Zabbix: ZabbixConfig{
			SenderPath: "zabbix_sender",
			Port:       10051,
			Key:        "power",
			Timeout:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BROUTE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Meter credentials and modem
	if v := os.Getenv("BROUTE_METER_RBID"); v != "" {
		cfg.Meter.RouteBID = v
	}
	if v := os.Getenv("BROUTE_METER_PASSWORD"); v != "" {
		cfg.Meter.RouteBPassword = v
	}
	if v := os.Getenv("BROUTE_METER_CONNECTION"); v != "" {
		cfg.Meter.Connection = v
	}

	// Database
	if v := os.Getenv("BROUTE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("BROUTE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BROUTE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BROUTE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("BROUTE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// NATS
	if v := os.Getenv("BROUTE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	// Security
	if v := os.Getenv("BROUTE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.Meter.validate()...)

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when enabled")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required when enabled")
	}

	if c.Zabbix.Enabled {
		if c.Zabbix.Server == "" || c.Zabbix.Host == "" || c.Zabbix.Key == "" {
			errs = append(errs, "zabbix.server, zabbix.host and zabbix.key are required when enabled")
		}
	}

	// An empty secret disables API authentication; a short one is refused.
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate checks the meter section.
func (m MeterConfig) validate() []string {
	var errs []string

	if m.ID == "" {
		errs = append(errs, "meter.id is required")
	} else if strings.ContainsAny(m.ID, "/#+. *>") {
		errs = append(errs, "meter.id must not contain MQTT or NATS wildcard characters")
	}
	if m.Connection == "" {
		errs = append(errs, "meter.connection is required")
	}
	if m.BaudRate < 0 {
		errs = append(errs, "meter.baud_rate must not be negative")
	}

	switch {
	case m.RouteBID == "" && m.RouteBPassword == "":
	case len(m.RouteBID) != routeBIDLength:
		errs = append(errs, "meter.route_b_id must be 32 characters (set BROUTE_METER_RBID)")
	case len(m.RouteBPassword) != routeBPasswordLength:
		errs = append(errs, "meter.route_b_password must be 12 characters (set BROUTE_METER_PASSWORD)")
	}

	if m.Scan.MinDuration < 0 || m.Scan.MaxDuration > maxScanDuration || m.Scan.MinDuration > m.Scan.MaxDuration {
		errs = append(errs, "meter.scan durations must satisfy 0 <= min_duration <= max_duration <= 14")
	}
	if !isHex(m.Scan.ChannelMask, 4) {
		errs = append(errs, "meter.scan.channel_mask must be 8 hex digits")
	}

	if m.JoinReadTimeout < 0 {
		errs = append(errs, "meter.join_read_timeout must not be negative")
	}
	if m.QueryTimeout <= 0 {
		errs = append(errs, "meter.query_timeout must be positive")
	}
	if m.PollInterval < 0 {
		errs = append(errs, "meter.poll_interval must not be negative")
	}

	if !isHex(m.SourceObject, 3) {
		errs = append(errs, "meter.source_object must be 6 hex digits")
	}
	if !isHex(m.DestinationObject, 3) {
		errs = append(errs, "meter.destination_object must be 6 hex digits")
	}
	if !isHex(m.UDPPort, 2) {
		errs = append(errs, "meter.udp_port must be 4 hex digits")
	}

	return errs
}

// isHex reports whether s is exactly size bytes of hex.
func isHex(s string, size int) bool {
	b, err := hex.DecodeString(s)
	return err == nil && len(b) == size
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
