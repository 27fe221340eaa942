package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
meter:
  id: "house"
  connection: "tcp://192.168.1.20:4001"
  route_b_id: "00112233445566778899AABBCCDDEEFF"
  route_b_password: "0123456789AB"
  scan:
    min_duration: 3
    max_duration: 8
  join_read_timeout: 30s
  query_timeout: 3s
  poll_interval: 10s
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
    port: 1883
  qos: 1
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Meter.ID != "house" {
		t.Errorf("Meter.ID = %q, want %q", cfg.Meter.ID, "house")
	}
	if cfg.Meter.Connection != "tcp://192.168.1.20:4001" {
		t.Errorf("Meter.Connection = %q", cfg.Meter.Connection)
	}
	if cfg.Meter.Scan.MinDuration != 3 || cfg.Meter.Scan.MaxDuration != 8 {
		t.Errorf("Scan = %+v, want 3..8", cfg.Meter.Scan)
	}
	if cfg.Meter.JoinReadTimeout != 30*time.Second {
		t.Errorf("JoinReadTimeout = %v, want 30s", cfg.Meter.JoinReadTimeout)
	}
	if cfg.Meter.QueryTimeout != 3*time.Second {
		t.Errorf("QueryTimeout = %v, want 3s", cfg.Meter.QueryTimeout)
	}
	if cfg.Meter.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want 10s", cfg.Meter.PollInterval)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}

	// Unset fields keep their defaults.
	if cfg.Meter.Scan.ChannelMask != "FFFFFFFF" {
		t.Errorf("Scan.ChannelMask = %q, want default", cfg.Meter.Scan.ChannelMask)
	}
	if cfg.Meter.DestinationObject != "028801" {
		t.Errorf("DestinationObject = %q, want default", cfg.Meter.DestinationObject)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BROUTE_METER_RBID", "FFEEDDCCBBAA99887766554433221100")
	t.Setenv("BROUTE_METER_PASSWORD", "ABCDEF012345")
	t.Setenv("BROUTE_METER_CONNECTION", "serial:///dev/ttyAMA0")
	t.Setenv("BROUTE_DATABASE_PATH", "/var/lib/broute/broute.db")
	t.Setenv("BROUTE_MQTT_HOST", "mqtt.internal")
	t.Setenv("BROUTE_MQTT_USERNAME", "bridge")
	t.Setenv("BROUTE_MQTT_PASSWORD", "mqtt-pass")
	t.Setenv("BROUTE_INFLUXDB_TOKEN", "influx-token")
	t.Setenv("BROUTE_NATS_URL", "nats://nats.internal:4222")
	t.Setenv("BROUTE_JWT_SECRET", "env-secret-key-at-least-32-characters")

	cfg, err := Load(writeConfig(t, "meter:\n  id: house\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := map[string][2]string{
		"Meter.RouteBID":       {cfg.Meter.RouteBID, "FFEEDDCCBBAA99887766554433221100"},
		"Meter.RouteBPassword": {cfg.Meter.RouteBPassword, "ABCDEF012345"},
		"Meter.Connection":     {cfg.Meter.Connection, "serial:///dev/ttyAMA0"},
		"Database.Path":        {cfg.Database.Path, "/var/lib/broute/broute.db"},
		"MQTT.Broker.Host":     {cfg.MQTT.Broker.Host, "mqtt.internal"},
		"MQTT.Auth.Username":   {cfg.MQTT.Auth.Username, "bridge"},
		"MQTT.Auth.Password":   {cfg.MQTT.Auth.Password, "mqtt-pass"},
		"InfluxDB.Token":       {cfg.InfluxDB.Token, "influx-token"},
		"NATS.URL":             {cfg.NATS.URL, "nats://nats.internal:4222"},
		"Security.JWT.Secret":  {cfg.Security.JWT.Secret, "env-secret-key-at-least-32-characters"},
	}
	for field, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", field, c[0], c[1])
		}
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Errorf("defaultConfig().Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "missing meter id",
			modify:  func(c *Config) { c.Meter.ID = "" },
			wantErr: "meter.id is required",
		},
		{
			name:    "meter id with wildcard",
			modify:  func(c *Config) { c.Meter.ID = "house/#" },
			wantErr: "wildcard",
		},
		{
			name:    "missing connection",
			modify:  func(c *Config) { c.Meter.Connection = "" },
			wantErr: "meter.connection is required",
		},
		{
			name: "short route B id",
			modify: func(c *Config) {
				c.Meter.RouteBID = "0011"
				c.Meter.RouteBPassword = "0123456789AB"
			},
			wantErr: "route_b_id",
		},
		{
			name: "password without id",
			modify: func(c *Config) {
				c.Meter.RouteBPassword = "0123456789AB"
			},
			wantErr: "route_b_id",
		},
		{
			name: "wrong password length",
			modify: func(c *Config) {
				c.Meter.RouteBID = "00112233445566778899AABBCCDDEEFF"
				c.Meter.RouteBPassword = "short"
			},
			wantErr: "route_b_password",
		},
		{
			name:    "inverted scan durations",
			modify:  func(c *Config) { c.Meter.Scan.MinDuration = 8 },
			wantErr: "scan durations",
		},
		{
			name:    "scan duration too large",
			modify:  func(c *Config) { c.Meter.Scan.MaxDuration = 15 },
			wantErr: "scan durations",
		},
		{
			name:    "bad channel mask",
			modify:  func(c *Config) { c.Meter.Scan.ChannelMask = "XYZ" },
			wantErr: "channel_mask",
		},
		{
			name:    "zero query timeout",
			modify:  func(c *Config) { c.Meter.QueryTimeout = 0 },
			wantErr: "query_timeout",
		},
		{
			name:    "bad destination object",
			modify:  func(c *Config) { c.Meter.DestinationObject = "0288" },
			wantErr: "destination_object",
		},
		{
			name:    "bad udp port",
			modify:  func(c *Config) { c.Meter.UDPPort = "36100" },
			wantErr: "udp_port",
		},
		{
			name:    "bad qos",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "bad api port",
			modify:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name:    "influxdb enabled without bucket",
			modify:  func(c *Config) { c.InfluxDB.Enabled = true; c.InfluxDB.URL = "http://influx:8086" },
			wantErr: "influxdb",
		},
		{
			name:    "zabbix enabled without server",
			modify:  func(c *Config) { c.Zabbix.Enabled = true },
			wantErr: "zabbix",
		},
		{
			name:    "short jwt secret",
			modify:  func(c *Config) { c.Security.JWT.Secret = "too-short" },
			wantErr: "security.jwt.secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Meter.ID = ""
	cfg.MQTT.QoS = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	for _, want := range []string{"meter.id", "mqtt.qos"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestTimeoutGetters(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 30*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", got)
	}
}
