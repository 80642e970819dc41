package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
host:
  poll_interval: 250ms
  command_timeout: 2s
drivers:
  - moniker: "thermo1"
    type: "sim"
    params:
      initial_temp: 19.5
  - moniker: "plc"
    type: "modbus"
    enabled: false
polling:
  interval: 500ms
  concurrency: 4
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "localhost"
    port: 1883
  qos: 1
api:
  port: 8090
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Host.PollInterval != 250*time.Millisecond {
		t.Errorf("Host.PollInterval = %v, want 250ms", cfg.Host.PollInterval)
	}
	// Unset keys keep their defaults.
	if cfg.Host.MaxRetryInterval != 2*time.Minute {
		t.Errorf("Host.MaxRetryInterval = %v, want 2m", cfg.Host.MaxRetryInterval)
	}
	if cfg.Polling.Concurrency != 4 {
		t.Errorf("Polling.Concurrency = %d, want 4", cfg.Polling.Concurrency)
	}
	if len(cfg.Drivers) != 2 {
		t.Fatalf("len(Drivers) = %d, want 2", len(cfg.Drivers))
	}
	if !cfg.Drivers[0].IsEnabled() || cfg.Drivers[1].IsEnabled() {
		t.Errorf("IsEnabled() = %v, %v; want true, false", cfg.Drivers[0].IsEnabled(), cfg.Drivers[1].IsEnabled())
	}
	if got := cfg.Drivers[0].Params["initial_temp"]; got != 19.5 {
		t.Errorf("Drivers[0].Params[initial_temp] = %v, want 19.5", got)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	const key = "GRAYLOGIC_INFLUXDB_TOKEN"
	if _, ok := os.LookupEnv(key); ok {
		t.Skipf("%s already set in the environment", key)
	}
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(writeConfig(t, dir, "site:\n  id: s\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InfluxDB.Token != "from-dotenv" {
		t.Errorf("InfluxDB.Token = %q, want from-dotenv", cfg.InfluxDB.Token)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, t.TempDir(), "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
`
	_, err := Load(writeConfig(t, t.TempDir(), content))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	validJWTSecret := "test-secret-key-at-least-32-chars!"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "with jwt secret", mutate: func(c *Config) { c.Security.JWT.Secret = validJWTSecret }},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: "site.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Host.PollInterval = 0 }, wantErr: "host.poll_interval"},
		{
			name:    "max retry below retry",
			mutate:  func(c *Config) { c.Host.MaxRetryInterval = time.Second },
			wantErr: "host.max_retry_interval",
		},
		{name: "zero queue depth", mutate: func(c *Config) { c.Host.QueueDepth = 0 }, wantErr: "host.queue_depth"},
		{name: "zero polling concurrency", mutate: func(c *Config) { c.Polling.Concurrency = 0 }, wantErr: "polling.concurrency"},
		{name: "zero page size", mutate: func(c *Config) { c.BulkLoad.PageSize = 0 }, wantErr: "bulkload.page_size"},
		{
			name: "duplicate moniker",
			mutate: func(c *Config) {
				c.Drivers = []DriverConfig{{Moniker: "a", Type: "sim"}, {Moniker: "A", Type: "sim"}}
			},
			wantErr: "duplicated",
		},
		{
			name:    "driver without type",
			mutate:  func(c *Config) { c.Drivers = []DriverConfig{{Moniker: "a"}} },
			wantErr: "drivers[0].type",
		},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "jwt.secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_API_PORT", "9000")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_POLLING_INTERVAL", "2s")
	t.Setenv("GRAYLOGIC_LOG_LEVEL", "debug")
	t.Setenv("GRAYLOGIC_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"API.Port", cfg.API.Port, 9000},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Polling.Interval", cfg.Polling.Interval, 2 * time.Second},
		{"Logging.Level", cfg.Logging.Level, "debug"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestApplyEnvOverrides_IgnoresMalformedNumbers(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("GRAYLOGIC_API_PORT", "eighty")
	t.Setenv("GRAYLOGIC_POLLING_INTERVAL", "soon")

	applyEnvOverrides(cfg)

	if cfg.API.Port != 8090 {
		t.Errorf("API.Port = %d, want default 8090", cfg.API.Port)
	}
	if cfg.Polling.Interval != time.Second {
		t.Errorf("Polling.Interval = %v, want default 1s", cfg.Polling.Interval)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if !cfg.Polling.MirrorAll {
		t.Error("Polling.MirrorAll = false, want true by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig().Validate() error = %v", err)
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8090 {
		t.Errorf("defaultConfig API.Port = %d, want 8090", cfg.API.Port)
	}

	if cfg.Host.QueueDepth != 256 {
		t.Errorf("defaultConfig Host.QueueDepth = %d, want 256", cfg.Host.QueueDepth)
	}
}
