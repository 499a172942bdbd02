package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Local    LocalConfig    `yaml:"local"`
	Driver   DriverConfig   `yaml:"driver"`
	Customer CustomerConfig `yaml:"customer"`
	Routing  RoutingConfig  `yaml:"routing"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type APIConfig struct {
	BaseURL              string `yaml:"base_url"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	RefreshWindowSeconds int    `yaml:"refresh_window_seconds"`
}

type RealtimeConfig struct {
	URL                string `yaml:"url"`
	ReconnectAttempts  int    `yaml:"reconnect_attempts"`
	ReconnectDelayMS   int    `yaml:"reconnect_delay_ms"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
}

type LocalConfig struct {
	// Path to the sqlite file backing the local keyed store.
	StorePath string `yaml:"store_path"`
}

type DriverConfig struct {
	PartnerID string `yaml:"partner_id"`
	OpsAddr   string `yaml:"ops_addr"`

	LocationIntervalSeconds       int `yaml:"location_interval_seconds"`
	LocationPersistMinIntervalSec int `yaml:"location_persist_min_interval_seconds"`
	CompletionGraceSeconds        int `yaml:"completion_grace_seconds"`
	SnapshotMaxAgeHours           int `yaml:"snapshot_max_age_hours"`

	// Fixed device position used when no live geolocation source is wired.
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type CustomerConfig struct {
	UserID   string `yaml:"user_id"`
	DriverID string `yaml:"driver_id"`
	OpsAddr  string `yaml:"ops_addr"`

	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	CompletionGraceSeconds int `yaml:"completion_grace_seconds"`
	SnapshotMaxAgeHours    int `yaml:"snapshot_max_age_hours"`
}

type RoutingConfig struct {
	OSRMBaseURL       string `yaml:"osrm_base_url"`
	NavigationBaseURL string `yaml:"navigation_base_url"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

type GatewayConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	SwaggerPath string `yaml:"swagger_path"`

	JWTSecret         string `yaml:"jwt_secret"`
	AccessTTLSeconds  int    `yaml:"access_ttl_seconds"`
	RefreshTTLSeconds int    `yaml:"refresh_ttl_seconds"`

	LocationTTLSeconds       int `yaml:"location_ttl_seconds"`
	InactivityTimeoutSeconds int `yaml:"inactivity_timeout_seconds"`
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds"`
	OTPAttemptsPerMinute     int `yaml:"otp_attempts_per_minute"`

	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	OrderEventsTopicName string `yaml:"order_events_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// ConnString builds the pgx DSN, defaulting sslmode to disable.
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

func (k KafkaConfig) Topic() string {
	if k.OrderEventsTopicName == "" {
		return "order.events"
	}
	return k.OrderEventsTopicName
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (a APIConfig) Timeout() time.Duration {
	return seconds(a.TimeoutSeconds, 10*time.Second)
}

func (a APIConfig) RefreshWindow() time.Duration {
	return seconds(a.RefreshWindowSeconds, 180*time.Second)
}

func (r RealtimeConfig) Attempts() int {
	if r.ReconnectAttempts <= 0 {
		return 5
	}
	return r.ReconnectAttempts
}

func (r RealtimeConfig) Delay() time.Duration {
	if r.ReconnectDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(r.ReconnectDelayMS) * time.Millisecond
}

func (r RealtimeConfig) HandshakeTimeout() time.Duration {
	if r.HandshakeTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.HandshakeTimeoutMS) * time.Millisecond
}

func (d DriverConfig) LocationInterval() time.Duration {
	return seconds(d.LocationIntervalSeconds, 30*time.Second)
}

func (d DriverConfig) LocationPersistMinInterval() time.Duration {
	return seconds(d.LocationPersistMinIntervalSec, 2*time.Minute)
}

func (d DriverConfig) CompletionGrace() time.Duration {
	return seconds(d.CompletionGraceSeconds, 5*time.Second)
}

func (d DriverConfig) SnapshotMaxAge() time.Duration {
	return hours(d.SnapshotMaxAgeHours, 24*time.Hour)
}

func (c CustomerConfig) PollInterval() time.Duration {
	return seconds(c.PollIntervalSeconds, 15*time.Second)
}

func (c CustomerConfig) CompletionGrace() time.Duration {
	return seconds(c.CompletionGraceSeconds, 5*time.Second)
}

func (c CustomerConfig) SnapshotMaxAge() time.Duration {
	return hours(c.SnapshotMaxAgeHours, 24*time.Hour)
}

func (r RoutingConfig) Timeout() time.Duration {
	return seconds(r.TimeoutSeconds, 5*time.Second)
}

func (g GatewayConfig) AccessTTL() time.Duration {
	return seconds(g.AccessTTLSeconds, 15*time.Minute)
}

func (g GatewayConfig) RefreshTTL() time.Duration {
	return seconds(g.RefreshTTLSeconds, 30*24*time.Hour)
}

func (g GatewayConfig) LocationTTL() time.Duration {
	return seconds(g.LocationTTLSeconds, 10*time.Minute)
}

func (g GatewayConfig) InactivityTimeout() time.Duration {
	return seconds(g.InactivityTimeoutSeconds, 5*time.Minute)
}

func (g GatewayConfig) SweepInterval() time.Duration {
	return seconds(g.SweepIntervalSeconds, 30*time.Second)
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func hours(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Hour
}
