package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
api:
  base_url: "http://localhost:8080"
  refresh_window_seconds: 120
realtime:
  url: "ws://localhost:8080/ws"
  reconnect_attempts: 3
driver:
  partner_id: "D1"
  location_interval_seconds: 10
customer:
  user_id: "U1"
  driver_id: "D1"
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  order_events_topic_name: "orders"
redis:
  host: "localhost"
  port: 6379
gateway:
  http_addr: ":8080"
  jwt_secret: "s"
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "orders", cfg.Kafka.Topic())
	require.Equal(t, "localhost:6379", cfg.Redis.Addr())
	require.Equal(t, ":8080", cfg.Gateway.HTTPAddr)
	require.Equal(t, "D1", cfg.Driver.PartnerID)
	require.Equal(t, 120*time.Second, cfg.API.RefreshWindow())
	require.Equal(t, 3, cfg.Realtime.Attempts())
	require.Equal(t, 10*time.Second, cfg.Driver.LocationInterval())
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.Database.ConnString())
}

func TestDefaults(t *testing.T) {
	var cfg Config

	require.Equal(t, 180*time.Second, cfg.API.RefreshWindow())
	require.Equal(t, 5, cfg.Realtime.Attempts())
	require.Equal(t, time.Second, cfg.Realtime.Delay())
	require.Equal(t, 30*time.Second, cfg.Driver.LocationInterval())
	require.Equal(t, 2*time.Minute, cfg.Driver.LocationPersistMinInterval())
	require.Equal(t, 5*time.Second, cfg.Driver.CompletionGrace())
	require.Equal(t, 24*time.Hour, cfg.Driver.SnapshotMaxAge())
	require.Equal(t, 15*time.Second, cfg.Customer.PollInterval())
	require.Equal(t, 5*time.Second, cfg.Routing.Timeout())
	require.Equal(t, "order.events", cfg.Kafka.Topic())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
