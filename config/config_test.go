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
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  payments_topic_name: "payments.completed"
  tracking_events_topic_name: "tracking.events"
redis:
  host: "localhost"
  port: 6379
fulfillment:
  http_addr: ":8080"
  storage: "memory"
  kafka_consumer_group: "fulfillment-api"
  order_cache_ttl_seconds: 120
  platform_rate_limits_per_minute:
    taobao: 30
  webhook_rate_per_second: 20.5
automation:
  max_retries: 4
  backoff_seconds: [60, 0, 300]
revisions:
  auto_approve_amount: "25.00"
  response_deadline_hours: 72
consolidation:
  default_max_wait_days: 10
  partial_group_size: 3
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.Database.ConnString())
	require.Equal(t, "tracking.events", cfg.Kafka.TrackingEventsTopicName)
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers())
	require.Equal(t, "localhost:6379", cfg.Redis.Addr())
	require.Equal(t, ":8080", cfg.Fulfillment.HTTPAddr)
	require.Equal(t, "memory", cfg.Fulfillment.Storage)
	require.Equal(t, 2*time.Minute, cfg.Fulfillment.OrderCacheTTL())
	require.Equal(t, 10*time.Minute, cfg.Fulfillment.ShipmentCacheTTL())
	require.Equal(t, map[string]int{"taobao": 30}, cfg.Fulfillment.PlatformRateLimits)
	require.InDelta(t, 20.5, cfg.Fulfillment.WebhookRatePerSecond, 0.001)
	require.Equal(t, 4, cfg.Automation.MaxRetries)
	require.Equal(t, []time.Duration{time.Minute, 5 * time.Minute}, cfg.Automation.Backoff())
	require.Equal(t, "25.00", cfg.Revisions.AutoApproveAmount)
	require.Equal(t, 72, cfg.Revisions.ResponseDeadlineHours)
	require.Equal(t, 3, cfg.Consolidation.PartialGroupSize)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
