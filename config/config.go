package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	Fulfillment   FulfillmentConfig   `yaml:"fulfillment"`
	Automation    AutomationConfig    `yaml:"automation"`
	Revisions     RevisionsConfig     `yaml:"revisions"`
	Exceptions    ExceptionsConfig    `yaml:"exceptions"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnString builds the pgx connection string; ssl_mode defaults to disable.
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	PaymentsTopicName       string `yaml:"payments_topic_name"`
	TrackingEventsTopicName string `yaml:"tracking_events_topic_name"`
	NotificationsTopicName  string `yaml:"notifications_topic_name"`
	RefundsTopicName        string `yaml:"refunds_topic_name"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type FulfillmentConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	WorkerHTTPAddr          string `yaml:"worker_http_addr"`
	Storage                 string `yaml:"storage"` // "postgres" | "memory"
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	OrderCacheTTLSeconds    int    `yaml:"order_cache_ttl_seconds"`
	ShipmentCacheTTLSeconds int    `yaml:"shipment_cache_ttl_seconds"`

	WorkerPollIntervalSeconds int            `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int            `yaml:"worker_batch_size"`
	WorkerConcurrency         int            `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int            `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int            `yaml:"worker_rate_limit_per_minute"`
	PlatformRateLimits        map[string]int `yaml:"platform_rate_limits_per_minute"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	SweepBatchSize       int `yaml:"sweep_batch_size"`

	WebhookRatePerSecond float64 `yaml:"webhook_rate_per_second"`
	WebhookBurst         int     `yaml:"webhook_burst"`

	SellerAgentBaseURL string `yaml:"seller_agent_base_url"`
	SellerAgentMode    string `yaml:"seller_agent_mode"` // "v1" | "fake"
	SellerAgentAPIKey  string `yaml:"seller_agent_api_key"`

	CarrierEmulatorBaseURL     string `yaml:"carrier_emulator_base_url"`
	CarrierEmulatorMode        string `yaml:"carrier_emulator_mode"` // "v1" | "fake"
	CarrierEmulatorAPIKey      string `yaml:"carrier_emulator_api_key"`
	CarrierEmulatorCallbackURL string `yaml:"carrier_emulator_callback_url"`
}

func (f FulfillmentConfig) OrderCacheTTL() time.Duration {
	if f.OrderCacheTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(f.OrderCacheTTLSeconds) * time.Second
}

func (f FulfillmentConfig) ShipmentCacheTTL() time.Duration {
	if f.ShipmentCacheTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(f.ShipmentCacheTTLSeconds) * time.Second
}

type AutomationConfig struct {
	MaxRetries     int   `yaml:"max_retries"`
	BackoffSeconds []int `yaml:"backoff_seconds"`

	RescrapeMinSeconds int `yaml:"rescrape_min_seconds"`
	RescrapeMaxSeconds int `yaml:"rescrape_max_seconds"`
}

func (a AutomationConfig) Backoff() []time.Duration {
	var out []time.Duration
	for _, s := range a.BackoffSeconds {
		if s > 0 {
			out = append(out, time.Duration(s)*time.Second)
		}
	}
	return out
}

// Amounts are strings so YAML never rounds them through float64.
type RevisionsConfig struct {
	AutoApproveAmount     string `yaml:"auto_approve_amount"`
	AutoApprovePercent    string `yaml:"auto_approve_percent"`
	PriceTolerance        string `yaml:"price_tolerance"`
	WeightTolerance       string `yaml:"weight_tolerance"`
	ShippingRatePerKg     string `yaml:"shipping_rate_per_kg"`
	ResponseDeadlineHours int    `yaml:"response_deadline_hours"`
}

type ExceptionsConfig struct {
	ResponseDeadlineHours int `yaml:"response_deadline_hours"`
}

type ConsolidationConfig struct {
	DefaultMaxWaitDays int    `yaml:"default_max_wait_days"`
	DefaultPreference  string `yaml:"default_preference"`
	PartialGroupSize   int    `yaml:"partial_group_size"`
}

func LoadConfig(filename string) (*Config, error) {
	// .env is optional; real environment wins over it.
	_ = godotenv.Load()

	if filename == "" {
		filename = os.Getenv("configPath")
	}
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
