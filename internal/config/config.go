package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Transport configuration
	TransportType string `yaml:"transport"`
	QueueName     string `yaml:"queueName"`

	// RabbitMQ configuration
	RabbitMQURL      string `yaml:"rabbitmqUrl"`
	RabbitMQExchange string `yaml:"rabbitmqExchange"`
	RabbitMQPrefetch int    `yaml:"rabbitmqPrefetch"`

	// SQS configuration
	SQSBaseURL               string `yaml:"sqsEndpoint"`
	SQSRegion                string `yaml:"awsRegion"`
	SQSVisibilityTimeout     int32  `yaml:"sqsVisibilityTimeout"` // seconds
	SQSWaitTimeSeconds       int32  `yaml:"sqsWaitTimeSeconds"`
	SQSNackVisibilityTimeout int32  `yaml:"sqsNackVisibilityTimeout"`

	// Dead-letter path created by setup-queues. An empty name derives one
	// from QueueName.
	DeadLetterQueue string `yaml:"deadLetterQueue"`
	MaxReceiveCount int    `yaml:"maxReceiveCount"`

	// Connection retries shared by both transports
	QueueRetryAttempts int           `yaml:"queueRetryAttempts"`
	QueueRetryBackoff  time.Duration `yaml:"queueRetryBackoff"`

	// Persistence. An empty DatabaseURL selects the in-memory store.
	DatabaseURL   string        `yaml:"databaseUrl"`
	DBMaxConns    int32         `yaml:"dbMaxConns"`
	DBMinConns    int32         `yaml:"dbMinConns"`
	DBMaxConnLife time.Duration `yaml:"dbMaxConnLifetime"`
	DBMaxConnIdle time.Duration `yaml:"dbMaxConnIdleTime"`

	// Notification claims. An empty RedisURL selects in-process claims.
	RedisURL          string `yaml:"redisUrl"`
	IdempotencyPrefix string `yaml:"idempotencyPrefix"`

	// Side effects
	SlackWebhookURL   string        `yaml:"slackWebhookUrl"`
	SegmentWriteKey   string        `yaml:"segmentWriteKey"`
	SegmentEndpoint   string        `yaml:"segmentEndpoint"`
	SideEffectTimeout time.Duration `yaml:"sideEffectTimeout"`

	// External providers. The per-provider URLs default to ProviderURL.
	ProviderURL           string        `yaml:"providerUrl"`
	ContentProviderURL    string        `yaml:"contentProviderUrl"`
	ElectionProviderURL   string        `yaml:"electionProviderUrl"`
	ViabilityProviderURL  string        `yaml:"viabilityProviderUrl"`
	ComplianceProviderURL string        `yaml:"complianceProviderUrl"`
	ProviderAPIKey        string        `yaml:"providerApiKey"`
	ProviderTimeout       time.Duration `yaml:"providerTimeout"`

	// Retry policy
	RescheduleDelay     time.Duration `yaml:"rescheduleDelay"`
	EscalationThreshold int           `yaml:"escalationThreshold"`

	// Metrics configuration
	MetricsEnabled   bool   `yaml:"metricsEnabled"`
	MetricsAddr      string `yaml:"metricsAddr"`
	MetricsNamespace string `yaml:"metricsNamespace"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

func defaults() Config {
	return Config{
		TransportType:            "sqs",
		QueueName:                "campaign-jobs.fifo",
		RabbitMQExchange:         "campaign",
		RabbitMQPrefetch:         1,
		SQSRegion:                "us-west-2",
		SQSVisibilityTimeout:     300,
		SQSWaitTimeSeconds:       20,
		SQSNackVisibilityTimeout: -1,
		MaxReceiveCount:          5,
		QueueRetryAttempts:       3,
		QueueRetryBackoff:        time.Second,
		IdempotencyPrefix:        "campaign-worker",
		SideEffectTimeout:        5 * time.Second,
		ProviderTimeout:          2 * time.Minute,
		RescheduleDelay:          12 * time.Hour,
		EscalationThreshold:      3,
		MetricsEnabled:           true,
		MetricsAddr:              ":8080",
		MetricsNamespace:         "campaign_worker",
		LogLevel:                 "INFO",
		LogFormat:                "text",
	}
}

// Load decodes a YAML document over the defaults. Unknown fields are errors.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Load(f)
}

// LoadFromEnv reads WORKER_CONFIG_FILE when set, then applies WORKER_*
// overrides and validates the result.
func LoadFromEnv() (*Config, error) {
	base := defaults()
	cfg := &base
	if path := os.Getenv("WORKER_CONFIG_FILE"); path != "" {
		fromFile, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fromFile
	}

	// Transport configuration
	cfg.TransportType = getEnv("WORKER_TRANSPORT", cfg.TransportType)
	cfg.QueueName = getEnv("WORKER_QUEUE_NAME", cfg.QueueName)

	// RabbitMQ configuration
	cfg.RabbitMQURL = buildRabbitMQURL(cfg.RabbitMQURL)
	cfg.RabbitMQExchange = getEnv("WORKER_RABBITMQ_EXCHANGE", cfg.RabbitMQExchange)
	cfg.RabbitMQPrefetch = getEnvInt("WORKER_RABBITMQ_PREFETCH", cfg.RabbitMQPrefetch)

	// SQS configuration
	cfg.SQSBaseURL = getEnv("WORKER_SQS_ENDPOINT", cfg.SQSBaseURL)
	cfg.SQSRegion = getEnv("WORKER_AWS_REGION", cfg.SQSRegion)
	cfg.SQSVisibilityTimeout = getEnvInt32("WORKER_SQS_VISIBILITY_TIMEOUT", cfg.SQSVisibilityTimeout)
	cfg.SQSWaitTimeSeconds = getEnvInt32("WORKER_SQS_WAIT_TIME_SECONDS", cfg.SQSWaitTimeSeconds)
	cfg.SQSNackVisibilityTimeout = getEnvInt32("WORKER_SQS_NACK_VISIBILITY_TIMEOUT", cfg.SQSNackVisibilityTimeout)

	cfg.DeadLetterQueue = getEnv("WORKER_DEAD_LETTER_QUEUE", cfg.DeadLetterQueue)
	cfg.MaxReceiveCount = getEnvInt("WORKER_MAX_RECEIVE_COUNT", cfg.MaxReceiveCount)

	cfg.QueueRetryAttempts = getEnvInt("WORKER_QUEUE_RETRY_ATTEMPTS", cfg.QueueRetryAttempts)
	cfg.QueueRetryBackoff = getEnvDuration("WORKER_QUEUE_RETRY_BACKOFF", cfg.QueueRetryBackoff)

	// Persistence
	cfg.DatabaseURL = getEnv("WORKER_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = getEnvInt32("WORKER_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = getEnvInt32("WORKER_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBMaxConnLife = getEnvDuration("WORKER_DB_MAX_CONN_LIFETIME", cfg.DBMaxConnLife)
	cfg.DBMaxConnIdle = getEnvDuration("WORKER_DB_MAX_CONN_IDLE_TIME", cfg.DBMaxConnIdle)
	cfg.RedisURL = getEnv("WORKER_REDIS_URL", cfg.RedisURL)
	cfg.IdempotencyPrefix = getEnv("WORKER_IDEMPOTENCY_PREFIX", cfg.IdempotencyPrefix)

	// Side effects
	cfg.SlackWebhookURL = getEnv("WORKER_SLACK_WEBHOOK_URL", cfg.SlackWebhookURL)
	cfg.SegmentWriteKey = getEnv("WORKER_SEGMENT_WRITE_KEY", cfg.SegmentWriteKey)
	cfg.SegmentEndpoint = getEnv("WORKER_SEGMENT_ENDPOINT", cfg.SegmentEndpoint)
	cfg.SideEffectTimeout = getEnvDuration("WORKER_SIDE_EFFECT_TIMEOUT", cfg.SideEffectTimeout)

	// Providers
	cfg.ProviderURL = getEnv("WORKER_PROVIDER_URL", cfg.ProviderURL)
	cfg.ContentProviderURL = getEnv("WORKER_CONTENT_PROVIDER_URL", cfg.ContentProviderURL)
	cfg.ElectionProviderURL = getEnv("WORKER_ELECTION_PROVIDER_URL", cfg.ElectionProviderURL)
	cfg.ViabilityProviderURL = getEnv("WORKER_VIABILITY_PROVIDER_URL", cfg.ViabilityProviderURL)
	cfg.ComplianceProviderURL = getEnv("WORKER_COMPLIANCE_PROVIDER_URL", cfg.ComplianceProviderURL)
	cfg.ProviderAPIKey = getEnv("WORKER_PROVIDER_API_KEY", cfg.ProviderAPIKey)
	cfg.ProviderTimeout = getEnvDuration("WORKER_PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	for _, u := range []*string{&cfg.ContentProviderURL, &cfg.ElectionProviderURL, &cfg.ViabilityProviderURL, &cfg.ComplianceProviderURL} {
		if *u == "" {
			*u = cfg.ProviderURL
		}
	}

	// Retry policy
	cfg.RescheduleDelay = getEnvDuration("WORKER_RESCHEDULE_DELAY", cfg.RescheduleDelay)
	cfg.EscalationThreshold = getEnvInt("WORKER_ESCALATION_THRESHOLD", cfg.EscalationThreshold)

	// Metrics
	cfg.MetricsEnabled = getEnvBool("WORKER_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsAddr = getEnv("WORKER_METRICS_ADDR", cfg.MetricsAddr)
	cfg.MetricsNamespace = getEnv("WORKER_METRICS_NAMESPACE", cfg.MetricsNamespace)

	// Logging
	cfg.LogLevel = getEnv("WORKER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("WORKER_LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks settings every command depends on.
func (c *Config) Validate() error {
	switch c.TransportType {
	case "sqs", "rabbitmq":
	default:
		return fmt.Errorf("unsupported transport %q (want sqs or rabbitmq)", c.TransportType)
	}
	if c.QueueName == "" {
		return fmt.Errorf("queue name is required")
	}
	if c.RescheduleDelay <= 0 {
		return fmt.Errorf("reschedule delay must be positive, got %v", c.RescheduleDelay)
	}
	if c.EscalationThreshold <= 0 {
		return fmt.Errorf("escalation threshold must be positive, got %d", c.EscalationThreshold)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q (want text or json)", c.LogFormat)
	}
	return nil
}

// ValidateProviders checks the settings only the consumer needs.
func (c *Config) ValidateProviders() error {
	missing := []string{}
	if c.ContentProviderURL == "" {
		missing = append(missing, "WORKER_CONTENT_PROVIDER_URL")
	}
	if c.ElectionProviderURL == "" {
		missing = append(missing, "WORKER_ELECTION_PROVIDER_URL")
	}
	if c.ComplianceProviderURL == "" {
		missing = append(missing, "WORKER_COMPLIANCE_PROVIDER_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("provider URLs not configured: %s (or set WORKER_PROVIDER_URL)", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(i)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}

func buildRabbitMQURL(current string) string {
	if url := os.Getenv("WORKER_RABBITMQ_URL"); url != "" {
		return url
	}
	if current != "" {
		return current
	}

	host := getEnv("WORKER_RABBITMQ_HOST", "localhost")
	port := getEnv("WORKER_RABBITMQ_PORT", "5672")
	username := getEnv("WORKER_RABBITMQ_USERNAME", "guest")
	password := getEnv("WORKER_RABBITMQ_PASSWORD", "guest")

	return fmt.Sprintf("amqp://%s:%s@%s:%s/", username, password, host, port)
}
