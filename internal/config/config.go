// Package config handles configuration loading for the responder.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"nids-responder/internal/alerting"
	"nids-responder/internal/audit"
	"nids-responder/internal/consumer"
	"nids-responder/internal/decision"
	"nids-responder/internal/encryption"
	"nids-responder/internal/enforcement"
	"nids-responder/internal/kafka"
	"nids-responder/internal/response"
	"nids-responder/internal/risk"
	"nids-responder/internal/secrets"
	"nids-responder/internal/storage"
	"nids-responder/internal/storage/s3"
)

// Event store backends.
const (
	EventStoreCSV        = "csv"
	EventStoreClickHouse = "clickhouse"
	EventStoreMemory     = "memory"
)

// Hard-block store backends.
const (
	HardBlocksFile   = "file"
	HardBlocksRedis  = "redis"
	HardBlocksMemory = "memory"
)

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig              `yaml:"server"`
	Auth            AuthConfig                `yaml:"auth"`
	RateLimit       RateLimitConfig           `yaml:"rate_limit"`
	SecurityHeaders SecurityHeadersConfig     `yaml:"security_headers"`
	Logging         LoggingConfig             `yaml:"logging"`
	EventStore      EventStoreConfig          `yaml:"eventstore"`
	ClickHouse      storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter     storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention       storage.RetentionConfig   `yaml:"retention"`
	Ingest          IngestConfig              `yaml:"ingest"`
	Validation      ValidationConfig          `yaml:"validation"`
	Queue           QueueConfig               `yaml:"queue"`
	Consumer        consumer.Config           `yaml:"consumer"`
	Kafka           KafkaConfig               `yaml:"kafka"`
	NATS            NATSConfig                `yaml:"nats"`
	Decision        decision.Thresholds       `yaml:"decision"`
	Policy          decision.PolicyConfig     `yaml:"policy"`
	HardBlocks      HardBlocksConfig          `yaml:"hard_blocks"`
	Risk            risk.Config               `yaml:"risk"`
	Enforcement     enforcement.Config        `yaml:"enforcement"`
	Alerting        alerting.Config           `yaml:"alerting"`
	Audit           audit.Config              `yaml:"audit"`
	S3              s3.Config                 `yaml:"s3"`
	Archive         encryption.Config         `yaml:"archive_encryption"`
	Response        response.Config           `yaml:"response"`
	Secrets         secrets.Config            `yaml:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort       int           `yaml:"http_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ProductionMode bool          `yaml:"production_mode"` // sanitize error messages
}

// AuthConfig holds API key authentication settings. Keys are stored as
// bcrypt hashes.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeyHashes []string `yaml:"api_key_hashes"`
	ExemptPaths  []string `yaml:"exempt_paths"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"` // Allowed above the limit
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	MaxClients    int           `yaml:"max_clients"` // Tracked client cap
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For
}

// SecurityHeadersConfig holds response header hardening settings.
type SecurityHeadersConfig struct {
	Enabled               bool              `yaml:"enabled"`
	HSTSEnabled           bool              `yaml:"hsts_enabled"`
	HSTSMaxAge            int               `yaml:"hsts_max_age"`
	HSTSIncludeSubdomains bool              `yaml:"hsts_include_subdomains"`
	ContentSecurityPolicy string            `yaml:"content_security_policy"`
	FrameOptions          string            `yaml:"frame_options"`
	ReferrerPolicy        string            `yaml:"referrer_policy"`
	CustomHeaders         map[string]string `yaml:"custom_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EventStoreConfig selects where detections are read from and written to.
type EventStoreConfig struct {
	Backend      string        `yaml:"backend"`
	CSVPath      string        `yaml:"csv_path"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int             `yaml:"max_batch_size"`
	MaxPayloadSize int64           `yaml:"max_payload_size"`
	Quarantine     bool            `yaml:"quarantine"` // store rejected payloads in ClickHouse
	TCP            TCPIngestConfig `yaml:"tcp"`
}

// TCPIngestConfig holds the newline-delimited JSON stream listener settings.
type TCPIngestConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// ValidationConfig holds detection validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// KafkaConfig holds the broker settings shared by detection ingest and
// action notifications.
type KafkaConfig struct {
	IngestEnabled bool   `yaml:"ingest_enabled"`
	NotifyEnabled bool   `yaml:"notify_enabled"`
	ActionsTopic  string `yaml:"actions_topic"`

	kafka.Config `yaml:",inline"`
}

// Ingest returns the client settings for the detections topic.
func (k KafkaConfig) Ingest() *kafka.Config {
	cfg := k.Config
	return &cfg
}

// Actions returns the client settings for the action notification topic.
func (k KafkaConfig) Actions() *kafka.Config {
	cfg := k.Config
	cfg.Topic = k.ActionsTopic
	return &cfg
}

// NATSConfig holds NATS notification settings.
type NATSConfig struct {
	Enabled bool `yaml:"enabled"`

	enforcement.NATSConfig `yaml:",inline"`
}

// HardBlocksConfig selects the hard-block set backend.
type HardBlocksConfig struct {
	Backend string               `yaml:"backend"`
	Path    string               `yaml:"path"`
	Redis   decision.RedisConfig `yaml:"redis"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	kafkaCfg := *kafka.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:      false, // Disabled by default for development
			APIKeyHeader: "X-API-Key",
			ExemptPaths:  []string{"/health", "/metrics"},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			MaxClients:    100000,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled:               true,
			HSTSEnabled:           true,
			HSTSMaxAge:            31536000, // 1 year
			HSTSIncludeSubdomains: true,
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
			FrameOptions:          "DENY",
			ReferrerPolicy:        "no-referrer",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		EventStore: EventStoreConfig{
			Backend:      EventStoreCSV,
			CSVPath:      "data/detections.csv",
			QueryTimeout: 10 * time.Second,
		},
		ClickHouse:  storage.DefaultClickHouseConfig(),
		BatchWriter: storage.DefaultBatchWriterConfig(),
		Retention: storage.RetentionConfig{
			DetectionsTTL: 90 * 24 * time.Hour,
			QuarantineTTL: 30 * 24 * time.Hour,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			TCP: TCPIngestConfig{
				Enabled:        false,
				Address:        ":5515",
				MaxConnections: 1000,
				IdleTimeout:    5 * time.Minute,
				MaxLineLength:  65535,
			},
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Consumer: consumer.DefaultConfig(),
		Kafka: KafkaConfig{
			ActionsTopic: "responder-actions",
			Config:       kafkaCfg,
		},
		NATS: NATSConfig{
			NATSConfig: enforcement.DefaultNATSConfig(),
		},
		Decision: decision.DefaultThresholds(),
		Policy: decision.PolicyConfig{
			AlwaysBlockLabels: []string{"malware"},
		},
		HardBlocks: HardBlocksConfig{
			Backend: HardBlocksFile,
			Path:    "data/hard_blocks.json",
			Redis:   decision.DefaultRedisConfig(),
		},
		Risk:        risk.DefaultConfig(),
		Enforcement: enforcement.DefaultConfig(),
		Alerting:    alerting.DefaultConfig(),
		Audit:       audit.DefaultConfig(),
		S3:          *s3.DefaultConfig(),
		Response:    response.DefaultConfig(),
		Secrets:     secrets.DefaultConfig(),
	}
}

// DefaultPath returns the config file named by RESPONDER_CONFIG_PATH, or
// configs/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("RESPONDER_CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// Load loads configuration from DefaultPath.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom loads configuration from configPath, applies environment
// overrides and validates the result. A missing file yields the defaults.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if port := os.Getenv("RESPONDER_HTTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("RESPONDER_HTTP_PORT: %w", err)
		}
		c.Server.HTTPPort = p
	}

	if level := os.Getenv("RESPONDER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if os.Getenv("RESPONDER_PRODUCTION") == "true" {
		c.Server.ProductionMode = true
	}

	// A plaintext key from the environment is hashed before it is kept.
	if apiKey := os.Getenv("RESPONDER_API_KEY"); apiKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("RESPONDER_API_KEY: %w", err)
		}
		c.Auth.APIKeyHashes = append(c.Auth.APIKeyHashes, string(hash))
		c.Auth.Enabled = true
	}

	if backend := os.Getenv("RESPONDER_EVENTSTORE"); backend != "" {
		c.EventStore.Backend = backend
	}

	if path := os.Getenv("RESPONDER_CSV_PATH"); path != "" {
		c.EventStore.CSVPath = path
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.ClickHouse.Password = pass
	}

	if brokers := os.Getenv("RESPONDER_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if url := os.Getenv("RESPONDER_NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}

	if addr := os.Getenv("RESPONDER_REDIS_ADDR"); addr != "" {
		c.HardBlocks.Redis.Addr = addr
		c.HardBlocks.Backend = HardBlocksRedis
	}

	if pass := os.Getenv("RESPONDER_REDIS_PASSWORD"); pass != "" {
		c.HardBlocks.Redis.Password = pass
	}

	if url := os.Getenv("RESPONDER_SLACK_WEBHOOK_URL"); url != "" {
		c.Alerting.Slack.WebhookURL = url
		c.Alerting.Enabled = true
	}

	if dir := os.Getenv("RESPONDER_AUDIT_DIR"); dir != "" {
		c.Audit.Dir = dir
	}

	if enabled := os.Getenv("RESPONDER_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	if rps := os.Getenv("RESPONDER_RATELIMIT_RPS"); rps != "" {
		n, err := strconv.Atoi(rps)
		if err != nil {
			return fmt.Errorf("RESPONDER_RATELIMIT_RPS: %w", err)
		}
		c.RateLimit.RequestsPerIP = n
	}

	if allow := os.Getenv("RESPONDER_ALLOWLIST"); allow != "" {
		c.Policy.Allowlist = append(c.Policy.Allowlist, splitAndTrim(allow, ",")...)
	}

	if block := os.Getenv("RESPONDER_BLOCKLIST"); block != "" {
		c.Policy.Blocklist = append(c.Policy.Blocklist, splitAndTrim(block, ",")...)
	}

	return nil
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range splitString(s, sep) {
		trimmed := trimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func splitString(s, sep string) []string {
	if s == "" {
		return nil
	}
	var result []string
	start := 0
	for i := 0; i <= len(s)-len(sep); i++ {
		if s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	result = append(result, s[start:])
	return result
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Ingest.TCP.Enabled {
		if c.Ingest.TCP.Address == "" {
			return fmt.Errorf("ingest tcp address is required")
		}
		if c.Ingest.TCP.TLSEnabled && (c.Ingest.TCP.TLSCertFile == "" || c.Ingest.TCP.TLSKeyFile == "") {
			return fmt.Errorf("ingest tcp tls requires tls_cert_file and tls_key_file")
		}
	}

	if c.Ingest.Quarantine && c.EventStore.Backend != EventStoreClickHouse {
		return fmt.Errorf("ingest quarantine requires the clickhouse eventstore backend")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeyHashes) == 0 {
		return fmt.Errorf("auth is enabled but no api_key_hashes are configured")
	}
	for i, h := range c.Auth.APIKeyHashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return fmt.Errorf("api_key_hashes[%d] is not a bcrypt hash: %w", i, err)
		}
	}

	switch c.EventStore.Backend {
	case EventStoreCSV:
		if c.EventStore.CSVPath == "" {
			return fmt.Errorf("eventstore csv_path is required for the csv backend")
		}
	case EventStoreClickHouse:
		if err := c.ClickHouse.Validate(); err != nil {
			return err
		}
	case EventStoreMemory:
	default:
		return fmt.Errorf("unknown eventstore backend %q", c.EventStore.Backend)
	}

	switch c.HardBlocks.Backend {
	case HardBlocksFile:
		if c.HardBlocks.Path == "" {
			return fmt.Errorf("hard_blocks path is required for the file backend")
		}
	case HardBlocksRedis:
		if c.HardBlocks.Redis.Addr == "" {
			return fmt.Errorf("hard_blocks redis addr is required for the redis backend")
		}
	case HardBlocksMemory:
	default:
		return fmt.Errorf("unknown hard_blocks backend %q", c.HardBlocks.Backend)
	}

	if c.Decision.BlockConfidence < 0 || c.Decision.BlockConfidence > 1 {
		return fmt.Errorf("decision block_confidence must be in [0,1], got %v", c.Decision.BlockConfidence)
	}
	if c.Decision.ForcedConfidence < 0 || c.Decision.ForcedConfidence > 1 {
		return fmt.Errorf("decision forced_confidence must be in [0,1], got %v", c.Decision.ForcedConfidence)
	}

	if _, err := decision.NewPolicy(c.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	if c.Kafka.IngestEnabled || c.Kafka.NotifyEnabled {
		if err := c.Kafka.Ingest().Validate(); err != nil {
			return err
		}
		if c.Kafka.NotifyEnabled && c.Kafka.ActionsTopic == "" {
			return fmt.Errorf("kafka actions_topic is required when notify_enabled is set")
		}
	}

	if c.Alerting.Enabled {
		if len(c.Alerting.Channels()) == 0 {
			return fmt.Errorf("alerting is enabled but no webhooks or slack webhook_url are configured")
		}
		if _, err := decision.ParseVerdict(c.Alerting.MinDecision); err != nil {
			return fmt.Errorf("alerting min_decision: %w", err)
		}
	}

	if c.S3.Enabled {
		if err := c.S3.Validate(); err != nil {
			return err
		}
	}

	// the key itself may be a secret reference and is checked once resolved
	if c.Archive.Enabled && !c.S3.Enabled {
		return fmt.Errorf("archive_encryption requires s3 to be enabled")
	}

	return nil
}

// SecretFields returns pointers to the credential fields that may hold
// secret references.
func (c *Config) SecretFields() []*string {
	return []*string{
		&c.ClickHouse.Password,
		&c.HardBlocks.Redis.Password,
		&c.Kafka.SASLPassword,
		&c.S3.AccessKeyID,
		&c.S3.SecretAccessKey,
		&c.Alerting.Slack.WebhookURL,
		&c.Archive.Key,
	}
}
