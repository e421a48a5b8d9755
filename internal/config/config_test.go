package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Auth.Enabled {
		t.Error("Auth.Enabled = true, want false by default")
	}
	if cfg.EventStore.Backend != EventStoreCSV {
		t.Errorf("EventStore.Backend = %q, want %q", cfg.EventStore.Backend, EventStoreCSV)
	}
	if cfg.HardBlocks.Backend != HardBlocksFile {
		t.Errorf("HardBlocks.Backend = %q, want %q", cfg.HardBlocks.Backend, HardBlocksFile)
	}
	if cfg.Decision.BlockCount != 5 || cfg.Decision.BlockConfidence != 0.7 {
		t.Errorf("Decision = %+v, want block count 5 at confidence 0.7", cfg.Decision)
	}
	if cfg.Risk.LabelWeights["ddos"] != 6 {
		t.Errorf("Risk.LabelWeights[ddos] = %v, want 6", cfg.Risk.LabelWeights["ddos"])
	}
	if cfg.Kafka.Topic != "nids-detections" || cfg.Kafka.ActionsTopic != "responder-actions" {
		t.Errorf("Kafka topics = %q/%q", cfg.Kafka.Topic, cfg.Kafka.ActionsTopic)
	}
	if cfg.Queue.Size != 100000 {
		t.Errorf("Queue.Size = %d, want 100000", cfg.Queue.Size)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"port too high", func(c *Config) { c.Server.HTTPPort = 65536 }},
		{"zero queue size", func(c *Config) { c.Queue.Size = 0 }},
		{"zero max batch size", func(c *Config) { c.Ingest.MaxBatchSize = 0 }},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }},
		{"plaintext api key", func(c *Config) { c.Auth.APIKeyHashes = []string{"secret"} }},
		{"unknown eventstore", func(c *Config) { c.EventStore.Backend = "postgres" }},
		{"csv without path", func(c *Config) { c.EventStore.CSVPath = "" }},
		{"unknown hard block backend", func(c *Config) { c.HardBlocks.Backend = "etcd" }},
		{"file store without path", func(c *Config) { c.HardBlocks.Path = "" }},
		{"redis without addr", func(c *Config) {
			c.HardBlocks.Backend = HardBlocksRedis
			c.HardBlocks.Redis.Addr = ""
		}},
		{"block confidence above one", func(c *Config) { c.Decision.BlockConfidence = 1.5 }},
		{"invalid allowlist entry", func(c *Config) { c.Policy.Allowlist = []string{"not-an-ip"} }},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.IngestEnabled = true
			c.Kafka.Brokers = nil
		}},
		{"notify without topic", func(c *Config) {
			c.Kafka.NotifyEnabled = true
			c.Kafka.ActionsTopic = ""
		}},
		{"tcp tls without cert", func(c *Config) {
			c.Ingest.TCP.Enabled = true
			c.Ingest.TCP.TLSEnabled = true
		}},
		{"quarantine without clickhouse", func(c *Config) { c.Ingest.Quarantine = true }},
		{"alerting without channels", func(c *Config) { c.Alerting.Enabled = true }},
		{"alerting unknown min decision", func(c *Config) {
			c.Alerting.Enabled = true
			c.Alerting.Slack.WebhookURL = "http://slack.local/hook"
			c.Alerting.MinDecision = "SEVERE"
		}},
		{"archive encryption without s3", func(c *Config) { c.Archive.Enabled = true }},
		{"clickhouse without hosts", func(c *Config) {
			c.EventStore.Backend = EventStoreClickHouse
			c.ClickHouse.Hosts = nil
		}},
		{"s3 without bucket", func(c *Config) {
			c.S3.Enabled = true
			c.S3.Bucket = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestValidate_AcceptsBcryptHashes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeyHashes = []string{string(hash)}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("RESPONDER_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default 8080", cfg.Server.HTTPPort)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  http_port: 9090
  read_timeout: 5s
eventstore:
  backend: memory
hard_blocks:
  backend: memory
decision:
  block_count: 7
policy:
  allowlist: ["10.0.0.0/8"]
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  actions_topic: actions
nats:
  enabled: true
  url: nats://nats:4222
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RESPONDER_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9090 || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.EventStore.Backend != EventStoreMemory || cfg.HardBlocks.Backend != HardBlocksMemory {
		t.Errorf("backends = %q/%q, want memory/memory", cfg.EventStore.Backend, cfg.HardBlocks.Backend)
	}
	if cfg.Decision.BlockCount != 7 {
		t.Errorf("BlockCount = %d, want 7", cfg.Decision.BlockCount)
	}
	// unset keys keep their defaults
	if cfg.Decision.BlockConfidence != 0.7 {
		t.Errorf("BlockConfidence = %v, want default 0.7", cfg.Decision.BlockConfidence)
	}
	if !reflect.DeepEqual(cfg.Policy.Allowlist, []string{"10.0.0.0/8"}) {
		t.Errorf("Allowlist = %v", cfg.Policy.Allowlist)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "nids-detections" {
		t.Errorf("Kafka = %v topic %q", cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	if got := cfg.Kafka.Actions().Topic; got != "actions" {
		t.Errorf("Actions().Topic = %q, want actions", got)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://nats:4222" || cfg.NATS.SubjectPrefix != "responder.actions" {
		t.Errorf("NATS = %+v", cfg.NATS)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed yaml", "server: [unclosed"},
		{"invalid values", "eventstore:\n  backend: bogus\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}
			t.Setenv("RESPONDER_CONFIG_PATH", path)

			if _, err := Load(); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RESPONDER_HTTP_PORT", "9000")
	t.Setenv("RESPONDER_LOG_LEVEL", "debug")
	t.Setenv("RESPONDER_API_KEY", "test-key-123")
	t.Setenv("RESPONDER_REDIS_ADDR", "redis:6379")
	t.Setenv("RESPONDER_KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("RESPONDER_ALLOWLIST", "192.168.0.0/16, 10.1.1.1")
	t.Setenv("RESPONDER_RATELIMIT_ENABLED", "false")

	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeyHashes) != 1 {
		t.Fatalf("Auth = %+v, want one hashed key", cfg.Auth)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.Auth.APIKeyHashes[0]), []byte("test-key-123")); err != nil {
		t.Errorf("stored key does not match: %v", err)
	}
	if cfg.HardBlocks.Backend != HardBlocksRedis || cfg.HardBlocks.Redis.Addr != "redis:6379" {
		t.Errorf("HardBlocks = %+v", cfg.HardBlocks)
	}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"a:9092", "b:9092"}) {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
	if !reflect.DeepEqual(cfg.Policy.Allowlist, []string{"192.168.0.0/16", "10.1.1.1"}) {
		t.Errorf("Allowlist = %v", cfg.Policy.Allowlist)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() after overrides error = %v", err)
	}
}

func TestApplyEnvOverrides_InvalidNumber(t *testing.T) {
	t.Setenv("RESPONDER_HTTP_PORT", "eighty")

	if err := DefaultConfig().applyEnvOverrides(); err == nil {
		t.Error("applyEnvOverrides() error = nil, want error")
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		sep      string
		expected []string
	}{
		{"simple split", "a,b,c", ",", []string{"a", "b", "c"}},
		{"with spaces", "a , b , c", ",", []string{"a", "b", "c"}},
		{"empty parts dropped", "a,,b, ,c", ",", []string{"a", "b", "c"}},
		{"multi-char separator", "a::b::c", "::", []string{"a", "b", "c"}},
		{"empty input", "", ",", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitAndTrim(tt.input, tt.sep)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("splitAndTrim(%q, %q) = %v, want %v", tt.input, tt.sep, got, tt.expected)
			}
		})
	}
}

func TestTrimSpace(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"  hello  ", "hello"},
		{"\t\nhello\r\n", "hello"},
		{"   ", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := trimSpace(tt.input); got != tt.expected {
			t.Errorf("trimSpace(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("RESPONDER_CONFIG_PATH", "")
	if got := DefaultPath(); got != "configs/config.yaml" {
		t.Errorf("DefaultPath() = %q, want configs/config.yaml", got)
	}
	t.Setenv("RESPONDER_CONFIG_PATH", "/etc/responder.yaml")
	if got := DefaultPath(); got != "/etc/responder.yaml" {
		t.Errorf("DefaultPath() = %q, want /etc/responder.yaml", got)
	}
}

func TestSecretFields(t *testing.T) {
	cfg := DefaultConfig()
	for _, f := range cfg.SecretFields() {
		*f = "env:SOME_SECRET"
	}
	if cfg.ClickHouse.Password != "env:SOME_SECRET" || cfg.S3.SecretAccessKey != "env:SOME_SECRET" {
		t.Error("SecretFields() does not point into the config")
	}
}
