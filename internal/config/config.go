// Package config loads YAML configuration for the coordinator and node
// binaries. Values of the form ${VAR} are expanded from the environment
// before parsing, so secrets stay out of config files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fedlink/fedlink/internal/api"
	"github.com/fedlink/fedlink/internal/gate"
	"github.com/fedlink/fedlink/internal/llm"
	"github.com/fedlink/fedlink/internal/node"
	"github.com/fedlink/fedlink/internal/transport"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Backend names accepted by broker.backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full configuration for either binary. The coordinator reads
// service, broker, storage and api; a node reads service, node, coordinator,
// model, gate and corpus.
type Config struct {
	Service     ServiceConfig    `yaml:"service"`
	Broker      BrokerConfig     `yaml:"broker"`
	Storage     StorageConfig    `yaml:"storage"`
	Privacy     PrivacyConfig    `yaml:"privacy"`
	API         api.Config       `yaml:"api"`
	Node        node.Config      `yaml:"node"`
	Coordinator transport.Config `yaml:"coordinator"`
	Model       llm.Config       `yaml:"model"`
	Gate        gate.Config      `yaml:"gate"`
	Corpus      CorpusConfig     `yaml:"corpus"`
}

// ServiceConfig defines settings shared by both binaries.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BrokerConfig selects and tunes the queue backend.
type BrokerConfig struct {
	Backend string `yaml:"backend"` // memory | redis

	// KnownClients, when non-empty, rejects broadcasts naming identities
	// outside this registry.
	KnownClients []string `yaml:"known_clients"`

	// VisibilityTimeout redelivers unacknowledged tasks (memory backend).
	// Zero disables redelivery.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig defines the coordinator's audit database.
type StorageConfig struct {
	// Path is the SQLite file. Empty disables the audit trail.
	Path string `yaml:"path"`
}

// PrivacyConfig tunes the coordinator's query obfuscation.
type PrivacyConfig struct {
	// QueryNoiseStddev is the Gaussian perturbation applied to query
	// vectors before fan-out, so nodes cannot reconstruct the exact
	// research embedding. Zero disables noising.
	QueryNoiseStddev float64 `yaml:"query_noise_stddev"`
}

// CorpusConfig points a node at its local record set.
type CorpusConfig struct {
	// Path is a JSONL file of records with precomputed embeddings.
	Path string `yaml:"path"`
}

// Load reads, env-expands and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = "json"
	}
	if cfg.Broker.Backend == "" {
		cfg.Broker.Backend = BackendMemory
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		cfg.Node.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Node.TopK <= 0 {
		cfg.Node.TopK = 5
	}
	// Only when absent entirely: an explicit zero is a valid threshold
	// that admits every retrieval hit.
	if cfg.Node.SimilarityThreshold == nil {
		v := 0.75
		cfg.Node.SimilarityThreshold = &v
	}
	if cfg.Broker.Backend == BackendRedis && cfg.Broker.Redis.Addr == "" {
		cfg.Broker.Redis.Addr = "localhost:6379"
	}
}

func validate(cfg *Config) error {
	switch cfg.Broker.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("broker.backend must be %q or %q, got %q",
			BackendMemory, BackendRedis, cfg.Broker.Backend)
	}

	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text, got %q", cfg.Service.LogFormat)
	}

	if t := cfg.Node.SimilarityThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("node.similarity_threshold must be in [0,1], got %f", *t)
	}
	if cfg.Privacy.QueryNoiseStddev < 0 {
		return fmt.Errorf("privacy.query_noise_stddev must be >= 0, got %f", cfg.Privacy.QueryNoiseStddev)
	}
	return nil
}
