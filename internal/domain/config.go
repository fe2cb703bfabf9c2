package domain

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete ceap configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" yaml:"tier"`

	// Classifier holds every constant of the outlier classifier
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ClassifierConfig holds the tunables of the meal outlier classifier.
type ClassifierConfig struct {
	// CommonThreshold is the minimum number of records for a group to use
	// its own baseline.
	CommonThreshold int `json:"commonThreshold" yaml:"commonThreshold"`

	// MinApplicants is the minimum number of distinct congresspeople that
	// must have claimed against a group for it to be common.
	MinApplicants int `json:"minApplicants" yaml:"minApplicants"`

	// Standard deviation multipliers for the two baseline paths
	CommonMultiplier float64 `json:"commonMultiplier" yaml:"commonMultiplier"`
	RareMultiplier   float64 `json:"rareMultiplier" yaml:"rareMultiplier"`

	// Clusters is K, the number of k-means clusters per category
	Clusters int `json:"clusters" yaml:"clusters"`

	// MaxIterations caps Lloyd iterations
	MaxIterations int `json:"maxIterations" yaml:"maxIterations"`

	// UnseenLabel is returned for records whose group has no training support
	UnseenLabel Label `json:"unseenLabel" yaml:"unseenLabel"`

	// ExemptCategories are always labelled inliers
	ExemptCategories []Category `json:"exemptCategories,omitempty" yaml:"exemptCategories,omitempty"`

	// MealSubquota is the subquota description of meal claims, compared
	// case- and accent-insensitively by the default category rules
	MealSubquota string `json:"mealSubquota" yaml:"mealSubquota"`

	// CategoryRules override the built-in categorization when non-empty.
	// Rules are evaluated in order; the first match wins.
	CategoryRules []CategoryRule `json:"categoryRules,omitempty" yaml:"categoryRules,omitempty"`
}

// CategoryRule assigns Category to reimbursements for which Expression
// (a CEL boolean expression) holds.
type CategoryRule struct {
	Category   Category `json:"category" yaml:"category"`
	Expression string   `json:"expression" yaml:"expression"`
}

// DefaultClassifierConfig returns the calibrated classifier constants.
// Only meals paid to companies are scored; lodging meals keep their own baselines.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		CommonThreshold:  21,
		MinApplicants:    4,
		CommonMultiplier: 3,
		RareMultiplier:   4,
		Clusters:         3,
		MaxIterations:    300,
		UnseenLabel:      Inlier,
		MealSubquota:     "Congressperson meal",
		ExemptCategories: []Category{CategoryNonMeal, CategoryIndividualMeal},
	}
}

// Validate reports the first inconsistent setting.
func (c ClassifierConfig) Validate() error {
	switch {
	case c.CommonThreshold < 1:
		return fmt.Errorf("commonThreshold must be at least 1, got %d", c.CommonThreshold)
	case c.MinApplicants < 0:
		return fmt.Errorf("minApplicants must not be negative, got %d", c.MinApplicants)
	case c.CommonMultiplier <= 0 || c.RareMultiplier <= 0:
		return fmt.Errorf("multipliers must be positive")
	case c.Clusters < 1:
		return fmt.Errorf("clusters must be at least 1, got %d", c.Clusters)
	case c.MaxIterations < 1:
		return fmt.Errorf("maxIterations must be at least 1, got %d", c.MaxIterations)
	case c.UnseenLabel != Inlier && c.UnseenLabel != Outlier:
		return fmt.Errorf("unseenLabel must be 1 or -1, got %d", c.UnseenLabel)
	}
	for i, r := range c.CategoryRules {
		if r.Category == "" || r.Expression == "" {
			return fmt.Errorf("category rule %d: category and expression are required", i)
		}
	}
	return nil
}

// IsExempt reports whether cat is excluded from scoring.
func (c ClassifierConfig) IsExempt(cat Category) bool {
	for _, e := range c.ExemptCategories {
		if e == cat {
			return true
		}
	}
	return false
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"serviceName"`
	ExporterType string `json:"exporterType" yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60, // fits over a full legislature can take a while
		},
		Tier:       TierCommunity,
		Classifier: DefaultClassifierConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./ceap.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  1000,
			LocalMaxBytes: 256 << 20,
			LocalTTL:      5 * time.Minute,
			ModelTTL:      24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ceap",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "ceap",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   100,
		LocalMaxBytes:  64 << 20,
		LocalTTL:       5 * time.Minute,
		ModelTTL:       24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig overlays the YAML file at path on top of base.
// Fields absent from the file keep their base value.
func LoadConfig(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := *base
	cfg.Classifier.ExemptCategories = append([]Category(nil), base.Classifier.ExemptCategories...)
	cfg.Classifier.CategoryRules = append([]CategoryRule(nil), base.Classifier.CategoryRules...)

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Classifier.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}

	return &cfg, nil
}
