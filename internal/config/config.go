package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/blood-match/internal/lifecycle"
	"github.com/example/blood-match/internal/matcher"
	"github.com/example/blood-match/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers      []string
	KafkaProfileTopic string
	KafkaEventTopic   string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	PushURL   string
	PushKey   string
	ScorerURL string
	OSRMURL   string
	SpeedMps  float64

	Matching MatchingConfig

	LogLevel string
}

// MatchingConfig is the policy surface of the engine.
type MatchingConfig struct {
	PolicyFile  string
	Policy      matcher.Policy
	RequestTTL  time.Duration
	Fulfillment lifecycle.FulfillmentPolicy
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "donors_geo",
		KafkaProfileTopic: "donor-profiles",
		KafkaEventTopic:   "match-events",
		MigrationsDir:     "migrations",
		SpeedMps:          8,
		Matching: MatchingConfig{
			Policy:      matcher.DefaultPolicy(),
			RequestTTL:  time.Hour,
			Fulfillment: lifecycle.FulfillOnFirstArrival,
		},
		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaProfileTopic, "KAFKA_PROFILE_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	setStringFromEnv(&cfg.PushURL, "PUSH_URL")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	setStringFromEnv(&cfg.ScorerURL, "SCORER_URL")
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.SpeedMps, "ETA_SPEED_MPS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := loadMatching(&cfg.Matching); err != nil {
		errs = append(errs, err)
	}
	if cfg.SpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_SPEED_MPS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// LoadMatchingConfig reads only the matching policy, for processes that do
// not serve HTTP.
func LoadMatchingConfig() (MatchingConfig, error) {
	m := defaultServerConfig().Matching
	return m, loadMatching(&m)
}

// loadMatching applies the policy file, then the MATCH_* environment
// overrides, then validates the result.
func loadMatching(m *MatchingConfig) error {
	var errs []error
	setStringFromEnv(&m.PolicyFile, "MATCH_POLICY_FILE")
	if m.PolicyFile != "" {
		if err := applyPolicyFile(m, m.PolicyFile); err != nil {
			return err
		}
	}

	setIntFromEnv(&m.Policy.DeferralDays, "MATCH_DEFERRAL_DAYS", &errs)
	setFloatFromEnv(&m.Policy.DefaultRadiusKm, "MATCH_DEFAULT_RADIUS_KM", &errs)
	setIntFromEnv(&m.Policy.MaxMatches, "MATCH_MAX_PER_REQUEST", &errs)
	setDurationFromEnv(&m.RequestTTL, "MATCH_REQUEST_TTL", &errs)
	if v := strings.TrimSpace(os.Getenv("MATCH_FULFILLMENT_POLICY")); v != "" {
		p, err := lifecycle.ParseFulfillmentPolicy(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid MATCH_FULFILLMENT_POLICY: %w", err))
		} else {
			m.Fulfillment = p
		}
	}

	if err := m.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if m.RequestTTL <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_REQUEST_TTL must be > 0"))
	}
	return errors.Join(errs...)
}

// policyFile mirrors the YAML layout. Absent keys keep the current value.
type policyFile struct {
	DeferralDays    *int               `yaml:"deferral_days"`
	DefaultRadiusKm *float64           `yaml:"default_radius_km"`
	MaxMatches      *int               `yaml:"max_matches"`
	ExperienceCap   *int               `yaml:"experience_cap"`
	Weights         *matcher.Weights   `yaml:"weights"`
	UrgencyWeights  map[string]float64 `yaml:"urgency_weights"`
	RequestTTL      string             `yaml:"request_ttl"`
	Fulfillment     string             `yaml:"fulfillment"`
}

func applyPolicyFile(m *MatchingConfig, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if f.DeferralDays != nil {
		m.Policy.DeferralDays = *f.DeferralDays
	}
	if f.DefaultRadiusKm != nil {
		m.Policy.DefaultRadiusKm = *f.DefaultRadiusKm
	}
	if f.MaxMatches != nil {
		m.Policy.MaxMatches = *f.MaxMatches
	}
	if f.ExperienceCap != nil {
		m.Policy.ExperienceCap = *f.ExperienceCap
	}
	if f.Weights != nil {
		m.Policy.Weights = *f.Weights
	}
	if len(f.UrgencyWeights) > 0 {
		table := make(map[models.Urgency]float64, len(f.UrgencyWeights))
		for k, v := range f.UrgencyWeights {
			u, ok := models.ParseUrgency(k)
			if !ok {
				return fmt.Errorf("policy file %s: unknown urgency tier %q", path, k)
			}
			table[u] = v
		}
		m.Policy.UrgencyWeights = table
	}
	if f.RequestTTL != "" {
		d, err := time.ParseDuration(f.RequestTTL)
		if err != nil {
			return fmt.Errorf("policy file %s: request_ttl: %w", path, err)
		}
		m.RequestTTL = d
	}
	if f.Fulfillment != "" {
		p, err := lifecycle.ParseFulfillmentPolicy(f.Fulfillment)
		if err != nil {
			return fmt.Errorf("policy file %s: %w", path, err)
		}
		m.Fulfillment = p
	}
	return nil
}

// ConsumerConfig drives the donor profile consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "donor-profiles",
		KafkaGroup:    "blood-match-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "donors_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := splitAndTrim(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.KafkaBrokers = brokers
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_PROFILE_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
