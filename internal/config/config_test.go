package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/blood-match/internal/lifecycle"
	"github.com/example/blood-match/internal/matcher"
	"github.com/example/blood-match/internal/models"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.RedisGeoKey != "donors_geo" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	m := cfg.Matching
	if m.Policy.DeferralDays != matcher.DefaultDeferralDays || m.RequestTTL != time.Hour || m.Fulfillment != lifecycle.FulfillOnFirstArrival {
		t.Fatalf("unexpected matching defaults %+v", m)
	}
}

func TestLoadServerConfigEnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MATCH_DEFERRAL_DAYS", "90")
	t.Setenv("MATCH_MAX_PER_REQUEST", "5")
	t.Setenv("MATCH_REQUEST_TTL", "30m")
	t.Setenv("MATCH_FULFILLMENT_POLICY", "units")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	m := cfg.Matching
	if m.Policy.DeferralDays != 90 || m.Policy.MaxMatches != 5 || m.RequestTTL != 30*time.Minute {
		t.Fatalf("overrides not applied %+v", m)
	}
	if m.Fulfillment != lifecycle.FulfillOnUnits || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected fulfillment %q or level %q", m.Fulfillment, cfg.LogLevel)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCH_MAX_PER_REQUEST", "0")
	t.Setenv("MATCH_FULFILLMENT_POLICY", "whenever")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "max matches", "MATCH_FULFILLMENT_POLICY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestPolicyFileThenEnv(t *testing.T) {
	path := writePolicy(t, `
deferral_days: 84
max_matches: 4
weights:
  distance: 0.5
  reliability: 0.2
  experience: 0.2
  urgency: 0.1
urgency_weights:
  low: 0.1
  medium: 0.2
  high: 0.6
  critical: 0.9
request_ttl: 2h
fulfillment: units
`)
	t.Setenv("MATCH_POLICY_FILE", path)
	t.Setenv("MATCH_MAX_PER_REQUEST", "6")

	m, err := LoadMatchingConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Policy.DeferralDays != 84 || m.Policy.Weights.Distance != 0.5 || m.RequestTTL != 2*time.Hour {
		t.Fatalf("file not applied %+v", m)
	}
	if m.Policy.MaxMatches != 6 {
		t.Fatalf("env should override file, got %d", m.Policy.MaxMatches)
	}
	if m.Policy.UrgencyWeight(models.UrgencyHigh) != 0.6 || m.Fulfillment != lifecycle.FulfillOnUnits {
		t.Fatalf("unexpected urgency table or fulfillment %+v", m)
	}
	if m.Policy.DefaultRadiusKm != matcher.DefaultRadiusKm {
		t.Fatalf("absent keys should keep defaults, got %f", m.Policy.DefaultRadiusKm)
	}
}

func TestPolicyFileRejectsBadContent(t *testing.T) {
	cases := map[string]string{
		"unknown tier":  "urgency_weights:\n  extreme: 2\n",
		"bad ttl":       "request_ttl: forever\n",
		"not yaml":      "weights: [1, 2\n",
		"non-monotonic": "urgency_weights:\n  low: 0.9\n  medium: 0.5\n  high: 0.6\n  critical: 0.7\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("MATCH_POLICY_FILE", writePolicy(t, body))
			if _, err := LoadMatchingConfig(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("REDIS_RETRY_ATTEMPTS", "5")
	t.Setenv("REDIS_RETRY_DELAY", "50ms")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetryAttempts != 5 || cfg.RetryDelay != 50*time.Millisecond || cfg.KafkaTopic != "donor-profiles" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}

	t.Setenv("REDIS_RETRY_ATTEMPTS", "0")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatalf("expected error for zero attempts")
	}
}
