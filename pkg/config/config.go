// Package config reads process-level settings from the environment:
// the HTTP listen address, the signing seed, the rate limit, the Kafka
// broker/topic settings, and the OTel service name. Store and cache
// addresses are not read here; pkg/store reads those itself. It mirrors
// the DATABASE_URL/DATABASE_REQUIRE_TLS style of defaulting already used
// in pkg/store, gathered in one place for cmd/gateway.
package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr       string
	ServiceName    string
	SigningSeed    string
	RateLimitPerMin int
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaEnabled   bool
}

const (
	defaultHTTPAddr     = ":8080"
	defaultServiceName  = "privacygate"
	defaultRateLimit    = 60
	defaultKafkaTopic   = "privacygate.receipts"
)

// FromEnv reads a Config from the process environment, defaulting
// anything unset rather than failing. Only PG_SIGNING_SEED has a
// documented, deliberately weak fallback (see receipt.NewSignerFromEnv).
func FromEnv() Config {
	return Config{
		HTTPAddr:        envString("GATEWAY_HTTP_ADDR", defaultHTTPAddr),
		ServiceName:     envString("GATEWAY_SERVICE_NAME", defaultServiceName),
		SigningSeed:     envString("PG_SIGNING_SEED", ""),
		RateLimitPerMin: envInt("GATEWAY_RATE_LIMIT_PER_MIN", defaultRateLimit),
		KafkaBrokers:    envStringList("KAFKA_BROKERS"),
		KafkaTopic:      envString("KAFKA_RECEIPTS_TOPIC", defaultKafkaTopic),
		KafkaEnabled:    envBool("KAFKA_ENABLED", false),
	}
}

// PolicyFromEnv builds a models.Policy-shaped set of defaults from the
// environment. The real source of k_min/l_min/enable_drop is normally
// a per-tenant policy store supplied per call; this is only a fallback
// for local/demo runs of cmd/gateway.
type PolicyDefaults struct {
	KMin                int
	LMin                int
	EnableDropPredicate bool
}

func PolicyFromEnv() PolicyDefaults {
	return PolicyDefaults{
		KMin:                envInt("GATEWAY_POLICY_K_MIN", 5),
		LMin:                envInt("GATEWAY_POLICY_L_MIN", 2),
		EnableDropPredicate: envBool("GATEWAY_POLICY_ENABLE_DROP_PREDICATE", true),
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envStringList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
