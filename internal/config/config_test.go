package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret, "expected empty AUTH_SECRET when unset")
}

func TestLoadParsesBrokersAndFallsBackOnBadNumbers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("PROMOTION_CACHE_TTL_SECONDS", "-4")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "abc")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "60")

	cfg := Load()
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30, cfg.PromotionCacheTTLSeconds)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 60, cfg.AccessTokenTTLMinutes)
}

func TestLoadWithoutBrokersDisablesKafka(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	assert.Empty(t, Load().KafkaBrokers)
}
