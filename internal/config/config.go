package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	PromotionCacheTTLSeconds int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	KafkaBrokers             []string
	KafkaTopic               string
	LogLevel                 string
	RequestTimeoutSeconds    int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		PromotionCacheTTLSeconds: getPositiveInt("PROMOTION_CACHE_TTL_SECONDS", 30),
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		KafkaBrokers:             splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:               getEnv("KAFKA_TOPIC", "katalog.inventory"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		RequestTimeoutSeconds:    getPositiveInt("REQUEST_TIMEOUT_SECONDS", 15),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	out := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
