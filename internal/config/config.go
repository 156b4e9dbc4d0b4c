package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	TenantCacheTTLSeconds int
	ReservationTTLMinutes int
	SweepIntervalSeconds  int
}

func Load() Config {
	// Missing .env is fine; environment variables still apply.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	tenantTTL, err := strconv.Atoi(getEnv("TENANT_CACHE_TTL_SECONDS", "30"))
	if err != nil || tenantTTL < 1 {
		tenantTTL = 30
	}
	reservationTTL, err := strconv.Atoi(getEnv("RESERVATION_TTL_MINUTES", "30"))
	if err != nil || reservationTTL < 1 {
		reservationTTL = 30
	}
	sweepInterval, err := strconv.Atoi(getEnv("SWEEP_INTERVAL_SECONDS", "60"))
	if err != nil || sweepInterval < 1 {
		sweepInterval = 60
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		TenantCacheTTLSeconds: tenantTTL,
		ReservationTTLMinutes: reservationTTL,
		SweepIntervalSeconds:  sweepInterval,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
