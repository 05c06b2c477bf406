package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string

	DatabaseURL   string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL      string
	AMQPExchange string

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	CronSecret            string

	IdempotencyTTLHours   int
	SweepIntervalMinutes  int
	BusinessTimezone      string
	AllowNegativeStock    bool
	PaymentToleranceCents int64

	// Postgres only: the establishment and admin account created on first start.
	EstablishmentID        string
	EstablishmentName      string
	BootstrapAdminUsername string
	BootstrapAdminPassword string
}

// Load reads the environment, after merging an optional .env file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RunMigrations: getBool("RUN_MIGRATIONS", true),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		AMQPURL:      strings.TrimSpace(os.Getenv("AMQP_URL")),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "orema.events"),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		CronSecret:            strings.TrimSpace(os.Getenv("CRON_SECRET")),

		IdempotencyTTLHours:   getPositiveInt("IDEMPOTENCY_TTL_HOURS", 24),
		SweepIntervalMinutes:  getPositiveInt("SWEEP_INTERVAL_MINUTES", 60),
		BusinessTimezone:      getEnv("BUSINESS_TIMEZONE", "Africa/Abidjan"),
		AllowNegativeStock:    getBool("ALLOW_NEGATIVE_STOCK", true),
		PaymentToleranceCents: int64(getNonNegativeInt("PAYMENT_TOLERANCE_CENTS", 0)),

		EstablishmentID:        getEnv("ESTABLISHMENT_ID", "etab-principal"),
		EstablishmentName:      getEnv("ESTABLISHMENT_NAME", "Etablissement principal"),
		BootstrapAdminUsername: strings.ToLower(getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin")),
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("BUSINESS_TIMEZONE %q: %w", c.BusinessTimezone, err)
	}
	return loc, nil
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func getNonNegativeInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return v
}
