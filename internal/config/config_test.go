package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")
	t.Setenv("CRON_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
	if cfg.CronSecret != "" {
		t.Fatalf("expected empty CRON_SECRET when unset, got %q", cfg.CronSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "IDEMPOTENCY_TTL_HOURS", "SWEEP_INTERVAL_MINUTES", "BUSINESS_TIMEZONE",
		"ALLOW_NEGATIVE_STOCK", "PAYMENT_TOLERANCE_CENTS", "RUN_MIGRATIONS", "AMQP_EXCHANGE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.IdempotencyTTL() != 24*time.Hour || cfg.SweepInterval() != time.Hour {
		t.Fatalf("unexpected durations ttl=%s sweep=%s", cfg.IdempotencyTTL(), cfg.SweepInterval())
	}
	if !cfg.AllowNegativeStock || !cfg.RunMigrations {
		t.Fatalf("expected negative stock and migrations enabled by default")
	}
	if cfg.PaymentToleranceCents != 0 {
		t.Fatalf("expected zero payment tolerance, got %d", cfg.PaymentToleranceCents)
	}
	if cfg.BusinessTimezone != "Africa/Abidjan" || cfg.AMQPExchange != "orema.events" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL_HOURS", "48")
	t.Setenv("SWEEP_INTERVAL_MINUTES", "15")
	t.Setenv("ALLOW_NEGATIVE_STOCK", "false")
	t.Setenv("PAYMENT_TOLERANCE_CENTS", "5")
	t.Setenv("BUSINESS_TIMEZONE", "UTC")

	cfg := Load()
	if cfg.IdempotencyTTL() != 48*time.Hour || cfg.SweepInterval() != 15*time.Minute {
		t.Fatalf("unexpected durations ttl=%s sweep=%s", cfg.IdempotencyTTL(), cfg.SweepInterval())
	}
	if cfg.AllowNegativeStock || cfg.PaymentToleranceCents != 5 {
		t.Fatalf("unexpected stock/tolerance %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "UTC" {
		t.Fatalf("expected UTC location, got %v, %v", loc, err)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL_HOURS", "0")
	t.Setenv("SWEEP_INTERVAL_MINUTES", "souvent")
	t.Setenv("PAYMENT_TOLERANCE_CENTS", "-10")
	t.Setenv("ALLOW_NEGATIVE_STOCK", "peut-etre")

	cfg := Load()
	if cfg.IdempotencyTTLHours != 24 || cfg.SweepIntervalMinutes != 60 || cfg.PaymentToleranceCents != 0 || !cfg.AllowNegativeStock {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}

func TestLocationRejectsUnknownZone(t *testing.T) {
	cfg := Config{BusinessTimezone: "Mars/Olympus_Mons"}
	if _, err := cfg.Location(); err == nil {
		t.Fatalf("expected unknown timezone to fail")
	}
}
