package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("API_KEYS", "")
	t.Setenv("TIME_ZONE", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load("referral-api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store != StoreMemory {
		t.Errorf("store = %q", cfg.Store)
	}
	if cfg.ServiceName != "referral-api" {
		t.Errorf("service name = %q", cfg.ServiceName)
	}
	if cfg.TimeZone != time.UTC {
		t.Errorf("time zone = %v", cfg.TimeZone)
	}
	if len(cfg.APIKeys) != 0 {
		t.Errorf("api keys = %v", cfg.APIKeys)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/referrals")
	t.Setenv("API_KEYS", "k1:regional, k2:cm")
	t.Setenv("KAFKA_BROKERS", "rp1:9092, ,rp2:9092")
	t.Setenv("LOCK_TTL", "3")
	t.Setenv("REDIS_URL", "redis://hub:pw@cache:6379")
	t.Setenv("TIME_ZONE", "Asia/Bangkok")

	cfg, err := Load("referral-api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store != StorePostgres {
		t.Errorf("store = %q", cfg.Store)
	}
	if cfg.APIKeys["k2"] != "cm" || len(cfg.APIKeys) != 2 {
		t.Errorf("api keys = %v", cfg.APIKeys)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "rp2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.LockTTL != 3*time.Second {
		t.Errorf("lock ttl = %v", cfg.LockTTL)
	}
	if cfg.RedisAddr != "cache:6379" || cfg.RedisPassword != "pw" {
		t.Errorf("redis = %q %q", cfg.RedisAddr, cfg.RedisPassword)
	}
	if cfg.TimeZone.String() != "Asia/Bangkok" {
		t.Errorf("time zone = %v", cfg.TimeZone)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load("x"); err == nil {
		t.Error("expected error for postgres without DATABASE_URL")
	}

	t.Setenv("STORE_DRIVER", "mongo")
	if _, err := Load("x"); err == nil {
		t.Error("expected error for unknown store")
	}

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("API_KEYS", "nocolon")
	if _, err := Load("x"); err == nil {
		t.Error("expected error for malformed API_KEYS")
	}
}

func TestGetDuration(t *testing.T) {
	t.Setenv("D1", "250ms")
	t.Setenv("D2", "bogus")
	if got := getDuration("D1", time.Second); got != 250*time.Millisecond {
		t.Errorf("D1 = %v", got)
	}
	if got := getDuration("D2", time.Second); got != time.Second {
		t.Errorf("D2 = %v", got)
	}
}
