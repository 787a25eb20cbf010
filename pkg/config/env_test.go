package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("FOO", "")
	if got := GetEnv("FOO", "bar"); got != "bar" {
		t.Fatalf("expected bar, got %s", got)
	}
	t.Setenv("FOO", "baz")
	if got := GetEnv("FOO", "bar"); got != "baz" {
		t.Fatalf("expected baz, got %s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("NUM", "")
	if got := GetEnvInt("NUM", 42); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("NUM", "100")
	if got := GetEnvInt("NUM", 42); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	t.Setenv("NUM", "notint")
	if got := GetEnvInt("NUM", 7); got != 7 {
		t.Fatalf("expected 7 on parse error, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("WINDOW", "")
	if got := GetEnvDuration("WINDOW", time.Minute); got != time.Minute {
		t.Fatalf("expected 1m default, got %v", got)
	}
	t.Setenv("WINDOW", "90s")
	if got := GetEnvDuration("WINDOW", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
	t.Setenv("WINDOW", "junk")
	if got := GetEnvDuration("WINDOW", time.Minute); got != time.Minute {
		t.Fatalf("expected default on parse error, got %v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if GetLogLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level")
	}
	t.Setenv("LOG_LEVEL", "")
	if GetLogLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level by default")
	}
}

func TestLoadBillingPolicyDefaults(t *testing.T) {
	t.Setenv("PLATFORM_FEE_RATE", "")
	t.Setenv("USAGE_MARKUP_RATE", "")
	t.Setenv("TOPUP_COOLDOWN", "")

	p := LoadBillingPolicy()
	if p.PlatformFeeRate.String() != "0.1" {
		t.Fatalf("expected default fee rate 0.1, got %s", p.PlatformFeeRate)
	}
	if p.UsageMarkupRate.String() != "0.1" {
		t.Fatalf("expected default markup rate 0.1, got %s", p.UsageMarkupRate)
	}
	if p.TopUpCooldown != 5*time.Minute {
		t.Fatalf("expected 5m cooldown, got %v", p.TopUpCooldown)
	}
	if p.ChargeMaxAttempts != 3 || p.BreakerFailureThreshold != 3 {
		t.Fatalf("unexpected retry/breaker defaults: %+v", p)
	}
}

func TestLoadBillingPolicyOverrides(t *testing.T) {
	t.Setenv("PLATFORM_FEE_RATE", "0.25")
	t.Setenv("TOPUP_COOLDOWN", "10m")

	p := LoadBillingPolicy()
	if p.PlatformFeeRate.String() != "0.25" {
		t.Fatalf("expected fee rate 0.25, got %s", p.PlatformFeeRate)
	}
	if p.TopUpCooldown != 10*time.Minute {
		t.Fatalf("expected 10m cooldown, got %v", p.TopUpCooldown)
	}
}

func TestLoadEnv_NoFile(t *testing.T) {
	logger := logrus.New()
	LoadEnv(logger)
}
