package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	if got := GetSystemSettingInteger(RETRY_MAX_ATTEMPTS); got != 3 {
		t.Errorf("expected 3 retry attempts by default, got %d", got)
	}
	if got := GetSystemSettingDuration(RETRY_BASE_DELAY); got != 30*time.Second {
		t.Errorf("expected 30s base delay, got %s", got)
	}
	if got := GetSystemSettingDuration(WAIT_MAX_DURATION); got != 90*24*time.Hour {
		t.Errorf("expected 90 days max wait, got %s", got)
	}
	if got := GetSystemSettingString(ENGINE_EXECUTOR_GROUP); got != "default" {
		t.Errorf("expected default executor group, got %q", got)
	}
	if GetSystemSettingBool(DEV_MODE) {
		t.Error("expected dev mode to be off by default")
	}
	if got := GetSystemSettingDuration(EVENTS_DRAIN_TIMEOUT); got != 10*time.Second {
		t.Errorf("expected 10s drain timeout, got %s", got)
	}
}

func TestEnvironmentOverridesDefault(t *testing.T) {
	t.Setenv(ENGINE_BATCH_SIZE, "42")
	if got := GetSystemSettingInteger(ENGINE_BATCH_SIZE); got != 42 {
		t.Errorf("expected env value 42, got %d", got)
	}
	t.Setenv(WEBHOOK_TIMEOUT, "250ms")
	if got := GetSystemSettingDuration(WEBHOOK_TIMEOUT); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", got)
	}
}
