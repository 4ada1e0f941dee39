package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaultsPassValidation(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Validate(Defaults()): %v", err)
	}
}

func TestLoadWithNoConfigFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.SenderCompID != Defaults().Session.SenderCompID {
		t.Fatalf("SenderCompID = %q, want default %q", cfg.Session.SenderCompID, Defaults().Session.SenderCompID)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artio.yaml")
	contents := `
session:
  sender_comp_id: MYGATEWAY
  begin_string: FIX.4.2
  heartbeat_interval_sec: 45
  sending_time_precision: micros
engine:
  logout_drain_timeout: 5s
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.SenderCompID != "MYGATEWAY" {
		t.Fatalf("SenderCompID = %q, want MYGATEWAY", cfg.Session.SenderCompID)
	}
	if cfg.Session.BeginString != "FIX.4.2" {
		t.Fatalf("BeginString = %q, want FIX.4.2", cfg.Session.BeginString)
	}
	if cfg.Session.HeartbeatIntervalSec != 45 {
		t.Fatalf("HeartbeatIntervalSec = %d, want 45", cfg.Session.HeartbeatIntervalSec)
	}
	if cfg.Engine.LogoutDrainTimeout.Seconds() != 5 {
		t.Fatalf("LogoutDrainTimeout = %v, want 5s", cfg.Engine.LogoutDrainTimeout)
	}
	// Fields untouched by the file should still fall back to defaults.
	if cfg.Archive.Dir != Defaults().Archive.Dir {
		t.Fatalf("Archive.Dir = %q, want default %q", cfg.Archive.Dir, Defaults().Archive.Dir)
	}
}

func TestLoadEnvOverridesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artio.yaml")
	contents := "session:\n  sender_comp_id: FROMFILE\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("ARTIO_SESSION_SENDER_COMP_ID", "FROMENV")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.SenderCompID != "FROMENV" {
		t.Fatalf("SenderCompID = %q, want FROMENV (env must win over file)", cfg.Session.SenderCompID)
	}
}

func TestValidateRejectsMissingSenderCompID(t *testing.T) {
	cfg := Defaults()
	cfg.Session.SenderCompID = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected an error for an empty sender_comp_id")
	}
}

func TestValidateRejectsBadSendingTimePrecision(t *testing.T) {
	cfg := Defaults()
	cfg.Session.SendingTimePrecision = "fortnights"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected an error for an invalid sending_time_precision")
	}
}

func TestValidateRejectsNonPositiveHeartbeat(t *testing.T) {
	cfg := Defaults()
	cfg.Session.HeartbeatIntervalSec = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected an error for heartbeat_interval_sec=0")
	}
}

func TestValidateRequiresMetricsPortWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected an error for metrics.enabled=true with an invalid port")
	}
}

func TestShowRendersYAMLWithExpectedKeys(t *testing.T) {
	out, err := Show(Defaults())
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	for _, key := range []string{"sender_comp_id:", "heartbeat_interval_sec:", "max_concurrent_session_replays:"} {
		if !strings.Contains(out, key) {
			t.Errorf("Show output missing %q:\n%s", key, out)
		}
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "artio.yaml")
	cfg := Defaults()
	cfg.Session.SenderCompID = "ROUNDTRIP"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if reloaded.Session.SenderCompID != "ROUNDTRIP" {
		t.Fatalf("SenderCompID after round trip = %q, want ROUNDTRIP", reloaded.Session.SenderCompID)
	}
}
