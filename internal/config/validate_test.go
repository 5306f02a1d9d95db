package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateTieredPortOutOfRangeIsFatal(t *testing.T) {
	cfg := DefaultServer()
	cfg.ControlPort = 70000
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("out-of-range port should be fatal")
	}
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "control_port") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected control_port error in fatals")
	}
}

func TestValidateTieredTCPPortCollisionIsFatal(t *testing.T) {
	cfg := DefaultServer()
	cfg.ScreenPort = cfg.ControlPort
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("TCP port collision should be fatal")
	}
}

func TestValidateTieredUDPPortCollisionIsFatal(t *testing.T) {
	cfg := DefaultServer()
	cfg.AudioPort = cfg.VideoPort
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("UDP port collision should be fatal")
	}
}

func TestValidateTieredControlCharsInRoomNameIsFatal(t *testing.T) {
	cfg := DefaultServer()
	cfg.RoomName = "lab\x00room"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in room name should be fatal")
	}
}

func TestValidateTieredStatsIntervalClampingIsWarning(t *testing.T) {
	cfg := DefaultServer()
	cfg.StatsIntervalSeconds = 1 // below minimum 5
	result := cfg.ValidateTiered()

	// Should NOT be a fatal since it's auto-corrected
	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped interval")
	}
	if cfg.StatsIntervalSeconds != 5 {
		t.Fatalf("StatsIntervalSeconds = %d, want 5 (clamped)", cfg.StatsIntervalSeconds)
	}
}

func TestValidateTieredHighStatsIntervalClampingIsWarning(t *testing.T) {
	cfg := DefaultServer()
	cfg.StatsIntervalSeconds = 9999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.StatsIntervalSeconds != 3600 {
		t.Fatalf("StatsIntervalSeconds = %d, want 3600 (clamped)", cfg.StatsIntervalSeconds)
	}
}

func TestValidateTieredEmptyFilesDirClamped(t *testing.T) {
	cfg := DefaultServer()
	cfg.FilesDir = ""
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("empty files_dir should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.FilesDir != "server_files" {
		t.Fatalf("FilesDir = %q, want %q", cfg.FilesDir, "server_files")
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := DefaultServer()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := DefaultServer()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestClientValidateTieredListenPortCollisionIsFatal(t *testing.T) {
	cfg := DefaultClient()
	cfg.AudioListenPort = cfg.VideoListenPort
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("listen port collision should be fatal")
	}
}

func TestClientValidateTieredZeroListenPortsAllowed(t *testing.T) {
	cfg := DefaultClient()
	cfg.VideoListenPort = 0
	cfg.AudioListenPort = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("zero listen ports should be allowed: %v", result.Fatals)
	}
}

func TestClientValidateTieredURLAsServerIsFatal(t *testing.T) {
	cfg := DefaultClient()
	cfg.Server = "http://192.168.1.10"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("URL in server field should be fatal")
	}
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "not a URL") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected URL validation error in fatals")
	}
}

func TestClientValidateTieredControlCharsInNameIsFatal(t *testing.T) {
	cfg := DefaultClient()
	cfg.Name = "alice\x01"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in name should be fatal")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := DefaultServer()
	cfg.ControlPort = 0      // fatal
	cfg.LogLevel = "loudest" // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidDefaultsHaveNoErrors(t *testing.T) {
	server := DefaultServer()
	result := server.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default server config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default server config has warnings: %v", result.Warnings)
	}

	client := DefaultClient()
	result = client.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default client config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default client config has warnings: %v", result.Warnings)
	}
}
