package config

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits config problems into two tiers. Fatals are
// values that cannot be corrected automatically and must stop startup.
// Warnings cover values that were clamped or merely look suspicious.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

func (r ValidationResult) LogWarnings() {
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
}

// ValidateTiered checks the server config. Dangerous zero-values that
// would break startup are clamped to safe defaults and reported as
// warnings; everything else that cannot be corrected is fatal.
func (c *ServerConfig) ValidateTiered() ValidationResult {
	var r ValidationResult

	ports := []struct {
		key  string
		port int
	}{
		{"control_port", c.ControlPort},
		{"screen_port", c.ScreenPort},
		{"file_port", c.FilePort},
		{"video_port", c.VideoPort},
		{"audio_port", c.AudioPort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s %d is outside 1-65535", p.key, p.port))
		}
	}

	// The three TCP listeners cannot share a port, nor can the two UDP ones.
	if c.ScreenPort == c.ControlPort {
		r.Fatals = append(r.Fatals, fmt.Errorf("screen_port %d collides with control_port, both bind TCP", c.ScreenPort))
	}
	if c.FilePort == c.ControlPort || c.FilePort == c.ScreenPort {
		r.Fatals = append(r.Fatals, fmt.Errorf("file_port %d collides with another TCP port", c.FilePort))
	}
	if c.AudioPort == c.VideoPort {
		r.Fatals = append(r.Fatals, fmt.Errorf("audio_port %d collides with video_port, both bind UDP", c.AudioPort))
	}

	if containsControlChars(c.RoomName) {
		r.Fatals = append(r.Fatals, fmt.Errorf("room_name contains control characters"))
	}
	if containsControlChars(c.Password) {
		r.Fatals = append(r.Fatals, fmt.Errorf("password contains control characters"))
	}

	if c.FilesDir == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("files_dir is empty, using %q", DefaultServer().FilesDir))
		c.FilesDir = DefaultServer().FilesDir
	}

	// Clamp the stats interval to a sane range rather than refusing to start.
	if c.StatsIntervalSeconds < 5 {
		r.Warnings = append(r.Warnings, fmt.Errorf("stats_interval_seconds %d is below minimum 5, clamping", c.StatsIntervalSeconds))
		c.StatsIntervalSeconds = 5
	} else if c.StatsIntervalSeconds > 3600 {
		r.Warnings = append(r.Warnings, fmt.Errorf("stats_interval_seconds %d exceeds maximum 3600, clamping", c.StatsIntervalSeconds))
		c.StatsIntervalSeconds = 3600
	}

	r.Warnings = append(r.Warnings, checkLogging(c.LogLevel, c.LogFormat)...)

	return r
}

// ValidateTiered checks the client config. Listen ports accept 0,
// meaning the OS picks a free port which is then advertised to the
// server during the hello exchange.
func (c *ClientConfig) ValidateTiered() ValidationResult {
	var r ValidationResult

	ports := []struct {
		key  string
		port int
	}{
		{"control_port", c.ControlPort},
		{"screen_port", c.ScreenPort},
		{"file_port", c.FilePort},
		{"video_port", c.VideoPort},
		{"audio_port", c.AudioPort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s %d is outside 1-65535", p.key, p.port))
		}
	}

	if c.VideoListenPort < 0 || c.VideoListenPort > 65535 {
		r.Fatals = append(r.Fatals, fmt.Errorf("video_listen_port %d is outside 0-65535", c.VideoListenPort))
	}
	if c.AudioListenPort < 0 || c.AudioListenPort > 65535 {
		r.Fatals = append(r.Fatals, fmt.Errorf("audio_listen_port %d is outside 0-65535", c.AudioListenPort))
	}
	if c.VideoListenPort != 0 && c.VideoListenPort == c.AudioListenPort {
		r.Fatals = append(r.Fatals, fmt.Errorf("audio_listen_port %d collides with video_listen_port, both bind UDP", c.AudioListenPort))
	}

	if strings.Contains(c.Server, "://") {
		r.Fatals = append(r.Fatals, fmt.Errorf("server %q should be a host name or address, not a URL", c.Server))
	}
	if strings.ContainsAny(c.Server, " \t") {
		r.Fatals = append(r.Fatals, fmt.Errorf("server %q contains whitespace", c.Server))
	}

	if containsControlChars(c.Name) {
		r.Fatals = append(r.Fatals, fmt.Errorf("name contains control characters"))
	}
	if containsControlChars(c.Password) {
		r.Fatals = append(r.Fatals, fmt.Errorf("password contains control characters"))
	}

	r.Warnings = append(r.Warnings, checkLogging(c.LogLevel, c.LogFormat)...)

	return r
}

func checkLogging(level, format string) []error {
	var errs []error
	if level != "" && !validLogLevels[strings.ToLower(level)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", level))
	}
	if format != "" && format != "text" && format != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", format))
	}
	return errs
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
