package logger

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level represents the severity of a log entry.
type Level slog.Level

// Supported levels, aligned with slog so handlers can compare them directly.
const (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)

// String returns the lowercase name used on the wire and in configuration.
func (l Level) String() string {
	switch {
	case l < LevelInfo:
		return "debug"
	case l < LevelWarn:
		return "info"
	case l < LevelError:
		return "warn"
	default:
		return "error"
	}
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Profile selects which sinks are active for a deployment environment.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
)

// ParseProfile converts a configuration string into a Profile.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case ProfileDevelopment, ProfileStaging, ProfileProduction:
		return p, nil
	case "dev":
		return ProfileDevelopment, nil
	case "prod":
		return ProfileProduction, nil
	default:
		return ProfileDevelopment, fmt.Errorf("unknown profile %q", s)
	}
}
