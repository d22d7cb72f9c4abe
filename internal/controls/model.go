// Package controls reads the reserved control namespace out of projected
// views and drives the settings-path convergence loop.
package controls

import (
	"log"
	"runtime"
	"strings"

	"github.com/spf13/cast"
)

// ReloadMode selects when sources are re-read on automatic refresh.
type ReloadMode string

const (
	ReloadOff      ReloadMode = "off"
	ReloadOnChange ReloadMode = "on_change"
	ReloadAlways   ReloadMode = "always"
)

const (
	DefaultEnvPrefix     = ""
	DefaultCaseSensitive = false
	DefaultReloadMode    = ReloadOff
)

// Control is the closed record carried under the reserved control root.
// Empty strings mean "not set".
type Control struct {
	SettingsPath  string
	BaseDir       string
	EnvPrefix     string
	CaseSensitive bool
	ReloadMode    ReloadMode
}

// ParseBool interprets the loose boolean tokens accepted by the control
// namespace; unrecognized tokens keep the default.
func ParseBool(raw any, def bool) bool {
	switch v := raw.(type) {
	case nil:
		return def
	case bool:
		return v
	case int, int64, uint64, float64:
		return cast.ToFloat64(v) != 0
	}
	value := strings.ToLower(strings.TrimSpace(cast.ToString(raw)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// ParseCaseSensitive applies ParseBool. Exact matching is not supported on
// Windows; a true value is downgraded with a warning there.
func ParseCaseSensitive(raw any, def bool, logger *log.Logger) bool {
	mode := ParseBool(raw, def)
	if runtime.GOOS == "windows" && mode {
		logf(logger, "warning: case_sensitive=true is ignored on Windows; falling back to case-insensitive mode")
		return false
	}
	return mode
}

// ParseReloadMode normalizes the reload-mode tokens. Booleans and numbers
// map to on_change/off; an unknown token warns and keeps the default.
func ParseReloadMode(raw any, def ReloadMode, logger *log.Logger) ReloadMode {
	var token string
	switch v := raw.(type) {
	case nil:
		return def
	case bool:
		if v {
			return ReloadOnChange
		}
		return ReloadOff
	case int, int64, uint64, float64:
		if cast.ToFloat64(v) != 0 {
			return ReloadOnChange
		}
		return ReloadOff
	default:
		token = strings.ToLower(strings.TrimSpace(cast.ToString(v)))
	}

	switch token {
	case "always":
		return ReloadAlways
	case "on_change", "on-change", "onchange", "true", "1", "yes":
		return ReloadOnChange
	case "off", "false", "0", "no":
		return ReloadOff
	}
	logf(logger, "warning: invalid settings reload mode %q; falling back to %q", token, def)
	return def
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}
