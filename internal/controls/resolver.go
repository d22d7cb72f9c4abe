package controls

import (
	"log"
	"strings"

	"github.com/fastapiex/settings-go/internal/envkey"
	"github.com/fastapiex/settings-go/internal/liveconf"
)

var (
	settingsPathKeys  = []string{envkey.ControlRoot, "settings", "path"}
	baseDirKeys       = []string{envkey.ControlRoot, "base_dir"}
	envPrefixKeys     = []string{envkey.ControlRoot, "settings", "env_prefix"}
	caseSensitiveKeys = []string{envkey.ControlRoot, "settings", "case_sensitive"}
	reloadKeys        = []string{envkey.ControlRoot, "settings", "reload"}
)

// ReadControl extracts the control record from a projected snapshot. The
// snapshot's control subtree is normalized under case folding first, so any
// spelling of the reserved root is honoured. Unknown control keys are
// ignored.
func ReadControl(snapshot map[string]any, logger *log.Logger) Control {
	normalized := NormalizeControlSnapshot(snapshot)

	envPrefix := readNestedString(normalized, envPrefixKeys)
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}

	return Control{
		SettingsPath:  readNestedString(normalized, settingsPathKeys),
		BaseDir:       readNestedString(normalized, baseDirKeys),
		EnvPrefix:     envPrefix,
		CaseSensitive: ParseCaseSensitive(readNestedValue(normalized, caseSensitiveKeys), DefaultCaseSensitive, logger),
		ReloadMode:    ParseReloadMode(readNestedValue(normalized, reloadKeys), DefaultReloadMode, logger),
	}
}

// NormalizeControlSnapshot keeps only the control root of a snapshot,
// merging every folded spelling of it into one canonical lower-case subtree.
func NormalizeControlSnapshot(snapshot map[string]any) map[string]any {
	merged := map[string]any{}
	for key, value := range snapshot {
		if !envkey.IsControlRoot(key) {
			continue
		}
		nested, ok := value.(map[string]any)
		if !ok {
			continue
		}
		mergeCasefold(merged, nested)
	}
	if len(merged) == 0 {
		return map[string]any{}
	}
	return map[string]any{envkey.ControlRoot: merged}
}

func mergeCasefold(target map[string]any, incoming map[string]any) {
	for key, value := range incoming {
		canonical := strings.ToLower(key)
		if nested, ok := value.(map[string]any); ok {
			existing, ok := target[canonical].(map[string]any)
			if !ok {
				existing = map[string]any{}
				target[canonical] = existing
			}
			mergeCasefold(existing, nested)
			continue
		}
		target[canonical] = liveconf.CloneValue(value)
	}
}

func readNestedValue(mapping map[string]any, keys []string) any {
	var current any = mapping
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		matched, ok := findMappingKey(m, key)
		if !ok {
			return nil
		}
		current = m[matched]
	}
	return current
}

func readNestedString(mapping map[string]any, keys []string) string {
	raw, ok := readNestedValue(mapping, keys).(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(raw)
}

func findMappingKey(mapping map[string]any, expected string) (string, bool) {
	for key := range mapping {
		if strings.EqualFold(key, expected) {
			return key, true
		}
	}
	return "", false
}
