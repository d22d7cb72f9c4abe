package envkey

import (
	"log"
	"strings"
)

// Separator splits environment keys into path segments.
const Separator = "__"

// ControlRoot is the reserved first-level settings key carrying runtime
// controls. It is compared case-folded everywhere.
const ControlRoot = "fastapiex"

// ControlEnvPrefix marks environment keys addressing the control namespace.
const ControlEnvPrefix = "FASTAPIEX__"

// KeyToParts decodes an environment key like A__B__C into path segments.
// Keys in the reserved control namespace are always accepted and folded to
// lower case, regardless of prefix and case policy. Returns nil when the key
// does not belong to the active prefix or contains an empty segment.
func KeyToParts(envKey, prefix string, caseSensitive bool) []string {
	reserved := strings.HasPrefix(strings.ToUpper(envKey), ControlEnvPrefix)

	keyPath := envKey
	if !reserved && prefix != "" {
		if !HasPrefixFold(envKey, prefix, caseSensitive) {
			return nil
		}
		keyPath = envKey[len(prefix):]
		if strings.HasPrefix(strings.ToUpper(keyPath), ControlEnvPrefix) {
			log.Printf("warning: ignoring env key %q: %s* keys must not carry the prefix %q; use %q directly",
				envKey, ControlEnvPrefix, prefix, keyPath)
			return nil
		}
	}

	if keyPath == "" {
		return nil
	}

	rawParts := strings.Split(keyPath, Separator)
	for _, part := range rawParts {
		if part == "" {
			return nil
		}
	}

	if reserved || !caseSensitive {
		lowered := make([]string, len(rawParts))
		for i, part := range rawParts {
			lowered[i] = strings.ToLower(part)
		}
		return lowered
	}
	return rawParts
}

// HasPrefixFold reports whether value starts with prefix under the given
// case policy.
func HasPrefixFold(value, prefix string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.HasPrefix(value, prefix)
	}
	if len(value) < len(prefix) {
		return false
	}
	return strings.EqualFold(value[:len(prefix)], prefix)
}

// IsControlRoot reports whether segment names the reserved control root.
func IsControlRoot(segment string) bool {
	return strings.EqualFold(segment, ControlRoot)
}

// SetNested writes value into target at the given path, forcing intermediate
// mappings into place.
func SetNested(target map[string]any, parts []string, value any) {
	cursor := target
	for _, part := range parts[:len(parts)-1] {
		existing, ok := cursor[part].(map[string]any)
		if !ok {
			existing = map[string]any{}
			cursor[part] = existing
		}
		cursor = existing
	}
	cursor[parts[len(parts)-1]] = value
}
