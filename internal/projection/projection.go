// Package projection reprojects stored source entries into the two views
// the runtime consumes: the control-plane view and the effective settings
// view. Both apply the per-path winner rule and deep-copy values on emit.
package projection

import (
	"slices"
	"sort"
	"strings"

	"github.com/fastapiex/settings-go/internal/envkey"
	"github.com/fastapiex/settings-go/internal/liveconf"
)

type projected struct {
	path  []string
	value any
}

type projector func(entry liveconf.Entry) (projected, bool)

// ControlView materializes the reserved control namespace from stored
// entries. File paths inside the control root are folded to canonical case;
// dotenv/env keys are honoured only when they carry the control env prefix.
func ControlView(entries []liveconf.Entry) map[string]any {
	return materialize(entries, projectControlEntry)
}

// EffectiveView materializes the nested mapping fed to validation. Dotenv
// and env raw keys are re-parsed under the just-converged env prefix and
// case policy, and their string values re-run through the scalar parser.
func EffectiveView(entries []liveconf.Entry, envPrefix string, caseSensitive bool) map[string]any {
	return materialize(entries, func(entry liveconf.Entry) (projected, bool) {
		if entry.Source == liveconf.SourceFile {
			return projectFileSettingsEntry(entry)
		}
		return projectEnvSettingsEntry(entry, envPrefix, caseSensitive)
	})
}

func materialize(entries []liveconf.Entry, project projector) map[string]any {
	type winner struct {
		rev      uint64
		priority int
		path     []string
		value    any
	}
	winners := map[string]winner{}
	for _, entry := range entries {
		p, ok := project(entry)
		if !ok {
			continue
		}
		key := strings.Join(p.path, "\x1f")
		priority := liveconf.Priority(entry.Source)
		if existing, ok := winners[key]; ok {
			if entry.Rev < existing.rev ||
				(entry.Rev == existing.rev && priority <= existing.priority) {
				continue
			}
		}
		winners[key] = winner{
			rev:      entry.Rev,
			priority: priority,
			path:     p.path,
			value:    liveconf.CloneValue(p.value),
		}
	}

	ordered := make([]winner, 0, len(winners))
	for _, w := range winners {
		ordered = append(ordered, w)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.rev != b.rev {
			return a.rev < b.rev
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if len(a.path) != len(b.path) {
			return len(a.path) < len(b.path)
		}
		return slices.Compare(a.path, b.path) < 0
	})

	merged := map[string]any{}
	for _, w := range ordered {
		envkey.SetNested(merged, w.path, liveconf.CloneValue(w.value))
	}
	return merged
}

func projectControlEntry(entry liveconf.Entry) (projected, bool) {
	if entry.Source == liveconf.SourceFile {
		if len(entry.Path) == 0 || !envkey.IsControlRoot(entry.Path[0]) {
			return projected{}, false
		}
		folded := make([]string, len(entry.Path))
		for i, segment := range entry.Path {
			folded[i] = strings.ToLower(segment)
		}
		return projected{path: folded, value: entry.Value}, true
	}

	rawKey, ok := entryEnvKey(entry)
	if !ok || !strings.HasPrefix(strings.ToUpper(rawKey), envkey.ControlEnvPrefix) {
		return projected{}, false
	}

	parts := strings.Split(rawKey, envkey.Separator)
	folded := make([]string, len(parts))
	for i, part := range parts {
		if part == "" {
			return projected{}, false
		}
		folded[i] = strings.ToLower(part)
	}
	return projected{path: folded, value: parseEnvLikeValue(entry.Value)}, true
}

func projectFileSettingsEntry(entry liveconf.Entry) (projected, bool) {
	if len(entry.Path) == 0 {
		return projected{}, false
	}
	return projected{path: entry.Path, value: entry.Value}, true
}

func projectEnvSettingsEntry(entry liveconf.Entry, envPrefix string, caseSensitive bool) (projected, bool) {
	rawKey, ok := entryEnvKey(entry)
	if !ok {
		return projected{}, false
	}
	parts := envkey.KeyToParts(rawKey, envPrefix, caseSensitive)
	if parts == nil {
		return projected{}, false
	}
	return projected{path: parts, value: parseEnvLikeValue(entry.Value)}, true
}

// entryEnvKey recovers the raw environment key from a dotenv/env entry;
// those sources always store single-segment paths.
func entryEnvKey(entry liveconf.Entry) (string, bool) {
	if len(entry.Path) != 1 {
		return "", false
	}
	return entry.Path[0], true
}

func parseEnvLikeValue(value any) any {
	if raw, ok := value.(string); ok {
		return envkey.ParseScalar(raw)
	}
	return liveconf.CloneValue(value)
}
