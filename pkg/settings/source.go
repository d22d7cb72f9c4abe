package settings

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fastapiex/settings-go/internal/controls"
	"github.com/fastapiex/settings-go/internal/envkey"
	"github.com/fastapiex/settings-go/internal/errs"
)

// SettingsFilename is the default file looked up when only a directory is
// known.
const SettingsFilename = "settings.yaml"

// Source is the resolved, frozen description of where and how settings are
// read. Identity is structural: two sources are the same iff every field
// matches.
type Source struct {
	SettingsPath  string
	EnvPrefix     string
	CaseSensitive bool
	ReloadMode    controls.ReloadMode
}

// normalizeOverridePath turns a user-provided path into an absolute
// settings-file path. Values ending in .yaml/.yml are files; anything else
// is a directory that implies settings.yaml inside it. Empty input stays
// empty.
func (m *Manager) normalizeOverridePath(raw string, asDirectory bool) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = expandUser(text)
	if !filepath.IsAbs(text) {
		text = filepath.Join(m.workdir, text)
	}
	text = filepath.Clean(text)

	if asDirectory {
		return text
	}
	ext := strings.ToLower(filepath.Ext(text))
	if ext == ".yaml" || ext == ".yml" {
		return text
	}
	return filepath.Join(text, SettingsFilename)
}

func expandUser(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// resolveEnvPrefix validates a requested prefix: the reserved control
// prefix cannot be tunnelled through it.
func resolveEnvPrefix(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", nil
	}
	if strings.HasPrefix(strings.ToUpper(value), envkey.ControlEnvPrefix) {
		return "", errs.Configurationf("env prefix cannot start with reserved prefix %q", envkey.ControlEnvPrefix)
	}
	return value, nil
}

// buildSource assembles a Source from a control record plus explicit
// overrides. Partial controls never zero the path: the fallback (the
// currently active path) fills the gap.
func (m *Manager) buildSource(control controls.Control, explicitPath, explicitPrefix, fallbackPath string) (Source, error) {
	path := m.resolveSettingsPath(explicitPath, control, fallbackPath)

	prefixInput := control.EnvPrefix
	if explicitPrefix != "" {
		prefixInput = explicitPrefix
	}
	prefix, err := resolveEnvPrefix(prefixInput)
	if err != nil {
		return Source{}, err
	}

	return Source{
		SettingsPath:  path,
		EnvPrefix:     prefix,
		CaseSensitive: control.CaseSensitive,
		ReloadMode:    control.ReloadMode,
	}, nil
}

func (m *Manager) resolveSettingsPath(explicitPath string, control controls.Control, fallbackPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	if fromControl := m.normalizeOverridePath(control.SettingsPath, false); fromControl != "" {
		return fromControl
	}
	if baseDir := m.normalizeOverridePath(control.BaseDir, true); baseDir != "" {
		return filepath.Join(baseDir, SettingsFilename)
	}
	if fallbackPath != "" {
		return fallbackPath
	}
	return filepath.Join(m.workdir, SettingsFilename)
}
