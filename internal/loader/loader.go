// Package loader reads the three configuration sources as raw snapshots.
// File snapshots are nested mappings; dotenv and env snapshots stay flat
// (raw key to raw string) and are reprojected later under the active env
// prefix and case policy.
package loader

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/fastapiex/settings-go/internal/errs"
)

// DotenvFilename is looked up next to the active settings file.
const DotenvFilename = ".env"

// FileState is a freshness token for a file-backed source. Absent files
// produce a tombstone with Exists=false.
type FileState struct {
	Path    string
	Exists  bool
	MtimeNS int64
	Size    int64
}

// Equal compares two freshness tokens, treating nil as "no token".
func (s *FileState) Equal(other *FileState) bool {
	if s == nil || other == nil {
		return s == other
	}
	return *s == *other
}

// Loader reads source snapshots through an afero filesystem so tests can
// substitute an in-memory one.
type Loader struct {
	fs      afero.Fs
	environ func() []string
}

func New(fs afero.Fs, environ func() []string) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if environ == nil {
		environ = os.Environ
	}
	return &Loader{fs: fs, environ: environ}
}

// LoadSettingsFile reads the structured settings file at path. A missing or
// empty file yields an empty mapping; a non-mapping top level is a
// configuration error.
func (l *Loader) LoadSettingsFile(path string) (map[string]any, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read settings file %s: %w", path, err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	if doc == nil {
		return map[string]any{}, nil
	}
	mapping, ok := doc.(map[string]any)
	if !ok {
		return nil, errs.Configurationf("settings file must contain a mapping at top-level: %s", path)
	}
	return mapping, nil
}

// LoadDotenv reads .env from dir into a flat raw-key snapshot. Values come
// back unquoted and comment-stripped; scalar parsing happens at projection
// time.
func (l *Loader) LoadDotenv(dir string) map[string]any {
	path := filepath.Join(dir, DotenvFilename)
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return map[string]any{}
	}

	pairs, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		log.Printf("warning: skipping malformed dotenv file %s: %v", path, err)
		return map[string]any{}
	}

	snapshot := make(map[string]any, len(pairs))
	for key, value := range pairs {
		snapshot[key] = value
	}
	return snapshot
}

// LoadEnviron snapshots the full process environment as raw strings.
func (l *Loader) LoadEnviron() map[string]any {
	snapshot := map[string]any{}
	for _, kv := range l.environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		snapshot[key] = value
	}
	return snapshot
}

// FileStateFor stats path into a freshness token.
func (l *Loader) FileStateFor(path string) *FileState {
	if path == "" {
		return &FileState{}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	info, err := l.fs.Stat(abs)
	if err != nil {
		return &FileState{Path: abs}
	}
	return &FileState{
		Path:    abs,
		Exists:  true,
		MtimeNS: info.ModTime().UnixNano(),
		Size:    info.Size(),
	}
}

// DotenvStateFor stats the .env candidate next to the settings file.
func (l *Loader) DotenvStateFor(dir string) *FileState {
	return l.FileStateFor(filepath.Join(dir, DotenvFilename))
}
