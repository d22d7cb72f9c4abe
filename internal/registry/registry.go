// Package registry holds the declared schema sections with owner-scoped
// lifecycles and a version that advances on every observable change.
package registry

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/fastapiex/settings-go/internal/envkey"
	"github.com/fastapiex/settings-go/internal/errs"
)

// Kind distinguishes object sections (one typed record at a path) from map
// sections (string key to typed record).
type Kind string

const (
	KindObject Kind = "object"
	KindMap    Kind = "map"
)

// Section is one declared (path, model, kind) with its owning identity.
type Section struct {
	RawPath         string
	Path            []string
	Model           reflect.Type
	Kind            Kind
	OwnerKey        string
	OwnerGeneration uint64
}

// PathText returns the canonical dotted spelling of the section path.
func (s Section) PathText() string {
	return strings.Join(s.Path, ".")
}

type record struct {
	rawPath         string
	model           reflect.Type
	kind            Kind
	ownerKey        string
	ownerGeneration uint64
}

// Registry indexes section records by model and by canonical path.
type Registry struct {
	mu             sync.Mutex
	recordsByModel map[reflect.Type]record
	sectionsByPath map[string]Section
	version        uint64
}

func New() *Registry {
	return &Registry{
		recordsByModel: map[reflect.Type]record{},
		sectionsByPath: map[string]Section{},
	}
}

// NormalizeModel resolves a declared prototype into its struct type,
// dereferencing pointers.
func NormalizeModel(model any) (reflect.Type, error) {
	t, ok := model.(reflect.Type)
	if !ok {
		if model == nil {
			return nil, errs.Registrationf("settings section model must be a struct, got nil")
		}
		t = reflect.TypeOf(model)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, errs.Registrationf("settings section model must be a struct, got %s", t.Kind())
	}
	return t, nil
}

// CanonicalizePath splits a dotted raw path, rejecting empty segments and
// the reserved control root.
func CanonicalizePath(rawPath string) ([]string, error) {
	parts, err := SplitDottedPath(rawPath)
	if err != nil {
		return nil, err
	}
	if envkey.IsControlRoot(parts[0]) {
		return nil, errs.Registrationf("section path %q uses reserved prefix %q", rawPath, envkey.ControlRoot+".*")
	}
	return parts, nil
}

// SplitDottedPath splits on dots and trims segments, rejecting empties.
func SplitDottedPath(rawPath string) ([]string, error) {
	parts := strings.Split(rawPath, ".")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
		if parts[i] == "" {
			return nil, errs.Registrationf("invalid section path: %q", rawPath)
		}
	}
	return parts, nil
}

// Register stores a declaration. Older generations of the same owner are
// dropped first; an identical re-registration is a no-op that keeps the
// version unchanged. A failed registration rolls back entirely.
func (r *Registry) Register(rawPath string, model any, kind Kind, ownerKey string, ownerGeneration uint64) error {
	modelType, err := NormalizeModel(model)
	if err != nil {
		return err
	}
	if kind != KindObject && kind != KindMap {
		return errs.Registrationf("unsupported section kind: %q", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previousRecords := make(map[reflect.Type]record, len(r.recordsByModel))
	for t, rec := range r.recordsByModel {
		previousRecords[t] = rec
	}
	previousSections := r.sectionsByPath
	previousVersion := r.version

	for t, rec := range r.recordsByModel {
		if rec.ownerKey == ownerKey && rec.ownerGeneration != ownerGeneration {
			delete(r.recordsByModel, t)
		}
	}

	candidate := record{
		rawPath:         rawPath,
		model:           modelType,
		kind:            kind,
		ownerKey:        ownerKey,
		ownerGeneration: ownerGeneration,
	}
	if existing, ok := r.recordsByModel[modelType]; ok && existing == candidate && len(previousRecords) == len(r.recordsByModel) {
		return nil
	}

	r.recordsByModel[modelType] = candidate
	if err := r.reindexLocked(); err != nil {
		r.recordsByModel = previousRecords
		r.sectionsByPath = previousSections
		r.version = previousVersion
		return err
	}
	return nil
}

// UnregisterOwner removes every record of an owner, across generations.
func (r *Registry) UnregisterOwner(ownerKey string) error {
	return r.unregister(ownerKey, nil)
}

// UnregisterOwnerGeneration removes only the records of one generation.
func (r *Registry) UnregisterOwnerGeneration(ownerKey string, generation uint64) error {
	return r.unregister(ownerKey, &generation)
}

func (r *Registry) unregister(ownerKey string, generation *uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	for t, rec := range r.recordsByModel {
		if rec.ownerKey != ownerKey {
			continue
		}
		if generation != nil && rec.ownerGeneration != *generation {
			continue
		}
		delete(r.recordsByModel, t)
		removed = true
	}
	if !removed {
		return nil
	}
	return r.reindexLocked()
}

// Sections returns the indexed sections ordered by canonical path.
func (r *Registry) Sections() []Section {
	r.mu.Lock()
	defer r.mu.Unlock()

	sections := make([]Section, 0, len(r.sectionsByPath))
	for _, section := range r.sectionsByPath {
		sections = append(sections, section)
	}
	sort.Slice(sections, func(i, j int) bool {
		return slices.Compare(sections[i].Path, sections[j].Path) < 0
	})
	return sections
}

// Version strictly increases on any change to the section set.
func (r *Registry) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Registry) reindexLocked() error {
	newSections := map[string]Section{}
	for _, rec := range r.recordsByModel {
		path, err := CanonicalizePath(rec.rawPath)
		if err != nil {
			return err
		}
		section := Section{
			RawPath:         rec.rawPath,
			Path:            path,
			Model:           rec.model,
			Kind:            rec.kind,
			OwnerKey:        rec.ownerKey,
			OwnerGeneration: rec.ownerGeneration,
		}
		key := section.PathText()
		if existing, ok := newSections[key]; ok && existing.Model != rec.model {
			return errs.Registrationf("duplicate section %q for %s and %s",
				key, typeName(existing.Model), typeName(rec.model))
		}
		newSections[key] = section
	}
	r.sectionsByPath = newSections
	r.version++
	return nil
}

func typeName(t reflect.Type) string {
	if t.PkgPath() != "" {
		return fmt.Sprintf("%s.%s", t.PkgPath(), t.Name())
	}
	return t.String()
}
