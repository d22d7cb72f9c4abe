// Package query resolves read requests against a validated snapshot.
package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/fastapiex/settings-go/internal/errs"
	"github.com/fastapiex/settings-go/internal/registry"
	"github.com/fastapiex/settings-go/internal/schema"
)

// API distinguishes value-shaped from mapping-shaped reads.
type API string

const (
	APIValue API = "value"
	APIMap   API = "map"
)

// Request carries one resolve: a target (dotted path or declared model
// type), an optional field walked from the target, and an optional default.
type Request struct {
	API        API
	TargetPath string
	TargetType reflect.Type
	HasTarget  bool
	Field      string
	HasField   bool
	Default    any
	HasDefault bool
}

// CacheKey fingerprints the request for the miss cache.
func (r Request) CacheKey() string {
	target := "none"
	switch {
	case r.TargetType != nil:
		target = "type:" + typeLabel(r.TargetType)
	case r.HasTarget:
		target = "str:" + r.TargetPath
	}
	field := ""
	if r.HasField {
		field = r.Field
	}
	return fmt.Sprintf("%s|%s|field=%s", r.API, target, field)
}

// Evaluate resolves the request against the snapshot. Failures surface as
// *Miss; the caller owns default recovery and retries.
func Evaluate(req Request, snap *schema.Snapshot, sections []registry.Section, caseSensitive bool) (any, error) {
	value, err := resolveTarget(req, snap, sections, caseSensitive)
	if err != nil {
		return nil, err
	}

	if req.HasField {
		field := strings.TrimSpace(req.Field)
		if field == "" {
			return nil, missf("field is empty")
		}
		value, err = walkRaw(value, field, caseSensitive)
		if err != nil {
			return nil, err
		}
	}

	value = normalizeResult(value)
	if req.API == APIMap && !IsMapping(value) {
		return nil, missf("resolved value is not a mapping")
	}
	return value, nil
}

func resolveTarget(req Request, snap *schema.Snapshot, sections []registry.Section, caseSensitive bool) (any, error) {
	if !req.HasTarget {
		return nil, missf("target is not provided")
	}

	if req.TargetType == nil {
		target := strings.TrimSpace(req.TargetPath)
		if target == "" {
			return nil, missf("target is empty")
		}
		return walkRaw(snap.Tree, target, caseSensitive)
	}

	section, err := resolveTypeTarget(req.TargetType, sections)
	if err != nil {
		return nil, err
	}
	// Type targeting resolves declared sections exactly.
	return walkRaw(snap.Tree, section.PathText(), true)
}

func resolveTypeTarget(target reflect.Type, sections []registry.Section) (registry.Section, error) {
	var candidates []registry.Section
	for _, section := range sections {
		if sectionMatchesType(section, target) {
			candidates = append(candidates, section)
		}
	}

	switch len(candidates) {
	case 0:
		return registry.Section{}, missf("target type %q did not match any declared section", typeLabel(target))
	case 1:
		return candidates[0], nil
	}
	paths := make([]string, len(candidates))
	for i, section := range candidates {
		paths[i] = section.PathText()
	}
	sort.Strings(paths)
	return registry.Section{}, missf("target type %q matched multiple sections: %s",
		typeLabel(target), strings.Join(paths, ", "))
}

// sectionMatchesType accepts the section's own model, an interface its
// record implements, and (for map sections) any string-keyed map type.
func sectionMatchesType(section registry.Section, target reflect.Type) bool {
	for target.Kind() == reflect.Pointer {
		target = target.Elem()
	}
	if section.Model == target {
		return true
	}
	if target.Kind() == reflect.Interface {
		return section.Model.Implements(target) || reflect.PointerTo(section.Model).Implements(target)
	}
	if section.Kind == registry.KindMap {
		return target.Kind() == reflect.Map && target.Key().Kind() == reflect.String
	}
	return false
}

// ResolveDefault checks that a recovered default is legal for the API kind.
func ResolveDefault(req Request) (any, error) {
	if req.API == APIMap && !IsMapping(req.Default) {
		return nil, errs.Resolvef("default value for a mapping read must be a mapping")
	}
	return req.Default, nil
}

func typeLabel(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}
