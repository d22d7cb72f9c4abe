package query

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/fastapiex/settings-go/internal/envkey"
	"github.com/fastapiex/settings-go/internal/liveconf"
	"github.com/fastapiex/settings-go/internal/schema"
)

// Miss is the internal signal that a resolve walk failed; the manager turns
// it into a ResolveError only when no default recovers it.
type Miss struct {
	Reason string
}

func (m *Miss) Error() string { return m.Reason }

func missf(format string, args ...any) *Miss {
	return &Miss{Reason: fmt.Sprintf(format, args...)}
}

// WalkPath resolves a dotted path against the validated tree. The reserved
// control namespace is always walked case-folded; everything else follows
// the active policy.
func WalkPath(root any, path string, caseSensitive bool) (any, error) {
	value, err := walkRaw(root, path, caseSensitive)
	if err != nil {
		return nil, err
	}
	return normalizeResult(value), nil
}

// walkRaw walks without unwrapping tree nodes, so a follow-up field walk
// can still descend into subordinate sections.
func walkRaw(root any, path string, caseSensitive bool) (any, error) {
	segments, err := splitLookupPath(path)
	if err != nil {
		return nil, err
	}
	reserved := envkey.IsControlRoot(segments[0])

	current := root
	for _, segment := range segments {
		effectiveCase := caseSensitive && !reserved
		next, err := step(current, segment, effectiveCase)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func splitLookupPath(path string) ([]string, error) {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
		if parts[i] == "" {
			return nil, missf("invalid lookup path %q", path)
		}
	}
	return parts, nil
}

func step(current any, segment string, caseSensitive bool) (any, error) {
	switch v := current.(type) {
	case *schema.Object:
		if child, ok := lookupName(v.Children, segment, caseSensitive); ok {
			return v.Children[child], nil
		}
		if v.Value != nil {
			return structField(v.Value, segment, caseSensitive)
		}
		return nil, missf("key %q not found", segment)
	case map[string]any:
		if key, ok := lookupName(v, segment, caseSensitive); ok {
			return v[key], nil
		}
		return nil, missf("key %q not found", segment)
	}

	rv := reflect.ValueOf(current)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, missf("key %q not found", segment)
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		return structField(rv.Interface(), segment, caseSensitive)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, missf("key %q not found", segment)
		}
		keys := map[string]any{}
		iter := rv.MapRange()
		for iter.Next() {
			keys[iter.Key().String()] = iter.Value().Interface()
		}
		if key, ok := lookupName(keys, segment, caseSensitive); ok {
			return keys[key], nil
		}
		return nil, missf("key %q not found", segment)
	}
	return nil, missf("cannot descend into %T with key %q", current, segment)
}

// lookupName resolves a segment against a key set. The exact policy
// requires a literal match; the folded policy requires exactly one folded
// match, so case-variant siblings are ambiguous even when one spelling
// matches literally.
func lookupName[V any](m map[string]V, segment string, caseSensitive bool) (string, bool) {
	if caseSensitive {
		_, ok := m[segment]
		return segment, ok
	}
	var matches []string
	for key := range m {
		if strings.EqualFold(key, segment) {
			matches = append(matches, key)
		}
	}
	if len(matches) != 1 {
		return "", false
	}
	return matches[0], true
}

func structField(record any, segment string, caseSensitive bool) (any, error) {
	rv := reflect.ValueOf(record)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, missf("key %q not found", segment)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, missf("cannot descend into %T with key %q", record, segment)
	}
	fields := schema.FieldNames(rv.Type())
	name, ok := lookupName(fields, segment, caseSensitive)
	if !ok {
		return nil, missf("field %q not found", segment)
	}
	return rv.FieldByIndex(fields[name].Index).Interface(), nil
}

// normalizeResult unwraps validated tree nodes for callers: an object node
// with a typed record yields the record, a pure branch yields a mapping of
// its children.
func normalizeResult(value any) any {
	obj, ok := value.(*schema.Object)
	if !ok {
		return value
	}
	if obj.Value != nil {
		return obj.Value
	}
	out := make(map[string]any, len(obj.Children))
	for name, child := range obj.Children {
		out[name] = normalizeResult(child)
	}
	return out
}

// IsMapping reports whether a resolved value is mapping-shaped.
func IsMapping(value any) bool {
	if _, ok := value.(map[string]any); ok {
		return true
	}
	rv := reflect.ValueOf(value)
	return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String
}

// CopyMapping deep-copies the plain shape of a mapping result, sharing
// typed record pointers.
func CopyMapping(value any) map[string]any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if nested, ok := item.(map[string]any); ok {
				out[key] = CopyMapping(nested)
				continue
			}
			out[key] = liveconf.CloneValue(item)
		}
		return out
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	}
	return nil
}
