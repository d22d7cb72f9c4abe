package schema

import (
	"reflect"
	"strings"

	"github.com/fastapiex/settings-go/internal/liveconf"
)

// projectToModel canonicalizes the keys of a raw mapping onto the wire
// names of a model's fields under the active case policy, recursing into
// struct-typed and map-of-struct fields. Unmatched keys pass through
// unchanged and are ignored downstream.
func projectToModel(raw map[string]any, model reflect.Type, caseSensitive bool) map[string]any {
	fields := FieldNames(model)
	projected := map[string]any{}
	for key, value := range raw {
		name, ok := resolveFieldName(fields, key, caseSensitive)
		if !ok {
			assignProjected(projected, key, liveconf.CloneValue(value))
			continue
		}
		assignProjected(projected, name, projectFieldValue(fields[name].Type, value, caseSensitive))
	}
	return projected
}

func projectFieldValue(fieldType reflect.Type, value any, caseSensitive bool) any {
	for fieldType.Kind() == reflect.Pointer {
		fieldType = fieldType.Elem()
	}

	mapping, ok := value.(map[string]any)
	if !ok {
		return liveconf.CloneValue(value)
	}

	if fieldType.Kind() == reflect.Struct {
		return projectToModel(mapping, fieldType, caseSensitive)
	}

	if fieldType.Kind() == reflect.Map && fieldType.Key().Kind() == reflect.String {
		elem := fieldType.Elem()
		for elem.Kind() == reflect.Pointer {
			elem = elem.Elem()
		}
		if elem.Kind() == reflect.Struct {
			projected := make(map[string]any, len(mapping))
			for key, item := range mapping {
				if nested, ok := item.(map[string]any); ok {
					projected[key] = projectToModel(nested, elem, caseSensitive)
					continue
				}
				projected[key] = liveconf.CloneValue(item)
			}
			return projected
		}
	}

	return liveconf.CloneValue(value)
}

func resolveFieldName(fields map[string]reflect.StructField, key string, caseSensitive bool) (string, bool) {
	if _, ok := fields[key]; ok {
		return key, true
	}
	if caseSensitive {
		return "", false
	}
	var matches []string
	for name := range fields {
		if strings.EqualFold(name, key) {
			matches = append(matches, name)
		}
	}
	if len(matches) != 1 {
		return "", false
	}
	return matches[0], true
}

func assignProjected(target map[string]any, key string, value any) {
	existing, okExisting := target[key].(map[string]any)
	incoming, okIncoming := value.(map[string]any)
	if okExisting && okIncoming {
		mergeNested(existing, incoming)
		return
	}
	target[key] = value
}

func mergeNested(target map[string]any, incoming map[string]any) {
	for key, value := range incoming {
		existing, okExisting := target[key].(map[string]any)
		nested, okNested := value.(map[string]any)
		if okExisting && okNested {
			mergeNested(existing, nested)
			continue
		}
		target[key] = liveconf.CloneValue(value)
	}
}
