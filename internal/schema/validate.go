package schema

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/fastapiex/settings-go/internal/envkey"
	"github.com/fastapiex/settings-go/internal/errs"
	"github.com/fastapiex/settings-go/internal/liveconf"
	"github.com/fastapiex/settings-go/internal/registry"
)

// Object is a validated position in the settings tree: the typed record of
// an object section (Value, nil for pure branches) plus its subordinate
// nodes.
type Object struct {
	Section  *registry.Section
	Value    any
	Children map[string]any
}

// Snapshot is one immutable validated root.
type Snapshot struct {
	Tree map[string]any
}

// Validate checks the effective view against the assembled tree and decodes
// every declared section into a freshly allocated record. Any section
// failure fails the whole snapshot.
func (b *Built) Validate(view map[string]any, caseSensitive bool) (*Snapshot, error) {
	tree := map[string]any{}
	var failures *multierror.Error

	for name, node := range b.Root.Children {
		if node.FreeForm {
			tree[name] = collectControlMapping(view)
			continue
		}
		sub, _ := lookupChildMapping(view, name, caseSensitive)
		value, err := buildNodeValue(node, sub, caseSensitive)
		if err != nil {
			failures = multierror.Append(failures, err)
			continue
		}
		tree[name] = value
	}

	if err := failures.ErrorOrNil(); err != nil {
		return nil, errs.WrapValidation(err)
	}
	return &Snapshot{Tree: tree}, nil
}

func buildNodeValue(node *Node, mapping map[string]any, caseSensitive bool) (any, error) {
	if node.Decl != nil && node.Decl.Kind == registry.KindMap {
		return decodeMapSection(node.Decl, mapping, caseSensitive)
	}

	obj := &Object{Section: node.Decl, Children: map[string]any{}}
	consumed := map[string]bool{}
	for name, child := range node.Children {
		sub, matched := lookupChildMapping(mapping, name, caseSensitive)
		if matched != "" {
			consumed[matched] = true
		}
		value, err := buildNodeValue(child, sub, caseSensitive)
		if err != nil {
			return nil, err
		}
		obj.Children[name] = value
	}

	if node.Decl == nil {
		return obj, nil
	}

	own := map[string]any{}
	for key, value := range mapping {
		if !consumed[key] {
			own[key] = value
		}
	}
	record, err := decodeObjectSection(node.Decl, own, caseSensitive)
	if err != nil {
		return nil, err
	}
	obj.Value = record
	return obj, nil
}

func decodeObjectSection(section *registry.Section, raw map[string]any, caseSensitive bool) (any, error) {
	projected := projectToModel(raw, section.Model, caseSensitive)
	if err := validateAgainstModel(section, projected); err != nil {
		return nil, err
	}
	return decodeIntoModel(section, projected, caseSensitive)
}

func decodeMapSection(section *registry.Section, mapping map[string]any, caseSensitive bool) (map[string]any, error) {
	decoded := make(map[string]any, len(mapping))
	for key, item := range mapping {
		nested, ok := item.(map[string]any)
		if !ok {
			return nil, errs.Validationf("section %q: entry %q must be a mapping", section.PathText(), key)
		}
		record, err := decodeObjectSection(section, nested, caseSensitive)
		if err != nil {
			return nil, err
		}
		decoded[key] = record
	}
	return decoded, nil
}

func validateAgainstModel(section *registry.Section, projected map[string]any) error {
	compiled, err := compiledSchemaFor(section.Model)
	if err != nil {
		return errs.Validationf("section %q: derive schema: %v", section.PathText(), err)
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(projected))
	if err != nil {
		return errs.Validationf("section %q: %v", section.PathText(), err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return errs.Validationf("section %q: %s", section.PathText(), strings.Join(details, "; "))
}

func decodeIntoModel(section *registry.Section, projected map[string]any, caseSensitive bool) (any, error) {
	target := reflect.New(section.Model)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  target.Interface(),
		MatchName: func(mapKey, fieldName string) bool {
			if caseSensitive {
				return mapKey == fieldName
			}
			return strings.EqualFold(mapKey, fieldName)
		},
	})
	if err != nil {
		return nil, errs.Validationf("section %q: build decoder: %v", section.PathText(), err)
	}
	if err := decoder.Decode(projected); err != nil {
		return nil, errs.Validationf("section %q: %v", section.PathText(), err)
	}
	return target.Interface(), nil
}

// collectControlMapping merges every folded spelling of the control root in
// the effective view into one lower-cased mapping.
func collectControlMapping(view map[string]any) map[string]any {
	merged := map[string]any{}
	for key, value := range view {
		if !envkey.IsControlRoot(key) {
			continue
		}
		nested, ok := value.(map[string]any)
		if !ok {
			continue
		}
		mergeFolded(merged, nested)
	}
	return merged
}

func mergeFolded(target map[string]any, incoming map[string]any) {
	for key, value := range incoming {
		canonical := strings.ToLower(key)
		if nested, ok := value.(map[string]any); ok {
			existing, ok := target[canonical].(map[string]any)
			if !ok {
				existing = map[string]any{}
				target[canonical] = existing
			}
			mergeFolded(existing, nested)
			continue
		}
		target[canonical] = liveconf.CloneValue(value)
	}
}

// lookupChildMapping resolves a child key in the view under the case
// policy, returning the matched raw key for consumption bookkeeping.
func lookupChildMapping(view map[string]any, name string, caseSensitive bool) (map[string]any, string) {
	if view == nil {
		return map[string]any{}, ""
	}
	if value, ok := view[name]; ok {
		if mapping, ok := value.(map[string]any); ok {
			return mapping, name
		}
		return map[string]any{}, name
	}
	if caseSensitive {
		return map[string]any{}, ""
	}
	var matches []string
	for key := range view {
		if strings.EqualFold(key, name) {
			matches = append(matches, key)
		}
	}
	if len(matches) != 1 {
		return map[string]any{}, ""
	}
	if mapping, ok := view[matches[0]].(map[string]any); ok {
		return mapping, matches[0]
	}
	return map[string]any{}, matches[0]
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[reflect.Type]*gojsonschema.Schema{}
)

// compiledSchemaFor derives a JSON schema from the model struct (fields
// without omitempty are required) and compiles it once per type.
func compiledSchemaFor(model reflect.Type) (*gojsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if compiled, ok := schemaCache[model]; ok {
		return compiled, nil
	}

	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	derived := reflector.ReflectFromType(model)

	raw, err := json.Marshal(derived)
	if err != nil {
		return nil, err
	}
	// The validator only understands pre-2020 drafts; the derived document
	// carries no draft-specific keywords, so drop the marker and the id.
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	delete(doc, "$schema")
	delete(doc, "$id")

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, err
	}
	schemaCache[model] = compiled
	return compiled, nil
}
