// Package schema assembles the declared sections into a single validated
// root. Object sections become typed records, map sections become string
// keyed mappings of typed records, and the reserved control root is always
// present as a free-form mapping so control reads work before any user
// declarations exist.
package schema

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/fastapiex/settings-go/internal/envkey"
	"github.com/fastapiex/settings-go/internal/errs"
	"github.com/fastapiex/settings-go/internal/registry"
)

// Node is one position in the assembled tree: a pure branch, a declared
// section, or the free-form control leaf.
type Node struct {
	Name     string
	Decl     *registry.Section
	FreeForm bool
	Children map[string]*Node
}

// Built is the assembled schema for one registry version.
type Built struct {
	Root     *Node
	Sections []registry.Section
}

// Build composes the section list into a tree. It is deterministic in the
// section list order (paths sorted lexicographically).
func Build(sections []registry.Section) (*Built, error) {
	ordered := make([]registry.Section, len(sections))
	copy(ordered, sections)
	sort.Slice(ordered, func(i, j int) bool {
		return slices.Compare(ordered[i].Path, ordered[j].Path) < 0
	})

	root := &Node{Name: "", Children: map[string]*Node{}}
	for i := range ordered {
		if err := insertSection(root, &ordered[i]); err != nil {
			return nil, err
		}
	}

	if _, ok := root.Children[envkey.ControlRoot]; !ok {
		root.Children[envkey.ControlRoot] = &Node{
			Name:     envkey.ControlRoot,
			FreeForm: true,
			Children: map[string]*Node{},
		}
	}

	if err := checkFieldCollisions(root); err != nil {
		return nil, err
	}
	return &Built{Root: root, Sections: ordered}, nil
}

func insertSection(root *Node, section *registry.Section) error {
	current := root
	for _, part := range section.Path {
		if current.Decl != nil && current.Decl.Kind == registry.KindMap {
			return errs.Registrationf("map section %q cannot have nested section %q",
				current.Decl.PathText(), section.PathText())
		}
		child, ok := current.Children[part]
		if !ok {
			child = &Node{Name: part, Children: map[string]*Node{}}
			current.Children[part] = child
		}
		current = child
	}

	if len(current.Children) > 0 && section.Kind == registry.KindMap {
		return errs.Registrationf("map section %q conflicts with existing nested declarations", section.PathText())
	}

	if existing := current.Decl; existing != nil &&
		(existing.Model != section.Model || existing.Kind != section.Kind) {
		return errs.Registrationf("section %q is declared by multiple incompatible models", section.PathText())
	}
	current.Decl = section
	return nil
}

// checkFieldCollisions rejects a nested child whose name shadows a declared
// field of its parent's model.
func checkFieldCollisions(node *Node) error {
	if node.Decl != nil && node.Decl.Kind == registry.KindObject && len(node.Children) > 0 {
		fields := FieldNames(node.Decl.Model)
		for childName := range node.Children {
			if _, ok := fields[childName]; ok {
				return errs.Registrationf("nested declaration %q conflicts with existing field %q",
					node.Decl.PathText()+"."+childName, childName)
			}
		}
	}
	for _, child := range node.Children {
		if err := checkFieldCollisions(child); err != nil {
			return err
		}
	}
	return nil
}

// FieldNames maps the wire name of every settable field of a struct type to
// its StructField. The wire name is the json tag's first token, falling
// back to the Go field name.
func FieldNames(t reflect.Type) map[string]reflect.StructField {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	fields := map[string]reflect.StructField{}
	if t.Kind() != reflect.Struct {
		return fields
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name := fieldWireName(field)
		if name == "-" {
			continue
		}
		fields[name] = field
	}
	return fields
}

func fieldWireName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name
	}
	return name
}
