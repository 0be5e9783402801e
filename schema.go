package resolution

import (
	_ "embed"
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

// PropertyType determines how the values of a property are compared, indexed
// and rewritten.
type PropertyType string

const (
	TypeName       PropertyType = "name"
	TypeIdentifier PropertyType = "identifier"
	TypeDate       PropertyType = "date"
	TypeCountry    PropertyType = "country"
	TypeEntity     PropertyType = "entity" // values are ids of other entities
	TypeString     PropertyType = "string"
	TypeText       PropertyType = "text"
	TypeTopic      PropertyType = "topic"
)

func (t PropertyType) valid() bool {
	switch t {
	case TypeName, TypeIdentifier, TypeDate, TypeCountry, TypeEntity, TypeString, TypeText, TypeTopic:
		return true
	}
	return false
}

// A Property is a typed attribute of a Schema.
type Property struct {
	Name string
	Type PropertyType
}

// EdgeSpec describes a relationship schema: which properties hold its
// endpoints and temporal extent, and which extra properties distinguish two
// relationships between the same endpoints.
type EdgeSpec struct {
	Source string   `yaml:"source"`
	Target string   `yaml:"target"`
	Start  string   `yaml:"start"`
	End    string   `yaml:"end"`
	Dedupe []string `yaml:"dedupe"`
}

// A Schema is one variant of entity in the registry. Schemata are immutable once
// the registry is loaded.
type Schema struct {
	Name      string
	Abstract  bool
	Matchable bool
	Edge      *EdgeSpec

	parents    []*Schema
	properties map[string]Property // own and inherited
	ancestors  map[string]struct{} // including itself
}

func (s *Schema) String() string { return s.Name }

// Property returns the named property of the schema, or a *SchemaError wrapping
// ErrUnknownProperty when neither the schema nor its ancestors define it.
func (s *Schema) Property(name string) (Property, error) {
	p, ok := s.properties[name]
	if !ok {
		return Property{}, &SchemaError{Schema: s.Name, Property: name, Err: ErrUnknownProperty}
	}
	return p, nil
}

// Properties returns all properties of the schema sorted by name.
func (s *Schema) Properties() []Property {
	props := make([]Property, 0, len(s.properties))
	for _, name := range slices.Sorted(maps.Keys(s.properties)) {
		props = append(props, s.properties[name])
	}
	return props
}

// PropertiesOfType returns the names of all properties of the given type,
// sorted.
func (s *Schema) PropertiesOfType(t PropertyType) []string {
	var names []string
	for name, p := range s.properties {
		if p.Type == t {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// IsA reports whether s is the named schema or descends from it.
func (s *Schema) IsA(name string) bool {
	_, ok := s.ancestors[name]
	return ok
}

// IsEdge reports whether s describes a relationship between two entities.
func (s *Schema) IsEdge() bool { return s.Edge != nil }

// A Registry is a static set of schemata, resolved once at load time.
type Registry struct {
	schemata map[string]*Schema
}

type schemaDocument struct {
	Extends    []string                `yaml:"extends"`
	Abstract   bool                    `yaml:"abstract"`
	Matchable  bool                    `yaml:"matchable"`
	Properties map[string]PropertyType `yaml:"properties"`
	Edge       *EdgeSpec               `yaml:"edge"`
}

// LoadRegistry parses a YAML document of schemata and resolves inheritance
// between them.
func LoadRegistry(data []byte) (*Registry, error) {
	var docs map[string]schemaDocument
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	r := &Registry{schemata: make(map[string]*Schema, len(docs))}
	resolving := make(map[string]bool)
	var resolve func(name string) (*Schema, error)
	resolve = func(name string) (*Schema, error) {
		if s, ok := r.schemata[name]; ok {
			return s, nil
		}
		doc, ok := docs[name]
		if !ok {
			return nil, &SchemaError{Schema: name, Err: ErrUnknownSchema}
		}
		if resolving[name] {
			return nil, fmt.Errorf("schema %s: inheritance cycle", name)
		}
		resolving[name] = true
		defer delete(resolving, name)

		s := &Schema{
			Name:       name,
			Abstract:   doc.Abstract,
			Matchable:  doc.Matchable,
			Edge:       doc.Edge,
			properties: make(map[string]Property),
			ancestors:  map[string]struct{}{name: {}},
		}
		for _, parentName := range doc.Extends {
			parent, err := resolve(parentName)
			if err != nil {
				return nil, fmt.Errorf("schema %s: extends: %w", name, err)
			}
			s.parents = append(s.parents, parent)
			maps.Copy(s.ancestors, parent.ancestors)
			for pname, p := range parent.properties {
				if err := s.define(p.Name, p.Type); err != nil {
					return nil, fmt.Errorf("schema %s: inherit %s.%s: %w", name, parentName, pname, err)
				}
			}
		}
		for pname, ptype := range doc.Properties {
			if !ptype.valid() {
				return nil, fmt.Errorf("schema %s: property %s: unknown type %q", name, pname, ptype)
			}
			if err := s.define(pname, ptype); err != nil {
				return nil, fmt.Errorf("schema %s: %w", name, err)
			}
		}
		if err := s.checkEdge(); err != nil {
			return nil, fmt.Errorf("schema %s: edge: %w", name, err)
		}
		r.schemata[name] = s
		return s, nil
	}

	for name := range docs {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (s *Schema) define(name string, t PropertyType) error {
	if p, ok := s.properties[name]; ok && p.Type != t {
		return fmt.Errorf("property %s: conflicting types %s and %s", name, p.Type, t)
	}
	s.properties[name] = Property{Name: name, Type: t}
	return nil
}

func (s *Schema) checkEdge() error {
	if s.Edge == nil {
		return nil
	}
	for _, name := range []string{s.Edge.Source, s.Edge.Target} {
		p, err := s.Property(name)
		if err != nil {
			return err
		}
		if p.Type != TypeEntity {
			return fmt.Errorf("endpoint %s is not an entity property", name)
		}
	}
	for _, name := range append([]string{s.Edge.Start, s.Edge.End}, s.Edge.Dedupe...) {
		if _, err := s.Property(name); err != nil {
			return err
		}
	}
	return nil
}

// Get looks up a schema by name.
func (r *Registry) Get(name string) (*Schema, error) {
	s, ok := r.schemata[name]
	if !ok {
		return nil, &SchemaError{Schema: name, Err: ErrUnknownSchema}
	}
	return s, nil
}

// Names returns the names of all schemata in the registry, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.schemata))
}

// Common returns the more specific of two schemata when one descends from the
// other. Otherwise, it returns a *SchemaError wrapping ErrIncompatibleSchema.
func (r *Registry) Common(a, b *Schema) (*Schema, error) {
	switch {
	case a == b:
		return a, nil
	case a.IsA(b.Name):
		return a, nil
	case b.IsA(a.Name):
		return b, nil
	}
	return nil, &SchemaError{Schema: a.Name, Other: b.Name, Err: ErrIncompatibleSchema}
}

//go:embed schemata.yaml
var schemataYAML []byte

// DefaultRegistry holds the schemata this module was built with.
var DefaultRegistry = mustLoadRegistry(schemataYAML)

func mustLoadRegistry(data []byte) *Registry {
	r, err := LoadRegistry(data)
	if err != nil {
		panic("resolution: embedded schema registry: " + err.Error())
	}
	return r
}

// Lookup returns the named schema from DefaultRegistry.
func Lookup(name string) (*Schema, error) { return DefaultRegistry.Get(name) }

// MustLookup is like Lookup but panics if the schema is unknown. It simplifies
// references to well-known schemata.
func MustLookup(name string) *Schema {
	s, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return s
}

// CommonSchema combines two schemata of DefaultRegistry; see Registry.Common.
func CommonSchema(a, b *Schema) (*Schema, error) { return DefaultRegistry.Common(a, b) }
