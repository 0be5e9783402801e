package resolution

import (
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

// A Dataset is either a leaf source, synced and versioned on its own, or a
// collection of other datasets.
type Dataset struct {
	Name     string   `yaml:"name"`
	Title    string   `yaml:"title"`
	Children []string `yaml:"children"`
}

// IsCollection reports whether the dataset groups other datasets.
func (d Dataset) IsCollection() bool { return len(d.Children) > 0 }

// A Scope is a named set of leaf datasets, usually resolved from a collection.
type Scope struct {
	Name   string
	Leaves []string
}

// Contains reports whether the scope covers the named leaf dataset.
func (s Scope) Contains(dataset string) bool {
	return slices.Contains(s.Leaves, dataset)
}

// LeafScope returns a scope covering a single leaf dataset.
func LeafScope(name string) Scope { return Scope{Name: name, Leaves: []string{name}} }

// A Catalog names every dataset known to the system.
type Catalog struct {
	datasets map[string]Dataset
}

type catalogDocument struct {
	Datasets []Dataset `yaml:"datasets"`
}

// LoadCatalog parses a YAML catalog of the form:
//
//	datasets:
//	  - name: sanctions
//	    children: [us_ofac_sdn, eu_fsf]
//	  - name: us_ofac_sdn
//	  - name: eu_fsf
func LoadCatalog(data []byte) (*Catalog, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	return NewCatalog(doc.Datasets...)
}

// NewCatalog returns a catalog of the given datasets. Every child of a
// collection must itself be in the catalog.
func NewCatalog(datasets ...Dataset) (*Catalog, error) {
	c := &Catalog{datasets: make(map[string]Dataset, len(datasets))}
	for _, d := range datasets {
		if d.Name == "" {
			return nil, fmt.Errorf("dataset without name")
		}
		if _, dup := c.datasets[d.Name]; dup {
			return nil, fmt.Errorf("dataset %s: duplicate name", d.Name)
		}
		c.datasets[d.Name] = d
	}
	for _, d := range datasets {
		for _, child := range d.Children {
			if _, ok := c.datasets[child]; !ok {
				return nil, fmt.Errorf("dataset %s: child %s: %w", d.Name, child, ErrNotFound)
			}
		}
	}
	return c, nil
}

// Get returns the named dataset.
func (c *Catalog) Get(name string) (Dataset, error) {
	d, ok := c.datasets[name]
	if !ok {
		return Dataset{}, fmt.Errorf("dataset %s: %w", name, ErrNotFound)
	}
	return d, nil
}

// Names returns the names of all datasets, sorted.
func (c *Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c.datasets))
}

// Leaves resolves the named dataset to the sorted set of leaf datasets under
// it. A leaf resolves to itself.
func (c *Catalog) Leaves(name string) ([]string, error) {
	leaves := make(map[string]struct{})
	if err := c.collect(name, leaves, make(map[string]bool)); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(leaves)), nil
}

func (c *Catalog) collect(name string, leaves map[string]struct{}, visiting map[string]bool) error {
	d, err := c.Get(name)
	if err != nil {
		return err
	}
	if !d.IsCollection() {
		leaves[name] = struct{}{}
		return nil
	}
	if visiting[name] {
		return fmt.Errorf("dataset %s: collection cycle", name)
	}
	visiting[name] = true
	defer delete(visiting, name)
	for _, child := range d.Children {
		if err := c.collect(child, leaves, visiting); err != nil {
			return err
		}
	}
	return nil
}

// Scope resolves the named dataset to a Scope over its leaves.
func (c *Catalog) Scope(name string) (Scope, error) {
	leaves, err := c.Leaves(name)
	if err != nil {
		return Scope{}, err
	}
	return Scope{Name: name, Leaves: leaves}, nil
}
