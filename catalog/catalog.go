// Package catalog describes the schema and operations of the remote resources
// mirrored by data objects: per-table field lists, primary keys, the id
// property assigned by the server, relationships and the operations exposed
// by the service.
package catalog

import (
	"errors"
	"fmt"
	"slices"
)

// FieldType is the declared type of a table field.
type FieldType string

const (
	// TypeString is a text field.
	TypeString FieldType = "string"
	// TypeNumber is a floating point field.
	TypeNumber FieldType = "number"
	// TypeInteger is a whole number field.
	TypeInteger FieldType = "integer"
	// TypeBoolean is a true/false field.
	TypeBoolean FieldType = "boolean"
	// TypeDate is an ISO-8601 date or timestamp stored as text.
	TypeDate FieldType = "date"
	// TypeArray is a JSON array; ItemType describes the elements.
	TypeArray FieldType = "array"
	// TypeObject is an arbitrary JSON object.
	TypeObject FieldType = "object"
)

// Field describes one column of a table.
type Field struct {
	Name string    `json:"name" yaml:"name"`
	Type FieldType `json:"type" yaml:"type"`
	// ItemType is the element type when Type is TypeArray.
	ItemType FieldType `json:"itemType,omitempty" yaml:"itemType,omitempty"`
	MaxItems int       `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
	// OriginalName is the serialized name used on the wire when it differs
	// from Name.
	OriginalName string `json:"origName,omitempty" yaml:"origName,omitempty"`
	Default      any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// IsArray reports whether the field holds a JSON array.
func (f *Field) IsArray() bool {
	return f.Type == TypeArray
}

// WireName returns the serialized name of the field.
func (f *Field) WireName() string {
	if f.OriginalName != "" {
		return f.OriginalName
	}
	return f.Name
}

// Table describes one table of a resource.
type Table struct {
	Name       string   `json:"name" yaml:"name"`
	Fields     []Field  `json:"fields" yaml:"fields"`
	PrimaryKey []string `json:"primaryKey,omitempty" yaml:"primaryKey,omitempty"`
	// IDProperty names the field holding the server-assigned identity. When
	// set, records are indexed by its value once the server supplies one.
	IDProperty    string `json:"idProperty,omitempty" yaml:"idProperty,omitempty"`
	CaseSensitive bool   `json:"caseSensitive,omitempty" yaml:"caseSensitive,omitempty"`
}

// Field returns the descriptor of the named field.
func (t *Table) Field(name string) (*Field, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// FieldPair joins a parent field to a child field.
type FieldPair struct {
	Parent string `json:"parent" yaml:"parent"`
	Child  string `json:"child" yaml:"child"`
}

// Relation declares a parent/child link between two tables. A table has at
// most one parent.
type Relation struct {
	Name   string      `json:"name,omitempty" yaml:"name,omitempty"`
	Parent string      `json:"parent" yaml:"parent"`
	Child  string      `json:"child" yaml:"child"`
	Fields []FieldPair `json:"fields" yaml:"fields"`
	// Nested embeds child rows in their parent's rows on the wire.
	Nested bool `json:"nested,omitempty" yaml:"nested,omitempty"`
}

// OperationType enumerates the kinds of operations a resource exposes.
type OperationType string

const (
	OpRead   OperationType = "read"
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpSubmit OperationType = "submit"
	OpInvoke OperationType = "invoke"
)

// Operation is one endpoint of a resource.
type Operation struct {
	Name string        `json:"name,omitempty" yaml:"name,omitempty"`
	Type OperationType `json:"type" yaml:"type"`
	// Path is appended to the resource path.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Verb is the HTTP method; defaults depend on Type.
	Verb string `json:"verb,omitempty" yaml:"verb,omitempty"`
	// UseBeforeImage sends before and after images in a dataset-shaped body.
	UseBeforeImage bool `json:"useBeforeImage,omitempty" yaml:"useBeforeImage,omitempty"`
}

// Method returns the HTTP verb of the operation.
func (o *Operation) Method() string {
	if o.Verb != "" {
		return o.Verb
	}
	switch o.Type {
	case OpRead:
		return "GET"
	case OpCreate:
		return "POST"
	case OpUpdate, OpSubmit, OpInvoke:
		return "PUT"
	case OpDelete:
		return "DELETE"
	}
	return "GET"
}

// Resource is a named data object exposed by a service.
type Resource struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
	// Dataset is the name of the dataset wrapper object on the wire. Empty for
	// single-table resources that use a table-shaped payload.
	Dataset    string      `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	Tables     []Table     `json:"tables" yaml:"tables"`
	Relations  []Relation  `json:"relations,omitempty" yaml:"relations,omitempty"`
	Operations []Operation `json:"operations,omitempty" yaml:"operations,omitempty"`
}

// Table returns the named table definition.
func (r *Resource) Table(name string) (*Table, bool) {
	for i := range r.Tables {
		if r.Tables[i].Name == name {
			return &r.Tables[i], true
		}
	}
	return nil, false
}

// Operation returns the first operation of the given type. For OpInvoke, name
// selects the operation.
func (r *Resource) Operation(typ OperationType, name string) (*Operation, bool) {
	for i := range r.Operations {
		op := &r.Operations[i]
		if op.Type != typ {
			continue
		}
		if typ == OpInvoke && op.Name != name {
			continue
		}
		return op, true
	}
	return nil, false
}

// Validate checks that the resource is internally consistent.
func (r *Resource) Validate() error {
	if r.Name == "" {
		return errors.New("resource name is required")
	}
	if len(r.Tables) == 0 {
		return fmt.Errorf("resource %s: at least one table is required", r.Name)
	}
	seen := make(map[string]bool, len(r.Tables))
	for i := range r.Tables {
		t := &r.Tables[i]
		if t.Name == "" {
			return fmt.Errorf("resource %s: table %d: name is required", r.Name, i)
		}
		if seen[t.Name] {
			return fmt.Errorf("resource %s: duplicate table %s", r.Name, t.Name)
		}
		seen[t.Name] = true
		for j := range t.Fields {
			if t.Fields[j].Name == "" {
				return fmt.Errorf("table %s: field %d: name is required", t.Name, j)
			}
		}
		for _, k := range t.PrimaryKey {
			if len(t.Fields) != 0 {
				if _, ok := t.Field(k); !ok {
					return fmt.Errorf("table %s: primary key %s is not a field", t.Name, k)
				}
			}
		}
	}
	if len(r.Tables) > 1 && r.Dataset == "" {
		return fmt.Errorf("resource %s: dataset name is required with multiple tables", r.Name)
	}
	parents := make(map[string]string)
	for _, rel := range r.Relations {
		if !seen[rel.Parent] || !seen[rel.Child] {
			return fmt.Errorf("relation %s: unknown table %s or %s", rel.Name, rel.Parent, rel.Child)
		}
		if p, ok := parents[rel.Child]; ok {
			return fmt.Errorf("table %s: multiple parents (%s, %s)", rel.Child, p, rel.Parent)
		}
		if len(rel.Fields) == 0 {
			return fmt.Errorf("relation %s: at least one field pair is required", rel.Name)
		}
		parents[rel.Child] = rel.Parent
	}
	// Reject cycles: walk each table up to the root.
	for name := range parents {
		visited := []string{name}
		for p, ok := parents[name]; ok; p, ok = parents[p] {
			if slices.Contains(visited, p) {
				return fmt.Errorf("table %s: relationship cycle", name)
			}
			visited = append(visited, p)
		}
	}
	return nil
}

// Service groups resources reachable under one base address.
type Service struct {
	Name      string     `json:"name" yaml:"name"`
	Address   string     `json:"address" yaml:"address"`
	Resources []Resource `json:"resources" yaml:"resources"`
}

// Catalog is the parsed description of one or more services.
type Catalog struct {
	Version  string    `json:"version,omitempty" yaml:"version,omitempty"`
	Services []Service `json:"services" yaml:"services"`
}

// Resource finds a resource by name across all services.
func (c *Catalog) Resource(name string) (*Service, *Resource, bool) {
	for i := range c.Services {
		s := &c.Services[i]
		for j := range s.Resources {
			if s.Resources[j].Name == name {
				return s, &s.Resources[j], true
			}
		}
	}
	return nil, nil, false
}
