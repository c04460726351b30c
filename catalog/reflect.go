// Derives table fields from Go struct types.

package catalog

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// FieldsFromType extracts field descriptors from a struct type using JSON
// Schema reflection, in declaration order.
//
// Field names come from the `json` tags. A `jsonschema:"title=..."` tag sets
// the serialized (original) name.
func FieldsFromType[T any]() ([]Field, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type must be a struct or pointer to struct, got %s", t.Kind())
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	var fields []Field
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		f := Field{Name: pair.Key, OriginalName: pair.Value.Title}
		f.Type, f.ItemType = schemaType(pair.Value)
		if f.Type == TypeArray && pair.Value.MaxItems != nil {
			f.MaxItems = int(*pair.Value.MaxItems)
		}
		if pair.Value.Default != nil {
			f.Default = pair.Value.Default
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// TableFromType builds a table definition from a struct type.
func TableFromType[T any](name string, primaryKey ...string) (Table, error) {
	fields, err := FieldsFromType[T]()
	if err != nil {
		return Table{}, err
	}
	return Table{Name: name, Fields: fields, PrimaryKey: primaryKey}, nil
}

func schemaType(s *jsonschema.Schema) (FieldType, FieldType) {
	switch s.Type {
	case "string":
		if s.Format == "date-time" || s.Format == "date" {
			return TypeDate, ""
		}
		return TypeString, ""
	case "integer":
		return TypeInteger, ""
	case "number":
		return TypeNumber, ""
	case "boolean":
		return TypeBoolean, ""
	case "array":
		item := TypeString
		if s.Items != nil {
			item, _ = schemaType(s.Items)
		}
		return TypeArray, item
	case "object":
		return TypeObject, ""
	}
	return TypeString, ""
}

// Schema returns the JSON Schema of a catalog, for editors and validation.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{}
	return r.Reflect(&Catalog{})
}

// SchemaJSON returns the indented JSON Schema of a catalog.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
