package jsdo

import (
	"strconv"
	"strings"

	"github.com/maruel/jsdo/catalog"
)

// Array elements are addressed as pseudo-fields "<name>_<n>", n starting at
// 1. For a field "phones" with MaxItems 3, "phones_2" is the second element.

// arrayElement parses an array pseudo-field name.
func (t *Table) arrayElement(name string) (*catalog.Field, int, bool) {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 || i == len(name)-1 {
		return nil, 0, false
	}
	f, ok := t.fields[name[:i]]
	if !ok || !f.IsArray() {
		return nil, 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n < 1 || (f.MaxItems > 0 && n > f.MaxItems) {
		return nil, 0, false
	}
	return f, n, true
}

func elementField(f *catalog.Field) *catalog.Field {
	return &catalog.Field{Name: f.Name, Type: f.ItemType}
}

func setArrayElement(row Row, f *catalog.Field, n int, v any) {
	cur, _ := row[f.Name].([]any)
	items := make([]any, max(len(cur), n))
	copy(items, cur)
	items[n-1] = v
	row[f.Name] = items
}

func getArrayElement(row Row, f *catalog.Field, n int) (any, bool) {
	items, _ := row[f.Name].([]any)
	if n > len(items) {
		return nil, false
	}
	return items[n-1], true
}

// get reads a field or array pseudo-field.
func (t *Table) get(row Row, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	if f, n, ok := t.arrayElement(name); ok {
		return getArrayElement(row, f, n)
	}
	return nil, false
}

// FieldNames returns the schema field names, followed by array pseudo-fields
// for arrays with a maximum size.
func (t *Table) FieldNames() []string {
	var out []string
	for i := range t.def.Fields {
		f := &t.def.Fields[i]
		out = append(out, f.Name)
	}
	for i := range t.def.Fields {
		f := &t.def.Fields[i]
		if f.IsArray() {
			for n := 1; n <= f.MaxItems; n++ {
				out = append(out, f.Name+"_"+strconv.Itoa(n))
			}
		}
	}
	return out
}
