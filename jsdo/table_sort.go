package jsdo

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// SortField is one key of a table sort.
type SortField struct {
	Name      string
	Ascending bool
}

// ParseSortFields parses "name, qty:desc" style sort specifications.
func ParseSortFields(s string) ([]SortField, error) {
	var out []SortField
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, dir, _ := strings.Cut(part, ":")
		sf := SortField{Name: strings.TrimSpace(name), Ascending: true}
		switch strings.ToLower(strings.TrimSpace(dir)) {
		case "", "asc", "ascending":
		case "desc", "descending":
			sf.Ascending = false
		default:
			return nil, invalidArgument("invalid sort direction %q for %s", dir, sf.Name)
		}
		out = append(out, sf)
	}
	return out, nil
}

// SetSortFields sets the sort keys. With auto-sort enabled the table is
// sorted immediately.
func (t *Table) SetSortFields(fields ...SortField) error {
	for _, f := range fields {
		if len(t.fields) != 0 {
			if _, ok := t.fields[f.Name]; !ok {
				return invalidArgument("table %s: unknown sort field %s", t.def.Name, f.Name)
			}
		}
	}
	t.sortFields = slices.Clone(fields)
	t.sortFn = nil
	if t.autoSort && t.sortActive() {
		t.Sort()
	}
	return nil
}

// SetSortFn sets a custom comparator, replacing the sort keys. fn returns a
// negative number when a sorts before b.
func (t *Table) SetSortFn(fn func(a, b Row) int) {
	t.sortFn = fn
	t.sortFields = nil
	if t.autoSort && fn != nil {
		t.Sort()
	}
}

// SetAutoSort toggles maintenance of the sort order on mutation. Enabling it
// applies the current sort.
func (t *Table) SetAutoSort(on bool) {
	was := t.autoSort
	t.autoSort = on
	if on && !was && t.sortActive() {
		t.Sort()
	}
}

// SetCaseSensitive toggles case-sensitive string comparison for sorting and
// key matching.
func (t *Table) SetCaseSensitive(on bool) {
	t.caseSensitive = on
	if t.autoSort && t.sortActive() {
		t.Sort()
	}
}

// Sort sorts the rows with the current sort keys or comparator and rebuilds
// the index. Tombstones are dropped.
func (t *Table) Sort() {
	if !t.sortActive() {
		return
	}
	t.unnest()
	t.data = slices.DeleteFunc(t.data, func(r Row) bool { return r == nil })
	t.tombstones = 0
	slices.SortStableFunc(t.data, t.compare)
	t.rebuildIndex()
}

func (t *Table) sortActive() bool {
	return t.sortFn != nil || len(t.sortFields) != 0
}

// affectsSort reports whether changing field can move a row.
func (t *Table) affectsSort(field string) bool {
	if t.sortFn != nil {
		return true
	}
	return slices.ContainsFunc(t.sortFields, func(f SortField) bool { return f.Name == field })
}

// relocate moves one row to its sorted position with a linear scan, then
// rebuilds the index.
func (t *Table) relocate(row Row) {
	pos, ok := t.index[rowID(row)]
	if !ok {
		return
	}
	t.data = slices.Delete(t.data, pos, pos+1)
	at := len(t.data)
	for i, r := range t.data {
		if r != nil && t.compare(row, r) < 0 {
			at = i
			break
		}
	}
	t.data = slices.Insert(t.data, at, row)
	t.rebuildIndex()
}

func (t *Table) compare(a, b Row) int {
	if t.sortFn != nil {
		return t.sortFn(a, b)
	}
	for _, f := range t.sortFields {
		c := compareNullsLast(a[f.Name], b[f.Name], t.caseSensitive, t.fold)
		if !f.Ascending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// compareNullsLast orders nil after any defined value.
func compareNullsLast(a, b any, caseSensitive bool, fold cases.Caser) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return compareValues(a, b, caseSensitive, fold)
}

// compareValues compares two JSON values. Numbers compare numerically across
// Go types; strings honor case sensitivity; mixed types fall back to their
// text form.
func compareValues(a, b any, caseSensitive bool, fold cases.Caser) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			if !caseSensitive {
				return cmp.Compare(fold.String(va), fold.String(vb))
			}
			return cmp.Compare(va, vb)
		}
	case bool:
		if vb, ok := b.(bool); ok {
			switch {
			case va == vb:
				return 0
			case !va:
				return -1
			default:
				return 1
			}
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// ordered compares values the way relational operators do: only numbers,
// strings and booleans are ordered. ok is false for anything else.
func ordered(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb), true
		}
		return 0, false
	}
	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			return cmp.Compare(va, vb), true
		}
	case bool:
		if vb, ok := b.(bool); ok {
			return cmp.Compare(boolInt(va), boolInt(vb)), true
		}
	}
	return 0, false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sameData reports whether two rows hold the same values for fields. A field
// differs only when one value is strictly less or greater than the other, so
// values that cannot be ordered, such as arrays or nil, count as the same.
func sameData(a, b Row, fields []string) bool {
	for _, f := range fields {
		if c, ok := ordered(a[f], b[f]); ok && c != 0 {
			return false
		}
	}
	return true
}
