package jsdo

import (
	"encoding/json"
	"reflect"
	"slices"

	"github.com/maruel/jsdo/catalog"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// object is a JSON object that keeps key order when marshaled.
type object = orderedmap.OrderedMap[string, any]

func newObject() *object {
	return orderedmap.New[string, any]()
}

// wireRow converts a row to its serialized form: schema fields in
// declaration order under their serialized names. Local reserved fields,
// transport fields and nested child arrays are dropped.
func (t *Table) wireRow(row Row) *object {
	m := newObject()
	if len(t.def.Fields) != 0 {
		for i := range t.def.Fields {
			f := &t.def.Fields[i]
			if v, ok := row[f.Name]; ok {
				m.Set(f.WireName(), v)
			}
		}
		return m
	}
	keys := make([]string, 0, len(row))
	for k := range row {
		if isReserved(k) || isTransportField(k) || t.isNestedChild(k) {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		m.Set(t.toWireName(k), row[k])
	}
	return m
}

// diffRow returns the fields of after that differ from before, plus the key
// fields.
func (t *Table) diffRow(before, after Row) *object {
	keys := t.def.PrimaryKey
	m := newObject()
	full := t.wireRow(after)
	for p := full.Oldest(); p != nil; p = p.Next() {
		local := t.toLocalName(p.Key)
		if slices.Contains(keys, local) || t.def.IDProperty == local || !reflect.DeepEqual(before[local], after[local]) {
			m.Set(p.Key, p.Value)
		}
	}
	return m
}

func annotate(m *object, state, id string) *object {
	m.Set(prodsRowState, state)
	m.Set(prodsClientID, id)
	m.Set(prodsID, id)
	return m
}

// envelope wraps the dataset content under the dataset name, or returns it
// as-is for table-shaped resources.
func (j *JSDO) envelope(inner *object) *object {
	if j.res.Dataset == "" {
		return inner
	}
	out := newObject()
	out.Set(j.res.Dataset, inner)
	return out
}

// rowBody builds the payload of a single-row operation.
func (j *JSDO) rowBody(t *Table, op *catalog.Operation, kind ChangeKind, id string) ([]byte, error) {
	inner := newObject()
	before := t.beforeImage[id]
	switch kind {
	case ChangeCreate:
		row := t.pendingRow(id)
		if row == nil {
			return nil, notFound("table %s: row %s not found", t.def.Name, id)
		}
		after := t.wireRow(row)
		if op.UseBeforeImage {
			inner.Set(prodsHasChanges, true)
			annotate(after, rowStateCreated, id)
		}
		inner.Set(t.def.Name, []any{after})
	case ChangeUpdate:
		row := t.pendingRow(id)
		if row == nil {
			return nil, notFound("table %s: row %s not found", t.def.Name, id)
		}
		switch {
		case op.UseBeforeImage:
			inner.Set(prodsHasChanges, true)
			inner.Set(t.def.Name, []any{annotate(t.wireRow(row), rowStateModified, id)})
			bs := newObject()
			bs.Set(t.def.Name, []any{annotate(t.wireRow(before), rowStateModified, id)})
			inner.Set(prodsBefore, bs)
		case j.opts.SendOnlyChanges:
			inner.Set(t.def.Name, []any{t.diffRow(before, row)})
		default:
			inner.Set(t.def.Name, []any{t.wireRow(row)})
		}
	case ChangeDelete:
		if op.UseBeforeImage {
			inner.Set(prodsHasChanges, true)
			inner.Set(t.def.Name, []any{})
			bs := newObject()
			bs.Set(t.def.Name, []any{annotate(t.wireRow(before), rowStateDeleted, id)})
			inner.Set(prodsBefore, bs)
		} else {
			inner.Set(t.def.Name, []any{t.wireRow(before)})
		}
	}
	return json.Marshal(j.envelope(inner))
}

// pending identifies one row of a change-set.
type pending struct {
	table *Table
	kind  ChangeKind
	id    string
}

// buildSubmit builds the dataset change-set: deletes with children before
// parents, then creates with parents before children, then updates in table
// declaration order. A row is emitted at most once.
func (j *JSDO) buildSubmit() (*object, []pending) {
	inner := newObject()
	inner.Set(prodsHasChanges, false)
	bs := newObject()
	for _, t := range j.tables {
		clear(t.processed)
	}
	var out []pending
	emit := func(t *Table, kind ChangeKind, id string) bool {
		if t.processed[id] {
			return false
		}
		t.processed[id] = true
		out = append(out, pending{table: t, kind: kind, id: id})
		return true
	}
	// Tables appear in the order their first row is emitted.
	push := func(m *object, t *Table, row *object) {
		rows, _ := m.Get(t.def.Name)
		l, _ := rows.([]any)
		m.Set(t.def.Name, append(l, row))
	}
	var deletes func(t *Table)
	deletes = func(t *Table) {
		for _, c := range t.children {
			deletes(c)
		}
		for _, row := range t.deleted {
			id := rowID(row)
			if emit(t, ChangeDelete, id) {
				push(bs, t, annotate(t.wireRow(t.beforeImage[id]), rowStateDeleted, id))
			}
		}
	}
	var creates func(t *Table)
	creates = func(t *Table) {
		for _, id := range t.added {
			if pos, ok := t.index[id]; ok && emit(t, ChangeCreate, id) {
				push(inner, t, annotate(t.wireRow(t.data[pos]), rowStateCreated, id))
			}
		}
		for _, c := range t.children {
			creates(c)
		}
	}
	for _, t := range j.roots() {
		deletes(t)
	}
	for _, t := range j.roots() {
		creates(t)
	}
	for _, t := range j.tables {
		for _, id := range t.changedIDs() {
			if emit(t, ChangeUpdate, id) {
				push(inner, t, annotate(t.wireRow(t.changed[id]), rowStateModified, id))
				push(bs, t, annotate(t.wireRow(t.beforeImage[id]), rowStateModified, id))
			}
		}
	}
	// Every table gets an array, even when empty.
	for _, t := range j.tables {
		if _, ok := inner.Get(t.def.Name); !ok {
			inner.Set(t.def.Name, []any{})
		}
	}
	if bs.Len() != 0 {
		inner.Set(prodsBefore, bs)
	}
	inner.Set(prodsHasChanges, len(out) != 0)
	return j.envelope(inner), out
}

// BuildChangeSet returns the serialized dataset change-set of the pending
// changes, as sent by a submit save.
func (j *JSDO) BuildChangeSet() ([]byte, error) {
	j.unnest()
	body, _ := j.buildSubmit()
	for _, t := range j.tables {
		clear(t.processed)
	}
	return json.Marshal(body)
}

// LocalMode selects what SaveLocal stores.
type LocalMode int

const (
	// LocalAllData stores every row plus the pending changes.
	LocalAllData LocalMode = iota
	// LocalChangesOnly stores the pending changes only.
	LocalChangesOnly
)

// buildSnapshot serializes the tables with their pending changes. Every row
// carries its client id so a reload keeps identities.
func (j *JSDO) buildSnapshot(mode LocalMode) *object {
	inner := newObject()
	inner.Set(prodsHasChanges, j.HasChanges())
	bs := newObject()
	for _, t := range j.tables {
		var rows, befores []any
		for _, row := range t.data {
			if row == nil {
				continue
			}
			id := rowID(row)
			b, isPending := t.beforeImage[id]
			if mode == LocalChangesOnly && !isPending {
				continue
			}
			m := t.wireRow(row)
			switch {
			case isPending && b == nil:
				annotate(m, rowStateCreated, id)
			case isPending:
				annotate(m, rowStateModified, id)
				befores = append(befores, annotate(t.wireRow(b), rowStateModified, id))
			default:
				m.Set(prodsClientID, id)
			}
			rows = append(rows, m)
		}
		for _, row := range t.deleted {
			id := rowID(row)
			befores = append(befores, annotate(t.wireRow(t.beforeImage[id]), rowStateDeleted, id))
		}
		if rows == nil {
			rows = []any{}
		}
		inner.Set(t.def.Name, rows)
		if len(befores) != 0 {
			bs.Set(t.def.Name, befores)
		}
	}
	if bs.Len() != 0 {
		inner.Set(prodsBefore, bs)
	}
	return j.envelope(inner)
}
