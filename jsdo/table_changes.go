package jsdo

import (
	"maps"
	"slices"
)

// ChangeKind is the kind of a pending change.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

// Change is one pending change. Before is nil for creates, After is nil for
// deletes.
type Change struct {
	Kind   ChangeKind
	Table  string
	ID     string
	Before Row
	After  Row
}

// HasChanges reports whether the table has pending changes.
func (t *Table) HasChanges() bool {
	return len(t.added) != 0 || len(t.changed) != 0 || len(t.deleted) != 0
}

// Changes lists the pending changes: creates in creation order, updates in
// position order, then deletes in deletion order.
func (t *Table) Changes() []Change {
	var out []Change
	for _, id := range t.added {
		if pos, ok := t.index[id]; ok {
			out = append(out, Change{Kind: ChangeCreate, Table: t.def.Name, ID: id, After: t.data[pos]})
		}
	}
	for _, id := range t.changedIDs() {
		out = append(out, Change{Kind: ChangeUpdate, Table: t.def.Name, ID: id, Before: t.beforeImage[id], After: t.changed[id]})
	}
	for _, row := range t.deleted {
		id := rowID(row)
		out = append(out, Change{Kind: ChangeDelete, Table: t.def.Name, ID: id, Before: t.beforeImage[id]})
	}
	return out
}

// changedIDs returns the ids of updated rows in position order.
func (t *Table) changedIDs() []string {
	ids := slices.Collect(maps.Keys(t.changed))
	slices.SortFunc(ids, func(a, b string) int {
		pa, oka := t.index[a]
		pb, okb := t.index[b]
		switch {
		case oka && okb:
			return pa - pb
		case oka:
			return -1
		case okb:
			return 1
		}
		return 0
	})
	return ids
}

// BeforeImage returns the saved before-image of a row. ok is true with a nil
// row for a pending create.
func (t *Table) BeforeImage(id string) (Row, bool) {
	b, ok := t.beforeImage[t.resolve(id)]
	return b, ok
}

// DeletedPosition returns the position a pending delete is restored to when
// rejected.
func (t *Table) DeletedPosition(id string) (int, bool) {
	p, ok := t.origPos[id]
	return p, ok
}

// Deleted returns the rows pending deletion.
func (t *Table) Deleted() []Row {
	return slices.Clone(t.deleted)
}

// findDeleted returns the pending delete of id.
func (t *Table) findDeleted(id string) (Row, int) {
	for i, r := range t.deleted {
		if rowID(r) == id {
			return r, i
		}
	}
	return nil, -1
}

// pendingRow returns the live or deleted row of id.
func (t *Table) pendingRow(id string) Row {
	if pos, ok := t.index[id]; ok {
		return t.data[pos]
	}
	r, _ := t.findDeleted(id)
	return r
}

func (t *Table) acceptRow(id string) error {
	id = t.resolve(id)
	row := t.pendingRow(id)
	if row != nil && isRejected(row) {
		return ErrRejectedRow
	}
	if b := t.beforeImage[id]; b != nil && isRejected(b) {
		return ErrRejectedRow
	}
	t.commit(id)
	return nil
}

// commit clears the bookkeeping of id as accepted.
func (t *Table) commit(id string) {
	if row := t.pendingRow(id); row != nil {
		stripTransportFields(row)
		delete(row, FieldErrorString)
	}
	t.forget(id)
	delete(t.processed, id)
}

func (t *Table) rejectRow(id string) error {
	id = t.resolve(id)
	before, pending := t.beforeImage[id]
	if !pending {
		// A change already undone by auto-apply only keeps its annotation.
		if pos, ok := t.index[id]; ok {
			clearRowError(t.data[pos])
		}
		return nil
	}
	switch {
	case before == nil:
		if pos, ok := t.index[id]; ok {
			t.data[pos] = nil
			t.tombstones++
			delete(t.index, id)
		}
	default:
		if row, i := t.findDeleted(id); i >= 0 {
			t.restoreDeleted(row, before)
		} else if pos, ok := t.index[id]; ok {
			row := t.data[pos]
			clear(row)
			maps.Copy(row, cloneValue(before).(map[string]any))
			row[FieldID] = id
			if t.autoSort && t.sortActive() {
				t.relocate(row)
			}
		}
	}
	t.forget(id)
	delete(t.processed, id)
	return nil
}

// restoreDeleted reinserts a deleted row at its original position when that
// slot is still empty, otherwise at the end.
func (t *Table) restoreDeleted(row, before Row) {
	id := rowID(row)
	clear(row)
	maps.Copy(row, cloneValue(before).(map[string]any))
	row[FieldID] = id
	clearRowError(row)
	pos, ok := t.origPos[id]
	if ok && pos >= 0 && pos < len(t.data) && t.data[pos] == nil {
		t.data[pos] = row
		t.tombstones--
		t.index[id] = pos
	} else {
		t.data = append(t.data, row)
		t.index[id] = len(t.data) - 1
	}
	if t.autoSort && t.sortActive() {
		t.relocate(row)
	}
}

// AcceptChanges accepts every pending change of the table, including rows
// flagged as rejected.
func (t *Table) AcceptChanges() {
	t.unnest()
	for _, id := range slices.Clone(t.added) {
		t.clearErrors(id)
		t.commit(id)
	}
	for _, id := range slices.Collect(maps.Keys(t.changed)) {
		t.clearErrors(id)
		t.commit(id)
	}
	for _, row := range slices.Clone(t.deleted) {
		t.commit(rowID(row))
	}
	t.clearUndone()
}

// clearUndone drops the annotations of rows whose rejected change was already
// undone by auto-apply.
func (t *Table) clearUndone() {
	for _, row := range t.data {
		if row != nil && (isRejected(row) || row[FieldErrorString] != nil) {
			clearRowError(row)
		}
	}
}

func (t *Table) clearErrors(id string) {
	if row := t.pendingRow(id); row != nil {
		clearRowError(row)
	}
}

// RejectChanges undoes every pending change: creates first, then updates,
// then deletes in reverse order so positions are restored.
func (t *Table) RejectChanges() {
	t.unnest()
	for _, id := range slices.Clone(t.added) {
		_ = t.rejectRow(id)
	}
	for _, id := range t.changedIDs() {
		_ = t.rejectRow(id)
	}
	for i := len(t.deleted) - 1; i >= 0; i-- {
		_ = t.rejectRow(rowID(t.deleted[i]))
	}
	t.clearUndone()
}
