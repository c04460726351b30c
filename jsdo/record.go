package jsdo

// Record is a handle on one row of a Table. It stays valid when the server
// assigns a new id to the row.
type Record struct {
	table *Table
	row   Row
}

// ID returns the row identity.
func (r *Record) ID() string {
	return rowID(r.row)
}

// Table returns the owning table.
func (r *Record) Table() *Table {
	return r.table
}

// Data returns the live payload. Writes to it bypass change tracking; use
// Assign or Set.
func (r *Record) Data() Row {
	return r.row
}

// Get returns a field value. Array elements are read with the "<name>_<n>"
// pseudo-field.
func (r *Record) Get(field string) (any, bool) {
	return r.table.get(r.row, field)
}

// Set assigns a single field.
func (r *Record) Set(field string, value any) error {
	return r.Assign(Row{field: value})
}

// ErrorString returns the error reported by the server for the last save of
// this row.
func (r *Record) ErrorString() string {
	s, _ := r.row[FieldErrorString].(string)
	return s
}

// Rejected reports whether the server rejected the last save of this row.
func (r *Record) Rejected() bool {
	return isRejected(r.row)
}

// Assign writes the fields of partial into the row.
//
// Values are coerced to the declared field types. With a non-empty schema,
// unknown fields are ignored. The row's before-image is saved first. When an
// assigned field is part of the sort key, the row is moved to its sorted
// position.
func (r *Record) Assign(partial Row) error {
	if partial == nil {
		return invalidArgument("assign requires values")
	}
	t := r.table
	t.unnest()
	id := r.ID()
	if _, ok := t.index[id]; !ok {
		return notFound("table %s: row %s not found", t.def.Name, id)
	}
	t.snapshot(r.row)
	resort := false
	for k, v := range partial {
		if isReserved(k) || isTransportField(k) {
			continue
		}
		if len(t.fields) != 0 {
			f, ok := t.fields[k]
			if !ok {
				if base, n, ok := t.arrayElement(k); ok {
					setArrayElement(r.row, base, n, coerceValue(v, elementField(base)))
					resort = resort || t.affectsSort(base.Name)
				}
				continue
			}
			v = coerceValue(v, f)
		}
		r.row[k] = cloneValue(v)
		resort = resort || t.affectsSort(k)
	}
	if resort && t.autoSort {
		t.relocate(r.row)
	}
	return nil
}

// Remove deletes the row and records the delete for the next save.
func (r *Record) Remove() error {
	r.table.unnest()
	return r.table.remove(r.row, true)
}

// RemoveUntracked deletes the row without recording a change.
func (r *Record) RemoveUntracked() error {
	r.table.unnest()
	return r.table.remove(r.row, false)
}

// AcceptRowChanges makes the pending change of this row permanent. It fails
// with ErrRejectedRow when the server rejected the row.
func (r *Record) AcceptRowChanges() error {
	return r.table.acceptRow(r.ID())
}

// RejectRowChanges undoes the pending change of this row.
func (r *Record) RejectRowChanges() error {
	return r.table.rejectRow(r.ID())
}
