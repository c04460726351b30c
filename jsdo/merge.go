package jsdo

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// tableSet is a payload split per table.
type tableSet struct {
	rows   map[string][]Row
	before map[string][]Row
	// errors maps table name, then prods:id, to the error string.
	errors map[string]map[string]string
}

// parsePayload accepts rows, table-shaped or dataset-shaped objects, or their
// JSON encoding. A bare row slice goes to only, or to the single table. With
// strict, an object naming no known table is an error.
func (j *JSDO) parsePayload(payload any, only *Table, strict bool) (*tableSet, error) {
	set := &tableSet{
		rows:   make(map[string][]Row),
		before: make(map[string][]Row),
		errors: make(map[string]map[string]string),
	}
	switch p := payload.(type) {
	case nil:
		return set, nil
	case string:
		return j.parsePayload([]byte(p), only, strict)
	case json.RawMessage:
		return j.parsePayload([]byte(p), only, strict)
	case []byte:
		if len(bytes.TrimSpace(p)) == 0 {
			return set, nil
		}
		var v any
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, invalidArgument("payload is not valid JSON").Wrap(err)
		}
		if v == nil {
			return set, nil
		}
		return j.parsePayload(v, only, strict)
	case []Row, []any:
		target := only
		if target == nil {
			if len(j.tables) != 1 {
				return nil, ErrMultiTable
			}
			target = j.tables[0]
		}
		rows, err := asRows(p)
		if err != nil {
			return nil, err
		}
		set.rows[target.def.Name] = rows
		return set, nil
	case map[string]any:
		inner := p
		wrapped := false
		if j.res.Dataset != "" {
			if ds, ok := p[j.res.Dataset]; ok {
				m, ok := ds.(map[string]any)
				if !ok {
					return nil, invalidArgument("dataset %s is %T, not an object", j.res.Dataset, ds)
				}
				inner = m
				wrapped = true
			}
		}
		found := false
		for _, t := range j.tables {
			v, ok := inner[t.def.Name]
			if !ok {
				continue
			}
			rows, err := asRows(v)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", t.def.Name, err)
			}
			set.rows[t.def.Name] = rows
			found = true
		}
		if b, ok := inner[prodsBefore]; ok && b != nil {
			bm, ok := b.(map[string]any)
			if !ok {
				return nil, invalidArgument("%s is %T, not an object", prodsBefore, b)
			}
			for name, v := range bm {
				rows, err := asRows(v)
				if err != nil {
					return nil, fmt.Errorf("%s %s: %w", prodsBefore, name, err)
				}
				set.before[name] = rows
			}
			found = true
		}
		if e, ok := inner[prodsErrors]; ok && e != nil {
			em, ok := e.(map[string]any)
			if !ok {
				return nil, invalidArgument("%s is %T, not an object", prodsErrors, e)
			}
			for name, v := range em {
				entries, err := asRows(v)
				if err != nil {
					return nil, fmt.Errorf("%s %s: %w", prodsErrors, name, err)
				}
				m := make(map[string]string, len(entries))
				for _, entry := range entries {
					id := formatID(entry[prodsID])
					msg, _ := entry[prodsError].(string)
					m[id] = msg
				}
				set.errors[name] = m
			}
		}
		if strict && !found && !wrapped && len(p) != 0 {
			return nil, invalidArgument("payload names no table of resource %s", j.res.Name)
		}
		return set, nil
	default:
		return nil, invalidArgument("unsupported payload type %T", payload)
	}
}

func malformed(err error) *Error {
	return NewError(CodeMalformedResponse, "malformed response").Wrap(err)
}

// rowFailure reports whether the server flagged a row as failed and the
// associated error string. rows are the after and before rows returned for
// the operation; errs is the table's errors section.
func rowFailure(id string, errs map[string]string, rows ...Row) (string, bool) {
	failed := false
	keys := []string{id}
	for _, r := range rows {
		if r == nil {
			continue
		}
		if b, _ := r[prodsHasErrors].(bool); b {
			failed = true
		}
		if b, _ := r[prodsRejected].(bool); b {
			failed = true
		}
		if pid := formatID(r[prodsID]); pid != "" {
			keys = append(keys, pid)
		}
	}
	for _, k := range keys {
		if msg, ok := errs[k]; ok {
			return msg, true
		}
	}
	return "", failed
}

// mergeOperation reconciles the response of a single-row operation.
func (j *JSDO) mergeOperation(op *operation) {
	t := op.table
	if op.err != nil {
		j.failOperation(op, op.err)
		return
	}
	set, err := j.parsePayload(op.resp, t, false)
	if err != nil {
		j.failOperation(op, malformed(err))
		return
	}
	rows := set.rows[t.def.Name]
	if len(rows) > 1 {
		j.failOperation(op, NewError(CodeMultipleRows, "%s %s: %d rows returned for row %s", t.def.Name, op.kind, len(rows), op.clientID))
		return
	}
	var resp, before Row
	if len(rows) == 1 {
		resp = rows[0]
	}
	if b := set.before[t.def.Name]; len(b) == 1 {
		before = b[0]
	}
	if msg, failed := rowFailure(op.clientID, set.errors[t.def.Name], resp, before); failed {
		j.rejectOperation(op, msg, 0)
		return
	}
	j.applySuccess(op, resp)
}

// mergeSubmit reconciles the response of a submit with the rows it carried.
// Rows are matched by client id, then by prods:id. Rows missing from the
// response are successful.
func (j *JSDO) mergeSubmit(ops []*operation, body []byte, err error) {
	if err != nil {
		for _, op := range ops {
			j.failOperation(op, err)
		}
		return
	}
	set, perr := j.parsePayload(body, nil, false)
	if perr != nil {
		for _, op := range ops {
			j.failOperation(op, malformed(perr))
		}
		return
	}
	after := make(map[*Table]map[string]Row, len(j.tables))
	befores := make(map[*Table]map[string]Row, len(j.tables))
	for _, t := range j.tables {
		after[t] = indexByClientID(set.rows[t.def.Name])
		befores[t] = indexByClientID(set.before[t.def.Name])
	}
	for _, op := range ops {
		t := op.table
		resp := after[t][op.clientID]
		b := befores[t][op.clientID]
		if msg, failed := rowFailure(op.clientID, set.errors[t.def.Name], resp, b); failed {
			j.rejectOperation(op, msg, 0)
			continue
		}
		j.applySuccess(op, resp)
	}
}

func indexByClientID(rows []Row) map[string]Row {
	m := make(map[string]Row, len(rows))
	for _, r := range rows {
		if id := formatID(r[prodsClientID]); id != "" {
			m[id] = r
		} else if id := formatID(r[prodsID]); id != "" {
			m[id] = r
		}
	}
	return m
}

// applySuccess merges the server row and, with auto-apply, accepts the
// change.
func (j *JSDO) applySuccess(op *operation, resp Row) {
	t := op.table
	id := t.resolve(op.clientID)
	op.success = true
	switch op.kind {
	case ChangeCreate, ChangeUpdate:
		row := t.pendingRow(id)
		if row == nil {
			break
		}
		if resp != nil {
			t.mergeServerRow(row, resp)
			id = rowID(row)
			if t.autoSort && t.sortActive() {
				t.relocate(row)
			}
		}
		if j.opts.AutoApplyChanges {
			t.commit(id)
		}
	case ChangeDelete:
		if j.opts.AutoApplyChanges {
			t.commit(id)
		}
	}
	op.id = id
	t.logger.Debug("merged", "op", op.kind.String(), "id", id, "clientId", op.clientID)
}

// mergeServerRow copies server values into row and adopts the server id.
func (t *Table) mergeServerRow(row, resp Row) {
	for k, v := range t.localizeRow(resp) {
		if isReserved(k) || isTransportField(k) || t.isNestedChild(k) {
			continue
		}
		if len(t.fields) != 0 {
			f, ok := t.fields[k]
			if !ok {
				continue
			}
			v = coerceValue(v, f)
		}
		row[k] = v
	}
	if t.def.IDProperty != "" {
		t.rekey(row, formatID(row[t.def.IDProperty]))
	}
}

func (j *JSDO) failOperation(op *operation, err error) {
	msg, status := failureMessage(err)
	op.err = err
	j.rejectOperation(op, msg, status)
}

// rejectOperation records a row failure. With auto-apply the local change is
// undone and the restored row is annotated; a failed create leaves no row.
// Otherwise the row keeps its local state and is annotated, a failed delete
// on its before-image.
func (j *JSDO) rejectOperation(op *operation, msg string, status int) {
	t := op.table
	id := t.resolve(op.clientID)
	op.success = false
	op.message = msg
	op.status = status
	op.id = id
	t.logger.Warn("row rejected", "op", op.kind.String(), "id", id, "error", msg)
	if j.opts.AutoApplyChanges {
		_ = t.rejectRow(id)
		if pos, ok := t.index[id]; ok {
			annotateRowError(t.data[pos], msg)
		}
		return
	}
	if op.kind == ChangeDelete {
		if b := t.beforeImage[id]; b != nil {
			annotateRowError(b, msg)
		}
		return
	}
	if row := t.pendingRow(id); row != nil {
		annotateRowError(row, msg)
	}
}
