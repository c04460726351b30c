package jsdo

import (
	"fmt"
	"strconv"
	"strings"
)

// MergeMode selects how AddRecords treats incoming rows.
type MergeMode int

const (
	// ModeAppend adds every row; a key match with an existing row is an error.
	ModeAppend MergeMode = iota
	// ModeEmpty discards the existing rows, then appends.
	ModeEmpty
	// ModeMerge skips rows matching an existing row; the local row wins.
	ModeMerge
	// ModeReplace overwrites matching rows with the incoming values.
	ModeReplace
)

func (m MergeMode) String() string {
	switch m {
	case ModeAppend:
		return "append"
	case ModeEmpty:
		return "empty"
	case ModeMerge:
		return "merge"
	case ModeReplace:
		return "replace"
	}
	return "MergeMode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMergeMode parses the String form of a mode.
func ParseMergeMode(s string) (MergeMode, error) {
	switch strings.ToLower(s) {
	case "append":
		return ModeAppend, nil
	case "empty":
		return ModeEmpty, nil
	case "merge":
		return ModeMerge, nil
	case "replace":
		return ModeReplace, nil
	}
	return 0, invalidArgument("unknown merge mode %q", s)
}

// AddRecords loads rows into the table.
//
// payload is a row slice, a table-shaped object {"<table>": [...]}, a
// dataset-shaped object, or their JSON encoding. keyFields select the fields
// used to match incoming rows to existing ones; without key fields every
// incoming row is new. With trackChanges, new and replaced rows become
// pending changes.
func (t *Table) AddRecords(payload any, mode MergeMode, keyFields []string, trackChanges bool) error {
	t.unnest()
	set, err := t.jsdo.parsePayload(payload, t, true)
	if err != nil {
		return err
	}
	if mode == ModeEmpty {
		t.clearWithNested()
		mode = ModeAppend
	}
	return t.load(set.rows[t.def.Name], set.before[t.def.Name], mode, keyFields, trackChanges)
}

func (t *Table) clearWithNested() {
	t.clear()
	for _, c := range t.children {
		if c.nested {
			c.clearWithNested()
		}
	}
}

type loadedState struct {
	row   Row
	state string
}

// load merges rows and their embedded before-images into the table, then
// sorts once.
func (t *Table) load(rows, before []Row, mode MergeMode, keyFields []string, track bool) error {
	var hash map[string]Row
	if len(keyFields) != 0 && t.hashJoin(len(rows)) {
		hash = make(map[string]Row, len(t.index)+len(rows))
		for _, r := range t.data {
			if r != nil {
				hash[t.keyOf(r, keyFields)] = r
			}
		}
	}
	nested := make([][]Row, len(t.children))
	byProdsID := make(map[string]Row)
	var states []loadedState
	for _, in := range rows {
		in = t.localizeRow(in)
		for i, c := range t.children {
			if !c.nested {
				continue
			}
			if v, ok := in[c.def.Name]; ok {
				cr, err := asRows(v)
				if err != nil {
					return fmt.Errorf("table %s: nested %s: %w", t.def.Name, c.def.Name, err)
				}
				nested[i] = append(nested[i], cr...)
			}
		}
		var key string
		var match Row
		if len(keyFields) != 0 {
			key = t.keyOf(in, keyFields)
			if hash != nil {
				match = hash[key]
			} else {
				match = t.linearFind(key, keyFields)
			}
		}
		pid, _ := in[prodsID].(string)
		if match != nil {
			switch mode {
			case ModeMerge:
				continue
			case ModeReplace:
				if track {
					t.snapshot(match)
				}
				t.overwrite(match, in)
				if pid != "" {
					byProdsID[pid] = match
				}
				continue
			default:
				return NewError(CodeDuplicateKey, "table %s: duplicate key %v", t.def.Name, strings.Join(keyFields, ","))
			}
		}
		state, _ := in[prodsRowState].(string)
		row, err := t.insert(in, track && state == "")
		if err != nil {
			return err
		}
		if hash != nil {
			hash[key] = row
		}
		if pid != "" {
			byProdsID[pid] = row
		}
		if state != "" {
			states = append(states, loadedState{row: row, state: state})
		}
	}
	t.applyBefore(before, byProdsID, states, keyFields)
	if t.autoSort && t.sortActive() {
		t.Sort()
	}
	for i, c := range t.children {
		if len(nested[i]) == 0 {
			continue
		}
		var ck []string
		if mode == ModeMerge || mode == ModeReplace {
			ck = c.def.PrimaryKey
		}
		if err := c.load(nested[i], nil, mode, ck, track); err != nil {
			return err
		}
	}
	t.logger.Debug("load", "rows", len(rows), "before", len(before), "mode", mode.String(), "hash", hash != nil)
	return nil
}

// overwrite copies incoming values into an existing row.
func (t *Table) overwrite(row, in Row) {
	for k, v := range in {
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
		row[k] = cloneValue(v)
	}
}

// applyBefore restores pending-change state carried by a load: row states on
// the loaded rows and the prior images of the "prods:before" section.
func (t *Table) applyBefore(before []Row, byProdsID map[string]Row, states []loadedState, keyFields []string) {
	for _, s := range states {
		id := rowID(s.row)
		switch s.state {
		case rowStateCreated:
			if _, ok := t.beforeImage[id]; !ok {
				t.added = append(t.added, id)
				t.beforeImage[id] = nil
			}
		case rowStateModified:
			t.snapshot(s.row)
		}
	}
	match := t.def.PrimaryKey
	if len(match) == 0 {
		match = keyFields
	}
	for _, b := range before {
		b = t.localizeRow(b)
		img := t.cleanImage(b)
		var target Row
		if pid, _ := b[prodsID].(string); pid != "" {
			target = byProdsID[pid]
		}
		if target == nil && len(match) != 0 {
			for _, s := range states {
				if s.state == rowStateModified && sameData(img, s.row, match) {
					target = s.row
					break
				}
			}
		}
		state, _ := b[prodsRowState].(string)
		switch {
		case target != nil:
			id := rowID(target)
			if prev, ok := t.beforeImage[id]; ok && prev == nil {
				continue
			}
			img[FieldID] = id
			t.beforeImage[id] = img
			t.changed[id] = target
		case state == rowStateDeleted:
			id, err := t.newID(b)
			if err != nil {
				t.logger.Warn("skipping deleted before-image", "err", err)
				continue
			}
			img[FieldID] = id
			t.beforeImage[id] = img
			t.deleted = append(t.deleted, t.cloneRow(img))
		}
	}
}

// cleanImage converts a wire before-image into local row data.
func (t *Table) cleanImage(b Row) Row {
	img := make(Row, len(b))
	for k, v := range b {
		if isReserved(k) || isTransportField(k) || t.isNestedChild(k) {
			continue
		}
		if f, ok := t.fields[k]; ok {
			v = coerceValue(v, f)
		}
		img[k] = cloneValue(v)
	}
	return img
}

// hashJoin reports whether matching incoming rows by key should use a hash
// index. Each linear lookup scans the existing rows plus the incoming rows
// inserted before it.
func (t *Table) hashJoin(incoming int) bool {
	return (len(t.index)+incoming)*incoming >= t.jsdo.opts.HashJoinThreshold
}

func (t *Table) linearFind(key string, keyFields []string) Row {
	for _, r := range t.data {
		if r != nil && t.keyOf(r, keyFields) == key {
			return r
		}
	}
	return nil
}

// keyOf builds the matching key of a row. String parts are case folded
// unless the table is case-sensitive.
func (t *Table) keyOf(r Row, keyFields []string) string {
	var b strings.Builder
	for i, k := range keyFields {
		if i != 0 {
			b.WriteByte(0x1f)
		}
		v := coerceValue(r[k], t.fields[k])
		switch x := v.(type) {
		case nil:
			b.WriteString("\x00")
		case string:
			b.WriteByte('s')
			if t.caseSensitive {
				b.WriteString(x)
			} else {
				b.WriteString(t.fold.String(x))
			}
		default:
			if f, ok := toFloat(x); ok {
				b.WriteByte('n')
				b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
			} else {
				b.WriteString(fmt.Sprint(x))
			}
		}
	}
	return b.String()
}
