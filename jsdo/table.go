package jsdo

import (
	"iter"
	"log/slog"
	"slices"
	"strconv"

	"github.com/maruel/jsdo/catalog"
	"golang.org/x/text/cases"
)

// compactRatio is the tombstone ratio above which a full iteration compacts
// the row slice first.
const compactRatio = 0.3

// Table is the change-tracked working copy of one table.
//
// A Table is not safe for concurrent use. Mutating calls must not overlap
// with each other or with a save in progress.
type Table struct {
	Events

	jsdo   *JSDO
	def    catalog.Table
	logger *slog.Logger

	fields    map[string]*catalog.Field
	wireNames map[string]string // local -> serialized
	localName map[string]string // serialized -> local

	parent       *Table
	parentFields []catalog.FieldPair
	nested       bool
	children     []*Table

	// data holds rows by position; removed rows leave a nil tombstone.
	data       []Row
	tombstones int
	index      map[string]int
	// tmpIndex maps a synthetic id replaced during the current save to the
	// row's new id.
	tmpIndex map[string]string

	added       []string
	changed     map[string]Row
	deleted     []Row
	beforeImage map[string]Row // nil value: pending create
	origPos     map[string]int // original position of deleted rows
	processed   map[string]bool
	nextID      int

	sortFields    []SortField
	sortFn        func(a, b Row) int
	autoSort      bool
	caseSensitive bool
	fold          cases.Caser
}

func newTable(j *JSDO, def catalog.Table, autoSort bool, logger *slog.Logger) *Table {
	t := &Table{
		jsdo:          j,
		def:           def,
		logger:        logger.With("table", def.Name),
		fields:        make(map[string]*catalog.Field, len(def.Fields)),
		wireNames:     make(map[string]string),
		localName:     make(map[string]string),
		index:         make(map[string]int),
		tmpIndex:      make(map[string]string),
		changed:       make(map[string]Row),
		beforeImage:   make(map[string]Row),
		origPos:       make(map[string]int),
		processed:     make(map[string]bool),
		autoSort:      autoSort,
		caseSensitive: def.CaseSensitive,
		fold:          cases.Fold(),
	}
	for i := range t.def.Fields {
		f := &t.def.Fields[i]
		t.fields[f.Name] = f
		if f.OriginalName != "" && f.OriginalName != f.Name {
			t.wireNames[f.Name] = f.OriginalName
			t.localName[f.OriginalName] = f.Name
		}
	}
	return t
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.def.Name
}

// Definition returns the schema of the table.
func (t *Table) Definition() *catalog.Table {
	return &t.def
}

// Parent returns the parent table, or nil.
func (t *Table) Parent() *Table {
	return t.parent
}

// Children returns the child tables in declaration order.
func (t *Table) Children() []*Table {
	return slices.Clone(t.children)
}

// Len returns the number of live rows.
func (t *Table) Len() int {
	return len(t.index)
}

// Add creates a row from values and records it as a pending create.
func (t *Table) Add(values Row) (*Record, error) {
	t.unnest()
	row, err := t.insert(values, true)
	if err != nil {
		return nil, err
	}
	if t.autoSort && t.sortActive() {
		t.relocate(row)
	}
	t.logger.Debug("add", "id", rowID(row))
	return &Record{table: t, row: row}, nil
}

// insert appends a new row built from values. It does not sort.
func (t *Table) insert(values Row, track bool) (Row, error) {
	row := make(Row, len(values)+1)
	for i := range t.def.Fields {
		f := &t.def.Fields[i]
		if f.Default != nil {
			row[f.Name] = cloneValue(f.Default)
		}
	}
	for k, v := range values {
		if isReserved(k) || isTransportField(k) {
			continue
		}
		if len(t.fields) != 0 {
			f, ok := t.fields[k]
			if !ok {
				if t.isNestedChild(k) {
					continue
				}
				if base, n, ok := t.arrayElement(k); ok {
					setArrayElement(row, base, n, coerceValue(v, elementField(base)))
				}
				continue
			}
			v = coerceValue(v, f)
		}
		row[k] = cloneValue(v)
	}
	id, err := t.newID(values)
	if err != nil {
		return nil, err
	}
	row[FieldID] = id
	t.data = append(t.data, row)
	t.index[id] = len(t.data) - 1
	if track {
		t.added = append(t.added, id)
		t.beforeImage[id] = nil
	}
	return row, nil
}

// newID picks the id of a new row: the id-property value, a client id
// carried by a snapshot, or the next free synthetic id.
func (t *Table) newID(values Row) (string, error) {
	var id string
	if t.def.IDProperty != "" {
		id = formatID(values[t.def.IDProperty])
	}
	if id == "" {
		if c, ok := values[prodsClientID].(string); ok && !t.idInUse(c) {
			id = c
		}
	}
	if id == "" {
		if c, ok := values[FieldID].(string); ok && !t.idInUse(c) {
			id = c
		}
	}
	if id == "" {
		for {
			t.nextID++
			id = strconv.Itoa(t.nextID)
			if !t.idInUse(id) {
				break
			}
		}
	}
	if _, ok := t.index[id]; ok {
		return "", NewError(CodeDuplicateKey, "table %s: duplicate id %s", t.def.Name, id)
	}
	return id, nil
}

func (t *Table) idInUse(id string) bool {
	if _, ok := t.index[id]; ok {
		return true
	}
	if _, ok := t.beforeImage[id]; ok {
		return true
	}
	_, ok := t.tmpIndex[id]
	return ok
}

// resolve maps an id, possibly a synthetic id replaced during the current
// save, to the current id.
func (t *Table) resolve(id string) string {
	if _, ok := t.index[id]; ok {
		return id
	}
	if n, ok := t.tmpIndex[id]; ok {
		return n
	}
	return id
}

// FindByID returns the live record with the given id. Synthetic ids replaced
// by a server id during the current save still resolve.
func (t *Table) FindByID(id string) (*Record, bool) {
	pos, ok := t.index[t.resolve(id)]
	if !ok {
		return nil, false
	}
	return &Record{table: t, row: t.data[pos]}, true
}

// Find returns the first live record for which fn returns true.
func (t *Table) Find(fn func(r *Record) bool) (*Record, bool) {
	for r := range t.All() {
		if fn(r) {
			return r, true
		}
	}
	return nil, false
}

// All iterates over live records in position order.
func (t *Table) All() iter.Seq[*Record] {
	t.maybeCompact()
	return func(yield func(*Record) bool) {
		for _, row := range t.data {
			if row == nil {
				continue
			}
			if !yield(&Record{table: t, row: row}) {
				return
			}
		}
	}
}

// Data returns copies of the live rows in position order.
func (t *Table) Data() []Row {
	t.maybeCompact()
	out := make([]Row, 0, len(t.index))
	for _, row := range t.data {
		if row != nil {
			out = append(out, cloneValue(row).(map[string]any))
		}
	}
	return out
}

// ChildRecords returns the rows of the named child table joined to parent.
func (t *Table) ChildRecords(parent *Record, child string) ([]*Record, error) {
	c := t.child(child)
	if c == nil {
		return nil, notFound("table %s has no child %s", t.def.Name, child)
	}
	var out []*Record
	for _, row := range c.data {
		if row != nil && c.joins(parent.row, row) {
			out = append(out, &Record{table: c, row: row})
		}
	}
	return out, nil
}

func (t *Table) child(name string) *Table {
	for _, c := range t.children {
		if c.def.Name == name {
			return c
		}
	}
	return nil
}

// joins reports whether the child row belongs to the parent row.
func (t *Table) joins(parentRow, childRow Row) bool {
	for _, p := range t.parentFields {
		if compareValues(parentRow[p.Parent], childRow[p.Child], t.caseSensitive, t.fold) != 0 {
			return false
		}
	}
	return len(t.parentFields) != 0
}

func (t *Table) isNestedChild(name string) bool {
	for _, c := range t.children {
		if c.nested && c.def.Name == name {
			return true
		}
	}
	return false
}

// remove tombstones the row and records the delete when tracking.
func (t *Table) remove(row Row, track bool) error {
	id := rowID(row)
	pos, ok := t.index[id]
	if !ok {
		return notFound("table %s: row %s not found", t.def.Name, id)
	}
	t.data[pos] = nil
	t.tombstones++
	delete(t.index, id)
	if !track {
		t.forget(id)
		return nil
	}
	if before, ok := t.beforeImage[id]; ok && before == nil {
		// Created then deleted before any sync: nothing to send.
		t.forget(id)
		t.logger.Debug("create elided", "id", id)
		return nil
	}
	if _, ok := t.changed[id]; ok {
		delete(t.changed, id)
	} else {
		t.beforeImage[id] = t.cloneRow(row)
	}
	t.origPos[id] = pos
	t.deleted = append(t.deleted, row)
	return nil
}

// forget drops all pending bookkeeping for id.
func (t *Table) forget(id string) {
	if i := slices.Index(t.added, id); i >= 0 {
		t.added = slices.Delete(t.added, i, i+1)
	}
	delete(t.changed, id)
	delete(t.beforeImage, id)
	delete(t.origPos, id)
	t.deleted = slices.DeleteFunc(t.deleted, func(r Row) bool { return rowID(r) == id })
}

// snapshot records the before-image of a pre-existing row on its first
// mutation. Later calls in the same episode are no-ops.
func (t *Table) snapshot(row Row) {
	id := rowID(row)
	if _, ok := t.beforeImage[id]; ok {
		return
	}
	t.beforeImage[id] = t.cloneRow(row)
	t.changed[id] = row
}

// cloneRow deep copies a row without nested child arrays.
func (t *Table) cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if t.isNestedChild(k) {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// rekey moves a row to newID, remembering the old id in tmpIndex.
func (t *Table) rekey(row Row, newID string) bool {
	oldID := rowID(row)
	if newID == "" || newID == oldID {
		return false
	}
	if _, ok := t.index[newID]; ok {
		t.logger.Warn("server id already in use", "id", oldID, "newID", newID)
		return false
	}
	if pos, ok := t.index[oldID]; ok {
		delete(t.index, oldID)
		t.index[newID] = pos
	}
	row[FieldID] = newID
	t.tmpIndex[oldID] = newID
	if i := slices.Index(t.added, oldID); i >= 0 {
		t.added[i] = newID
	}
	if r, ok := t.changed[oldID]; ok {
		delete(t.changed, oldID)
		t.changed[newID] = r
	}
	if b, ok := t.beforeImage[oldID]; ok {
		delete(t.beforeImage, oldID)
		if b != nil {
			b[FieldID] = newID
		}
		t.beforeImage[newID] = b
	}
	if p, ok := t.origPos[oldID]; ok {
		delete(t.origPos, oldID)
		t.origPos[newID] = p
	}
	if t.processed[oldID] {
		delete(t.processed, oldID)
		t.processed[newID] = true
	}
	t.logger.Debug("rekey", "id", oldID, "newID", newID)
	return true
}

// clear drops every row and all pending changes.
func (t *Table) clear() {
	t.data = nil
	t.tombstones = 0
	clear(t.index)
	clear(t.tmpIndex)
	t.added = nil
	clear(t.changed)
	t.deleted = nil
	clear(t.beforeImage)
	clear(t.origPos)
	clear(t.processed)
}

func (t *Table) maybeCompact() {
	if t.tombstones == 0 || float64(t.tombstones) <= compactRatio*float64(len(t.data)) {
		return
	}
	t.compact()
}

// compact removes tombstones and rebuilds the index. Remembered positions
// of deleted rows become stale and fall back to appending on restore.
func (t *Table) compact() {
	t.data = slices.DeleteFunc(t.data, func(r Row) bool { return r == nil })
	t.tombstones = 0
	t.rebuildIndex()
}

func (t *Table) rebuildIndex() {
	clear(t.index)
	for i, row := range t.data {
		if row != nil {
			t.index[rowID(row)] = i
		}
	}
}

func (t *Table) unnest() {
	if t.jsdo != nil {
		t.jsdo.unnest()
	}
}

// toLocalName translates a serialized field name.
func (t *Table) toLocalName(name string) string {
	if n, ok := t.localName[name]; ok {
		return n
	}
	return name
}

func (t *Table) toWireName(name string) string {
	if n, ok := t.wireNames[name]; ok {
		return n
	}
	return name
}

// localizeRow returns a copy of a wire row with local field names.
func (t *Table) localizeRow(r Row) Row {
	if len(t.localName) == 0 {
		return r
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[t.toLocalName(k)] = v
	}
	return out
}
