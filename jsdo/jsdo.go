package jsdo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/maruel/jsdo/catalog"
)

// Observer receives save metrics.
type Observer interface {
	ObserveOperation(resource, table string, kind ChangeKind, success bool, elapsed time.Duration)
	ObserveSave(resource string, result *SaveResult, elapsed time.Duration)
}

// Options configures a JSDO. Start from DefaultOptions.
type Options struct {
	Transport Transport
	Logger    *slog.Logger
	Observer  Observer

	// AutoApplyChanges accepts successful rows and undoes failed rows when a
	// save completes. When false, rows keep their pending state for the
	// caller to accept or reject.
	AutoApplyChanges bool
	// AutoSort keeps the sort order up to date on every mutation.
	AutoSort bool
	// SendOnlyChanges sends only modified fields, plus the key fields, for
	// updates without before-images.
	SendOnlyChanges bool
	// HashJoinThreshold is the product of existing and incoming row counts
	// from which AddRecords matches keys with a hash index instead of a
	// linear scan.
	HashJoinThreshold int
	// MaxInFlight bounds the concurrent requests of one save stage.
	MaxInFlight int
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		AutoApplyChanges:  true,
		AutoSort:          true,
		HashJoinThreshold: 1000,
		MaxInFlight:       8,
	}
}

// JSDO is a change-tracked working copy of one resource of a data service.
//
// A JSDO is not safe for concurrent use.
type JSDO struct {
	Events

	res       catalog.Resource
	opts      Options
	transport Transport
	logger    *slog.Logger

	tables []*Table
	byName map[string]*Table
	nested bool
	last   *SaveResult
}

// New creates a data object for res.
func New(res catalog.Resource, opts Options) (*JSDO, error) {
	if err := res.Validate(); err != nil {
		return nil, invalidArgument("invalid resource").Wrap(err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HashJoinThreshold <= 0 {
		opts.HashJoinThreshold = DefaultOptions().HashJoinThreshold
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultOptions().MaxInFlight
	}
	j := &JSDO{
		res:       res,
		opts:      opts,
		transport: opts.Transport,
		logger:    opts.Logger.With("resource", res.Name),
		byName:    make(map[string]*Table, len(res.Tables)),
	}
	for _, def := range res.Tables {
		t := newTable(j, def, opts.AutoSort, j.logger)
		j.tables = append(j.tables, t)
		j.byName[def.Name] = t
	}
	for _, t := range j.tables {
		for _, rel := range res.Relations {
			if rel.Parent != t.def.Name {
				continue
			}
			c := j.byName[rel.Child]
			c.parent = t
			c.parentFields = rel.Fields
			c.nested = rel.Nested
			t.children = append(t.children, c)
		}
	}
	return j, nil
}

// Resource returns the resource definition.
func (j *JSDO) Resource() *catalog.Resource {
	return &j.res
}

// Table returns the named table.
func (j *JSDO) Table(name string) (*Table, bool) {
	t, ok := j.byName[name]
	return t, ok
}

// Tables returns the tables in declaration order.
func (j *JSDO) Tables() []*Table {
	return append([]*Table(nil), j.tables...)
}

// roots returns the tables without parent in declaration order.
func (j *JSDO) roots() []*Table {
	var out []*Table
	for _, t := range j.tables {
		if t.parent == nil {
			out = append(out, t)
		}
	}
	return out
}

func (j *JSDO) single() (*Table, error) {
	if len(j.tables) != 1 {
		return nil, ErrMultiTable
	}
	return j.tables[0], nil
}

// Add adds a row to the only table.
func (j *JSDO) Add(values Row) (*Record, error) {
	t, err := j.single()
	if err != nil {
		return nil, err
	}
	return t.Add(values)
}

// FindByID finds a row of the only table.
func (j *JSDO) FindByID(id string) (*Record, error) {
	t, err := j.single()
	if err != nil {
		return nil, err
	}
	r, ok := t.FindByID(id)
	if !ok {
		return nil, notFound("row %s not found", id)
	}
	return r, nil
}

// Find returns the first row of the only table matching fn.
func (j *JSDO) Find(fn func(r *Record) bool) (*Record, error) {
	t, err := j.single()
	if err != nil {
		return nil, err
	}
	r, ok := t.Find(fn)
	if !ok {
		return nil, notFound("no matching row")
	}
	return r, nil
}

// Data returns copies of the rows of the only table.
func (j *JSDO) Data() ([]Row, error) {
	t, err := j.single()
	if err != nil {
		return nil, err
	}
	return t.Data(), nil
}

// AddRecords loads a payload into the tables it names. See Table.AddRecords.
// A bare row slice is only accepted by single-table data objects.
func (j *JSDO) AddRecords(payload any, mode MergeMode, keyFields []string, trackChanges bool) error {
	j.unnest()
	set, err := j.parsePayload(payload, nil, true)
	if err != nil {
		return err
	}
	return j.load(set, mode, keyFields, trackChanges)
}

func (j *JSDO) load(set *tableSet, mode MergeMode, keyFields []string, track bool) error {
	if mode == ModeEmpty {
		for _, t := range j.tables {
			_, hasRows := set.rows[t.def.Name]
			_, hasBefore := set.before[t.def.Name]
			if hasRows || hasBefore {
				t.clearWithNested()
			}
		}
		mode = ModeAppend
	}
	for _, t := range j.tables {
		rows, hasRows := set.rows[t.def.Name]
		before, hasBefore := set.before[t.def.Name]
		if !hasRows && !hasBefore {
			continue
		}
		if err := t.load(rows, before, mode, keyFields, track); err != nil {
			return fmt.Errorf("table %s: %w", t.def.Name, err)
		}
	}
	return nil
}

// Fill replaces the contents of every table with the result of the read
// operation.
func (j *JSDO) Fill(ctx context.Context, filter string) error {
	op, ok := j.res.Operation(catalog.OpRead, "")
	if !ok {
		return NewError(CodeUndefinedOperation, "resource %s: read operation not defined", j.res.Name)
	}
	if j.transport == nil {
		return invalidArgument("resource %s: no transport", j.res.Name)
	}
	j.unnest()
	j.Trigger(&Event{Name: EventBeforeFill, JSDO: j})
	body, err := do(ctx, j.transport, &Request{
		Resource:  j.res.Name,
		Operation: op.Type,
		Method:    op.Method(),
		Path:      j.res.Path + op.Path,
		Filter:    filter,
	})
	var resp any
	if err == nil {
		var set *tableSet
		if set, err = j.parsePayload(body, nil, false); err != nil {
			err = malformed(err)
		} else {
			for _, t := range j.tables {
				t.clear()
			}
			err = j.load(set, ModeAppend, nil, false)
		}
		if err == nil {
			_ = json.Unmarshal(body, &resp)
		}
	}
	j.Trigger(&Event{Name: EventAfterFill, JSDO: j, Success: err == nil, Err: err, Response: resp})
	if err != nil {
		return fmt.Errorf("fill %s: %w", j.res.Name, err)
	}
	j.logger.Debug("fill", "filter", filter)
	return nil
}

// Invoke calls a custom operation of the resource with params encoded as
// JSON, and returns the decoded response object.
func (j *JSDO) Invoke(ctx context.Context, name string, params any) (map[string]any, error) {
	op, ok := j.res.Operation(catalog.OpInvoke, name)
	if !ok {
		return nil, NewError(CodeUndefinedOperation, "resource %s: invoke operation %s not defined", j.res.Name, name)
	}
	if j.transport == nil {
		return nil, invalidArgument("resource %s: no transport", j.res.Name)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, invalidArgument("invoke %s: params", name).Wrap(err)
	}
	resp, err := do(ctx, j.transport, &Request{
		Resource:  j.res.Name,
		Operation: op.Type,
		Name:      name,
		Method:    op.Method(),
		Path:      j.res.Path + op.Path,
		Body:      body,
	})
	var out map[string]any
	if err == nil && len(resp) != 0 {
		if jerr := json.Unmarshal(resp, &out); jerr != nil {
			err = malformed(jerr)
		}
	}
	j.Trigger(&Event{Name: EventAfterInvoke, JSDO: j, Success: err == nil, Err: err, Response: out})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	return out, nil
}

// HasChanges reports whether any table has pending changes.
func (j *JSDO) HasChanges() bool {
	for _, t := range j.tables {
		if t.HasChanges() {
			return true
		}
	}
	return false
}

// AcceptChanges accepts the pending changes of every table.
func (j *JSDO) AcceptChanges() {
	j.unnest()
	for _, t := range j.tables {
		t.AcceptChanges()
	}
}

// RejectChanges undoes the pending changes of every table.
func (j *JSDO) RejectChanges() {
	j.unnest()
	for _, t := range j.tables {
		t.RejectChanges()
	}
}

// Errors returns the row errors of the last save.
func (j *JSDO) Errors() []RowError {
	if j.last == nil {
		return nil
	}
	return append([]RowError(nil), j.last.Errors...)
}

// AllRecordsRejected reports whether every row of the last save failed.
func (j *JSDO) AllRecordsRejected() bool {
	return j.last != nil && j.last.AllRejected
}

// SomeRecordsRejected reports whether any row of the last save failed.
func (j *JSDO) SomeRecordsRejected() bool {
	return j.last != nil && j.last.SomeRejected
}
