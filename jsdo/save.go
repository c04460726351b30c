package jsdo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/maruel/jsdo/catalog"
	"github.com/maruel/ksid"
	"golang.org/x/sync/errgroup"
)

// SaveResult summarizes one save.
type SaveResult struct {
	BatchID    ksid.ID
	Submit     bool
	Operations []OperationResult
	// Errors lists the rows that failed.
	Errors []RowError
	// AllRejected is true when at least one row was sent and every row
	// failed.
	AllRejected bool
	// SomeRejected is true when at least one row failed.
	SomeRejected bool
}

// Success reports whether every row was applied.
func (r *SaveResult) Success() bool {
	return len(r.Errors) == 0
}

// OperationResult is the outcome of one row of a save.
type OperationResult struct {
	Table string
	Kind  ChangeKind
	// ClientID is the row id when the save started; ID is the id afterwards.
	ClientID string
	ID       string
	Success  bool
}

// RowError is a row-level failure reported by the server or the transport.
type RowError struct {
	Table   string
	Kind    ChangeKind
	ID      string
	Message string
	// Status is the HTTP status of a transport failure, or 0.
	Status int
}

func (e RowError) Error() string {
	return e.Table + " " + e.Kind.String() + " " + e.ID + ": " + e.Message
}

// stage is a set of rows of one table and kind that may be sent
// concurrently.
type stage struct {
	table *Table
	kind  ChangeKind
	ids   []string
}

// planCRUD orders the pending rows for row-by-row saving: deletes with
// children before parents, then creates and then updates with parents before
// children. Each row appears once.
func (j *JSDO) planCRUD() []stage {
	for _, t := range j.tables {
		clear(t.processed)
	}
	var stages []stage
	add := func(t *Table, kind ChangeKind, ids []string) {
		var keep []string
		for _, id := range ids {
			if !t.processed[id] {
				t.processed[id] = true
				keep = append(keep, id)
			}
		}
		if len(keep) != 0 {
			stages = append(stages, stage{table: t, kind: kind, ids: keep})
		}
	}
	var deletes, creates, updates func(t *Table)
	deletes = func(t *Table) {
		for _, c := range t.children {
			deletes(c)
		}
		ids := make([]string, 0, len(t.deleted))
		for _, r := range t.deleted {
			ids = append(ids, rowID(r))
		}
		add(t, ChangeDelete, ids)
	}
	creates = func(t *Table) {
		add(t, ChangeCreate, t.added)
		for _, c := range t.children {
			creates(c)
		}
	}
	updates = func(t *Table) {
		add(t, ChangeUpdate, t.changedIDs())
		for _, c := range t.children {
			updates(c)
		}
	}
	for _, pass := range []func(*Table){deletes, creates, updates} {
		for _, t := range j.roots() {
			pass(t)
		}
	}
	return stages
}

func operationType(kind ChangeKind) catalog.OperationType {
	switch kind {
	case ChangeCreate:
		return catalog.OpCreate
	case ChangeUpdate:
		return catalog.OpUpdate
	default:
		return catalog.OpDelete
	}
}

func eventNames(kind ChangeKind) (string, string) {
	switch kind {
	case ChangeCreate:
		return EventBeforeCreate, EventAfterCreate
	case ChangeUpdate:
		return EventBeforeUpdate, EventAfterUpdate
	default:
		return EventBeforeDelete, EventAfterDelete
	}
}

// SaveChanges sends the pending changes to the service and merges the
// responses. With useSubmit the whole change-set goes in one submit request;
// otherwise each row is sent with its create, update or delete operation.
//
// Row failures do not make SaveChanges fail: they are reported in the
// result and by Errors. An error is returned for misuse, such as a missing
// operation, or when ctx is done before the batch completes.
func (j *JSDO) SaveChanges(ctx context.Context, useSubmit bool) (*SaveResult, error) {
	j.unnest()
	if j.transport == nil {
		return nil, invalidArgument("resource %s: no transport", j.res.Name)
	}
	var submitOp *catalog.Operation
	var stages []stage
	if useSubmit {
		op, ok := j.res.Operation(catalog.OpSubmit, "")
		if !ok {
			return nil, NewError(CodeUndefinedOperation, "resource %s: submit operation not defined", j.res.Name)
		}
		submitOp = op
	} else {
		stages = j.planCRUD()
		for _, s := range stages {
			if _, ok := j.res.Operation(operationType(s.kind), ""); !ok {
				return nil, NewError(CodeUndefinedOperation, "resource %s: %s operation not defined", j.res.Name, operationType(s.kind))
			}
		}
	}
	j.Trigger(&Event{Name: EventBeforeSaveChanges, JSDO: j})
	for _, t := range j.tables {
		for _, c := range t.Changes() {
			if r := t.pendingRow(c.ID); r != nil {
				clearRowError(r)
			}
			if b := t.beforeImage[c.ID]; b != nil {
				clearRowError(b)
			}
		}
	}
	start := time.Now()
	var result *SaveResult
	b := newBatch(func() {})
	b.complete = func() { result = j.completeBatch(b, useSubmit, start) }
	j.logger.Debug("save", "batch", b.id.String(), "submit", useSubmit)
	if useSubmit {
		j.saveSubmit(ctx, b, submitOp)
	} else {
		j.saveCRUD(ctx, b, stages)
	}
	if !b.isComplete() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, NewError(CodeTransport, "save %s did not complete", b.id)
	}
	return result, nil
}

// SaveChangesAsync runs SaveChanges in a goroutine. The data object must not
// be used until the future completes.
func (j *JSDO) SaveChangesAsync(ctx context.Context, useSubmit bool) *Future[*SaveResult] {
	return Go(func() (*SaveResult, error) {
		return j.SaveChanges(ctx, useSubmit)
	})
}

func (j *JSDO) saveCRUD(ctx context.Context, b *batch, stages []stage) {
	staged := make([][]*operation, len(stages))
	for i, s := range stages {
		for _, id := range s.ids {
			staged[i] = append(staged[i], b.add(s.table, s.kind, id))
		}
	}
	if len(b.ops) == 0 {
		b.finish(nil)
		return
	}
	for i, s := range stages {
		op, _ := j.res.Operation(operationType(s.kind), "")
		ops := staged[i]
		before, after := eventNames(s.kind)
		if err := ctx.Err(); err != nil {
			for _, o := range ops {
				o.err = err
			}
		}
		for _, o := range ops {
			if o.err != nil {
				continue
			}
			rec := &Record{table: s.table, row: s.table.pendingRow(o.clientID)}
			j.triggerBoth(s.table, &Event{Name: before, JSDO: j, Table: s.table, Record: rec})
			o.body, o.err = j.rowBody(s.table, op, s.kind, o.clientID)
		}
		var g errgroup.Group
		g.SetLimit(j.opts.MaxInFlight)
		for _, o := range ops {
			if o.err != nil {
				continue
			}
			req := &Request{
				Resource:  j.res.Name,
				Operation: op.Type,
				Method:    op.Method(),
				Path:      j.res.Path + op.Path,
				Body:      o.body,
			}
			g.Go(func() error {
				t0 := time.Now()
				o.resp, o.err = do(ctx, j.transport, req)
				o.elapsed = time.Since(t0)
				return nil
			})
		}
		_ = g.Wait()
		for _, o := range ops {
			j.mergeOperation(o)
			var rec *Record
			if row := s.table.pendingRow(o.id); row != nil {
				rec = &Record{table: s.table, row: row}
			}
			ev := &Event{Name: after, JSDO: j, Table: s.table, Record: rec, Success: o.success}
			if !o.success {
				ev.Err = o.rowError()
			}
			j.triggerBoth(s.table, ev)
			if j.opts.Observer != nil {
				j.opts.Observer.ObserveOperation(j.res.Name, s.table.def.Name, s.kind, o.success, o.elapsed)
			}
			b.finish(o)
		}
	}
}

func (j *JSDO) saveSubmit(ctx context.Context, b *batch, op *catalog.Operation) {
	body, pend := j.buildSubmit()
	ops := make([]*operation, 0, len(pend))
	for _, p := range pend {
		ops = append(ops, b.add(p.table, p.kind, p.id))
	}
	j.Trigger(&Event{Name: EventBeforeSubmit, JSDO: j})
	data, err := json.Marshal(body)
	var resp []byte
	t0 := time.Now()
	if err == nil {
		resp, err = do(ctx, j.transport, &Request{
			Resource:  j.res.Name,
			Operation: op.Type,
			Method:    op.Method(),
			Path:      j.res.Path + op.Path,
			Body:      data,
		})
	}
	elapsed := time.Since(t0)
	j.mergeSubmit(ops, resp, err)
	j.Trigger(&Event{Name: EventAfterSubmit, JSDO: j, Success: err == nil, Err: err})
	if len(ops) == 0 {
		b.finish(nil)
		return
	}
	for _, o := range ops {
		o.elapsed = elapsed
		if j.opts.Observer != nil {
			j.opts.Observer.ObserveOperation(j.res.Name, o.table.def.Name, o.kind, o.success, elapsed)
		}
		b.finish(o)
	}
}

func (o *operation) rowError() *RowError {
	if o.success {
		return nil
	}
	return &RowError{Table: o.table.def.Name, Kind: o.kind, ID: o.id, Message: o.message, Status: o.status}
}

func (j *JSDO) triggerBoth(t *Table, ev *Event) {
	j.Trigger(ev)
	t.Trigger(ev)
}

// completeBatch runs once per save when every operation is done.
func (j *JSDO) completeBatch(b *batch, submit bool, start time.Time) *SaveResult {
	res := &SaveResult{BatchID: b.id, Submit: submit}
	failed := 0
	for _, o := range b.ops {
		ok := o.success
		if row := o.table.pendingRow(o.id); ok && row != nil && isRejected(row) {
			ok = false
		}
		res.Operations = append(res.Operations, OperationResult{
			Table:    o.table.def.Name,
			Kind:     o.kind,
			ClientID: o.clientID,
			ID:       o.id,
			Success:  ok,
		})
		if !ok {
			failed++
			res.Errors = append(res.Errors, RowError{Table: o.table.def.Name, Kind: o.kind, ID: o.id, Message: o.message, Status: o.status})
		}
	}
	res.SomeRejected = failed != 0
	res.AllRejected = failed != 0 && failed == len(b.ops)
	j.last = res
	j.logger.Debug("save done", "batch", b.id.String(), "rows", len(b.ops), "failed", failed, "elapsed", time.Since(start))
	if j.opts.Observer != nil {
		j.opts.Observer.ObserveSave(j.res.Name, res, time.Since(start))
	}
	j.Trigger(&Event{Name: EventAfterSaveChanges, JSDO: j, Success: res.Success(), Result: res})
	// Replaced synthetic ids stop resolving once the save is over.
	for _, t := range j.tables {
		clear(t.tmpIndex)
		clear(t.processed)
	}
	return res
}
