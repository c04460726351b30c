package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/maruel/jsdo/catalog"
)

// rowError is a row-level failure reported inside a successful response.
type rowError struct {
	table   string
	id      string
	message string
}

// unwrap returns the dataset content of a request body.
func (r *resource) unwrap(body map[string]any) (map[string]any, error) {
	if body == nil {
		return nil, badRequest("request body is required")
	}
	if r.def.Dataset == "" {
		return body, nil
	}
	inner, ok := body[r.def.Dataset].(map[string]any)
	if !ok {
		return nil, badRequest("dataset %s missing from request", r.def.Dataset)
	}
	return inner, nil
}

func (r *resource) envelope(inner map[string]any) map[string]any {
	if r.def.Dataset == "" {
		return inner
	}
	return map[string]any{r.def.Dataset: inner}
}

func rowsOf(v any) ([]map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", v)
	}
	out := make([]map[string]any, 0, len(l))
	for _, e := range l {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected an object, got %T", e)
		}
		out = append(out, m)
	}
	return out, nil
}

// single returns the only row of a single-row call, from the table arrays or,
// when before is set, from prods:before.
func (r *resource) single(inner map[string]any, before bool) (*table, map[string]any, map[string]any, error) {
	var found *table
	var after, prev map[string]any
	for _, t := range r.tables {
		rows, err := rowsOf(inner[t.def.Name])
		if err != nil {
			return nil, nil, nil, badRequest("table %s: %v", t.def.Name, err)
		}
		var brows []map[string]any
		if bm, ok := inner[prodsBefore].(map[string]any); ok {
			if brows, err = rowsOf(bm[t.def.Name]); err != nil {
				return nil, nil, nil, badRequest("%s %s: %v", prodsBefore, t.def.Name, err)
			}
		}
		if len(rows)+len(brows) == 0 {
			continue
		}
		if found != nil || len(rows) > 1 || len(brows) > 1 {
			return nil, nil, nil, badRequest("exactly one row is expected")
		}
		found = t
		if len(rows) == 1 {
			after = rows[0]
		}
		if len(brows) == 1 {
			prev = brows[0]
		}
	}
	if found == nil || (after == nil && !before) {
		return nil, nil, nil, badRequest("exactly one row is expected")
	}
	return found, after, prev, nil
}

func (s *Server) check(r *resource, t *table, op catalog.OperationType, row map[string]any) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(r.def.Name, t.def.Name, op, row)
}

func (s *Server) create(r *resource, t *table, row map[string]any) (map[string]any, error) {
	data := clean(row)
	t.assignID(data)
	if err := s.check(r, t, catalog.OpCreate, data); err != nil {
		return nil, err
	}
	if t.find(t.key(data)) >= 0 {
		return nil, fmt.Errorf("duplicate key %s", t.key(data))
	}
	t.rows = append(t.rows, data)
	return maps.Clone(data), nil
}

func (s *Server) update(r *resource, t *table, after, before map[string]any) (map[string]any, error) {
	locate := after
	if before != nil {
		locate = before
	}
	i := t.find(t.key(clean(locate)))
	if i < 0 {
		return nil, errors.New("record not found")
	}
	merged := maps.Clone(t.rows[i])
	maps.Copy(merged, clean(after))
	if err := s.check(r, t, catalog.OpUpdate, merged); err != nil {
		return nil, err
	}
	if k := t.key(merged); k != t.key(t.rows[i]) && t.find(k) >= 0 {
		return nil, fmt.Errorf("duplicate key %s", k)
	}
	t.rows[i] = merged
	return maps.Clone(merged), nil
}

func (s *Server) remove(r *resource, t *table, row map[string]any) error {
	i := t.find(t.key(clean(row)))
	if i < 0 {
		return errors.New("record not found")
	}
	if err := s.check(r, t, catalog.OpDelete, t.rows[i]); err != nil {
		return err
	}
	t.rows = slices.Delete(t.rows, i, i+1)
	return nil
}

// errorID is the id under which a row failure is reported.
func errorID(t *table, row map[string]any) string {
	for _, k := range []string{prodsID, prodsClientID} {
		if v, ok := row[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return t.key(row)
}

func addErrors(inner map[string]any, errs []rowError) {
	if len(errs) == 0 {
		return
	}
	m := map[string]any{}
	for _, e := range errs {
		l, _ := m[e.table].([]any)
		m[e.table] = append(l, map[string]any{prodsID: e.id, prodsError: e.message})
	}
	inner[prodsErrors] = m
}

// failed flags a returned row as failed under id.
func failed(row map[string]any, id string) map[string]any {
	out := maps.Clone(row)
	out[prodsHasErrors] = true
	out[prodsID] = id
	return out
}

func (s *Server) read(_ context.Context, r *resource, req *request) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inner := make(map[string]any, len(r.tables))
	for _, t := range r.tables {
		rows := []any{}
		for _, row := range t.rows {
			if req.Top > 0 && len(rows) >= req.Top {
				break
			}
			if matches(row, req.Filter) {
				rows = append(rows, maps.Clone(row))
			}
		}
		inner[t.def.Name] = rows
	}
	s.logger.Debug("read", "resource", r.def.Name, "filter", req.Filter)
	return r.envelope(inner), nil
}

// rowCall runs a single-row create, update or delete.
func (s *Server) rowCall(_ context.Context, r *resource, op catalog.OperationType, req *request) (map[string]any, error) {
	inner, err := r.unwrap(req.Body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, after, before, err := r.single(inner, op == catalog.OpDelete)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	var result map[string]any
	switch op {
	case catalog.OpCreate:
		result, err = s.create(r, t, after)
	case catalog.OpUpdate:
		result, err = s.update(r, t, after, before)
	case catalog.OpDelete:
		row := before
		if row == nil {
			row = after
		}
		after = row
		err = s.remove(r, t, row)
	default:
		return nil, badRequest("unsupported operation %s", op)
	}
	if err != nil {
		id := errorID(t, after)
		s.logger.Info("row rejected", "resource", r.def.Name, "table", t.def.Name, "op", string(op), "id", id, "err", err)
		out[t.def.Name] = []any{failed(clean(after), id)}
		addErrors(out, []rowError{{table: t.def.Name, id: id, message: err.Error()}})
		return r.envelope(out), nil
	}
	if result != nil {
		if cid, ok := after[prodsClientID]; ok {
			result[prodsClientID] = cid
			result[prodsID] = cid
		}
		out[t.def.Name] = []any{result}
	} else {
		out[t.def.Name] = []any{}
	}
	return r.envelope(out), nil
}

// depth orders tables parent-first.
func (r *resource) depth(t *table) int {
	d := 0
	name := t.def.Name
	for {
		i := slices.IndexFunc(r.def.Relations, func(rel catalog.Relation) bool { return rel.Child == name })
		if i < 0 {
			return d
		}
		name = r.def.Relations[i].Parent
		d++
	}
}

// submit applies a dataset change-set: deletes children-first, then creates
// parent-first, then updates. Each row succeeds or fails on its own.
func (s *Server) submit(_ context.Context, r *resource, req *request) (map[string]any, error) {
	inner, err := r.unwrap(req.Body)
	if err != nil {
		return nil, err
	}
	bm, _ := inner[prodsBefore].(map[string]any)
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := slices.Clone(r.tables)
	slices.SortStableFunc(ordered, func(a, b *table) int { return r.depth(a) - r.depth(b) })

	type change struct {
		t      *table
		state  string
		after  map[string]any
		before map[string]any
	}
	var deletes, creates, updates []change
	for _, t := range ordered {
		after, err := rowsOf(inner[t.def.Name])
		if err != nil {
			return nil, badRequest("table %s: %v", t.def.Name, err)
		}
		before, err := rowsOf(bm[t.def.Name])
		if err != nil {
			return nil, badRequest("%s %s: %v", prodsBefore, t.def.Name, err)
		}
		prev := make(map[string]map[string]any, len(before))
		for _, b := range before {
			cid := fmt.Sprint(b[prodsClientID])
			prev[cid] = b
			if b[prodsRowState] == "deleted" {
				deletes = append(deletes, change{t: t, state: "deleted", before: b})
			}
		}
		for _, a := range after {
			switch a[prodsRowState] {
			case "created":
				creates = append(creates, change{t: t, state: "created", after: a})
			case "modified":
				updates = append(updates, change{t: t, state: "modified", after: a, before: prev[fmt.Sprint(a[prodsClientID])]})
			default:
				return nil, badRequest("table %s: unknown row state %v", t.def.Name, a[prodsRowState])
			}
		}
	}
	slices.Reverse(deletes)

	out := map[string]any{}
	for _, t := range r.tables {
		out[t.def.Name] = []any{}
	}
	var errs []rowError
	push := func(t *table, row map[string]any) {
		l, _ := out[t.def.Name].([]any)
		out[t.def.Name] = append(l, row)
	}
	for _, c := range deletes {
		if err := s.remove(r, c.t, c.before); err != nil {
			errs = append(errs, rowError{table: c.t.def.Name, id: errorID(c.t, c.before), message: err.Error()})
		}
	}
	for _, c := range append(creates, updates...) {
		var res map[string]any
		var err error
		if c.state == "created" {
			res, err = s.create(r, c.t, c.after)
		} else {
			res, err = s.update(r, c.t, c.after, c.before)
		}
		id := errorID(c.t, c.after)
		if err != nil {
			errs = append(errs, rowError{table: c.t.def.Name, id: id, message: err.Error()})
			row := failed(clean(c.after), id)
			row[prodsClientID] = c.after[prodsClientID]
			row[prodsRowState] = c.state
			push(c.t, row)
			continue
		}
		res[prodsClientID] = c.after[prodsClientID]
		res[prodsID] = id
		res[prodsRowState] = c.state
		push(c.t, res)
	}
	out[prodsHasChanges] = len(deletes)+len(creates)+len(updates) != 0
	addErrors(out, errs)
	s.logger.Debug("submit", "resource", r.def.Name, "deletes", len(deletes), "creates", len(creates), "updates", len(updates), "errors", len(errs))
	return r.envelope(out), nil
}

func (s *Server) invoke(ctx context.Context, r *resource, name string, req *request) (map[string]any, error) {
	s.mu.Lock()
	fn := r.invoke[name]
	count := 0
	for _, t := range r.tables {
		count += len(t.rows)
	}
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, req.Body)
	}
	return map[string]any{"count": count}, nil
}
