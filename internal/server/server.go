// Package server is an in-memory data service speaking the wire protocol of
// jsdo data objects. It backs "jsdoctl serve" and end-to-end tests.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/maruel/jsdo/catalog"
	"github.com/maruel/ksid"
)

// Wire fields.
const (
	prodsRowState   = "prods:rowState"
	prodsClientID   = "prods:clientId"
	prodsID         = "prods:id"
	prodsHasChanges = "prods:hasChanges"
	prodsHasErrors  = "prods:hasErrors"
	prodsBefore     = "prods:before"
	prodsErrors     = "prods:errors"
	prodsError      = "prods:error"
)

// ErrRejected rejects a row without a message.
var ErrRejected = errors.New("REJECTED")

// Validator vets a row before it is stored. A non-nil error rejects the
// row; its message is reported to the client. row uses wire field names.
type Validator func(resource, table string, op catalog.OperationType, row map[string]any) error

// InvokeFunc implements a custom operation.
type InvokeFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Options configures a Server.
type Options struct {
	Validate Validator
	Logger   *slog.Logger
}

// Server holds the rows of every resource of a catalog.
type Server struct {
	mu        sync.Mutex
	resources []*resource
	validate  Validator
	logger    *slog.Logger
}

type resource struct {
	def    catalog.Resource
	tables []*table
	invoke map[string]InvokeFunc
}

type table struct {
	def *catalog.Table
	// keys are the wire names of the fields identifying a row.
	keys   []string
	idProp string
	rows   []map[string]any
}

// New creates a server for every resource of c.
func New(c *catalog.Catalog, opts Options) (*Server, error) {
	s := &Server{validate: opts.Validate, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, svc := range c.Services {
		for _, res := range svc.Resources {
			if err := s.addResource(res); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Server) addResource(def catalog.Resource) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if s.resource(def.Name) != nil {
		return fmt.Errorf("duplicate resource %s", def.Name)
	}
	r := &resource{def: def, invoke: make(map[string]InvokeFunc)}
	for i := range r.def.Tables {
		td := &r.def.Tables[i]
		t := &table{def: td}
		for _, k := range td.PrimaryKey {
			t.keys = append(t.keys, wireName(td, k))
		}
		if td.IDProperty != "" {
			t.idProp = wireName(td, td.IDProperty)
			if len(t.keys) == 0 {
				t.keys = []string{t.idProp}
			}
		}
		if len(t.keys) == 0 {
			return fmt.Errorf("table %s: a primary key or id property is required", td.Name)
		}
		r.tables = append(r.tables, t)
	}
	s.resources = append(s.resources, r)
	return nil
}

func wireName(t *catalog.Table, name string) string {
	if f, ok := t.Field(name); ok {
		return f.WireName()
	}
	return name
}

func (s *Server) resource(name string) *resource {
	for _, r := range s.resources {
		if r.def.Name == name {
			return r
		}
	}
	return nil
}

func (r *resource) table(name string) *table {
	for _, t := range r.tables {
		if t.def.Name == name {
			return t
		}
	}
	return nil
}

// HandleInvoke registers the implementation of the invoke operation name.
// Invoke operations without an implementation return the row count.
func (s *Server) HandleInvoke(res, name string, fn InvokeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resource(res)
	if r == nil {
		return fmt.Errorf("unknown resource %s", res)
	}
	r.invoke[name] = fn
	return nil
}

// Seed appends rows to a table, assigning missing id-property values.
func (s *Server) Seed(res, tbl string, rows []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resource(res)
	if r == nil {
		return fmt.Errorf("unknown resource %s", res)
	}
	t := r.table(tbl)
	if t == nil {
		return fmt.Errorf("resource %s: unknown table %s", res, tbl)
	}
	for _, row := range rows {
		row = clean(row)
		t.assignID(row)
		if t.find(t.key(row)) >= 0 {
			return fmt.Errorf("table %s: duplicate key %s", tbl, t.key(row))
		}
		t.rows = append(t.rows, row)
	}
	return nil
}

// Rows returns a copy of the rows of a table.
func (s *Server) Rows(res, tbl string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resource(res)
	if r == nil {
		return nil
	}
	t := r.table(tbl)
	if t == nil {
		return nil
	}
	out := make([]map[string]any, len(t.rows))
	for i, row := range t.rows {
		out[i] = maps.Clone(row)
	}
	return out
}

// key identifies row by its key fields.
func (t *table) key(row map[string]any) string {
	parts := make([]string, len(t.keys))
	for i, k := range t.keys {
		if v := row[k]; v != nil {
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, "\x00")
}

func (t *table) find(key string) int {
	return slices.IndexFunc(t.rows, func(r map[string]any) bool { return t.key(r) == key })
}

func (t *table) assignID(row map[string]any) {
	if t.idProp == "" {
		return
	}
	if v, ok := row[t.idProp]; ok && v != nil && v != "" {
		return
	}
	row[t.idProp] = ksid.NewID().String()
}

// clean copies row without transport fields.
func clean(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if !strings.HasPrefix(k, "prods:") {
			out[k] = v
		}
	}
	return out
}

// matches applies a read filter: clauses "field=value" joined by " AND ".
// Values may be single-quoted. Clauses naming a field the row does not have
// are ignored.
func matches(row map[string]any, filter string) bool {
	if strings.TrimSpace(filter) == "" {
		return true
	}
	for clause := range strings.SplitSeq(filter, " AND ") {
		name, value, ok := strings.Cut(clause, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.Trim(strings.TrimSpace(value), "'")
		v, ok := row[name]
		if !ok {
			continue
		}
		if fmt.Sprint(v) != value {
			return false
		}
	}
	return true
}
