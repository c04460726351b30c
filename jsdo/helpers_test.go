package jsdo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/maruel/jsdo/catalog"
)

func allOperations() []catalog.Operation {
	return []catalog.Operation{
		{Type: catalog.OpRead},
		{Type: catalog.OpCreate},
		{Type: catalog.OpUpdate},
		{Type: catalog.OpDelete},
		{Type: catalog.OpSubmit, Path: "/SubmitOrders"},
		{Type: catalog.OpInvoke, Name: "Count", Path: "/Count"},
	}
}

// orderResource is a customer/order dataset. Both tables get their id from
// the server in the "id" field.
func orderResource() catalog.Resource {
	return catalog.Resource{
		Name:    "CustomerOrders",
		Path:    "/CustomerOrders",
		Dataset: "dsOrder",
		Tables: []catalog.Table{
			{
				Name:       "ttCustomer",
				PrimaryKey: []string{"CustNum"},
				IDProperty: "id",
				Fields: []catalog.Field{
					{Name: "id", Type: catalog.TypeString},
					{Name: "CustNum", Type: catalog.TypeInteger},
					{Name: "Name", Type: catalog.TypeString},
				},
			},
			{
				Name:       "ttOrder",
				PrimaryKey: []string{"OrderNum"},
				IDProperty: "id",
				Fields: []catalog.Field{
					{Name: "id", Type: catalog.TypeString},
					{Name: "OrderNum", Type: catalog.TypeInteger},
					{Name: "CustNum", Type: catalog.TypeInteger},
					{Name: "Qty", Type: catalog.TypeInteger},
				},
			},
		},
		Relations: []catalog.Relation{{
			Name:   "CustOrd",
			Parent: "ttCustomer",
			Child:  "ttOrder",
			Fields: []catalog.FieldPair{{Parent: "CustNum", Child: "CustNum"}},
		}},
		Operations: allOperations(),
	}
}

// itemResource is a single table without server ids.
func itemResource() catalog.Resource {
	return catalog.Resource{
		Name: "Items",
		Path: "/Items",
		Tables: []catalog.Table{{
			Name:       "ttItem",
			PrimaryKey: []string{"code"},
			Fields: []catalog.Field{
				{Name: "code", Type: catalog.TypeString},
				{Name: "name", Type: catalog.TypeString},
				{Name: "qty", Type: catalog.TypeInteger},
				{Name: "tags", Type: catalog.TypeArray, ItemType: catalog.TypeString, MaxItems: 3},
				{Name: "price", Type: catalog.TypeNumber, OriginalName: "unit-price"},
			},
		}},
		Operations: allOperations(),
	}
}

func testOptions(tr Transport) Options {
	opts := DefaultOptions()
	opts.Transport = tr
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func newTestJSDO(t *testing.T, res catalog.Resource, opts Options) *JSDO {
	t.Helper()
	j, err := New(res, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return j
}

func mustTable(t *testing.T, j *JSDO, name string) *Table {
	t.Helper()
	tbl, ok := j.Table(name)
	if !ok {
		t.Fatalf("table %s missing", name)
	}
	return tbl
}

func mustFind(t *testing.T, tbl *Table, id string) *Record {
	t.Helper()
	r, ok := tbl.FindByID(id)
	if !ok {
		t.Fatalf("row %s not found in %s", id, tbl.Name())
	}
	return r
}

// ids returns the row ids of tbl in position order.
func ids(tbl *Table) []string {
	var out []string
	for r := range tbl.All() {
		out = append(out, r.ID())
	}
	return out
}

// fakeTransport records requests and answers them with a handler.
type fakeTransport struct {
	mu      sync.Mutex
	reqs    []*Request
	handler func(req *Request) (*Response, error)
}

func (f *fakeTransport) Do(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.handler == nil {
		return &Response{StatusCode: 200}, nil
	}
	return f.handler(req)
}

func (f *fakeTransport) requests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.reqs...)
}

// decodeBody returns the inner dataset object of a request body.
func decodeBody(t *testing.T, body []byte, dataset string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("invalid body %s: %v", body, err)
	}
	if dataset == "" {
		return m
	}
	inner, ok := m[dataset].(map[string]any)
	if !ok {
		t.Fatalf("body has no dataset %s: %s", dataset, body)
	}
	return inner
}

func firstRow(t *testing.T, inner map[string]any, table string) map[string]any {
	t.Helper()
	rows, _ := inner[table].([]any)
	if len(rows) == 0 {
		t.Fatalf("no %s rows in %v", table, inner)
	}
	return rows[0].(map[string]any)
}

func jsonResponse(t *testing.T, v any) *Response {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return &Response{StatusCode: 200, Body: b}
}

// echoRow answers a single-row request with the row it carried, plus extra
// fields.
func echoRow(t *testing.T, req *Request, dataset, table string, extra map[string]any) *Response {
	t.Helper()
	inner := decodeBody(t, req.Body, dataset)
	row := firstRow(t, inner, table)
	for k, v := range extra {
		row[k] = v
	}
	out := map[string]any{table: []any{row}}
	if dataset != "" {
		return jsonResponse(t, map[string]any{dataset: out})
	}
	return jsonResponse(t, out)
}
