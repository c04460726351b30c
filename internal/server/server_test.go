package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maruel/jsdo/catalog"
	"github.com/maruel/jsdo/jsdo"
	"github.com/maruel/jsdo/transport"
)

func ordersCatalog() *catalog.Catalog {
	return &catalog.Catalog{Services: []catalog.Service{{
		Name: "sales",
		Resources: []catalog.Resource{{
			Name:    "Orders",
			Path:    "/Orders",
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
					},
				},
			},
			Relations: []catalog.Relation{{
				Name:   "CustOrd",
				Parent: "ttCustomer",
				Child:  "ttOrder",
				Fields: []catalog.FieldPair{{Parent: "CustNum", Child: "CustNum"}},
			}},
			Operations: []catalog.Operation{
				{Type: catalog.OpRead},
				{Type: catalog.OpCreate},
				{Type: catalog.OpUpdate},
				{Type: catalog.OpDelete},
				{Type: catalog.OpSubmit, Path: "/Submit"},
				{Type: catalog.OpInvoke, Name: "Count", Path: "/Count"},
			},
		}},
	}}}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// validator rejects customers named "bad" with a message and "locked" ones
// without.
func validator(_, tbl string, _ catalog.OperationType, row map[string]any) error {
	if tbl != "ttCustomer" {
		return nil
	}
	switch row["Name"] {
	case "bad":
		return errors.New("name not allowed")
	case "locked":
		return ErrRejected
	}
	return nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(ordersCatalog(), Options{Validate: validator, Logger: discard()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Seed("Orders", "ttCustomer", []map[string]any{
		{"id": "c1", "CustNum": 1, "Name": "Lift Tours"},
		{"id": "c2", "CustNum": 2, "Name": "Urpon Frisbee"},
	}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if err := s.Seed("Orders", "ttOrder", []map[string]any{{"id": "o1", "OrderNum": 10, "CustNum": 1}}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	h, err := NewRouter(s)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return s, srv
}

func openOrders(t *testing.T, url string) *jsdo.JSDO {
	t.Helper()
	tr, err := transport.New(transport.Config{BaseURL: url, Logger: discard()})
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}
	opts := jsdo.DefaultOptions()
	opts.Transport = tr
	opts.Logger = discard()
	_, res, _ := ordersCatalog().Resource("Orders")
	j, err := jsdo.New(*res, opts)
	if err != nil {
		t.Fatalf("jsdo.New failed: %v", err)
	}
	if err := j.Fill(t.Context(), ""); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	return j
}

func mustTable(t *testing.T, j *jsdo.JSDO, name string) *jsdo.Table {
	t.Helper()
	tbl, ok := j.Table(name)
	if !ok {
		t.Fatalf("table %s not found", name)
	}
	return tbl
}

func byName(s *Server, tbl string) map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, r := range s.Rows("Orders", tbl) {
		out[fmt.Sprint(r["id"])] = r
	}
	return out
}

func TestCRUDRoundTrip(t *testing.T) {
	s, srv := newTestServer(t)
	j := openOrders(t, srv.URL)
	cust := mustTable(t, j, "ttCustomer")
	orders := mustTable(t, j, "ttOrder")
	if cust.Len() != 2 || orders.Len() != 1 {
		t.Fatalf("Fill loaded %d customers, %d orders", cust.Len(), orders.Len())
	}

	c1, ok := cust.FindByID("c1")
	if !ok {
		t.Fatal("c1 not found")
	}
	if err := c1.Set("Name", "Lift Line"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	o1, ok := orders.FindByID("o1")
	if !ok {
		t.Fatal("o1 not found")
	}
	if err := o1.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	added, err := cust.Add(jsdo.Row{"CustNum": 3, "Name": "Hoops"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	clientID := added.ID()

	res, err := j.SaveChanges(t.Context(), false)
	if err != nil {
		t.Fatalf("SaveChanges failed: %v", err)
	}
	if !res.Success() {
		t.Fatalf("unexpected errors %v", res.Errors)
	}
	if j.HasChanges() {
		t.Error("changes left after a successful save")
	}

	rows := byName(s, "ttCustomer")
	if len(rows) != 3 || rows["c1"]["Name"] != "Lift Line" {
		t.Errorf("unexpected server customers %v", rows)
	}
	if n := len(s.Rows("Orders", "ttOrder")); n != 0 {
		t.Errorf("expected the order to be deleted, %d left", n)
	}
	rec, ok := cust.Find(func(r *jsdo.Record) bool { return r.Data()["Name"] == "Hoops" })
	if !ok {
		t.Fatal("created customer lost")
	}
	if rec.ID() == clientID || rows[rec.ID()] == nil {
		t.Errorf("expected the server id, got %q (client %q)", rec.ID(), clientID)
	}
}

func TestSubmitRejections(t *testing.T) {
	s, srv := newTestServer(t)
	j := openOrders(t, srv.URL)
	cust := mustTable(t, j, "ttCustomer")

	c2, _ := cust.FindByID("c2")
	if err := c2.Set("Name", "locked"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := cust.Add(jsdo.Row{"CustNum": 4, "Name": "bad"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := mustTable(t, j, "ttOrder").Add(jsdo.Row{"OrderNum": 11, "CustNum": 1}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	res, err := j.SaveChanges(t.Context(), true)
	if err != nil {
		t.Fatalf("SaveChanges failed: %v", err)
	}
	if len(res.Errors) != 2 || res.AllRejected || !res.SomeRejected {
		t.Fatalf("unexpected result %+v", res)
	}
	msgs := map[string]bool{}
	for _, e := range j.Errors() {
		msgs[e.Message] = true
	}
	if !msgs["name not allowed"] {
		t.Errorf("missing validation message in %v", j.Errors())
	}

	// Failed rows are undone locally and untouched on the server.
	if got := c2.Data()["Name"]; got != "Urpon Frisbee" {
		t.Errorf("expected c2 to be restored, got %v", got)
	}
	if cust.Len() != 2 {
		t.Errorf("expected the rejected create to be undone, have %d customers", cust.Len())
	}
	if got := byName(s, "ttCustomer")["c2"]["Name"]; got != "Urpon Frisbee" {
		t.Errorf("server row changed: %v", got)
	}
	orders := s.Rows("Orders", "ttOrder")
	if len(orders) != 2 {
		t.Errorf("expected the new order on the server, got %v", orders)
	}
}

func TestInvoke(t *testing.T) {
	s, srv := newTestServer(t)
	j := openOrders(t, srv.URL)
	out, err := j.Invoke(t.Context(), "Count", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out["count"] != 3.0 {
		t.Errorf("unexpected count %v", out)
	}
	if err := s.HandleInvoke("Orders", "Count", func(_ context.Context, p map[string]any) (map[string]any, error) {
		return map[string]any{"echo": p["x"]}, nil
	}); err != nil {
		t.Fatalf("HandleInvoke failed: %v", err)
	}
	out, err = j.Invoke(t.Context(), "Count", map[string]any{"x": "y"})
	if err != nil || out["echo"] != "y" {
		t.Errorf("Invoke = %v, %v", out, err)
	}
}

func TestReadFilter(t *testing.T) {
	_, srv := newTestServer(t)
	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{`"c1"`, `"c2"`, `"o1"`}},
		{"?filter=CustNum%3D2", []string{`"c2"`}},
		{"?filter=Name%3D'Lift%20Tours'", []string{`"c1"`, `"o1"`}},
		{"?top=1", []string{`"c1"`, `"o1"`}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/Orders" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)
			for _, id := range []string{`"c1"`, `"c2"`, `"o1"`} {
				want := false
				for _, w := range tt.want {
					want = want || w == id
				}
				if got := strings.Contains(string(body), id); got != want {
					t.Errorf("%s: id %s present=%v, want %v", body, id, got, want)
				}
			}
		})
	}
}

func TestProtocolErrors(t *testing.T) {
	_, srv := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"not an object", http.MethodPost, "/Orders", `[1]`, http.StatusBadRequest},
		{"missing dataset", http.MethodPost, "/Orders", `{"ttCustomer": []}`, http.StatusBadRequest},
		{"two rows", http.MethodPost, "/Orders", `{"dsOrder": {"ttCustomer": [{"CustNum": 7}, {"CustNum": 8}]}}`, http.StatusBadRequest},
		{"no body", http.MethodPut, "/Orders/Submit", ``, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/Nope", ``, http.StatusNotFound},
		{"duplicate key", http.MethodPost, "/Orders", `{"dsOrder": {"ttCustomer": [{"CustNum": 1}]}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequestWithContext(t.Context(), tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status {
				t.Errorf("status %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
			if tt.status == http.StatusOK && !strings.Contains(string(body), "prods:errors") {
				t.Errorf("expected a row error, got %s", body)
			}
		})
	}
}

func TestNewRouterConflict(t *testing.T) {
	c := ordersCatalog()
	res := &c.Services[0].Resources[0]
	res.Operations = append(res.Operations, catalog.Operation{Type: catalog.OpInvoke, Name: "Other"})
	s, err := New(c, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := NewRouter(s); err == nil {
		t.Error("expected a route conflict between update and invoke")
	}
}

func TestNewRequiresKey(t *testing.T) {
	c := &catalog.Catalog{Services: []catalog.Service{{Resources: []catalog.Resource{{
		Name:   "Notes",
		Path:   "/Notes",
		Tables: []catalog.Table{{Name: "ttNote"}},
	}}}}}
	if _, err := New(c, Options{}); err == nil {
		t.Error("expected error for a table without key")
	}
}
