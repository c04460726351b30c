package jsdo

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/maruel/jsdo/catalog"
)

// namesResource is a single schema-less table.
func namesResource() catalog.Resource {
	return catalog.Resource{
		Name:       "Names",
		Path:       "/Names",
		Tables:     []catalog.Table{{Name: "ttName"}},
		Operations: allOperations(),
	}
}

func loadNames(t *testing.T, names ...string) (*JSDO, *Table) {
	t.Helper()
	j := newTestJSDO(t, namesResource(), testOptions(nil))
	tbl := mustTable(t, j, "ttName")
	rows := make([]Row, 0, len(names))
	for i, n := range names {
		rows = append(rows, Row{"_id": string(rune('1' + i)), "name": n})
	}
	if err := tbl.AddRecords(rows, ModeAppend, nil, false); err != nil {
		t.Fatalf("AddRecords failed: %v", err)
	}
	return j, tbl
}

// checkSentinel verifies that a nil before-image marks exactly the pending
// creates.
func checkSentinel(t *testing.T, tbl *Table) {
	t.Helper()
	for id, b := range tbl.beforeImage {
		added := slices.Contains(tbl.added, id)
		if (b == nil) != added {
			t.Errorf("row %s: nil before-image=%v but added=%v", id, b == nil, added)
		}
		if _, ok := tbl.changed[id]; ok && b == nil {
			t.Errorf("row %s: nil before-image and changed", id)
		}
	}
	for _, id := range tbl.added {
		if b, ok := tbl.beforeImage[id]; !ok || b != nil {
			t.Errorf("added row %s has before-image %v", id, b)
		}
	}
}

func TestTableAdd(t *testing.T) {
	j := newTestJSDO(t, itemResource(), testOptions(nil))
	tbl := mustTable(t, j, "ttItem")

	r1, err := tbl.Add(Row{"code": "A", "qty": "3"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	r2, err := tbl.Add(Row{"code": "B", "_id": "99"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if r1.ID() != "1" {
		t.Errorf("expected synthetic id 1, got %s", r1.ID())
	}
	if r2.ID() == r1.ID() {
		t.Errorf("ids collide: %s", r2.ID())
	}
	if v, _ := r1.Get("qty"); v != int64(3) {
		t.Errorf("expected qty coerced to 3, got %#v", v)
	}
	if !tbl.HasChanges() || len(tbl.Changes()) != 2 {
		t.Errorf("expected 2 pending creates, got %v", tbl.Changes())
	}
	checkSentinel(t, tbl)
}

func TestTableAddDuplicateID(t *testing.T) {
	j := newTestJSDO(t, orderResource(), testOptions(nil))
	tbl := mustTable(t, j, "ttCustomer")
	if _, err := tbl.Add(Row{"id": "C1", "CustNum": 1}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	_, err := tbl.Add(Row{"id": "C1", "CustNum": 2})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 row, got %d", tbl.Len())
	}
}

func TestAssignResorts(t *testing.T) {
	_, tbl := loadNames(t, "A", "B")
	if err := tbl.SetSortFields(SortField{Name: "name", Ascending: true}); err != nil {
		t.Fatalf("SetSortFields failed: %v", err)
	}
	r := mustFind(t, tbl, "1")
	if err := r.Assign(Row{"name": "Z"}); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if got := ids(tbl); !slices.Equal(got, []string{"2", "1"}) {
		t.Errorf("expected order [2 1], got %v", got)
	}
	b, ok := tbl.BeforeImage("1")
	if !ok {
		t.Fatal("expected a before-image")
	}
	if want := (Row{"_id": "1", "name": "A"}); !reflect.DeepEqual(b, want) {
		t.Errorf("expected before-image %v, got %v", want, b)
	}
	// A second assign keeps the first before-image.
	if err := r.Set("name", "Y"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if b, _ := tbl.BeforeImage("1"); b["name"] != "A" {
		t.Errorf("before-image overwritten: %v", b)
	}
	checkSentinel(t, tbl)
}

func TestAssignWithoutSortKeyKeepsPosition(t *testing.T) {
	_, tbl := loadNames(t, "A", "B")
	if err := tbl.SetSortFields(SortField{Name: "name", Ascending: true}); err != nil {
		t.Fatalf("SetSortFields failed: %v", err)
	}
	r := mustFind(t, tbl, "1")
	if err := r.Assign(Row{"other": 1}); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if got := ids(tbl); !slices.Equal(got, []string{"1", "2"}) {
		t.Errorf("expected order [1 2], got %v", got)
	}
}

func TestAssignErrors(t *testing.T) {
	_, tbl := loadNames(t, "A")
	r := mustFind(t, tbl, "1")
	if err := r.Assign(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if err := r.RemoveUntracked(); err != nil {
		t.Fatalf("RemoveUntracked failed: %v", err)
	}
	if err := r.Assign(Row{"name": "B"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignIgnoresUnknownFields(t *testing.T) {
	j := newTestJSDO(t, itemResource(), testOptions(nil))
	tbl := mustTable(t, j, "ttItem")
	r, err := tbl.Add(Row{"code": "A"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Assign(Row{"bogus": 1, "_id": "x", "qty": 2.0}); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if _, ok := r.Data()["bogus"]; ok {
		t.Error("unknown field was stored")
	}
	if r.ID() != "1" {
		t.Errorf("id changed to %s", r.ID())
	}
	if v, _ := r.Get("qty"); v != int64(2) {
		t.Errorf("expected qty 2, got %#v", v)
	}
}

func TestRemove(t *testing.T) {
	_, tbl := loadNames(t, "A", "B", "C", "D", "E", "F")
	r := mustFind(t, tbl, "5")
	want := Row{"_id": "5", "name": "E"}
	if err := r.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	deleted := tbl.Deleted()
	if len(deleted) != 1 || rowID(deleted[0]) != "5" {
		t.Fatalf("expected row 5 deleted, got %v", deleted)
	}
	b, ok := tbl.BeforeImage("5")
	if !ok || !reflect.DeepEqual(b, want) {
		t.Errorf("expected before-image %v, got %v", want, b)
	}
	if pos, ok := tbl.DeletedPosition("5"); !ok || pos != 4 {
		t.Errorf("expected position 4, got %d %v", pos, ok)
	}
	if _, ok := tbl.FindByID("5"); ok {
		t.Error("deleted row still found")
	}
	if err := r.Remove(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}
	checkSentinel(t, tbl)
}

func TestRemoveAfterUpdateKeepsOriginal(t *testing.T) {
	_, tbl := loadNames(t, "A")
	r := mustFind(t, tbl, "1")
	if err := r.Set("name", "B"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := r.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	changes := tbl.Changes()
	if len(changes) != 1 || changes[0].Kind != ChangeDelete {
		t.Fatalf("expected a single delete, got %v", changes)
	}
	if changes[0].Before["name"] != "A" {
		t.Errorf("expected original before-image, got %v", changes[0].Before)
	}
	checkSentinel(t, tbl)
}

func TestCreateThenDeleteElided(t *testing.T) {
	tr := &fakeTransport{}
	j := newTestJSDO(t, itemResource(), testOptions(tr))
	tbl := mustTable(t, j, "ttItem")
	r, err := tbl.Add(Row{"code": "A"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if tbl.HasChanges() {
		t.Errorf("expected no changes, got %v", tbl.Changes())
	}
	res, err := j.SaveChanges(t.Context(), false)
	if err != nil {
		t.Fatalf("SaveChanges failed: %v", err)
	}
	if n := len(tr.requests()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
	if len(res.Operations) != 0 {
		t.Errorf("expected no operations, got %v", res.Operations)
	}
	if len(tbl.beforeImage) != 0 || len(tbl.origPos) != 0 || len(tbl.deleted) != 0 {
		t.Errorf("residual bookkeeping: %v %v %v", tbl.beforeImage, tbl.origPos, tbl.deleted)
	}
}

func TestAcceptRowChanges(t *testing.T) {
	_, tbl := loadNames(t, "A")
	r := mustFind(t, tbl, "1")
	if err := r.Set("name", "B"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := r.AcceptRowChanges(); err != nil {
		t.Fatalf("AcceptRowChanges failed: %v", err)
	}
	if err := r.AcceptRowChanges(); err != nil {
		t.Fatalf("second AcceptRowChanges failed: %v", err)
	}
	if tbl.HasChanges() {
		t.Error("expected no changes")
	}
	if _, ok := tbl.BeforeImage("1"); ok {
		t.Error("before-image kept after accept")
	}
	if r.Data()["name"] != "B" {
		t.Errorf("expected accepted value B, got %v", r.Data()["name"])
	}
}

func TestAcceptRejectedRow(t *testing.T) {
	_, tbl := loadNames(t, "A")
	r := mustFind(t, tbl, "1")
	if err := r.Set("name", "B"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	annotateRowError(r.Data(), "no")
	if err := r.AcceptRowChanges(); !errors.Is(err, ErrRejectedRow) {
		t.Fatalf("expected ErrRejectedRow, got %v", err)
	}
	if !tbl.HasChanges() {
		t.Error("rejected row lost its pending change")
	}
	// Table-level accept takes rejected rows too.
	tbl.AcceptChanges()
	if tbl.HasChanges() || r.Rejected() || r.ErrorString() != "" {
		t.Errorf("expected clean row, got %v", r.Data())
	}
}

func TestRejectRowChanges(t *testing.T) {
	t.Run("update", func(t *testing.T) {
		_, tbl := loadNames(t, "A", "B")
		r := mustFind(t, tbl, "1")
		if err := r.Set("name", "Z"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := r.RejectRowChanges(); err != nil {
			t.Fatalf("RejectRowChanges failed: %v", err)
		}
		if r.Data()["name"] != "A" || r.ID() != "1" {
			t.Errorf("expected restored row, got %v", r.Data())
		}
		if tbl.HasChanges() {
			t.Error("expected no changes")
		}
	})
	t.Run("create", func(t *testing.T) {
		_, tbl := loadNames(t, "A")
		r, err := tbl.Add(Row{"name": "N"})
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := r.RejectRowChanges(); err != nil {
			t.Fatalf("RejectRowChanges failed: %v", err)
		}
		if tbl.Len() != 1 {
			t.Errorf("expected 1 row, got %d", tbl.Len())
		}
	})
	t.Run("delete", func(t *testing.T) {
		_, tbl := loadNames(t, "A", "B", "C")
		r := mustFind(t, tbl, "2")
		if err := r.Remove(); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if err := r.RejectRowChanges(); err != nil {
			t.Fatalf("RejectRowChanges failed: %v", err)
		}
		if got := ids(tbl); !slices.Equal(got, []string{"1", "2", "3"}) {
			t.Errorf("expected original order, got %v", got)
		}
		if len(tbl.Deleted()) != 0 {
			t.Error("delete still pending")
		}
	})
}

func TestRejectChanges(t *testing.T) {
	_, tbl := loadNames(t, "A", "B", "C", "D")
	for _, id := range []string{"2", "3"} {
		if err := mustFind(t, tbl, id).Remove(); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
	}
	if err := mustFind(t, tbl, "4").Set("name", "X"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := tbl.Add(Row{"name": "E"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	tbl.RejectChanges()
	if tbl.HasChanges() {
		t.Errorf("expected no changes, got %v", tbl.Changes())
	}
	var names []string
	for _, row := range tbl.Data() {
		names = append(names, row["name"].(string))
	}
	if !slices.Equal(names, []string{"A", "B", "C", "D"}) {
		t.Errorf("expected [A B C D], got %v", names)
	}
}

func TestCompaction(t *testing.T) {
	_, tbl := loadNames(t, "A", "B", "C", "D", "E", "F", "G", "H", "I")
	for _, id := range []string{"1", "3", "5", "7"} {
		if err := mustFind(t, tbl, id).RemoveUntracked(); err != nil {
			t.Fatalf("RemoveUntracked failed: %v", err)
		}
	}
	if len(tbl.data) != 9 {
		t.Fatalf("expected tombstones before iteration, got %d slots", len(tbl.data))
	}
	if got := ids(tbl); !slices.Equal(got, []string{"2", "4", "6", "8", "9"}) {
		t.Errorf("unexpected rows %v", got)
	}
	if len(tbl.data) != 5 {
		t.Errorf("expected compacted slots, got %d", len(tbl.data))
	}
	if r := mustFind(t, tbl, "8"); r.Data()["name"] != "H" {
		t.Errorf("index stale after compaction: %v", r.Data())
	}
}

func TestArrayPseudoFields(t *testing.T) {
	j := newTestJSDO(t, itemResource(), testOptions(nil))
	tbl := mustTable(t, j, "ttItem")
	r, err := tbl.Add(Row{"code": "A", "tags_2": "red"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if v, ok := r.Get("tags_2"); !ok || v != "red" {
		t.Errorf("expected tags_2 red, got %v %v", v, ok)
	}
	if err := r.Set("tags_1", 7); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if want := []any{"7", "red"}; !reflect.DeepEqual(r.Data()["tags"], want) {
		t.Errorf("expected tags %v, got %v", want, r.Data()["tags"])
	}
	// Beyond MaxItems is not an element.
	if err := r.Set("tags_4", "x"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if items := r.Data()["tags"].([]any); len(items) != 2 {
		t.Errorf("expected 2 items, got %v", items)
	}
	if _, ok := r.Get("tags_3"); ok {
		t.Error("tags_3 should not be set")
	}
	want := []string{"code", "name", "qty", "tags", "price", "tags_1", "tags_2", "tags_3"}
	if got := tbl.FieldNames(); !slices.Equal(got, want) {
		t.Errorf("expected field names %v, got %v", want, got)
	}
}

func TestSortNullsLastAndDirection(t *testing.T) {
	j := newTestJSDO(t, namesResource(), testOptions(nil))
	tbl := mustTable(t, j, "ttName")
	rows := []Row{
		{"_id": "a", "n": 2.0},
		{"_id": "b"},
		{"_id": "c", "n": 10.0},
		{"_id": "d", "n": 1.0},
	}
	if err := tbl.AddRecords(rows, ModeAppend, nil, false); err != nil {
		t.Fatalf("AddRecords failed: %v", err)
	}
	fields, err := ParseSortFields("n:desc")
	if err != nil {
		t.Fatalf("ParseSortFields failed: %v", err)
	}
	if err := tbl.SetSortFields(fields...); err != nil {
		t.Fatalf("SetSortFields failed: %v", err)
	}
	// nil compares greater than any value, then the direction applies.
	if got := ids(tbl); !slices.Equal(got, []string{"b", "c", "a", "d"}) {
		t.Errorf("expected [b c a d], got %v", got)
	}
	if err := tbl.SetSortFields(SortField{Name: "n", Ascending: true}); err != nil {
		t.Fatalf("SetSortFields failed: %v", err)
	}
	if got := ids(tbl); !slices.Equal(got, []string{"d", "a", "c", "b"}) {
		t.Errorf("expected [d a c b], got %v", got)
	}
}

func TestSortCaseSensitivity(t *testing.T) {
	_, tbl := loadNames(t, "b", "B", "a")
	tbl.SetAutoSort(false)
	if err := tbl.SetSortFields(SortField{Name: "name", Ascending: true}); err != nil {
		t.Fatalf("SetSortFields failed: %v", err)
	}
	if got := ids(tbl); !slices.Equal(got, []string{"1", "2", "3"}) {
		t.Errorf("auto-sort off must not reorder, got %v", got)
	}
	tbl.Sort()
	if got := ids(tbl); !slices.Equal(got, []string{"3", "1", "2"}) {
		t.Errorf("expected stable case-insensitive order [3 1 2], got %v", got)
	}
	tbl.SetCaseSensitive(true)
	tbl.Sort()
	if got := ids(tbl); !slices.Equal(got, []string{"2", "3", "1"}) {
		t.Errorf("expected case-sensitive order [2 3 1], got %v", got)
	}
}

func TestSortFn(t *testing.T) {
	_, tbl := loadNames(t, "aaa", "b", "cc")
	tbl.SetSortFn(func(a, b Row) int {
		return len(a["name"].(string)) - len(b["name"].(string))
	})
	if got := ids(tbl); !slices.Equal(got, []string{"2", "3", "1"}) {
		t.Errorf("expected [2 3 1], got %v", got)
	}
	r, err := tbl.Add(Row{"name": "dd"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if got := ids(tbl); !slices.Equal(got, []string{"2", "3", r.ID(), "1"}) {
		t.Errorf("new row not placed in order: %v", got)
	}
}

func TestParseSortFields(t *testing.T) {
	tests := []struct {
		in      string
		want    []SortField
		wantErr bool
	}{
		{"", nil, false},
		{"name", []SortField{{"name", true}}, false},
		{"name, qty:desc", []SortField{{"name", true}, {"qty", false}}, false},
		{"a:ASC,b:Descending", []SortField{{"a", true}, {"b", false}}, false},
		{"a:sideways", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSortFields(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSortFields(%q) error = %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSortFields(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetSortFieldsUnknown(t *testing.T) {
	j := newTestJSDO(t, itemResource(), testOptions(nil))
	tbl := mustTable(t, j, "ttItem")
	if err := tbl.SetSortFields(SortField{Name: "nope"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSameData(t *testing.T) {
	tests := []struct {
		name string
		a, b Row
		want bool
	}{
		{"equal", Row{"k": 1.0}, Row{"k": int64(1)}, true},
		{"less", Row{"k": 1.0}, Row{"k": 2.0}, false},
		{"strings", Row{"k": "a"}, Row{"k": "b"}, false},
		{"nil is unordered", Row{"k": nil}, Row{"k": 2.0}, true},
		{"arrays are unordered", Row{"k": []any{1.0}}, Row{"k": []any{2.0}}, true},
		{"mixed types are unordered", Row{"k": "1"}, Row{"k": 1.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameData(tt.a, tt.b, []string{"k"}); got != tt.want {
				t.Errorf("sameData(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestChildRecords(t *testing.T) {
	j := newTestJSDO(t, orderResource(), testOptions(nil))
	payload := Row{"dsOrder": Row{
		"ttCustomer": []any{Row{"id": "C1", "CustNum": 1}, Row{"id": "C2", "CustNum": 2}},
		"ttOrder": []any{
			Row{"id": "O1", "OrderNum": 1, "CustNum": 1},
			Row{"id": "O2", "OrderNum": 2, "CustNum": 2},
			Row{"id": "O3", "OrderNum": 3, "CustNum": 1},
		},
	}}
	if err := j.AddRecords(payload, ModeAppend, nil, false); err != nil {
		t.Fatalf("AddRecords failed: %v", err)
	}
	cust := mustTable(t, j, "ttCustomer")
	kids, err := cust.ChildRecords(mustFind(t, cust, "C1"), "ttOrder")
	if err != nil {
		t.Fatalf("ChildRecords failed: %v", err)
	}
	var got []string
	for _, k := range kids {
		got = append(got, k.ID())
	}
	if !slices.Equal(got, []string{"O1", "O3"}) {
		t.Errorf("expected [O1 O3], got %v", got)
	}
	if _, err := cust.ChildRecords(mustFind(t, cust, "C1"), "ttNope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if p := mustTable(t, j, "ttOrder").Parent(); p != cust {
		t.Errorf("expected parent ttCustomer, got %v", p)
	}
}
