// Package storetest checks jsdo.LocalStore implementations.
package storetest

import (
	"errors"
	"testing"

	"github.com/maruel/jsdo/jsdo"
)

// Run exercises s with snapshot names prefixed by the test name. s must start
// without those names.
func Run(t *testing.T, s jsdo.LocalStore) {
	t.Helper()
	ctx := t.Context()
	name := t.Name() + "/orders"

	if _, err := s.Load(ctx, name); !errors.Is(err, jsdo.ErrNotFound) {
		t.Fatalf("Load of a missing snapshot: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, name); err != nil {
		t.Fatalf("Delete of a missing snapshot failed: %v", err)
	}
	if err := s.Save(ctx, "", []byte(`{}`)); !errors.Is(err, jsdo.ErrInvalidArgument) {
		t.Errorf("Save without name: expected ErrInvalidArgument, got %v", err)
	}

	first := []byte(`{"ttOrder":[{"OrderNum":1}]}`)
	if err := s.Save(ctx, name, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	first[2] = 'X'
	got, err := s.Load(ctx, name)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != `{"ttOrder":[{"OrderNum":1}]}` {
		t.Errorf("Load = %s", got)
	}

	second := []byte(`{"ttOrder":[]}`)
	if err := s.Save(ctx, name, second); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if got, err := s.Load(ctx, name); err != nil || string(got) != string(second) {
		t.Errorf("Load after overwrite = %s, %v", got, err)
	}

	other := t.Name() + "/items"
	if err := s.Save(ctx, other, []byte(`{"ttItem":[]}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Delete(ctx, name); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(ctx, name); !errors.Is(err, jsdo.ErrNotFound) {
		t.Errorf("Load after Delete: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Load(ctx, other); err != nil {
		t.Errorf("Delete removed another snapshot: %v", err)
	}
	if err := s.Delete(ctx, other); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}
