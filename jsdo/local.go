package jsdo

import (
	"context"
	"encoding/json"
	"fmt"
)

// LocalStore keeps named snapshots. Load returns an error matching
// ErrNotFound when name does not exist.
type LocalStore interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// SaveLocal stores a snapshot of the tables and their pending changes.
func (j *JSDO) SaveLocal(ctx context.Context, store LocalStore, name string, mode LocalMode) error {
	j.unnest()
	data, err := json.Marshal(j.buildSnapshot(mode))
	if err != nil {
		return fmt.Errorf("save local %s: %w", name, err)
	}
	if err := store.Save(ctx, name, data); err != nil {
		return fmt.Errorf("save local %s: %w", name, err)
	}
	j.logger.Debug("save local", "name", name, "bytes", len(data))
	return nil
}

// ReadLocal replaces the contents of the tables with a stored snapshot,
// restoring its pending changes.
func (j *JSDO) ReadLocal(ctx context.Context, store LocalStore, name string) error {
	data, err := store.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("read local %s: %w", name, err)
	}
	j.unnest()
	set, err := j.parsePayload(data, nil, false)
	if err != nil {
		return fmt.Errorf("read local %s: %w", name, err)
	}
	for _, t := range j.tables {
		t.clear()
	}
	if err := j.load(set, ModeAppend, nil, false); err != nil {
		return fmt.Errorf("read local %s: %w", name, err)
	}
	return nil
}

// DeleteLocal removes a stored snapshot.
func (j *JSDO) DeleteLocal(ctx context.Context, store LocalStore, name string) error {
	if err := store.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete local %s: %w", name, err)
	}
	return nil
}
