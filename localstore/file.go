package localstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/maruel/ksid"
)

// maxLine bounds one journal line, that is one snapshot.
const maxLine = 256 << 20

// compactMin is the number of stale journal lines tolerated before the
// journal is rewritten.
const compactMin = 64

// entry is one line of the journal. Data is base64 encoded so snapshots are
// returned byte for byte.
type entry struct {
	ID      ksid.ID   `json:"id"`
	Name    string    `json:"name"`
	Saved   time.Time `json:"saved"`
	Data    []byte    `json:"data,omitempty"`
	Deleted bool      `json:"deleted,omitempty"`
}

// File stores snapshots in an append-only JSONL journal. The latest entry
// for a name wins; deletions are tombstones. The journal is rewritten when
// stale lines dominate.
type File struct {
	path string

	mu     sync.Mutex
	latest map[string]entry
	lines  int
}

// OpenFile opens or creates the journal at path.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f := &File{path: path, latest: make(map[string]entry)}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the journal path.
func (f *File) Path() string {
	return f.path
}

func (f *File) load() error {
	fd, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal %s: %w", f.path, err)
	}
	defer func() {
		_ = fd.Close()
	}()

	scanner := bufio.NewScanner(fd)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("failed to unmarshal entry %d in %s: %w", f.lines+1, f.path, err)
		}
		f.lines++
		if e.Deleted {
			delete(f.latest, e.Name)
		} else {
			f.latest[e.Name] = e
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal %s: %w", f.path, err)
	}
	return nil
}

// Save implements jsdo.LocalStore.
func (f *File) Save(_ context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := entry{ID: ksid.NewID(), Name: name, Saved: time.Now().UTC(), Data: slices.Clone(data)}
	if err := f.append(e); err != nil {
		return err
	}
	f.latest[name] = e
	return f.maybeCompact()
}

// Load implements jsdo.LocalStore.
func (f *File) Load(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.latest[name]
	if !ok {
		return nil, notFound(name)
	}
	return slices.Clone(e.Data), nil
}

// Delete implements jsdo.LocalStore.
func (f *File) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.latest[name]; !ok {
		return nil
	}
	if err := f.append(entry{ID: ksid.NewID(), Name: name, Saved: time.Now().UTC(), Deleted: true}); err != nil {
		return err
	}
	delete(f.latest, name)
	return f.maybeCompact()
}

// Names returns the live snapshot names, sorted.
func (f *File) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.latest))
	for k := range f.latest {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func (f *File) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	fd, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal for append: %w", err)
	}
	defer func() {
		_ = fd.Close()
	}()
	if _, err := fd.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	f.lines++
	return nil
}

func (f *File) maybeCompact() error {
	if f.lines-len(f.latest) < compactMin || f.lines < 2*len(f.latest) {
		return nil
	}
	return f.compact()
}

// compact rewrites the journal with only the live entries, oldest first.
func (f *File) compact() error {
	entries := make([]entry, 0, len(f.latest))
	for _, e := range f.latest {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	tmp := f.path + ".tmp"
	fd, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}
	writer := bufio.NewWriter(fd)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			_ = fd.Close()
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			_ = fd.Close()
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		_ = fd.Close()
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	f.lines = len(entries)
	return nil
}
