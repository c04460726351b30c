package jsdo

import (
	"sync"
	"time"

	"github.com/maruel/ksid"
)

// operation is one row request of a save.
type operation struct {
	table *Table
	kind  ChangeKind
	// clientID is the row id when the save started; id is its id afterwards.
	clientID string
	id       string

	body    []byte
	resp    []byte
	err     error
	elapsed time.Duration

	done    bool
	success bool
	message string
	status  int
}

// batch tracks the operations of one save. The completion callback runs
// exactly once, when the last operation is marked done.
type batch struct {
	id  ksid.ID
	ops []*operation

	mu       sync.Mutex
	fired    bool
	complete func()
}

func newBatch(complete func()) *batch {
	return &batch{id: ksid.NewID(), complete: complete}
}

func (b *batch) add(t *Table, kind ChangeKind, id string) *operation {
	op := &operation{table: t, kind: kind, clientID: id, id: id}
	b.ops = append(b.ops, op)
	return op
}

// finish marks op done and fires the completion callback if every operation
// is done. nil op only checks completion, for empty batches.
func (b *batch) finish(op *operation) {
	b.mu.Lock()
	if op != nil {
		op.done = true
	}
	fire := !b.fired && b.allDoneLocked()
	if fire {
		b.fired = true
	}
	b.mu.Unlock()
	if fire {
		b.complete()
	}
}

func (b *batch) allDoneLocked() bool {
	for _, op := range b.ops {
		if !op.done {
			return false
		}
	}
	return true
}

func (b *batch) isComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fired
}
