package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/datakeep/searchsync"
)

// Mem is the guaranteed in-process queue backend: a bounded FIFO shared
// between controller and workers.
type Mem struct {
	mu        sync.Mutex
	pending   []searchsync.UID
	loaded    int
	confirmed int
	errored   int
	errs      []searchsync.IndexError
	workerSeq int
	// maxSize bounds one cycle's load (queue_worker_get_size).
	maxSize int
}

// NewMem returns an in-process queue accepting at most maxSize UIDs per
// cycle.
func NewMem(maxSize int) *Mem {
	return &Mem{maxSize: maxSize}
}

// IsIndexing reports whether a cycle still has unconfirmed work.
func (m *Mem) IsIndexing(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding(), nil
}

func (m *Mem) outstanding() bool {
	return len(m.pending) > 0 || m.confirmed+m.errored < m.loaded
}

// LoadUUIDs enqueues the cycle's working set. Loading while a cycle is still
// outstanding is rejected: at most one cycle is active at any time.
func (m *Mem) LoadUUIDs(ctx context.Context, uids []searchsync.UID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding() {
		return 0, searchsync.Errorf(searchsync.AlreadyIndexing, "queue already holds an active cycle")
	}
	if m.maxSize > 0 && len(uids) > m.maxSize {
		uids = uids[:m.maxSize]
	}
	m.pending = append([]searchsync.UID(nil), uids...)
	m.loaded = len(m.pending)
	m.confirmed = 0
	m.errored = 0
	m.errs = nil
	return m.loaded, nil
}

// GetWorker returns a new worker handle over this queue.
func (m *Mem) GetWorker() Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerSeq++
	return &memWorker{q: m, id: fmt.Sprintf("mem-%d", m.workerSeq)}
}

// PopErrors drains the accumulated per-UID errors.
func (m *Mem) PopErrors(ctx context.Context) ([]searchsync.IndexError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.errs
	m.errs = nil
	return errs, nil
}

// CloseIndexing ends the cycle and resets accounting.
func (m *Mem) CloseIndexing(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.loaded = 0
	m.confirmed = 0
	m.errored = 0
	return nil
}

type memWorker struct {
	q  *Mem
	id string
}

func (w *memWorker) ID() string { return w.id }

func (w *memWorker) GetBatch(ctx context.Context, max int) ([]searchsync.UID, error) {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()
	if max <= 0 || max > len(w.q.pending) {
		max = len(w.q.pending)
	}
	batch := w.q.pending[:max]
	w.q.pending = w.q.pending[max:]
	return batch, nil
}

func (w *memWorker) Report(ctx context.Context, successes int, errs []searchsync.IndexError) error {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()
	w.q.confirmed += successes
	w.q.errored += len(errs)
	w.q.errs = append(w.q.errs, errs...)
	return nil
}
