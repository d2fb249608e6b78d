// Package queue holds the invalidation set for one reindex cycle and hands
// batches to workers. Two backends exist: an always-available in-process FIFO
// and a Redis-backed queue for cross-process durability. The failover wrapper
// switches from the remote backend to the in-process one permanently on the
// first backend error, because a flapping remote backend would corrupt cycle
// accounting.
package queue

import (
	"context"

	"github.com/datakeep/searchsync"
)

// Server is the controller-side queue contract. Between a successful
// LoadUUIDs and CloseIndexing, IsIndexing reports true; this is also the
// at-most-one-cycle guard.
type Server interface {
	IsIndexing(ctx context.Context) (bool, error)
	// LoadUUIDs enqueues the cycle's working set and returns the count
	// actually accepted. A mismatch with len(uids) is fatal for the cycle.
	LoadUUIDs(ctx context.Context, uids []searchsync.UID) (int, error)
	GetWorker() Worker
	// PopErrors drains accumulated per-UID errors; each error is observed
	// exactly once.
	PopErrors(ctx context.Context) ([]searchsync.IndexError, error)
	CloseIndexing(ctx context.Context) error
}

// Worker is the worker-side queue handle.
type Worker interface {
	ID() string
	// GetBatch removes and returns up to max UIDs from the front of the
	// queue. An empty result means the queue is drained.
	GetBatch(ctx context.Context, max int) ([]searchsync.UID, error)
	// Report confirms successes and records errs for the worker's last batch.
	Report(ctx context.Context, successes int, errs []searchsync.IndexError) error
}
