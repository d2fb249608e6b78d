package queue

import (
	"context"
	"testing"

	"github.com/datakeep/searchsync"
)

// brokenServer fails every server operation with a backend error.
type brokenServer struct{}

func (brokenServer) IsIndexing(ctx context.Context) (bool, error) {
	return false, searchsync.Errorf(searchsync.QueueBackendFailed, "backend down")
}

func (brokenServer) LoadUUIDs(ctx context.Context, uids []searchsync.UID) (int, error) {
	return 0, searchsync.Errorf(searchsync.QueueBackendFailed, "backend down")
}

func (brokenServer) GetWorker() Worker { return nil }

func (brokenServer) PopErrors(ctx context.Context) ([]searchsync.IndexError, error) {
	return nil, searchsync.Errorf(searchsync.QueueBackendFailed, "backend down")
}

func (brokenServer) CloseIndexing(ctx context.Context) error {
	return searchsync.Errorf(searchsync.QueueBackendFailed, "backend down")
}

func TestFailoverSwitchesOnLoadFailure(t *testing.T) {
	ctx := context.Background()
	f := NewFailover(brokenServer{}, NewMem(0))

	n, err := f.LoadUUIDs(ctx, testUIDs)
	if err != nil {
		t.Fatalf("expected the load to succeed on the backup, got %v", err)
	}
	if n != len(testUIDs) {
		t.Errorf("loaded %d, want %d", n, len(testUIDs))
	}
	if !f.FailedOver() {
		t.Error("expected the permanent switch to have happened")
	}
	// The rest of the cycle runs on the backup.
	w := f.GetWorker()
	batch, err := w.GetBatch(ctx, len(testUIDs))
	if err != nil || len(batch) != len(testUIDs) {
		t.Errorf("got batch %v (%v), want the loaded set from the backup", batch, err)
	}
}

func TestFailoverSwitchesOnIsIndexingFailure(t *testing.T) {
	ctx := context.Background()
	f := NewFailover(brokenServer{}, NewMem(0))

	indexing, err := f.IsIndexing(ctx)
	if err != nil {
		t.Fatalf("expected the check to succeed on the backup, got %v", err)
	}
	if indexing {
		t.Error("fresh backup queue should not report indexing")
	}
	if !f.FailedOver() {
		t.Error("expected the permanent switch to have happened")
	}
}

func TestFailoverIgnoresContractRejections(t *testing.T) {
	ctx := context.Background()
	primary := NewMem(0)
	f := NewFailover(primary, NewMem(0))

	if _, err := f.LoadUUIDs(ctx, testUIDs); err != nil {
		t.Fatal(err)
	}
	// A second load is rejected by the active backend's contract; that must
	// not trigger the switch.
	_, err := f.LoadUUIDs(ctx, testUIDs)
	if searchsync.CodeOf(err) != searchsync.AlreadyIndexing {
		t.Fatalf("got %v, want an already-indexing rejection", err)
	}
	if f.FailedOver() {
		t.Error("a contract rejection must not trigger failover")
	}
}
