package queue

import (
	"context"
	"testing"

	"github.com/datakeep/searchsync"
)

var testUIDs = []searchsync.UID{
	"11111111-1111-1111-1111-111111111111",
	"22222222-2222-2222-2222-222222222222",
	"33333333-3333-3333-3333-333333333333",
	"44444444-4444-4444-4444-444444444444",
	"55555555-5555-5555-5555-555555555555",
}

func TestMemLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMem(0)

	n, err := q.LoadUUIDs(ctx, testUIDs)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(testUIDs) {
		t.Fatalf("loaded %d, want %d", n, len(testUIDs))
	}
	if indexing, _ := q.IsIndexing(ctx); !indexing {
		t.Error("queue with pending work should report indexing")
	}

	w := q.GetWorker()
	batch, err := w.GetBatch(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 {
		t.Fatalf("got batch of %d, want 3", len(batch))
	}
	ierr := searchsync.IndexError{UUID: batch[2], Message: "boom"}
	if err := w.Report(ctx, 2, []searchsync.IndexError{ierr}); err != nil {
		t.Fatal(err)
	}
	if indexing, _ := q.IsIndexing(ctx); !indexing {
		t.Error("queue should still be indexing with work outstanding")
	}

	batch, err = w.GetBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("got batch of %d, want the remaining 2", len(batch))
	}
	if err := w.Report(ctx, 2, nil); err != nil {
		t.Fatal(err)
	}
	if indexing, _ := q.IsIndexing(ctx); indexing {
		t.Error("fully confirmed queue should not report indexing")
	}

	errs, err := q.PopErrors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].Message != "boom" {
		t.Errorf("got errors %v, want the one reported error", errs)
	}
	errs, _ = q.PopErrors(ctx)
	if len(errs) != 0 {
		t.Error("errors must drain exactly once")
	}
}

func TestMemRejectsOverlappingLoad(t *testing.T) {
	ctx := context.Background()
	q := NewMem(0)
	if _, err := q.LoadUUIDs(ctx, testUIDs); err != nil {
		t.Fatal(err)
	}
	_, err := q.LoadUUIDs(ctx, testUIDs)
	if searchsync.CodeOf(err) != searchsync.AlreadyIndexing {
		t.Errorf("got %v, want an already-indexing rejection", err)
	}
}

func TestMemTruncatesToMaxSize(t *testing.T) {
	ctx := context.Background()
	q := NewMem(2)
	n, err := q.LoadUUIDs(ctx, testUIDs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("loaded %d, want the max size 2", n)
	}
}

func TestMemErrorsSurviveClose(t *testing.T) {
	ctx := context.Background()
	q := NewMem(0)
	q.LoadUUIDs(ctx, testUIDs[:1])
	w := q.GetWorker()
	w.GetBatch(ctx, 1)
	w.Report(ctx, 0, []searchsync.IndexError{{UUID: testUIDs[0], Message: "boom"}})

	if err := q.CloseIndexing(ctx); err != nil {
		t.Fatal(err)
	}
	if indexing, _ := q.IsIndexing(ctx); indexing {
		t.Error("closed queue should not report indexing")
	}
	errs, err := q.PopErrors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Errorf("got %d errors after close, want 1", len(errs))
	}
}
