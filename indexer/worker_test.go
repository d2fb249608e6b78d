package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/datakeep/searchsync"
	"github.com/datakeep/searchsync/mocks"
	"github.com/datakeep/searchsync/queue"
)

const (
	uidA = searchsync.UID("11111111-1111-1111-1111-111111111111")
	uidB = searchsync.UID("22222222-2222-2222-2222-222222222222")
	uidC = searchsync.UID("33333333-3333-3333-3333-333333333333")
)

// fastBackoff keeps the retry schedule but drops the waits.
func fastBackoff() retry.Backoff {
	return retry.WithMaxRetries(4, retry.NewConstant(time.Millisecond))
}

func newTestWorker(search *mocks.SearchStore, embedder *mocks.Embedder) *worker {
	return &worker{
		id:        "worker-test",
		search:    search,
		embedder:  embedder,
		xmin:      42,
		chunkSize: 2,
		backoff:   fastBackoff,
	}
}

func TestUpdateObjectRetriesTransientWrites(t *testing.T) {
	ctx := context.Background()
	search := mocks.NewSearchStore()
	search.WriteErrs = map[searchsync.UID][]error{
		uidA: {
			searchsync.Errorf(searchsync.TransientTransport, "connection reset"),
			searchsync.Errorf(searchsync.TransientTransport, "connection reset"),
		},
	}
	embedder := mocks.NewEmbedder()
	embedder.Add(uidA, "experiment", nil, nil)
	w := newTestWorker(search, embedder)

	info, fatal := w.updateObject(ctx, uidA)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if info.Error != nil {
		t.Errorf("expected success after retries, got %v", info.Error)
	}
	if len(info.Backoffs) != 3 {
		t.Errorf("got %d attempts, want 3", len(info.Backoffs))
	}
	stored, ok := search.Stored(uidA)
	if !ok || stored.Version != 42 {
		t.Errorf("got stored=%v version=%d, want the document at version 42", ok, stored.Version)
	}
}

func TestUpdateObjectConflictIsSuccess(t *testing.T) {
	ctx := context.Background()
	search := mocks.NewSearchStore()
	search.WriteErrs = map[searchsync.UID][]error{
		uidA: {searchsync.Errorf(searchsync.VersionConflict, "newer version stored")},
	}
	embedder := mocks.NewEmbedder()
	embedder.Add(uidA, "experiment", nil, nil)
	w := newTestWorker(search, embedder)

	info, fatal := w.updateObject(ctx, uidA)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if !info.Conflict {
		t.Error("a version conflict must be marked as a conflict outcome")
	}
	if info.Error != nil {
		t.Errorf("a version conflict is not an error, got %v", info.Error)
	}
	if len(info.Backoffs) != 1 {
		t.Errorf("got %d attempts, want 1 (no retry on conflict)", len(info.Backoffs))
	}
}

func TestUpdateObjectRecordsRenderFailure(t *testing.T) {
	ctx := context.Background()
	search := mocks.NewSearchStore()
	embedder := mocks.NewEmbedder()
	embedder.Errs[uidA] = searchsync.Errorf(searchsync.RenderFailed, "view raised")
	w := newTestWorker(search, embedder)

	info, fatal := w.updateObject(ctx, uidA)
	if fatal != nil {
		t.Fatalf("a render failure must not be fatal, got %v", fatal)
	}
	if info.Error == nil || info.Error.UUID != uidA {
		t.Errorf("got %+v, want a recorded error for the uid", info.Error)
	}
	if _, ok := search.Stored(uidA); ok {
		t.Error("nothing should be written for a failed render")
	}
}

func TestUpdateObjectStatementFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	search := mocks.NewSearchStore()
	embedder := mocks.NewEmbedder()
	embedder.Errs[uidA] = searchsync.Errorf(searchsync.StatementFailed, "current transaction is aborted")
	w := newTestWorker(search, embedder)

	_, fatal := w.updateObject(ctx, uidA)
	if searchsync.CodeOf(fatal) != searchsync.StatementFailed {
		t.Errorf("got %v, want the poisoned-session error to be fatal", fatal)
	}
}

func TestWorkerFatalLeavesUIDUnconfirmed(t *testing.T) {
	ctx := context.Background()
	search := mocks.NewSearchStore()
	embedder := mocks.NewEmbedder()
	embedder.Add(uidA, "experiment", nil, nil)
	embedder.Errs[uidB] = searchsync.Errorf(searchsync.StatementFailed, "current transaction is aborted")
	q := queue.NewMem(0)
	if _, err := q.LoadUUIDs(ctx, []searchsync.UID{uidA, uidB}); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(search, embedder)
	w.handle = q.GetWorker()
	infos, processed, err := w.run(ctx)
	if searchsync.CodeOf(err) != searchsync.StatementFailed {
		t.Fatalf("got %v, want the poisoned session to abort the worker", err)
	}
	if processed != 1 || len(infos) != 1 || infos[0].UUID != uidA {
		t.Errorf("got processed=%d infos=%v, want only the uid before the fatal one", processed, infos)
	}
	// The fatal uid is neither confirmed nor errored, so the queue still has
	// outstanding work and the uid stays recoverable.
	if indexing, _ := q.IsIndexing(ctx); !indexing {
		t.Error("the fatal uid must stay unconfirmed")
	}
}

// reportCounter wraps a queue worker and counts its reports.
type reportCounter struct {
	queue.Worker
	reports *int
}

func (c reportCounter) Report(ctx context.Context, successes int, errs []searchsync.IndexError) error {
	*c.reports++
	return c.Worker.Report(ctx, successes, errs)
}

func TestWorkerBatchSizeBoundsReporting(t *testing.T) {
	ctx := context.Background()
	search := mocks.NewSearchStore()
	embedder := mocks.NewEmbedder()
	uids := []searchsync.UID{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
		"44444444-4444-4444-4444-444444444444",
		"55555555-5555-5555-5555-555555555555",
	}
	for _, u := range uids {
		embedder.Add(u, "experiment", nil, nil)
	}
	q := queue.NewMem(0)
	if _, err := q.LoadUUIDs(ctx, uids); err != nil {
		t.Fatal(err)
	}

	reports := 0
	w := newTestWorker(search, embedder)
	w.chunkSize = 2
	w.batchSize = 3
	w.handle = reportCounter{Worker: q.GetWorker(), reports: &reports}
	_, processed, err := w.run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if processed != 5 {
		t.Fatalf("got processed=%d, want 5", processed)
	}
	// Outcomes accumulate across chunk pulls: one report at 3, one final
	// flush of the remaining 2.
	if reports != 2 {
		t.Errorf("got %d reports, want 2", reports)
	}
	if indexing, _ := q.IsIndexing(ctx); indexing {
		t.Error("queue should be fully confirmed after the run")
	}
}

func TestWorkerDrainsQueue(t *testing.T) {
	ctx := context.Background()
	search := mocks.NewSearchStore()
	embedder := mocks.NewEmbedder()
	uids := []searchsync.UID{uidA, uidB, uidC}
	for _, u := range uids {
		embedder.Add(u, "experiment", nil, nil)
	}
	q := queue.NewMem(0)
	if _, err := q.LoadUUIDs(ctx, uids); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(search, embedder)
	w.handle = q.GetWorker()
	infos, processed, err := w.run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if processed != 3 || len(infos) != 3 {
		t.Errorf("got processed=%d infos=%d, want 3 and 3", processed, len(infos))
	}
	if indexing, _ := q.IsIndexing(ctx); indexing {
		t.Error("queue should be fully confirmed after the run")
	}
}
