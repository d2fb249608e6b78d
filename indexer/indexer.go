// Package indexer orchestrates one reindex cycle: resolve the invalidation
// set, pin a database snapshot, load the work queue, run the worker pool,
// finalize cycle state, and hand off to follow-up indexers. Cycles are
// strictly serial; ordering of UIDs within a cycle is unspecified and per-UID
// outcomes must not depend on it.
package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/datakeep/searchsync"
	"github.com/datakeep/searchsync/queue"
	"github.com/datakeep/searchsync/resolver"
	"github.com/datakeep/searchsync/state"
)

// maxRunErrors breaks the run loop when a cycle accumulates this many per-UID
// errors; whatever is left lands in the undone set.
const maxRunErrors = 10000

// drainPollInterval is how often the controller polls the queue for errors
// while workers run. Variable so tests can tighten it.
var drainPollInterval = 100 * time.Millisecond

// TriggerRequest is the body of the trigger endpoint. The request blocks for
// the cycle duration.
type TriggerRequest struct {
	Record   bool     `json:"record"`
	DryRun   bool     `json:"dry_run"`
	Recovery bool     `json:"recovery"`
	LastXmin *int64   `json:"last_xmin,omitempty"`
	Types    []string `json:"types,omitempty"`
}

// Indexer owns the queue, the worker pool, and the cycle state machine.
type Indexer struct {
	opts     searchsync.Options
	primary  searchsync.PrimaryStore
	search   searchsync.SearchStore
	embedder searchsync.Embedder
	state    *state.Store
	queue    queue.Server
	resolver *resolver.Resolver

	// backoff builds the per-write retry schedule. Swapped in tests.
	backoff func() retry.Backoff

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New wires an Indexer from its collaborators. The queue backend is selected
// once here; the only later change is the documented one-way failover to the
// in-process backend.
func New(opts searchsync.Options, primary searchsync.PrimaryStore, search searchsync.SearchStore,
	embedder searchsync.Embedder, st *state.Store) *Indexer {
	opts.ApplyDefaults()

	var q queue.Server
	switch opts.Queue.Type {
	case searchsync.QueueTypeRedis:
		q = queue.NewFailover(
			queue.NewRedis(opts.Queue.Redis, opts.Queue.Name, opts.Queue.GetSize),
			queue.NewMem(opts.Queue.GetSize),
		)
	default:
		q = queue.NewMem(opts.Queue.GetSize)
	}
	log.Info("primary indexer queue type", "queue_type", opts.Queue.Type)

	r := resolver.New(primary, search)
	r.MaxClauses = opts.MaxClauses
	r.SearchMax = opts.SearchMax

	return &Indexer{
		opts:     opts,
		primary:  primary,
		search:   search,
		embedder: embedder,
		state:    st,
		queue:    q,
		resolver: r,
		backoff:  searchsync.WriteBackoff,
	}
}

// Queue exposes the queue server, mainly for tests and health checks.
func (i *Indexer) Queue() queue.Server {
	return i.queue
}

// Shutdown terminates a running cycle ungracefully. Mid-flight UIDs land in
// the next cycle's undone set.
func (i *Indexer) Shutdown() {
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunCycle performs one reindex cycle and returns the final cycle state. On
// a cycle-level error the state is returned alongside the error and
// last_xmin does not advance.
func (i *Indexer) RunCycle(ctx context.Context, req TriggerRequest) (*searchsync.CycleState, error) {
	if !i.opts.Queue.Server {
		return nil, searchsync.Errorf(searchsync.CycleFailed,
			"queue server role is disabled in this process")
	}

	i.mu.Lock()
	if i.cancel != nil {
		i.mu.Unlock()
		return nil, searchsync.Errorf(searchsync.AlreadyIndexing, "a cycle is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.mu.Unlock()
	defer func() {
		cancel()
		i.mu.Lock()
		i.cancel = nil
		i.mu.Unlock()
	}()

	st := &searchsync.CycleState{Xmin: -1}

	// RESOLVE: drain priority requests and undone UIDs first.
	pXmin, priorityUIDs, pTypes, restart, err := i.state.PriorityCycle(ctx)
	if err != nil {
		return st, searchsync.NewError(searchsync.CycleFailed, err)
	}
	if restart {
		// A previous cycle aborted mid-run. Policy: discard the restart set
		// and recompute from last_xmin.
		log.Warn("discarding restart set, recomputing from last_xmin", "discarded", len(priorityUIDs))
		pXmin = -1
		priorityUIDs = nil
	}

	xmin := pXmin
	invalidated := priorityUIDs
	var lastXmin *int64
	if xmin == -1 || len(invalidated) == 0 {
		xmin, err = i.primary.CurrentXmin(ctx, req.Recovery)
		if err != nil {
			return st, searchsync.NewError(searchsync.CycleFailed, err)
		}
		if req.LastXmin != nil {
			lastXmin = req.LastXmin
		} else if lastXmin, err = i.state.LastXmin(ctx); err != nil {
			return st, searchsync.NewError(searchsync.CycleFailed, err)
		}
	}
	st.Xmin = xmin
	st.LastXmin = lastXmin

	types := req.Types
	if len(types) == 0 {
		types = pTypes
	}
	st.Types = types

	flush := false
	var firstTxn time.Time
	if pXmin != -1 && len(invalidated) > 0 {
		// The request pinned its own xmin; its UID set is the working set
		// as-is, no resolution.
	} else if len(invalidated) > i.opts.SearchMax {
		// Priority cycle already set up a full-size working set.
		flush = true
		st.FullReindex = true
	} else {
		res, rerr := i.resolver.Resolve(ctx, lastXmin, invalidated, types)
		if rerr != nil {
			return st, searchsync.NewError(searchsync.CycleFailed, rerr)
		}
		st.TxnCount = res.TxnCount
		st.MaxXID = res.MaxXID
		st.Updated = res.Updated
		st.Renamed = res.Renamed
		st.Referencing = res.Referencing
		st.FullReindex = res.FullReindex
		firstTxn = res.FirstTxn
		if !firstTxn.IsZero() {
			st.FirstTxnTimestamp = firstTxn.UTC().Format(time.RFC3339)
		}
		invalidated = res.Invalidated
		flush = res.FullReindex

		if res.TxnCount == 0 && len(invalidated) == 0 {
			// Nothing happened since last cycle: no snapshot is exported.
			st.Invalidated = 0
			if nerr := i.state.SendNotices(ctx); nerr != nil {
				log.Warn("send notices failed", "cause", nerr)
			}
			return st, nil
		}
	}
	st.Invalidated = len(invalidated)

	if len(invalidated) == 0 || req.DryRun {
		if nerr := i.state.SendNotices(ctx); nerr != nil {
			log.Warn("send notices failed", "cause", nerr)
		}
		return st, nil
	}

	// SNAPSHOT: exporting mints a new transaction id, so only do it when
	// there is actual work. Not possible on a standby server.
	var token string
	if !req.Recovery {
		token, err = i.primary.ExportSnapshot(ctx)
		if err != nil {
			return st, searchsync.NewError(searchsync.CycleFailed, err)
		}
		defer i.primary.ReleaseSnapshot(context.WithoutCancel(ctx))
	}

	// LOAD: stage follow-up hand-offs before the run, so a mid-run crash
	// still leaves a consistent hand-off. Undone UIDs are already merged in.
	if err := i.state.StageAllFollowups(ctx, xmin, invalidated); err != nil {
		return st, searchsync.NewError(searchsync.CycleFailed, err)
	}
	if err := i.state.StartCycle(ctx, st, invalidated); err != nil {
		return st, searchsync.NewError(searchsync.CycleFailed, err)
	}

	// RUN.
	infos, errs, undone, runMsg, runErr := i.serveObjects(ctx, invalidated, xmin, token, st)
	if runErr != nil {
		// Worker-fatal or queue-fatal: abort without finalizing so last_xmin
		// does not advance; the working set stays recoverable as undone.
		st.Status = searchsync.StatusError
		return st, runErr
	}
	if runMsg != "" {
		log.Warn("indexing run ended early", "cause", runMsg)
	}

	// FINALIZE: anything not touched this run becomes the undone set.
	st.UndoneUUIDs = undone
	if !req.Record {
		st.WorkerRuns = nil
	}
	if err := i.state.FinishCycle(ctx, st, errs); err != nil {
		return st, searchsync.NewError(searchsync.CycleFailed, err)
	}
	if err := i.search.Refresh(ctx); err != nil {
		log.Warn("refresh after cycle failed", "cause", err)
	}
	if flush {
		// Best effort; a conflict only means the index is still being written.
		if err := i.search.FlushSynced(ctx); err != nil && searchsync.CodeOf(err) != searchsync.VersionConflict {
			log.Warn("synced flush failed", "cause", err)
		}
	}
	if !firstTxn.IsZero() {
		st.TxnLag = searchsync.Now().UTC().Sub(firstTxn.UTC()).String()
	}

	// NOTIFY.
	if err := i.state.SendNotices(ctx); err != nil {
		log.Warn("send notices failed", "cause", err)
	}
	i.writeInitialLog(infos)
	return st, nil
}

// serveObjects loads the queue and runs the worker pool until the queue
// drains, the error ceiling trips, or the run times out. The returned undone
// set holds the UIDs this run never touched; runMsg describes a non-fatal
// early exit; a non-nil error aborts the cycle.
func (i *Indexer) serveObjects(ctx context.Context, uids []searchsync.UID, xmin int64, token string,
	st *searchsync.CycleState) ([]searchsync.UpdateInfo, []searchsync.IndexError, []searchsync.UID, string, error) {

	indexing, err := i.queue.IsIndexing(ctx)
	if err != nil {
		return nil, nil, nil, "", searchsync.Errorf(searchsync.CycleFailed, "cannot initialize indexing: %v", err)
	}
	if indexing {
		return nil, nil, nil, "", searchsync.Errorf(searchsync.AlreadyIndexing, "cannot initialize indexing: already indexing")
	}

	working := uids
	if i.opts.ShortUUIDs > 0 && len(working) > i.opts.ShortUUIDs {
		log.Warn("shorting uuids", "from", len(working), "to", i.opts.ShortUUIDs)
		working = working[:i.opts.ShortUUIDs]
		st.Invalidated = len(working)
	}

	loaded, err := i.queue.LoadUUIDs(ctx, working)
	if err != nil {
		return nil, nil, nil, "", searchsync.Errorf(searchsync.CycleFailed, "queue load failed: %v", err)
	}
	if loaded != len(working) {
		return nil, nil, nil, "", searchsync.Errorf(searchsync.CycleFailed,
			"queue accepted %d of %d uuids", loaded, len(working))
	}

	if !i.opts.Queue.Worker {
		return i.waitRemoteWorkers(ctx, uids)
	}

	var (
		infoMu sync.Mutex
		infos  []searchsync.UpdateInfo
	)
	eg, egctx := errgroup.WithContext(ctx)
	for n := 0; n < i.opts.Processes; n++ {
		w := &worker{
			id:        fmt.Sprintf("worker-%d", n+1),
			handle:    i.queue.GetWorker(),
			search:    i.search,
			embedder:  i.embedder,
			primary:   i.primary,
			xmin:      xmin,
			token:     token,
			chunkSize: i.opts.Queue.ChunkSize,
			batchSize: i.opts.Queue.BatchSize,
			backoff:   i.backoff,
		}
		eg.Go(func() error {
			winfos, processed, werr := w.run(egctx)
			infoMu.Lock()
			infos = append(infos, winfos...)
			st.WorkerRuns = append(st.WorkerRuns, searchsync.WorkerRun{WorkerID: w.id, UUIDs: processed})
			infoMu.Unlock()
			return werr
		})
	}
	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()

	start := searchsync.Now()
	var errs []searchsync.IndexError
	var runMsg string
	var fatal error
drain:
	for {
		batch, perr := i.queue.PopErrors(ctx)
		if perr != nil {
			log.Warn("popping queue errors failed", "cause", perr)
		}
		errs = append(errs, batch...)

		if len(errs) > maxRunErrors {
			runMsg = fmt.Sprintf("excessive error count (%d), stopping run", len(errs))
		} else if terr := searchsync.TimedOut(ctx, "indexing run", start, i.opts.RunTimeout); terr != nil {
			runMsg = terr.Error()
		}
		if runMsg != "" {
			// Empty the queue so workers finish their current batch and exit.
			i.queue.CloseIndexing(ctx)
			fatal = <-done
			break drain
		}

		select {
		case fatal = <-done:
			break drain
		case <-time.After(drainPollInterval):
		}
	}

	// Drain remaining errors before the close wipes the backend's keys.
	if batch, perr := i.queue.PopErrors(ctx); perr == nil {
		errs = append(errs, batch...)
	}
	i.queue.CloseIndexing(ctx)

	// A poisoned session aborts the cycle even when the run also timed out or
	// hit the error ceiling; finalizing would advance last_xmin past the
	// failed UID.
	if fatal != nil {
		return infos, errs, nil, "", fatal
	}
	return infos, errs, leftover(uids, infos), runMsg, nil
}

// waitRemoteWorkers polls the shared queue until workers in other processes
// drain it. Per-UID attribution is unavailable in this mode, so a non-fatal
// early exit marks the whole cycle set undone rather than guessing.
func (i *Indexer) waitRemoteWorkers(ctx context.Context, uids []searchsync.UID) ([]searchsync.UpdateInfo, []searchsync.IndexError, []searchsync.UID, string, error) {
	start := searchsync.Now()
	var errs []searchsync.IndexError
	var runMsg string
	for {
		batch, perr := i.queue.PopErrors(ctx)
		if perr != nil {
			log.Warn("popping queue errors failed", "cause", perr)
		}
		errs = append(errs, batch...)

		indexing, qerr := i.queue.IsIndexing(ctx)
		if qerr != nil {
			return nil, errs, nil, "", searchsync.Errorf(searchsync.CycleFailed, "queue poll failed: %v", qerr)
		}
		if !indexing {
			break
		}
		if len(errs) > maxRunErrors {
			runMsg = fmt.Sprintf("excessive error count (%d), stopping run", len(errs))
		} else if terr := searchsync.TimedOut(ctx, "indexing run", start, i.opts.RunTimeout); terr != nil {
			runMsg = terr.Error()
		}
		if runMsg != "" {
			break
		}
		searchsync.Sleep(ctx, drainPollInterval)
	}

	if batch, perr := i.queue.PopErrors(ctx); perr == nil {
		errs = append(errs, batch...)
	}
	i.queue.CloseIndexing(ctx)

	var undone []searchsync.UID
	if runMsg != "" {
		undone = uids
	}
	return nil, errs, undone, runMsg, nil
}

// leftover returns the UIDs of the working set no worker touched.
func leftover(uids []searchsync.UID, infos []searchsync.UpdateInfo) []searchsync.UID {
	touched := make(map[searchsync.UID]struct{}, len(infos))
	for _, info := range infos {
		touched[info.UUID] = struct{}{}
	}
	var rest []searchsync.UID
	for _, u := range uids {
		if _, ok := touched[u]; !ok {
			rest = append(rest, u)
		}
	}
	return rest
}

// writeInitialLog writes one JSON line per processed UID to the configured
// path, only while the file does not exist yet. A crash here must not affect
// the cycle result, so every failure is just logged.
func (i *Indexer) writeInitialLog(infos []searchsync.UpdateInfo) {
	if i.opts.InitialLogPath == "" || len(infos) == 0 {
		return
	}
	if _, err := os.Stat(i.opts.InitialLogPath); err == nil {
		return
	}
	f, err := os.Create(i.opts.InitialLogPath)
	if err != nil {
		log.Warn("cannot create initial indexing log", "path", i.opts.InitialLogPath, "cause", err)
		return
	}
	defer f.Close()
	log.Warn("logging indexing data", "path", i.opts.InitialLogPath)
	bw := bufio.NewWriter(f)
	count := 0
	for _, info := range infos {
		line, err := json.Marshal(info)
		if err != nil {
			continue
		}
		bw.Write(line)
		bw.WriteByte('\n')
		count++
	}
	bw.Flush()
	log.Warn("logged uuids, one per line", "count", count)
}
