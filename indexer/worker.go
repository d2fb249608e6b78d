package indexer

import (
	"context"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/datakeep/searchsync"
	"github.com/datakeep/searchsync/queue"
)

// worker is one member of the fixed pool. It binds its store connection to
// the cycle's snapshot once at start, then pulls batches until the queue
// drains. Within one worker, per-UID processing is strictly sequential.
type worker struct {
	id       string
	handle   queue.Worker
	search   searchsync.SearchStore
	embedder searchsync.Embedder
	primary  searchsync.PrimaryStore

	xmin      int64
	token     string
	chunkSize int
	// batchSize is how many outcomes one report covers, accumulated across
	// chunk pulls. Non-positive means one report per chunk.
	batchSize int
	backoff   func() retry.Backoff
}

// run drains the queue. The returned count is how many UIDs this worker
// completed; a non-nil error is fatal (snapshot bind failure or a poisoned
// session) and aborts the cycle.
func (w *worker) run(ctx context.Context) ([]searchsync.UpdateInfo, int, error) {
	var infos []searchsync.UpdateInfo
	processed := 0

	if w.primary != nil {
		sess, err := w.primary.BindSnapshot(ctx, w.token, w.xmin)
		if err != nil {
			return nil, 0, err
		}
		defer sess.Release(ctx)
	}

	confirmed := 0
	var errs []searchsync.IndexError
	report := func() error {
		if confirmed == 0 && len(errs) == 0 {
			return nil
		}
		err := w.handle.Report(ctx, confirmed, errs)
		confirmed = 0
		errs = nil
		return err
	}

	for {
		if ctx.Err() != nil {
			if rerr := report(); rerr != nil {
				log.Warn("reporting before cancel failed", "worker", w.id, "cause", rerr)
			}
			return infos, processed, ctx.Err()
		}
		batch, err := w.handle.GetBatch(ctx, w.chunkSize)
		if err != nil {
			return infos, processed, err
		}
		if len(batch) == 0 {
			return infos, processed, report()
		}
		log.Debug("worker running batch", "worker", w.id, "uuids", len(batch))

		for _, uid := range batch {
			info, fatal := w.updateObject(ctx, uid)
			if fatal != nil {
				// The fatal UID stays unconfirmed and untouched so the next
				// cycle recovers it from the undone set.
				if rerr := report(); rerr != nil {
					log.Warn("reporting before abort failed", "worker", w.id, "cause", rerr)
				}
				return infos, processed, fatal
			}
			infos = append(infos, info)
			processed++
			if info.Error != nil {
				errs = append(errs, *info.Error)
			} else {
				confirmed++
			}
			if w.batchSize > 0 && confirmed+len(errs) >= w.batchSize {
				if rerr := report(); rerr != nil {
					return infos, processed, rerr
				}
			}
		}
		if w.batchSize <= 0 {
			if rerr := report(); rerr != nil {
				return infos, processed, rerr
			}
		}
	}
}

// updateObject processes one UID: render through the embed endpoint, then
// write to the search store with retry. Render and write failures are
// recorded in the UpdateInfo; only a poisoned database session is returned
// as a fatal error.
func (w *worker) updateObject(ctx context.Context, uid searchsync.UID) (searchsync.UpdateInfo, error) {
	info := searchsync.UpdateInfo{UUID: uid, Xmin: w.xmin}

	renderStart := searchsync.Now()
	doc, err := w.embedder.Embed(ctx, uid)
	info.RenderSeconds = searchsync.Now().Sub(renderStart).Seconds()
	if err != nil {
		if searchsync.CodeOf(err) == searchsync.StatementFailed {
			// Can't reconnect until the invalid transaction is rolled back.
			return info, err
		}
		log.Error("error rendering document", "uuid", uid, "cause", err)
		info.Error = newIndexError(uid, err)
		return info, nil
	}
	info.ItemType = doc.ItemType

	writeStart := searchsync.Now()
	var fatal error
	var lastErr error
	attempt := 0
	err = retry.Do(ctx, w.backoff(), func(ctx context.Context) error {
		attemptStart := searchsync.Now()
		werr := w.search.IndexDocument(ctx, uid, w.xmin, doc)
		bi := searchsync.BackoffInfo{
			Attempt: attempt,
			Seconds: searchsync.Now().Sub(attemptStart).Seconds(),
		}
		attempt++
		if werr != nil {
			bi.Error = werr.Error()
		}
		info.Backoffs = append(info.Backoffs, bi)

		switch searchsync.CodeOf(werr) {
		case searchsync.VersionConflict:
			// A later cycle already wrote a strictly newer version.
			log.Warn("conflict indexing, treating as done", "uuid", uid, "xmin", w.xmin)
			info.Conflict = true
			return nil
		case searchsync.TransientTransport:
			log.Warn("retryable error indexing", "uuid", uid, "cause", werr)
			lastErr = werr
			return retry.RetryableError(werr)
		case searchsync.StatementFailed:
			fatal = werr
			return werr
		default:
			if werr != nil {
				log.Error("error indexing", "uuid", uid, "cause", werr)
				lastErr = werr
			}
			return werr
		}
	})
	info.WriteSeconds = searchsync.Now().Sub(writeStart).Seconds()

	if fatal != nil {
		return info, fatal
	}
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		info.Error = newIndexError(uid, lastErr)
	}
	return info, nil
}

func newIndexError(uid searchsync.UID, err error) *searchsync.IndexError {
	return &searchsync.IndexError{
		UUID:      uid,
		Message:   err.Error(),
		Timestamp: searchsync.Now().UTC().Format(time.RFC3339),
	}
}
