// Package state persists cycle progress, priority reindex requests, undone
// identifier sets, and follow-up hand-offs in the search store's meta index
// under well-known document ids. All reads and writes go through the search
// store; there is deliberately no second database.
package state

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/datakeep/searchsync"
)

// Well-known meta document ids.
const (
	DocIndexing = "indexing"
	DocReindex  = "reindex"
	DocNotify   = "notify"
)

// redactedMessage replaces error messages that could not be persisted with
// the final state; the originals go to the log.
const redactedMessage = "error during indexing, see the server log"

// PriorityRequest is a caller-submitted record naming UIDs (and optionally
// types) to force-reindex. Drained at the start of every cycle.
type PriorityRequest struct {
	Xmin  int64            `json:"xmin,omitempty"`
	UUIDs []searchsync.UID `json:"uuids"`
	Types []string         `json:"types,omitempty"`
}

// FollowupRecord is the staged hand-off one downstream indexer reads on its
// own schedule.
type FollowupRecord struct {
	Xmin  int64            `json:"xmin"`
	UUIDs []searchsync.UID `json:"uuids"`
}

// noticeRecord carries notification targets registered for cycle completion.
type noticeRecord struct {
	Targets []string `json:"targets"`
}

// Store is the cycle state store over the search store's meta index.
type Store struct {
	search    searchsync.SearchStore
	followups []string
}

// NewStore returns a Store persisting through search, staging hand-offs for
// the named follow-up indexers.
func NewStore(search searchsync.SearchStore, followups []string) *Store {
	return &Store{search: search, followups: followups}
}

// Followups lists the configured downstream indexer names.
func (s *Store) Followups() []string {
	return s.followups
}

// Load reads the last persisted cycle state, reporting whether one exists.
func (s *Store) Load(ctx context.Context) (*searchsync.CycleState, bool, error) {
	var st searchsync.CycleState
	found, err := s.search.GetMeta(ctx, DocIndexing, &st)
	if err != nil || !found {
		return nil, false, err
	}
	return &st, true, nil
}

// LastXmin returns the xmin of the last successfully finalized cycle, or nil
// when no cycle ever finalized. The meta document is the source of truth; an
// in-flight (crashed) cycle's xmin does not count.
func (s *Store) LastXmin(ctx context.Context) (*int64, error) {
	st, found, err := s.Load(ctx)
	if err != nil || !found {
		return nil, err
	}
	if st.Status == searchsync.StatusDone {
		x := st.Xmin
		return &x, nil
	}
	return st.LastXmin, nil
}

// PriorityCycle drains the externally submitted reindex request and merges in
// any UIDs a prior cycle left unconfirmed. restart reports that a previous
// cycle aborted mid-run; current policy is for the controller to discard the
// restart set and recompute from last_xmin.
func (s *Store) PriorityCycle(ctx context.Context) (xmin int64, uids []searchsync.UID, types []string, restart bool, err error) {
	xmin = -1

	var req PriorityRequest
	found, err := s.search.GetMeta(ctx, DocReindex, &req)
	if err != nil {
		return -1, nil, nil, false, err
	}
	if found {
		if req.Xmin > 0 {
			xmin = req.Xmin
		}
		uids = append(uids, req.UUIDs...)
		types = req.Types
		if derr := s.search.DeleteMeta(ctx, DocReindex); derr != nil {
			return -1, nil, nil, false, derr
		}
		log.Info("drained priority reindex request", "uuids", len(req.UUIDs), "types", types)
	}

	st, stFound, err := s.Load(ctx)
	if err != nil {
		return -1, nil, nil, false, err
	}
	if stFound && len(st.UndoneUUIDs) > 0 {
		// Unconfirmed UIDs from the prior cycle, whether it finalized after a
		// timeout or crashed mid-run.
		uids = append(uids, st.UndoneUUIDs...)
		if st.Status == searchsync.StatusIndexing {
			restart = true
			log.Warn("previous cycle did not finalize", "undone", len(st.UndoneUUIDs), "xmin", st.Xmin)
		} else {
			log.Info("merging undone uuids from prior cycle", "undone", len(st.UndoneUUIDs))
		}
	}

	return xmin, searchsync.DedupeUIDs(uids), types, restart, nil
}

// RequestReindex persists a priority request for the next cycle to drain.
func (s *Store) RequestReindex(ctx context.Context, req PriorityRequest) error {
	return s.search.PutMeta(ctx, DocReindex, req)
}

// StartCycle durably marks the cycle as in flight with its working set, so a
// crash leaves the unconfirmed UIDs recoverable as the next cycle's undone
// set.
func (s *Store) StartCycle(ctx context.Context, st *searchsync.CycleState, uids []searchsync.UID) error {
	st.Status = searchsync.StatusIndexing
	st.UndoneUUIDs = uids
	return s.search.PutMeta(ctx, DocIndexing, st)
}

// FinishCycle persists the finalized state. This is the only place the
// next cycle's last_xmin (this cycle's Xmin) becomes durable, and it runs
// only when no fatal error aborted the cycle. If the state cannot be
// persisted with its error list, the messages are redacted to a placeholder
// and logged instead.
func (s *Store) FinishCycle(ctx context.Context, st *searchsync.CycleState, errs []searchsync.IndexError) error {
	st.Status = searchsync.StatusDone
	st.Errors = errs

	err := s.search.PutMeta(ctx, DocIndexing, st)
	if err == nil || len(errs) == 0 {
		return err
	}

	log.Warn("could not persist cycle state with errors, redacting", "cause", err)
	redacted := make([]searchsync.IndexError, len(errs))
	for i, e := range errs {
		log.Error("indexing error", "uuid", e.UUID, "message", e.Message)
		redacted[i] = searchsync.IndexError{
			UUID:      e.UUID,
			Message:   redactedMessage,
			Timestamp: e.Timestamp,
		}
	}
	st.Errors = redacted
	if err := s.search.PutMeta(ctx, DocIndexing, st); err != nil {
		return searchsync.NewError(searchsync.CycleFailed, err)
	}
	return nil
}

// StageFollowup records (xmin, uids) under the follow-up indexer's state key.
// Invoked before the main run so a mid-run crash still leaves a consistent
// hand-off; the record is never read back in the same process.
func (s *Store) StageFollowup(ctx context.Context, name string, xmin int64, uids []searchsync.UID) error {
	return s.search.PutMeta(ctx, fmt.Sprintf("%s_indexing", name), FollowupRecord{
		Xmin:  xmin,
		UUIDs: uids,
	})
}

// StageAllFollowups stages the pre-run UID set for every configured follow-up.
func (s *Store) StageAllFollowups(ctx context.Context, xmin int64, uids []searchsync.UID) error {
	for _, name := range s.followups {
		if err := s.StageFollowup(ctx, name, xmin, uids); err != nil {
			return err
		}
	}
	return nil
}

// AddNotice registers a notification target to be delivered when the next
// cycle completes.
func (s *Store) AddNotice(ctx context.Context, target string) error {
	var rec noticeRecord
	if _, err := s.search.GetMeta(ctx, DocNotify, &rec); err != nil {
		return err
	}
	rec.Targets = append(rec.Targets, target)
	return s.search.PutMeta(ctx, DocNotify, rec)
}

// SendNotices drains registered notification targets. Delivery is a log
// line; wiring a real sink is the deployment's business.
func (s *Store) SendNotices(ctx context.Context) error {
	var rec noticeRecord
	found, err := s.search.GetMeta(ctx, DocNotify, &rec)
	if err != nil || !found {
		return err
	}
	for _, t := range rec.Targets {
		log.Info("indexing cycle complete", "notify", t)
	}
	return s.search.DeleteMeta(ctx, DocNotify)
}
