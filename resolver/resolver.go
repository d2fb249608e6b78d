// Package resolver maps committed primary-store transactions plus explicit
// reindex requests onto the set of documents that must be rebuilt, expanding
// transitively through the index's back-reference fields. Falling back to
// "reindex everything" at both the input-size ceiling and the result-size
// ceiling is a correctness safety valve: always sound, never silently
// partial.
package resolver

import (
	"context"
	log "log/slog"
	"time"

	"github.com/datakeep/searchsync"
)

// Resolver computes one cycle's invalidation set.
type Resolver struct {
	Primary searchsync.PrimaryStore
	Search  searchsync.SearchStore
	// MaxClauses is the search backend's boolean-clause ceiling.
	MaxClauses int
	// SearchMax caps the invalidation query result.
	SearchMax int
}

// New returns a Resolver with the default ceilings.
func New(primary searchsync.PrimaryStore, search searchsync.SearchStore) *Resolver {
	return &Resolver{
		Primary:    primary,
		Search:     search,
		MaxClauses: searchsync.MaxClauses,
		SearchMax:  searchsync.SearchMax,
	}
}

// Result is the resolver's output: the invalidation set plus the transaction
// accounting that ends up in the cycle state.
type Result struct {
	Invalidated []searchsync.UID
	FullReindex bool
	TxnCount    int
	MaxXID      int64
	Updated     int
	Renamed     int
	// Referencing counts documents invalidated only through back references.
	Referencing int
	// FirstTxn is the earliest scanned transaction timestamp; zero when no
	// transactions were scanned.
	FirstTxn time.Time
}

// Resolve computes the invalidation set for a cycle. A nil lastXmin (first
// ever cycle, or wiped state) forces a full reindex of the matching types.
// Priority UIDs are treated like updated content.
func (r *Resolver) Resolve(ctx context.Context, lastXmin *int64, priority []searchsync.UID, types []string) (Result, error) {
	if lastXmin == nil || len(types) > 0 {
		// First ever cycle, wiped state, or an explicit type filter: a type
		// filter always forces a full rescan of the matching types.
		uids, err := r.Primary.AllUIDs(ctx, types)
		if err != nil {
			return Result{}, err
		}
		log.Info("full reindex", "uuids", len(uids), "types", types)
		return Result{Invalidated: uids, FullReindex: true}, nil
	}

	txns, err := r.Primary.ScanTransactions(ctx, *lastXmin)
	if err != nil {
		return Result{}, err
	}

	res := Result{TxnCount: len(txns)}
	updated := make(map[searchsync.UID]struct{})
	renamed := make(map[searchsync.UID]struct{})
	for _, txn := range txns {
		if txn.XID > res.MaxXID {
			res.MaxXID = txn.XID
		}
		if res.FirstTxn.IsZero() || txn.Timestamp.Before(res.FirstTxn) {
			res.FirstTxn = txn.Timestamp
		}
		for _, u := range txn.Updated {
			updated[u] = struct{}{}
		}
		for _, u := range txn.Renamed {
			renamed[u] = struct{}{}
		}
	}
	// An explicit reindex request is treated like updated content.
	for _, u := range priority {
		updated[u] = struct{}{}
	}
	res.Updated = len(updated)
	res.Renamed = len(renamed)

	if len(updated) == 0 && len(renamed) == 0 {
		return res, nil
	}

	related, full, err := r.relatedUIDs(ctx, keys(updated), keys(renamed))
	if err != nil {
		return Result{}, err
	}
	if full {
		res.FullReindex = true
		res.Invalidated = related
		return res, nil
	}

	invalidated := make([]searchsync.UID, 0, len(related)+len(updated))
	seen := make(map[searchsync.UID]struct{}, len(related)+len(updated))
	for _, u := range related {
		if _, ok := updated[u]; !ok {
			res.Referencing++
		}
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			invalidated = append(invalidated, u)
		}
	}
	for u := range updated {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			invalidated = append(invalidated, u)
		}
	}
	res.Invalidated = invalidated
	return res, nil
}

// relatedUIDs returns either (related document ids, false) or
// (all UIDs, true) when a safety ceiling trips.
func (r *Resolver) relatedUIDs(ctx context.Context, updated, renamed []searchsync.UID) ([]searchsync.UID, bool, error) {
	if len(updated)+len(renamed) > r.MaxClauses {
		log.Warn("invalidation input exceeds clause ceiling, full reindex",
			"updated", len(updated), "renamed", len(renamed), "max_clauses", r.MaxClauses)
		uids, err := r.Primary.AllUIDs(ctx, nil)
		return uids, true, err
	}

	// Recently written documents must be visible to the back-reference query.
	if err := r.Search.Refresh(ctx); err != nil {
		return nil, false, err
	}
	hits, total, err := r.Search.SearchRelated(ctx, updated, renamed, r.SearchMax)
	if err != nil {
		return nil, false, err
	}
	if total > int64(r.SearchMax) {
		log.Warn("invalidation result exceeds search ceiling, full reindex",
			"total", total, "search_max", r.SearchMax)
		uids, err := r.Primary.AllUIDs(ctx, nil)
		return uids, true, err
	}
	return hits, false, nil
}

func keys(set map[searchsync.UID]struct{}) []searchsync.UID {
	out := make([]searchsync.UID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}
