package searchsync

import (
	"context"
	"time"
)

// UID is the opaque 36-character identifier naming a primary-store object.
type UID string

// MaxClauses is the boolean-clause ceiling of the search backend. An
// invalidation input set larger than this widens to a full reindex instead of
// issuing a query the backend would reject. Must track the backend's real
// configured limit.
const MaxClauses = 8192

// SearchMax caps the invalidation query result. More hits than this means the
// partial result would be unsafe, so the resolver widens to a full reindex.
const SearchMax = 99999

// TransactionRecord is one committed primary-store transaction, append-only
// from the pipeline's point of view.
type TransactionRecord struct {
	XID       int64     `json:"xid"`
	Timestamp time.Time `json:"timestamp"`
	// Updated lists UIDs whose content changed.
	Updated []UID `json:"updated"`
	// Renamed lists UIDs whose identifier-visible key changed.
	Renamed []UID `json:"renamed"`
}

// Document is the rendered, indexable representation of a UID as returned by
// the embed endpoint. Source carries the full renderable body; the typed
// fields are the ones invalidation and routing depend on.
type Document struct {
	ItemType      string `json:"item_type"`
	EmbeddedUUIDs []UID  `json:"embedded_uuids"`
	LinkedUUIDs   []UID  `json:"linked_uuids"`
	// Source is the complete document body, including the fields above.
	Source map[string]any `json:"-"`
}

// IndexError records one per-UID failure inside a cycle.
type IndexError struct {
	UUID      UID    `json:"uuid"`
	Message   string `json:"error_message"`
	Timestamp string `json:"timestamp"`
}

// WorkerRun records one batch run of a queue worker.
type WorkerRun struct {
	WorkerID string `json:"worker_id"`
	UUIDs    int    `json:"uuids"`
}

// CycleState is the durable record of one reindex cycle, persisted in the
// search store's meta index under the "indexing" document id. The Xmin of a
// finalized cycle becomes the next cycle's last_xmin.
type CycleState struct {
	Status            string       `json:"status"`
	Xmin              int64        `json:"xmin"`
	LastXmin          *int64       `json:"last_xmin,omitempty"`
	TxnCount          int          `json:"txn_count"`
	Invalidated       int          `json:"invalidated"`
	Referencing       int          `json:"referencing"`
	Updated           int          `json:"updated"`
	Renamed           int          `json:"renamed"`
	MaxXID            int64        `json:"max_xid"`
	FirstTxnTimestamp string       `json:"first_txn_timestamp,omitempty"`
	TxnLag            string       `json:"txn_lag,omitempty"`
	Types             []string     `json:"types,omitempty"`
	FullReindex       bool         `json:"full_reindex,omitempty"`
	Errors            []IndexError `json:"errors,omitempty"`
	WorkerRuns        []WorkerRun  `json:"worker_runs,omitempty"`
	// UndoneUUIDs holds the cycle's working set while Status is "indexing" so
	// that a crash leaves the unconfirmed UIDs recoverable by the next cycle.
	UndoneUUIDs []UID `json:"undone_uuids,omitempty"`
}

// Cycle status values.
const (
	StatusIndexing = "indexing"
	StatusDone     = "done"
	StatusError    = "error"
)

// BackoffInfo records one write attempt inside the worker's retry loop.
type BackoffInfo struct {
	Attempt int     `json:"attempt"`
	Seconds float64 `json:"seconds"`
	Error   string  `json:"error,omitempty"`
}

// UpdateInfo is the per-UID processing report a worker emits: render and write
// timings plus the final outcome. Used by the initial-indexing log.
type UpdateInfo struct {
	UUID          UID           `json:"uuid"`
	Xmin          int64         `json:"xmin"`
	ItemType      string        `json:"item_type,omitempty"`
	RenderSeconds float64       `json:"render_seconds"`
	WriteSeconds  float64       `json:"write_seconds"`
	Backoffs      []BackoffInfo `json:"backoffs,omitempty"`
	Error         *IndexError   `json:"error,omitempty"`
	// Conflict marks a version-conflict outcome, counted as success.
	Conflict bool `json:"conflict,omitempty"`
}

// SnapshotSession is a worker's binding to the cycle's exported snapshot. The
// underlying transaction is doomed: Release always rolls back. Release is safe
// to call more than once.
type SnapshotSession interface {
	Release(ctx context.Context) error
}

// PrimaryStore is the contract the transactional object store must satisfy:
// monotonic transaction ids, a transaction log scannable by xid, and snapshot
// export so workers can share one repeatable-read view.
type PrimaryStore interface {
	// CurrentXmin returns the lowest still-in-progress transaction id. In
	// recovery mode the read runs at read-committed because
	// serializable-deferrable is unavailable on a standby.
	CurrentXmin(ctx context.Context, recovery bool) (int64, error)
	// ExportSnapshot mints a transferable snapshot token. Minting creates a
	// new transaction id, so callers do it once per cycle and only when there
	// is actual work. The exporting transaction stays open until
	// ReleaseSnapshot.
	ExportSnapshot(ctx context.Context) (string, error)
	ReleaseSnapshot(ctx context.Context) error
	// BindSnapshot enters the exported snapshot on a private connection and
	// blocks until the connection's xmin has caught up to the requested one.
	// An empty token binds a plain repeatable-read session (recovery mode).
	BindSnapshot(ctx context.Context, token string, xmin int64) (SnapshotSession, error)
	// ScanTransactions returns all transaction records with xid >= lastXmin.
	ScanTransactions(ctx context.Context, lastXmin int64) ([]TransactionRecord, error)
	// AllUIDs returns every object identifier, optionally restricted to the
	// given item types. Feeds full reindexes.
	AllUIDs(ctx context.Context, types []string) ([]UID, error)
}

// SearchStore is the contract of the document search index: externally
// versioned writes, the back-reference invalidation query, meta documents for
// cycle state, and the refresh/synced-flush admin operations.
type SearchStore interface {
	// IndexDocument writes doc under its item type at id with external-version
	// semantics: the store rejects the write when version is older than the
	// stored one (reported as a VersionConflict coded error).
	IndexDocument(ctx context.Context, id UID, version int64, doc Document) error
	// SearchRelated returns ids of documents whose embedded_uuids intersect
	// updated or whose linked_uuids intersect renamed, plus the total hit
	// count (which may exceed the number of ids returned when capped by max).
	SearchRelated(ctx context.Context, updated, renamed []UID, max int) ([]UID, int64, error)
	GetMeta(ctx context.Context, id string, out any) (bool, error)
	PutMeta(ctx context.Context, id string, body any) error
	DeleteMeta(ctx context.Context, id string) error
	Refresh(ctx context.Context) error
	// FlushSynced is best effort; a conflict only means the index is still
	// being written and is ignored by callers.
	FlushSynced(ctx context.Context) error
}

// Embedder renders a UID into its indexable document form.
type Embedder interface {
	Embed(ctx context.Context, uid UID) (Document, error)
}

// Now lambda to allow unit tests to inject replayable time.Now.
var Now = time.Now
