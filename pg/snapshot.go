package pg

import (
	"context"
	"fmt"
	log "log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datakeep/searchsync"
)

const currentXminSQL = "SELECT txid_snapshot_xmin(txid_current_snapshot());"

// Exported snapshot tokens look like "00000003-0000001B-1". Anything else is
// rejected before being spliced into SET TRANSACTION SNAPSHOT.
var snapshotTokenRE = regexp.MustCompile(`^[0-9A-Fa-f-]+$`)

// bindPollInterval is how often a lagging worker connection re-checks its
// xmin while waiting to catch up to the cycle watermark.
const bindPollInterval = 100 * time.Millisecond

// Store is the PostgreSQL implementation of searchsync.PrimaryStore. One
// Store serves one controller; the exported-snapshot transaction it holds
// between ExportSnapshot and ReleaseSnapshot is not shareable.
type Store struct {
	conn *Connection

	// BindTimeout bounds the worker-side wait for replica catch-up.
	BindTimeout time.Duration
	// SessionWatchdog bounds the lifetime of a bound snapshot session. The
	// guard rolls the doomed transaction back if a worker leaks its session.
	SessionWatchdog time.Duration

	snapMu   sync.Mutex
	snapTx   pgx.Tx
	snapConn *pgxpool.Conn
}

// NewStore returns a Store over the singleton connection. OpenConnection must
// have been called.
func NewStore() *Store {
	return &Store{
		conn:            connection,
		BindTimeout:     time.Minute,
		SessionWatchdog: 30 * time.Minute,
	}
}

// CurrentXmin begins a read-only transaction at the strongest isolation the
// server supports and returns the lowest still-in-progress transaction id.
// DEFERRABLE prevents query cancelling due to conflicts but requires
// SERIALIZABLE mode, which is not available in recovery.
func (s *Store) CurrentXmin(ctx context.Context, recovery bool) (int64, error) {
	opts := pgx.TxOptions{
		IsoLevel:       pgx.Serializable,
		AccessMode:     pgx.ReadOnly,
		DeferrableMode: pgx.Deferrable,
	}
	if recovery {
		opts = pgx.TxOptions{
			IsoLevel:   pgx.ReadCommitted,
			AccessMode: pgx.ReadOnly,
		}
	}
	tx, err := s.conn.Pool.BeginTx(ctx, opts)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var xmin int64
	if err := tx.QueryRow(ctx, currentXminSQL).Scan(&xmin); err != nil {
		return 0, err
	}
	return xmin, nil
}

// ExportSnapshot mints a transferable snapshot token from a fresh
// repeatable-read transaction and keeps that transaction open so the snapshot
// stays valid for the whole cycle. Call ReleaseSnapshot when the cycle ends.
func (s *Store) ExportSnapshot(ctx context.Context) (string, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.snapTx != nil {
		return "", searchsync.Errorf(searchsync.CycleFailed, "snapshot already exported; release it first")
	}

	conn, err := s.conn.Pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		conn.Release()
		return "", err
	}
	var token string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot();").Scan(&token); err != nil {
		tx.Rollback(ctx)
		conn.Release()
		return "", err
	}
	s.snapTx = tx
	s.snapConn = conn
	return token, nil
}

// ReleaseSnapshot rolls back the exporting transaction, invalidating the
// token. Safe to call when no snapshot is held.
func (s *Store) ReleaseSnapshot(ctx context.Context) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.snapTx == nil {
		return nil
	}
	err := s.snapTx.Rollback(ctx)
	s.snapConn.Release()
	s.snapTx = nil
	s.snapConn = nil
	return err
}

// BindSnapshot enters the exported snapshot on a private connection. The
// transaction is doomed: it only ever rolls back. The call blocks until the
// connection reports an xmin at least as large as the requested one, guarding
// against replicas that lag the primary at cycle start. An empty token binds
// a plain repeatable-read session (recovery fallback with weaker cross-worker
// consistency).
func (s *Store) BindSnapshot(ctx context.Context, token string, xmin int64) (searchsync.SnapshotSession, error) {
	if token != "" && !snapshotTokenRE.MatchString(token) {
		return nil, searchsync.Errorf(searchsync.CycleFailed, "malformed snapshot token %q", token)
	}

	conn, err := s.conn.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	deadline := searchsync.Now().Add(s.BindTimeout)
	for {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{
			IsoLevel:   pgx.RepeatableRead,
			AccessMode: pgx.ReadOnly,
		})
		if err != nil {
			conn.Release()
			return nil, err
		}
		if token != "" {
			if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s';", token)); err != nil {
				tx.Rollback(ctx)
				conn.Release()
				return nil, searchsync.Errorf(searchsync.CycleFailed, "set transaction snapshot: %v", err)
			}
		}
		var dbXmin int64
		if err := tx.QueryRow(ctx, currentXminSQL).Scan(&dbXmin); err != nil {
			tx.Rollback(ctx)
			conn.Release()
			return nil, err
		}
		if dbXmin >= xmin {
			return newSession(conn, tx, s.SessionWatchdog), nil
		}
		tx.Rollback(ctx)
		if searchsync.Now().After(deadline) {
			conn.Release()
			return nil, searchsync.Errorf(searchsync.CycleFailed,
				"snapshot bind timed out waiting for xmin %d (connection at %d)", xmin, dbXmin)
		}
		log.Info("waiting for xmin to catch up", "db_xmin", dbXmin, "xmin", xmin)
		searchsync.Sleep(ctx, bindPollInterval)
	}
}

type session struct {
	mu       sync.Mutex
	conn     *pgxpool.Conn
	tx       pgx.Tx
	watchdog *time.Timer
	released bool
}

func newSession(conn *pgxpool.Conn, tx pgx.Tx, watchdog time.Duration) *session {
	s := &session{conn: conn, tx: tx}
	if watchdog > 0 {
		s.watchdog = time.AfterFunc(watchdog, func() {
			log.Warn("snapshot session watchdog fired, rolling back")
			s.Release(context.Background())
		})
	}
	return s
}

// Release aborts the doomed transaction and returns the connection to the
// pool. Idempotent.
func (s *session) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	err := s.tx.Rollback(ctx)
	s.conn.Release()
	return err
}
