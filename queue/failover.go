package queue

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/datakeep/searchsync"
)

// Failover serves from a remote backend until its first IsIndexing or
// LoadUUIDs failure, then switches to the in-process backup for the remainder
// of the process lifetime. The switch is one-way and intentional: a flapping
// remote backend would corrupt cycle accounting.
type Failover struct {
	mu       sync.Mutex
	active   Server
	backup   Server
	switched bool
}

// NewFailover wraps primary with backup. A nil backup disables failover.
func NewFailover(primary, backup Server) *Failover {
	return &Failover{active: primary, backup: backup}
}

// FailedOver reports whether the permanent switch has happened.
func (f *Failover) FailedOver() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.switched
}

// switchToBackup performs the permanent switch. Caller holds f.mu.
func (f *Failover) switchToBackup(cause error) bool {
	if f.switched || f.backup == nil {
		return false
	}
	log.Warn("queue backend failed, switching to in-process queue permanently", "cause", cause)
	f.active = f.backup
	f.backup = nil
	f.switched = true
	return true
}

func (f *Failover) server() Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// IsIndexing delegates to the active backend, failing over on backend error.
func (f *Failover) IsIndexing(ctx context.Context) (bool, error) {
	f.mu.Lock()
	srv := f.active
	f.mu.Unlock()
	indexing, err := srv.IsIndexing(ctx)
	if err != nil && searchsync.CodeOf(err) == searchsync.QueueBackendFailed {
		f.mu.Lock()
		ok := f.switchToBackup(err)
		srv = f.active
		f.mu.Unlock()
		if ok {
			return srv.IsIndexing(ctx)
		}
	}
	return indexing, err
}

// LoadUUIDs delegates to the active backend, failing over on backend error.
// AlreadyIndexing is a contract rejection, not a backend failure, and does
// not trigger the switch.
func (f *Failover) LoadUUIDs(ctx context.Context, uids []searchsync.UID) (int, error) {
	f.mu.Lock()
	srv := f.active
	f.mu.Unlock()
	n, err := srv.LoadUUIDs(ctx, uids)
	if err != nil && searchsync.CodeOf(err) == searchsync.QueueBackendFailed {
		f.mu.Lock()
		ok := f.switchToBackup(err)
		srv = f.active
		f.mu.Unlock()
		if ok {
			return srv.LoadUUIDs(ctx, uids)
		}
	}
	return n, err
}

// GetWorker returns a worker bound to the currently active backend. Workers
// are handed out after LoadUUIDs, so post-switch workers land on the backup.
func (f *Failover) GetWorker() Worker {
	return f.server().GetWorker()
}

// PopErrors delegates to the active backend.
func (f *Failover) PopErrors(ctx context.Context) ([]searchsync.IndexError, error) {
	return f.server().PopErrors(ctx)
}

// CloseIndexing delegates to the active backend.
func (f *Failover) CloseIndexing(ctx context.Context) error {
	return f.server().CloseIndexing(ctx)
}
