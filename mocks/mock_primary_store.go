package mocks

import (
	"context"
	"sync"

	"github.com/datakeep/searchsync"
)

// PrimaryStore is an in-memory searchsync.PrimaryStore with a scripted
// transaction log and a fixed resource listing.
type PrimaryStore struct {
	mu sync.Mutex

	// Xmin is returned by CurrentXmin.
	Xmin int64
	// Txns is the full transaction log; ScanTransactions filters on XID.
	Txns []searchsync.TransactionRecord
	// Resources maps item type -> resource ids, backing AllUIDs.
	Resources map[string][]searchsync.UID

	// Token is the snapshot token handed out by ExportSnapshot.
	Token string
	// ExportErr, when set, fails ExportSnapshot.
	ExportErr error
	// BindErr, when set, fails BindSnapshot.
	BindErr error

	Exports  int
	Releases int
	Binds    []string

	// ScanErr, when set, fails ScanTransactions.
	ScanErr error
}

// NewPrimaryStore returns an empty store with a default snapshot token.
func NewPrimaryStore() *PrimaryStore {
	return &PrimaryStore{
		Resources: map[string][]searchsync.UID{},
		Token:     "000003A1-1",
	}
}

func (p *PrimaryStore) CurrentXmin(ctx context.Context, recovery bool) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Xmin, nil
}

func (p *PrimaryStore) ExportSnapshot(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ExportErr != nil {
		return "", p.ExportErr
	}
	p.Exports++
	return p.Token, nil
}

func (p *PrimaryStore) ReleaseSnapshot(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Releases++
	return nil
}

func (p *PrimaryStore) BindSnapshot(ctx context.Context, token string, xmin int64) (searchsync.SnapshotSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BindErr != nil {
		return nil, p.BindErr
	}
	p.Binds = append(p.Binds, token)
	return nopSession{}, nil
}

func (p *PrimaryStore) ScanTransactions(ctx context.Context, lastXmin int64) ([]searchsync.TransactionRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScanErr != nil {
		return nil, p.ScanErr
	}
	var out []searchsync.TransactionRecord
	for _, txn := range p.Txns {
		if txn.XID >= lastXmin {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (p *PrimaryStore) AllUIDs(ctx context.Context, types []string) ([]searchsync.UID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	want := map[string]struct{}{}
	for _, t := range types {
		want[t] = struct{}{}
	}
	var out []searchsync.UID
	for t, uids := range p.Resources {
		if len(want) > 0 {
			if _, ok := want[t]; !ok {
				continue
			}
		}
		out = append(out, uids...)
	}
	return out, nil
}

type nopSession struct{}

func (nopSession) Release(ctx context.Context) error { return nil }
