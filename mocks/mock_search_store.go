// Package mocks provides in-memory implementations of the store contracts
// for unit tests: a search store with external-version semantics, a primary
// store with a scripted transaction log, and an embedder serving canned
// documents.
package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/datakeep/searchsync"
)

// StoredDoc is one indexed document with its external version.
type StoredDoc struct {
	Version int64
	Doc     searchsync.Document
}

// SearchStore is an in-memory searchsync.SearchStore honoring
// external-version-gte write semantics.
type SearchStore struct {
	mu sync.Mutex

	// Docs maps item type -> id -> stored document.
	Docs map[string]map[searchsync.UID]StoredDoc
	// Meta maps well-known id -> raw document.
	Meta map[string]json.RawMessage

	RefreshCount int
	FlushCount   int

	// WriteErrs scripts per-UID error sequences for IndexDocument; each call
	// pops one entry until the slice is empty.
	WriteErrs map[searchsync.UID][]error
	// PutMetaErr, when set, intercepts PutMeta.
	PutMetaErr func(id string, body any) error
	// FlushErr is returned by FlushSynced when set.
	FlushErr error
}

// NewSearchStore returns an empty store.
func NewSearchStore() *SearchStore {
	return &SearchStore{
		Docs: map[string]map[searchsync.UID]StoredDoc{},
		Meta: map[string]json.RawMessage{},
	}
}

// Stored returns the stored document for id, if any.
func (s *SearchStore) Stored(id searchsync.UID) (StoredDoc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, byID := range s.Docs {
		if d, ok := byID[id]; ok {
			return d, true
		}
	}
	return StoredDoc{}, false
}

func (s *SearchStore) IndexDocument(ctx context.Context, id searchsync.UID, version int64, doc searchsync.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.WriteErrs[id]; len(errs) > 0 {
		err := errs[0]
		s.WriteErrs[id] = errs[1:]
		if err != nil {
			return err
		}
	}
	byID := s.Docs[doc.ItemType]
	if byID == nil {
		byID = map[searchsync.UID]StoredDoc{}
		s.Docs[doc.ItemType] = byID
	}
	if existing, ok := byID[id]; ok && existing.Version > version {
		return searchsync.Errorf(searchsync.VersionConflict,
			"version %d is older than stored %d for %s", version, existing.Version, id)
	}
	byID[id] = StoredDoc{Version: version, Doc: doc}
	return nil
}

func (s *SearchStore) SearchRelated(ctx context.Context, updated, renamed []searchsync.UID, max int) ([]searchsync.UID, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up := toSet(updated)
	rn := toSet(renamed)
	var hits []searchsync.UID
	for _, byID := range s.Docs {
		for id, d := range byID {
			if intersects(d.Doc.EmbeddedUUIDs, up) || intersects(d.Doc.LinkedUUIDs, rn) {
				hits = append(hits, id)
			}
		}
	}
	total := int64(len(hits))
	if max > 0 && len(hits) > max {
		hits = hits[:max]
	}
	return hits, total, nil
}

func (s *SearchStore) GetMeta(ctx context.Context, id string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.Meta[id]
	if !ok {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *SearchStore) PutMeta(ctx context.Context, id string, body any) error {
	if s.PutMetaErr != nil {
		if err := s.PutMetaErr(id, body); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Meta[id] = raw
	return nil
}

func (s *SearchStore) DeleteMeta(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Meta, id)
	return nil
}

func (s *SearchStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RefreshCount++
	return nil
}

func (s *SearchStore) FlushSynced(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCount++
	return s.FlushErr
}

func toSet(uids []searchsync.UID) map[searchsync.UID]struct{} {
	set := make(map[searchsync.UID]struct{}, len(uids))
	for _, u := range uids {
		set[u] = struct{}{}
	}
	return set
}

func intersects(uids []searchsync.UID, set map[searchsync.UID]struct{}) bool {
	for _, u := range uids {
		if _, ok := set[u]; ok {
			return true
		}
	}
	return false
}
