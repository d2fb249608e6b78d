package mocks

import (
	"context"
	"sync"

	"github.com/datakeep/searchsync"
)

// Embedder serves canned documents keyed by UID, with optional per-UID
// render errors.
type Embedder struct {
	mu sync.Mutex

	// Docs maps uid -> rendered document.
	Docs map[searchsync.UID]searchsync.Document
	// Errs maps uid -> error returned instead of a document.
	Errs map[searchsync.UID]error

	Calls []searchsync.UID
}

// NewEmbedder returns an Embedder with no documents.
func NewEmbedder() *Embedder {
	return &Embedder{
		Docs: map[searchsync.UID]searchsync.Document{},
		Errs: map[searchsync.UID]error{},
	}
}

// Add registers a document for uid with the given type and reference lists.
func (e *Embedder) Add(uid searchsync.UID, itemType string, embedded, linked []searchsync.UID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Docs[uid] = searchsync.Document{
		ItemType:      itemType,
		EmbeddedUUIDs: embedded,
		LinkedUUIDs:   linked,
		Source:        map[string]any{"uuid": string(uid), "item_type": itemType},
	}
}

func (e *Embedder) Embed(ctx context.Context, uid searchsync.UID) (searchsync.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, uid)
	if err, ok := e.Errs[uid]; ok {
		return searchsync.Document{}, err
	}
	doc, ok := e.Docs[uid]
	if !ok {
		return searchsync.Document{}, searchsync.Errorf(searchsync.RenderFailed, "no document for %s", uid)
	}
	return doc, nil
}
