package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/datakeep/searchsync"
)

const uidA = searchsync.UID("11111111-1111-1111-1111-111111111111")

func TestEmbedRendersDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+string(uidA)+"/@@index-data" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"item_type": "experiment",
			"embedded_uuids": ["22222222-2222-2222-2222-222222222222"],
			"linked_uuids": ["33333333-3333-3333-3333-333333333333"],
			"title": "test experiment"
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	doc, err := c.Embed(context.Background(), uidA)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ItemType != "experiment" {
		t.Errorf("got item type %q, want experiment", doc.ItemType)
	}
	want := []searchsync.UID{"22222222-2222-2222-2222-222222222222"}
	if diff := cmp.Diff(want, doc.EmbeddedUUIDs); diff != "" {
		t.Errorf("embedded uuids mismatch (-want +got):\n%s", diff)
	}
	if doc.Source["title"] != "test experiment" {
		t.Error("the full body must be preserved in Source")
	}
}

func TestEmbedFailureIsRenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "view raised", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Embed(context.Background(), uidA)
	if searchsync.CodeOf(err) != searchsync.RenderFailed {
		t.Errorf("got %v, want a render-failed error", err)
	}
}

func TestFromSourceRequiresItemType(t *testing.T) {
	_, err := FromSource(map[string]any{"title": "no type"})
	if err == nil {
		t.Error("a document without item_type must be rejected")
	}
}
