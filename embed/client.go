// Package embed calls the embed endpoint that renders an object into its
// indexable document form.
package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/datakeep/searchsync"
)

// Client renders UIDs through the HTTP-local endpoint
// /<uid>/@@index-data. Failures are render errors: recorded per UID, never
// fatal to the cycle.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client for the embed host at base
// (e.g. http://localhost:6543).
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// Embed renders uid and extracts the fields invalidation depends on. The full
// body is preserved for indexing.
func (c *Client) Embed(ctx context.Context, uid searchsync.UID) (searchsync.Document, error) {
	url := fmt.Sprintf("%s/%s/@@index-data", c.base, uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return searchsync.Document{}, searchsync.NewError(searchsync.RenderFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return searchsync.Document{}, searchsync.Errorf(searchsync.RenderFailed, "render %s: %v", uid, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return searchsync.Document{}, searchsync.Errorf(searchsync.RenderFailed,
			"render %s: status %d: %s", uid, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var source map[string]any
	if err := json.NewDecoder(res.Body).Decode(&source); err != nil {
		return searchsync.Document{}, searchsync.Errorf(searchsync.RenderFailed, "render %s: decode: %v", uid, err)
	}
	doc, err := FromSource(source)
	if err != nil {
		return searchsync.Document{}, searchsync.Errorf(searchsync.RenderFailed, "render %s: %v", uid, err)
	}
	return doc, nil
}

// FromSource builds a Document from a rendered body, validating the fields
// the pipeline depends on.
func FromSource(source map[string]any) (searchsync.Document, error) {
	itemType, _ := source["item_type"].(string)
	if itemType == "" {
		return searchsync.Document{}, fmt.Errorf("document has no item_type")
	}
	return searchsync.Document{
		ItemType:      itemType,
		EmbeddedUUIDs: uidList(source["embedded_uuids"]),
		LinkedUUIDs:   uidList(source["linked_uuids"]),
		Source:        source,
	}, nil
}

func uidList(v any) []searchsync.UID {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]searchsync.UID, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, searchsync.UID(s))
		}
	}
	return out
}
