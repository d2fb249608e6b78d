package es

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v7/esapi"

	"github.com/datakeep/searchsync"
)

const (
	writeTimeout  = 30 * time.Second
	searchTimeout = 60 * time.Second
)

type client struct {
	conn *Connection
}

// NewClient returns the Elasticsearch-backed searchsync.SearchStore over the
// singleton connection. OpenConnection must have been called.
func NewClient() searchsync.SearchStore {
	return &client{
		conn: connection,
	}
}

// classify maps a transport error or HTTP status onto the behavioral error
// taxonomy. Transport-level failures are retryable; 409 means an equal or
// newer version is already stored.
func classify(err error, res *esapi.Response, op string) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return searchsync.Errorf(searchsync.TransientTransport, "%s: %v", op, err)
	}
	if !res.IsError() {
		return nil
	}
	body, _ := io.ReadAll(res.Body)
	switch res.StatusCode {
	case http.StatusConflict:
		return searchsync.Errorf(searchsync.VersionConflict, "%s: %s", op, bytes.TrimSpace(body))
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return searchsync.Errorf(searchsync.TransientTransport, "%s: status %d: %s", op, res.StatusCode, bytes.TrimSpace(body))
	}
	return searchsync.Errorf(searchsync.Unknown, "%s: status %d: %s", op, res.StatusCode, bytes.TrimSpace(body))
}

// IndexDocument writes doc to the per-type index at id with
// external-version-gte semantics so an older cycle can never overwrite a
// newer document.
func (c *client) IndexDocument(ctx context.Context, id searchsync.UID, version int64, doc searchsync.Document) error {
	source := doc.Source
	if source == nil {
		source = map[string]any{
			"item_type":      doc.ItemType,
			"embedded_uuids": doc.EmbeddedUUIDs,
			"linked_uuids":   doc.LinkedUUIDs,
		}
	}
	body, err := json.Marshal(source)
	if err != nil {
		return searchsync.Errorf(searchsync.Unknown, "marshal document %s: %v", id, err)
	}
	v := int(version)
	req := esapi.IndexRequest{
		Index:       doc.ItemType,
		DocumentID:  string(id),
		Body:        bytes.NewReader(body),
		Version:     &v,
		VersionType: "external_gte",
		Timeout:     writeTimeout,
	}
	res, err := req.Do(ctx, c.conn.Client)
	if res != nil {
		defer res.Body.Close()
	}
	return classify(err, res, fmt.Sprintf("index %s", id))
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// RelatedQuery builds the invalidation query body: documents whose
// embedded_uuids intersect updated or whose linked_uuids intersect renamed.
// Exported for tests; the terms clauses deliberately run uncached since each
// cycle's input set is different.
func RelatedQuery(updated, renamed []searchsync.UID) map[string]any {
	should := []any{}
	if len(updated) > 0 {
		should = append(should, map[string]any{
			"terms": map[string]any{"embedded_uuids": updated},
		})
	}
	if len(renamed) > 0 {
		should = append(should, map[string]any{
			"terms": map[string]any{"linked_uuids": renamed},
		})
	}
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"should": should},
		},
		"_source": false,
	}
}

// SearchRelated issues one boolean query over the resources alias, returning
// only ids, capped at max hits. The returned total may exceed len(ids).
func (c *client) SearchRelated(ctx context.Context, updated, renamed []searchsync.UID, max int) ([]searchsync.UID, int64, error) {
	body, err := json.Marshal(RelatedQuery(updated, renamed))
	if err != nil {
		return nil, 0, err
	}
	requestCache := false
	req := esapi.SearchRequest{
		Index:        []string{c.conn.ResourcesIndex},
		Body:         bytes.NewReader(body),
		Size:         &max,
		RequestCache: &requestCache,
		Timeout:      searchTimeout,
	}
	res, err := req.Do(ctx, c.conn.Client)
	if res != nil {
		defer res.Body.Close()
	}
	if cerr := classify(err, res, "related search"); cerr != nil {
		return nil, 0, cerr
	}
	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, 0, err
	}
	ids := make([]searchsync.UID, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		ids = append(ids, searchsync.UID(h.ID))
	}
	return ids, sr.Hits.Total.Value, nil
}

// GetMeta reads a meta document into out, reporting whether it exists.
func (c *client) GetMeta(ctx context.Context, id string, out any) (bool, error) {
	req := esapi.GetRequest{
		Index:      c.conn.MetaIndex,
		DocumentID: id,
	}
	res, err := req.Do(ctx, c.conn.Client)
	if res != nil {
		defer res.Body.Close()
	}
	if err == nil && res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if cerr := classify(err, res, fmt.Sprintf("get meta %s", id)); cerr != nil {
		return false, cerr
	}
	var envelope struct {
		Found  bool            `json:"found"`
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return false, err
	}
	if !envelope.Found {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Source, out); err != nil {
			return true, err
		}
	}
	return true, nil
}

// PutMeta writes a meta document under the well-known id.
func (c *client) PutMeta(ctx context.Context, id string, bodyVal any) error {
	body, err := json.Marshal(bodyVal)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      c.conn.MetaIndex,
		DocumentID: id,
		Body:       bytes.NewReader(body),
		Timeout:    writeTimeout,
	}
	res, err := req.Do(ctx, c.conn.Client)
	if res != nil {
		defer res.Body.Close()
	}
	return classify(err, res, fmt.Sprintf("put meta %s", id))
}

// DeleteMeta removes a meta document. Missing documents are not an error.
func (c *client) DeleteMeta(ctx context.Context, id string) error {
	req := esapi.DeleteRequest{
		Index:      c.conn.MetaIndex,
		DocumentID: id,
	}
	res, err := req.Do(ctx, c.conn.Client)
	if res != nil {
		defer res.Body.Close()
	}
	if err == nil && res.StatusCode == http.StatusNotFound {
		return nil
	}
	return classify(err, res, fmt.Sprintf("delete meta %s", id))
}

// Refresh makes recently written documents visible to search.
func (c *client) Refresh(ctx context.Context) error {
	req := esapi.IndicesRefreshRequest{
		Index: []string{c.conn.ResourcesIndex},
	}
	res, err := req.Do(ctx, c.conn.Client)
	if res != nil {
		defer res.Body.Close()
	}
	return classify(err, res, "refresh")
}

// FlushSynced requests a synced flush for faster recovery after a full
// reindex. A conflict response only means the index is still being written;
// callers ignore it.
func (c *client) FlushSynced(ctx context.Context) error {
	req := esapi.IndicesFlushSyncedRequest{
		Index: []string{c.conn.ResourcesIndex},
	}
	res, err := req.Do(ctx, c.conn.Client)
	if res != nil {
		defer res.Body.Close()
	}
	return classify(err, res, "synced flush")
}
