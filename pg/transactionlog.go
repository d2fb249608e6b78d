package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/datakeep/searchsync"
)

// txnData is the JSON payload the primary store attaches to each committed
// transaction record.
type txnData struct {
	Updated []searchsync.UID `json:"updated"`
	Renamed []searchsync.UID `json:"renamed"`
}

// ScanTransactions returns all committed transaction records with
// xid >= lastXmin, oldest first.
func (s *Store) ScanTransactions(ctx context.Context, lastXmin int64) ([]searchsync.TransactionRecord, error) {
	rows, err := s.conn.Pool.Query(ctx,
		"SELECT xid, timestamp, data FROM transactions WHERE xid >= $1 ORDER BY xid;", lastXmin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []searchsync.TransactionRecord
	for rows.Next() {
		var (
			xid  int64
			ts   time.Time
			data []byte
		)
		if err := rows.Scan(&xid, &ts, &data); err != nil {
			return nil, err
		}
		var d txnData
		if len(data) > 0 {
			if err := json.Unmarshal(data, &d); err != nil {
				return nil, searchsync.Errorf(searchsync.StatementFailed,
					"transaction %d has malformed data: %v", xid, err)
			}
		}
		records = append(records, searchsync.TransactionRecord{
			XID:       xid,
			Timestamp: ts,
			Updated:   d.Updated,
			Renamed:   d.Renamed,
		})
	}
	return records, rows.Err()
}

// AllUIDs returns every object identifier in the primary store, optionally
// restricted to the given item types. Feeds full reindexes, so ordering is
// unspecified.
func (s *Store) AllUIDs(ctx context.Context, types []string) ([]searchsync.UID, error) {
	sql := "SELECT rid FROM resources;"
	args := []any{}
	if len(types) > 0 {
		sql = "SELECT rid FROM resources WHERE item_type = ANY($1);"
		args = append(args, types)
	}
	rows, err := s.conn.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []searchsync.UID
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, err
		}
		uids = append(uids, searchsync.UID(rid))
	}
	return uids, rows.Err()
}
