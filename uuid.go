package searchsync

import (
	"github.com/google/uuid"
)

// IsValidUID reports whether s is a canonical 36-character object identifier.
func IsValidUID(s UID) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(string(s))
	return err == nil
}

// NewUID returns a new randomly generated object identifier. Mostly useful in
// tests and tooling; production UIDs are minted by the primary store.
func NewUID() UID {
	return UID(uuid.NewString())
}

// DedupeUIDs returns uids with duplicates removed, preserving first-seen
// order.
func DedupeUIDs(uids []UID) []UID {
	seen := make(map[UID]struct{}, len(uids))
	out := make([]UID, 0, len(uids))
	for _, u := range uids {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
