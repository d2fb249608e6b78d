package searchsync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIsValidUID(t *testing.T) {
	if !IsValidUID("11111111-1111-1111-1111-111111111111") {
		t.Error("canonical uuid rejected")
	}
	if IsValidUID("not-a-uuid") {
		t.Error("short junk accepted")
	}
	if IsValidUID("11111111-1111-1111-1111-11111111111x") {
		t.Error("malformed uuid accepted")
	}
	if !IsValidUID(NewUID()) {
		t.Error("freshly minted uid rejected")
	}
}

func TestDedupeUIDsKeepsFirstSeenOrder(t *testing.T) {
	in := []UID{"b", "a", "b", "c", "a"}
	want := []UID{"b", "a", "c"}
	if diff := cmp.Diff(want, DedupeUIDs(in)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
