package seqindex

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLookupNotFoundOnEmptyIndex(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "seqindex.dat"), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if _, err := idx.Lookup(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup on empty index: %v, want ErrNotFound", err)
	}
}

func TestOnMessageThenLookupRoundTrips(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "seqindex.dat"), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.OnMessage(100, 5, 7, 42); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	rec, err := idx.Lookup(100)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := Record{SessionID: 100, LastSentSeqNum: 5, LastRecvSeqNum: 7, ArchivePosition: 42}
	if rec != want {
		t.Fatalf("Lookup = %+v, want %+v", rec, want)
	}
}

// TestFlushIsIdempotentAcrossReopen is spec §8's durability law: the
// sequence number index after flush is bit-identical on reload.
func TestFlushIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seqindex.dat")

	idx, err := Open(path, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.OnMessage(1, 10, 10, 100); err != nil {
		t.Fatalf("OnMessage(1): %v", err)
	}
	if err := idx.OnMessage(2, 20, 20, 200); err != nil {
		t.Fatalf("OnMessage(2): %v", err)
	}
	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if idx.Dirty() {
		t.Fatalf("expected Dirty()=false immediately after Flush")
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, 8)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for sessionID, want := range map[int64]Record{
		1: {SessionID: 1, LastSentSeqNum: 10, LastRecvSeqNum: 10, ArchivePosition: 100},
		2: {SessionID: 2, LastSentSeqNum: 20, LastRecvSeqNum: 20, ArchivePosition: 200},
	} {
		got, err := reopened.Lookup(sessionID)
		if err != nil {
			t.Fatalf("Lookup(%d) after reopen: %v", sessionID, err)
		}
		if got != want {
			t.Fatalf("Lookup(%d) after reopen = %+v, want %+v", sessionID, got, want)
		}
	}
}

// TestSecondFlushAlternatesCopyAndPersistsLatestState exercises the A/B
// alternation across two successive flushes: each Flush must write the
// *other* copy and only then promote it to active, so the previous copy is
// left valid and the newest one durable and reloadable.
func TestSecondFlushAlternatesCopyAndPersistsLatestState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seqindex.dat")

	idx, err := Open(path, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.OnMessage(1, 1, 1, 1); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if err := idx.Flush(); err != nil {
		t.Fatalf("first Flush: %v", err)
	}

	if err := idx.OnMessage(1, 2, 2, 2); err != nil {
		t.Fatalf("OnMessage(update): %v", err)
	}
	if err := idx.OnMessage(2, 1, 1, 1); err != nil {
		t.Fatalf("OnMessage(new session): %v", err)
	}
	if err := idx.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rec1, err := reopened.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup(1): %v", err)
	}
	if rec1.LastSentSeqNum != 2 {
		t.Fatalf("session 1 LastSentSeqNum = %d, want 2 (latest flushed value)", rec1.LastSentSeqNum)
	}
	rec2, err := reopened.Lookup(2)
	if err != nil {
		t.Fatalf("Lookup(2): %v", err)
	}
	if rec2.LastSentSeqNum != 1 {
		t.Fatalf("session 2 LastSentSeqNum = %d, want 1", rec2.LastSentSeqNum)
	}
}

func TestOnMessageRejectsNonMonotonicArchivePosition(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "seqindex.dat"), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.OnMessage(1, 1, 1, 50); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if err := idx.OnMessage(1, 2, 2, 49); err == nil {
		t.Fatalf("expected an error for a non-monotonic archivePos")
	}
}

func TestOnMessageRejectsBeyondCapacity(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "seqindex.dat"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.OnMessage(1, 1, 1, 1); err != nil {
		t.Fatalf("OnMessage(1): %v", err)
	}
	if err := idx.OnMessage(2, 1, 1, 1); err != nil {
		t.Fatalf("OnMessage(2): %v", err)
	}
	if err := idx.OnMessage(3, 1, 1, 1); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("OnMessage(3) beyond capacity: %v, want ErrCapacityExceeded", err)
	}
}

func TestGrowPreservesExistingRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seqindex.dat")
	idx, err := Open(path, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.OnMessage(1, 5, 6, 7); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := idx.Grow(8); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if idx.Capacity() != 8 {
		t.Fatalf("Capacity after Grow = %d, want 8", idx.Capacity())
	}
	rec, err := idx.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup after Grow: %v", err)
	}
	if rec.LastSentSeqNum != 5 || rec.LastRecvSeqNum != 6 || rec.ArchivePosition != 7 {
		t.Fatalf("record after Grow = %+v, want LastSent=5 LastRecv=6 ArchivePos=7", rec)
	}

	// The grown file must also be durable across a fresh reopen.
	reopened, err := Open(path, 8)
	if err != nil {
		t.Fatalf("reopen after Grow: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Lookup(1); err != nil {
		t.Fatalf("Lookup after reopen post-Grow: %v", err)
	}
}
