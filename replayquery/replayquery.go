// Package replayquery implements the ReplayQuery contract (spec §4.4): a
// read-only view over the archive that starts from the position recorded
// for (sessionID, beginSeqNo) and delivers messages in archive order until
// endSeqNo or the handler signals back-pressure.
//
// This is a thin seam over package archive rather than a copy of its
// logic, so that package replay depends only on this narrow interface
// (spec §9: capability record) and never on badger directly.
package replayquery

import "artio/archive"

// Handler receives each matching archived message in order. Returning
// false signals back-pressure (spec §4.4) and stops the scan early.
type Handler func(msg archive.Message) (keepGoing bool)

// Store is the subset of archive.Store's API a ReplayQuery needs.
type Store interface {
	PositionForSeqNum(sessionID int64, seqNum int32) (int64, error)
	Scan(streamID uint32, fromPosition int64, handler func(archive.Message) bool) (delivered int, err error)
}

// Query reads historical messages for a sequence range out of an archive
// stream (spec §4.4). A stream may interleave several sessions' messages in
// archive order; Run skips records whose SessionID differs from the one
// requested.
type Query struct {
	store    Store
	streamID uint32
}

// New returns a Query over the given stream.
func New(store Store, streamID uint32) *Query {
	return &Query{store: store, streamID: streamID}
}

// Run scans [beginSeqNo, endSeqNo] (endSeqNo==0 means "through most
// recent") for sessionID, delivering each matching message to handler in
// archive order. It returns the number of messages delivered.
//
// Thread-safety: each Query.Run call is independent — badger's
// transaction snapshot gives every concurrent call a stable view, so
// multiple concurrent queries are safe on a shared Store (spec §4.4).
func (q *Query) Run(sessionID int64, beginSeqNo, endSeqNo int32, handler Handler) (messagesDelivered int, err error) {
	startPos, err := q.store.PositionForSeqNum(sessionID, beginSeqNo)
	if err != nil {
		return 0, err
	}

	delivered := 0
	_, err = q.store.Scan(q.streamID, startPos, func(msg archive.Message) bool {
		if msg.SessionID != sessionID {
			return true // not this session's record at this stream; keep scanning
		}
		if msg.SeqNum < beginSeqNo {
			return true
		}
		if endSeqNo != 0 && msg.SeqNum > endSeqNo {
			return false
		}
		delivered++
		return handler(msg)
	})
	return delivered, err
}
