// Package archive durably stores every inbound/outbound message flowing
// through the gateway (spec §3 ArchivedMessage, §4.4, §6). The archive's
// on-disk format is explicitly opaque per spec §1 ("Archive pruning and
// file-format internals... its contract is specified"); this package gives
// that contract one concrete backing so the gateway is runnable end-to-end.
//
// Key-namespace and transaction idioms are grounded on
// marmos91-dittofs/pkg/metadata/store/badger/{encoding,crud}.go: a short
// ASCII prefix per record kind, big-endian-ordered numeric suffixes so
// badger's native key ordering also orders the range scan ReplayQuery
// needs, and the db.Update/db.View transaction wrapper style.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a requested position or (session, seqNum)
// pair has no archived message.
var ErrNotFound = errors.New("archive: not found")

// Message is one ArchivedMessage (spec §3): an opaque message body plus
// the coordinates needed to find and replay it.
type Message struct {
	StreamID  uint32
	Position  int64
	SeqNum    int32
	SessionID int64
	MessageType string
	Bytes     []byte
}

// Store is the append-only, single-writer-per-stream archive (spec §5:
// "the archive file is append-only by a single writer per stream").
// Badger's own WAL/SSTable machinery gives us the durability and the
// ordered-by-key iteration ReplayQuery scans over; Store only has to
// choose a key encoding that keeps insertion order recoverable.
type Store struct {
	db *badger.DB

	// nextPos tracks the next Position to assign per streamID, purely
	// in-memory — recomputed from the stored keys on Open so a restart picks
	// up where it left off (spec: "append-only; the archive preserves
	// insertion order per stream").
	nextPos map[uint32]int64
}

// Open opens (creating if needed) a badger-backed archive at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // the engine's own ErrorHandler surfaces failures; badger's internal logger would duplicate that
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	s := &Store{db: db, nextPos: make(map[uint32]int64)}
	if err := s.recoverPositions(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// keyMessage encodes (streamID, position) as a 13-byte big-endian key (an
// 'm' prefix, 4-byte streamID, 8-byte position) so
// badger's lexicographic key order is also position order within a
// stream — the property ReplayQuery's range scan relies on.
func keyMessage(streamID uint32, position int64) []byte {
	k := make([]byte, 0, 1+4+8)
	k = append(k, 'm')
	k = binary.BigEndian.AppendUint32(k, streamID)
	k = binary.BigEndian.AppendUint64(k, uint64(position))
	return k
}

func keyStreamPrefix(streamID uint32) []byte {
	k := make([]byte, 0, 1+4)
	k = append(k, 'm')
	k = binary.BigEndian.AppendUint32(k, streamID)
	return k
}

// keySessionSeq indexes (sessionID, seqNum) -> position so ReplayQuery can
// find the archive position to start scanning from for a given
// ResendRequest begin seqno (spec §4.4: "Scans the archive starting from
// the archivePosition recorded for (sessionId, beginSeqNo)").
func keySessionSeq(sessionID int64, seqNum int32) []byte {
	k := make([]byte, 0, 1+8+4)
	k = append(k, 's')
	k = binary.BigEndian.AppendUint64(k, uint64(sessionID))
	k = binary.BigEndian.AppendUint32(k, uint32(seqNum))
	return k
}

func encodeMessage(m Message) []byte {
	body := make([]byte, 0, 4+8+4+8+2+len(m.MessageType)+len(m.Bytes))
	body = binary.BigEndian.AppendUint32(body, m.StreamID)
	body = binary.BigEndian.AppendUint64(body, uint64(m.Position))
	body = binary.BigEndian.AppendUint32(body, uint32(m.SeqNum))
	body = binary.BigEndian.AppendUint64(body, uint64(m.SessionID))
	body = binary.BigEndian.AppendUint16(body, uint16(len(m.MessageType)))
	body = append(body, m.MessageType...)
	body = append(body, m.Bytes...)
	return body
}

func decodeMessage(b []byte) (Message, error) {
	if len(b) < 26 {
		return Message{}, fmt.Errorf("archive: short record (%d bytes)", len(b))
	}
	m := Message{
		StreamID:  binary.BigEndian.Uint32(b[0:4]),
		Position:  int64(binary.BigEndian.Uint64(b[4:12])),
		SeqNum:    int32(binary.BigEndian.Uint32(b[12:16])),
		SessionID: int64(binary.BigEndian.Uint64(b[16:24])),
	}
	typeLen := int(binary.BigEndian.Uint16(b[24:26]))
	if len(b) < 26+typeLen {
		return Message{}, fmt.Errorf("archive: truncated message type")
	}
	m.MessageType = string(b[26 : 26+typeLen])
	m.Bytes = append([]byte(nil), b[26+typeLen:]...)
	return m, nil
}

// recoverPositions iterates every message key and keeps the highest
// position seen per stream to recompute nextPos after a restart.
func (s *Store) recoverPositions() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{'m'}
		it := txn.NewIterator(opts)
		defer it.Close()

		seen := make(map[uint32]int64)
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			streamID := binary.BigEndian.Uint32(key[1:5])
			position := int64(binary.BigEndian.Uint64(key[5:13]))
			if position+1 > seen[streamID] {
				seen[streamID] = position + 1
			}
		}
		s.nextPos = seen
		return nil
	})
}

// Append writes m to its stream, assigning the next position, and
// indexes it by (sessionID, seqNum) for ReplayQuery lookups. Returns the
// assigned position.
func (s *Store) Append(streamID uint32, sessionID int64, seqNum int32, messageType string, bytes []byte) (int64, error) {
	position := s.nextPos[streamID]
	m := Message{
		StreamID:    streamID,
		Position:    position,
		SeqNum:      seqNum,
		SessionID:   sessionID,
		MessageType: messageType,
		Bytes:       bytes,
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyMessage(streamID, position), encodeMessage(m)); err != nil {
			return err
		}
		posBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(posBytes, uint64(position))
		return txn.Set(keySessionSeq(sessionID, seqNum), posBytes)
	})
	if err != nil {
		return 0, fmt.Errorf("archive: append: %w", err)
	}
	s.nextPos[streamID] = position + 1
	return position, nil
}

// PositionForSeqNum returns the archive position of the message with the
// given (sessionID, seqNum), used by ReplayQuery to seed its scan.
func (s *Store) PositionForSeqNum(sessionID int64, seqNum int32) (int64, error) {
	var position int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keySessionSeq(sessionID, seqNum))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			position = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return position, nil
}

// Scan delivers every message in streamID at position >= fromPosition, in
// archive order, to handler. It stops early if handler returns false
// (back-pressure, spec §4.4).
func (s *Store) Scan(streamID uint32, fromPosition int64, handler func(Message) (keepGoing bool)) (delivered int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyStreamPrefix(streamID)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := keyMessage(streamID, fromPosition)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			var msg Message
			decodeErr := it.Item().Value(func(val []byte) error {
				m, derr := decodeMessage(val)
				if derr != nil {
					return derr
				}
				msg = m
				return nil
			})
			if decodeErr != nil {
				return decodeErr
			}
			delivered++
			if !handler(msg) {
				return nil
			}
		}
		return nil
	})
	return delivered, err
}
