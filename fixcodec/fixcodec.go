// Package fixcodec implements the narrow slice of FIX 4.2/4.4 tag=value
// wire encoding the session core needs: parsing a SOH-delimited message into
// a tag map, stamping the standard header, and computing the checksum.
//
// The full FIX dictionary (hundreds of message types and fields) is treated
// as an external, opaque concern per spec §1 — application-level message
// bodies pass through this package as an already-decoded reader/writer
// object (see Message.Fields). Only the session-level header/trailer and the
// seven admin message types named in spec §1's Non-goals are modeled as
// typed fields.
//
// Field layout follows the same walk-and-split shape as
// eenblam-protohackers/7's message.go (parseField/parseMessage), adapted
// from LRCP's single '/' delimiter and four field list to FIX's SOH (0x01)
// delimiter and open-ended tag=value pair list.
package fixcodec

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// SOH is the FIX field separator, byte 0x01.
const SOH = byte(0x01)

// Standard FIX tag numbers used by the session core.
const (
	TagBeginString         = 8
	TagBodyLength          = 9
	TagMsgType             = 35
	TagSenderCompID        = 49
	TagTargetCompID        = 56
	TagMsgSeqNum           = 34
	TagSendingTime         = 52
	TagCheckSum            = 10
	TagEncryptMethod       = 98
	TagHeartBtInt          = 108
	TagResetSeqNumFlag     = 141
	TagTestReqID           = 112
	TagBeginSeqNo          = 7
	TagEndSeqNo            = 16
	TagNewSeqNo            = 36
	TagGapFillFlag         = 123
	TagPossDupFlag         = 43
	TagOrigSendingTime     = 122
	TagRefSeqNum           = 45
	TagRefTagID            = 371
	TagRefMsgType          = 372
	TagSessionRejectReason = 373
	TagText                = 58
)

// Message types used by the session core (spec §1 Non-goals: administrative
// messages beyond these are out of scope).
const (
	MsgTypeLogon         = "A"
	MsgTypeLogout        = "5"
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeSequenceReset = "4"
	MsgTypeReject        = "3"
)

// SessionRejectReason values (FIX tag 373), the subset the core emits.
const (
	ReasonCompIDProblem     = 9
	ReasonSendingTimeIssue  = 10
	ReasonValueIsIncorrect  = 5
)

// Field is a single decoded tag=value pair in wire order.
type Field struct {
	Tag   int
	Value []byte
}

// Message is a decoded FIX message: the standard header fields pulled out
// for convenient access, plus every field (including header/trailer) in
// wire order for round-tripping and for body fields the core doesn't model.
type Message struct {
	BeginString  string
	BodyLength   int
	MsgType      string
	SenderCompID string
	TargetCompID string
	MsgSeqNum    int
	SendingTime  time.Time
	CheckSum     int

	Fields []Field
}

// Field looks up the first occurrence of tag in wire order.
func (m *Message) Field(tag int) ([]byte, bool) {
	for _, f := range m.Fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}

// FieldInt looks up tag and parses it as a decimal integer.
func (m *Message) FieldInt(tag int) (int, bool, error) {
	v, ok := m.Field(tag)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, true, fmt.Errorf("tag %d: %w", tag, err)
	}
	return n, true, nil
}

// FieldBool interprets a Y/N boolean field, defaulting to false when absent.
func (m *Message) FieldBool(tag int) bool {
	v, ok := m.Field(tag)
	if !ok {
		return false
	}
	return len(v) == 1 && v[0] == 'Y'
}

// Parse decodes a single SOH-delimited FIX message. It does not validate the
// checksum or body length against content — callers that need that run
// VerifyChecksum separately, since a checksum failure and a parse failure
// are distinguished in the protocol-violation handling (spec §4.1.1/§7).
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("fixcodec: empty message")
	}

	m := &Message{}
	rest := raw
	for len(rest) > 0 {
		field, tail, err := parseField(rest)
		if err != nil {
			return nil, fmt.Errorf("fixcodec: %w", err)
		}
		rest = tail

		tag, val, err := splitTagValue(field)
		if err != nil {
			return nil, fmt.Errorf("fixcodec: %w", err)
		}
		m.Fields = append(m.Fields, Field{Tag: tag, Value: val})

		switch tag {
		case TagBeginString:
			m.BeginString = string(val)
		case TagBodyLength:
			n, err := strconv.Atoi(string(val))
			if err != nil {
				return nil, fmt.Errorf("fixcodec: tag 9 BodyLength: %w", err)
			}
			m.BodyLength = n
		case TagMsgType:
			m.MsgType = string(val)
		case TagSenderCompID:
			m.SenderCompID = string(val)
		case TagTargetCompID:
			m.TargetCompID = string(val)
		case TagMsgSeqNum:
			n, err := strconv.Atoi(string(val))
			if err != nil {
				return nil, fmt.Errorf("fixcodec: tag 34 MsgSeqNum: %w", err)
			}
			m.MsgSeqNum = n
		case TagSendingTime:
			t, err := ParseSendingTime(val)
			if err == nil {
				// Parse failure is reported to callers through
				// Message.SendingTimeValid below, not here: spec §4.1.1
				// requires a Reject (not a hard parse error) on a bad
				// SendingTime, so the raw value stays in Fields.
				m.SendingTime = t
			}
		case TagCheckSum:
			n, err := strconv.Atoi(string(val))
			if err != nil {
				return nil, fmt.Errorf("fixcodec: tag 10 CheckSum: %w", err)
			}
			m.CheckSum = n
		}
	}
	if m.MsgType == "" {
		return nil, fmt.Errorf("fixcodec: missing MsgType (tag 35)")
	}
	return m, nil
}

// SendingTimeValid reports whether tag 52 was present and parsed as a valid
// UTC timestamp, per spec §4.1.1.
func (m *Message) SendingTimeValid() bool {
	v, ok := m.Field(TagSendingTime)
	if !ok {
		return false
	}
	_, err := ParseSendingTime(v)
	return err == nil
}

// parseField scans to the next SOH, returning the field bytes
// before it and the remainder after it. Mirrors
// eenblam-protohackers/7/message.go's parseField, with FIX's SOH in place
// of LRCP's '/' and no escape handling (FIX tag=value fields never contain
// a literal SOH; unlike LRCP's free-form DATA field, there is nothing to
// escape).
func parseField(bs []byte) (field, rest []byte, err error) {
	i := bytes.IndexByte(bs, SOH)
	if i < 0 {
		return nil, nil, fmt.Errorf("no SOH found in trailing input %q", bs)
	}
	return bs[:i], bs[i+1:], nil
}

func splitTagValue(field []byte) (tag int, value []byte, err error) {
	eq := bytes.IndexByte(field, '=')
	if eq < 0 {
		return 0, nil, fmt.Errorf("missing '=' in field %q", field)
	}
	tag, err = strconv.Atoi(string(field[:eq]))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid tag in field %q: %w", field, err)
	}
	return tag, field[eq+1:], nil
}

// headerAndTrailerTags are the tags newBuilder/encode stamp on every
// outbound message, plus the PossDupFlag and OrigSendingTime that a resend
// adds; BodyFieldsExcludingHeader strips them back out so a resend can
// restamp them fresh without duplicating the originals.
var headerAndTrailerTags = map[int]bool{
	TagBeginString:  true,
	TagBodyLength:   true,
	TagMsgType:      true,
	TagSenderCompID: true,
	TagTargetCompID: true,
	TagMsgSeqNum:    true,
	TagSendingTime:  true,
	TagCheckSum:     true,
	TagPossDupFlag:     true,
	TagOrigSendingTime: true,
}

// BodyFieldsExcludingHeader re-serializes m's fields in wire order, omitting
// the standard header/trailer and any pre-existing PossDupFlag/
// OrigSendingTime — the remainder is exactly what a resend needs to append
// after its own freshly stamped header (spec §4.5 step 3; used by package
// replay to rebuild proxy.ApplicationResend's origBody from an archived
// message).
func BodyFieldsExcludingHeader(m *Message) []byte {
	var out bytes.Buffer
	for _, f := range m.Fields {
		if headerAndTrailerTags[f.Tag] {
			continue
		}
		fmt.Fprintf(&out, "%d=%s%c", f.Tag, f.Value, SOH)
	}
	return out.Bytes()
}

// SendingTimePrecision selects the fractional-second width used when
// formatting SendingTime, per spec §6.
type SendingTimePrecision int

const (
	PrecisionSeconds SendingTimePrecision = iota
	PrecisionMilliseconds
	PrecisionMicroseconds
	PrecisionNanoseconds
)

const fixTimestampLayout = "20060102-15:04:05"

// FormatSendingTime renders t in the configured precision, e.g.
// "20060102-15:04:05.000" for PrecisionMilliseconds.
func FormatSendingTime(t time.Time, precision SendingTimePrecision) string {
	t = t.UTC()
	switch precision {
	case PrecisionMilliseconds:
		return t.Format(fixTimestampLayout + ".000")
	case PrecisionMicroseconds:
		return t.Format(fixTimestampLayout + ".000000")
	case PrecisionNanoseconds:
		return t.Format(fixTimestampLayout + ".000000000")
	default:
		return t.Format(fixTimestampLayout)
	}
}

// ParseSendingTime parses any of the four precisions back into a UTC time.
func ParseSendingTime(raw []byte) (time.Time, error) {
	s := string(raw)
	layouts := []string{
		fixTimestampLayout + ".000000000",
		fixTimestampLayout + ".000000",
		fixTimestampLayout + ".000",
		fixTimestampLayout,
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("fixcodec: invalid SendingTime %q: %w", s, lastErr)
}

// Checksum computes the FIX checksum: the sum of all bytes up to (but not
// including) the checksum field itself, modulo 256, rendered as a
// zero-padded 3-digit decimal string.
func Checksum(body []byte) string {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return fmt.Sprintf("%03d", sum)
}

// VerifyChecksum recomputes the checksum over raw up to the trailing
// "10=NNN\x01" trailer and compares it against the embedded value.
func VerifyChecksum(raw []byte) bool {
	idx := bytes.LastIndex(raw, []byte{SOH, '1', '0', '='})
	if idx < 0 {
		return false
	}
	computed := Checksum(raw[:idx+1])
	trailer := raw[idx+1:]
	eq := bytes.IndexByte(trailer, '=')
	if eq < 0 {
		return false
	}
	valueEnd := bytes.IndexByte(trailer[eq+1:], SOH)
	if valueEnd < 0 {
		return false
	}
	return computed == string(trailer[eq+1:eq+1+valueEnd])
}
