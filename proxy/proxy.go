// Package proxy implements the Session Proxy (spec §4.2): a stateless
// encoder that stamps the standard FIX header and checksum onto
// session-level messages and hands the buffer to the transport.
//
// The encode-then-offer shape — build a byte buffer, attempt to hand it to
// the outbound channel, and surface BACK_PRESSURE for the caller to retry —
// mirrors eenblam-protohackers/7/session.go's writeWorker/SendData split
// (pack into a reused buffer, then WriteMsgUDP, with the caller responsible
// for retry bookkeeping on failure).
package proxy

import (
	"bytes"
	"fmt"
	"time"

	"artio/fixcodec"
)

// Status is the result of an outbound offer to the transport.
type Status int

const (
	OK Status = iota
	BackPressure
	Disconnected
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case BackPressure:
		return "BACK_PRESSURE"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Publisher is the minimal transport contract the proxy needs: offer a
// fully encoded buffer and learn whether it was accepted. Concrete
// implementations live in package transport; this interface is the seam
// spec §9 calls for ("weak, non-owning reference to its publication
// handle") so the proxy never depends on the framer directly.
type Publisher interface {
	Offer(buf []byte) Status
}

// HeaderInfo carries the per-session identity and sequencing state the
// proxy stamps onto every outbound message. Session owns these values;
// the proxy only reads them at encode time.
type HeaderInfo struct {
	BeginString  string
	SenderCompID string
	TargetCompID string
	MsgSeqNum    int
	SendingTime  time.Time
	Precision    fixcodec.SendingTimePrecision
}

// Proxy encodes session-level outbound messages. It holds no per-session
// mutable state of its own — HeaderInfo is supplied fresh on every call —
// so one Proxy can safely be shared if ever needed, though Session normally
// owns one Proxy bound to one Publisher.
type Proxy struct {
	pub Publisher
}

// New returns a Proxy that offers encoded buffers to pub.
func New(pub Publisher) *Proxy {
	return &Proxy{pub: pub}
}

type builder struct {
	hdr  HeaderInfo
	body bytes.Buffer
}

func newBuilder(hdr HeaderInfo, msgType string) *builder {
	b := &builder{hdr: hdr}
	b.field(fixcodec.TagMsgType, msgType)
	b.field(fixcodec.TagSenderCompID, hdr.SenderCompID)
	b.field(fixcodec.TagTargetCompID, hdr.TargetCompID)
	b.fieldInt(fixcodec.TagMsgSeqNum, hdr.MsgSeqNum)
	b.field(fixcodec.TagSendingTime, fixcodec.FormatSendingTime(hdr.SendingTime, hdr.Precision))
	return b
}

func (b *builder) field(tag int, value string) {
	fmt.Fprintf(&b.body, "%d=%s%c", tag, value, fixcodec.SOH)
}

func (b *builder) fieldInt(tag int, value int) {
	fmt.Fprintf(&b.body, "%d=%d%c", tag, value, fixcodec.SOH)
}

// encode assembles BeginString, BodyLength, the accumulated body, and the
// CheckSum trailer into a complete wire message.
func (b *builder) encode() []byte {
	body := b.body.Bytes()
	var out bytes.Buffer
	beginString := b.hdr.BeginString
	if beginString == "" {
		beginString = "FIX.4.4"
	}
	fmt.Fprintf(&out, "%d=%s%c", fixcodec.TagBeginString, beginString, fixcodec.SOH)
	fmt.Fprintf(&out, "%d=%d%c", fixcodec.TagBodyLength, len(body), fixcodec.SOH)
	out.Write(body)
	checksum := fixcodec.Checksum(out.Bytes())
	fmt.Fprintf(&out, "%d=%s%c", fixcodec.TagCheckSum, checksum, fixcodec.SOH)
	return out.Bytes()
}

func (p *Proxy) send(b *builder) Status {
	return p.pub.Offer(b.encode())
}

// Logon encodes a Logon(35=A) message.
func (p *Proxy) Logon(hdr HeaderInfo, heartbeatIntervalSec int, resetSeqNumFlag bool) Status {
	b := newBuilder(hdr, fixcodec.MsgTypeLogon)
	b.field(fixcodec.TagEncryptMethod, "0")
	b.fieldInt(fixcodec.TagHeartBtInt, heartbeatIntervalSec)
	if resetSeqNumFlag {
		b.field(fixcodec.TagResetSeqNumFlag, "Y")
	}
	return p.send(b)
}

// Logout encodes a Logout(35=5) message, optionally with free text.
func (p *Proxy) Logout(hdr HeaderInfo, text string) Status {
	b := newBuilder(hdr, fixcodec.MsgTypeLogout)
	if text != "" {
		b.field(fixcodec.TagText, text)
	}
	return p.send(b)
}

// Heartbeat encodes a Heartbeat(35=0) message, echoing TestReqID when the
// heartbeat answers a TestRequest.
func (p *Proxy) Heartbeat(hdr HeaderInfo, testReqID string) Status {
	b := newBuilder(hdr, fixcodec.MsgTypeHeartbeat)
	if testReqID != "" {
		b.field(fixcodec.TagTestReqID, testReqID)
	}
	return p.send(b)
}

// TestRequest encodes a TestRequest(35=1) message.
func (p *Proxy) TestRequest(hdr HeaderInfo, testReqID string) Status {
	b := newBuilder(hdr, fixcodec.MsgTypeTestRequest)
	b.field(fixcodec.TagTestReqID, testReqID)
	return p.send(b)
}

// ResendRequest encodes a ResendRequest(35=2) message.
func (p *Proxy) ResendRequest(hdr HeaderInfo, beginSeqNo, endSeqNo int) Status {
	b := newBuilder(hdr, fixcodec.MsgTypeResendRequest)
	b.fieldInt(fixcodec.TagBeginSeqNo, beginSeqNo)
	b.fieldInt(fixcodec.TagEndSeqNo, endSeqNo)
	return p.send(b)
}

// SequenceReset encodes a SequenceReset(35=4) message, used both for
// GapFill (replay) and hard Reset (spec §4.1.3) modes.
func (p *Proxy) SequenceReset(hdr HeaderInfo, newSeqNo int, gapFill, possDup bool) Status {
	b := newBuilder(hdr, fixcodec.MsgTypeSequenceReset)
	if possDup {
		b.field(fixcodec.TagPossDupFlag, "Y")
	}
	if gapFill {
		b.field(fixcodec.TagGapFillFlag, "Y")
	}
	b.fieldInt(fixcodec.TagNewSeqNo, newSeqNo)
	return p.send(b)
}

// Reject encodes a Reject(35=3) message per spec §4.1.1/§4.1.3.
func (p *Proxy) Reject(hdr HeaderInfo, refSeqNum, refTagID, reason int) Status {
	b := newBuilder(hdr, fixcodec.MsgTypeReject)
	b.fieldInt(fixcodec.TagRefSeqNum, refSeqNum)
	if refTagID != 0 {
		b.fieldInt(fixcodec.TagRefTagID, refTagID)
	}
	b.fieldInt(fixcodec.TagSessionRejectReason, reason)
	return p.send(b)
}

// RejectResendRequest encodes a Reject referencing a ResendRequest, per
// spec §4.5 step 1 (begin > lastSentMsgSeqNum).
func (p *Proxy) RejectResendRequest(hdr HeaderInfo, refSeqNum int) Status {
	b := newBuilder(hdr, fixcodec.MsgTypeReject)
	b.fieldInt(fixcodec.TagRefSeqNum, refSeqNum)
	b.field(fixcodec.TagRefMsgType, fixcodec.MsgTypeResendRequest)
	return p.send(b)
}

// ApplicationResend re-emits an already-encoded application message with
// PossDupFlag and OrigSendingTime added, per spec §4.5 step 3. origBody must
// be the original message's body fields with the whole standard header and
// trailer already removed (as fixcodec.BodyFieldsExcludingHeader returns
// them), since newBuilder writes a fresh header; msgType and origSendingTime
// come from the archived message.
func (p *Proxy) ApplicationResend(hdr HeaderInfo, msgType string, origBody []byte, origSendingTime time.Time) Status {
	b := newBuilder(hdr, msgType)
	b.field(fixcodec.TagPossDupFlag, "Y")
	b.field(fixcodec.TagOrigSendingTime, fixcodec.FormatSendingTime(origSendingTime, hdr.Precision))
	b.body.Write(origBody)
	return p.send(b)
}

// Application encodes a plain application-level message: the standard
// header plus already-encoded body fields, no PossDup/OrigSendingTime. Used
// for first-time sends, as opposed to ApplicationResend's retransmissions.
func (p *Proxy) Application(hdr HeaderInfo, msgType string, bodyFields []byte) Status {
	b := newBuilder(hdr, msgType)
	b.body.Write(bodyFields)
	return p.send(b)
}

// Disconnect tells the transport to tear down the underlying connection.
// Unlike the other methods this sends no bytes; it exists so Session never
// has to reach past the Proxy to the Publisher directly.
type Disconnector interface {
	Disconnect()
}

func (p *Proxy) Disconnect() {
	if d, ok := p.pub.(Disconnector); ok {
		d.Disconnect()
	}
}
