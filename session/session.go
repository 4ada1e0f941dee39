// Package session implements the per-connection FIX session state machine
// (spec §3, §4.1): logon negotiation, sequence-number gap detection,
// heartbeating, resend delegation, and logout.
//
// Session's shape follows eenblam-protohackers/7/session.go: counters held
// in atomics so a poll-driven goroutine and an inbound-message goroutine
// can touch them without a session-wide mutex. Session holds no
// context.Context and no cleanup callback; disconnect hands teardown to the
// Proxy's Disconnect. Where the teacher ran two dedicated goroutines (readWorker,
// writeWorker) per session, this Session is instead driven by explicit
// onX calls and a single poll(now) tick from the owning engine's Framer
// worker (spec §5: "All Session mutation happens here") — there is no
// internal goroutine at all, which is the adaptation spec §9 calls for
// ("coroutine-like control flow... modeled as an explicit state record
// inspected on each worker tick").
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"artio/clock"
	"artio/fixcodec"
	"artio/proxy"
)

// State is one of the Session lifecycle states (spec §3, §4.1.5).
type State int32

const (
	Connecting State = iota
	Connected
	SentLogon
	Active
	AwaitingResend
	SentLogout
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case SentLogon:
		return "SENT_LOGON"
	case Active:
		return "ACTIVE"
	case AwaitingResend:
		return "AWAITING_RESEND"
	case SentLogout:
		return "SENT_LOGOUT"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ReplayHandler is the capability Session delegates onResendRequest to
// (spec §9: capability record, not inheritance). Implemented by
// package replay's Replayer.
type ReplayHandler interface {
	// HandleResendRequest services a ResendRequest for s, re-emitting or
	// gap-filling through s's Proxy. Returning an error does not change
	// s's state; the handler is expected to have already sent any
	// Reject/Logout the spec calls for.
	HandleResendRequest(s *Session, beginSeqNo, endSeqNo int) error
}

// ErrorHandler receives programmer-error invariant violations and
// persistence failures (spec §6, §7) so they can be surfaced without
// propagating as unchecked faults across worker goroutines.
type ErrorHandler interface {
	HandleError(sessionID int64, err error)
}

// Config is the static, per-session configuration supplied at
// construction. It does not change over the session's lifetime; sequence
// counters and state do (see Session fields below).
type Config struct {
	SessionID            int64
	SenderCompID         string // this side's comp ID (what peers call us)
	TargetCompID         string // the peer's comp ID
	BeginString          string
	HeartbeatIntervalSec int
	SendingTimePrecision fixcodec.SendingTimePrecision
	SequenceNumbersPersistent bool

	// InitialExpectedSeqNo/InitialLastSentMsgSeqNum seed a Session rebuilt
	// after a reconnect from the durable sequence index (spec §D: sessionId
	// and its counters survive a reconnect even though the live Session
	// object does not). Zero InitialExpectedSeqNo means "start fresh at 1".
	InitialExpectedSeqNo      int64
	InitialLastSentMsgSeqNum  int64
}

// Session owns one connection's FIX state. All mutation happens on the
// owning Framer goroutine (spec §5); the atomics below exist so metrics
// and diagnostic reads from other goroutines never race, not to support
// concurrent mutation.
type Session struct {
	cfg   Config
	clock clock.Clock
	proxy *proxy.Proxy
	errs  ErrorHandler
	repl  ReplayHandler

	state atomic.Int32

	expectedSeqNo     atomic.Int64 // next inbound MsgSeqNum
	lastSentMsgSeqNum atomic.Int64
	lastReceivedMsgSeqNum atomic.Int64

	lastSentTime     atomic.Int64 // monotonic nanos
	lastReceivedTime atomic.Int64 // monotonic nanos

	// There is no separate record of a gap-opening message's arrival while
	// AWAITING_RESEND: OnMessage's touchReceived updates lastReceivedTime
	// for it, so heartbeat liveness is still satisfied (spec §4.1.2).
}

// New constructs a Session in CONNECTING state. expectedSeqNo starts at
// cfg.InitialExpectedSeqNo (1 when that is zero) and lastSentMsgSeqNum at
// cfg.InitialLastSentMsgSeqNum.
func New(cfg Config, clk clock.Clock, px *proxy.Proxy, errs ErrorHandler, repl ReplayHandler) *Session {
	s := &Session{cfg: cfg, clock: clk, proxy: px, errs: errs, repl: repl}
	s.state.Store(int32(Connecting))
	expected := cfg.InitialExpectedSeqNo
	if expected == 0 {
		expected = 1
	}
	s.expectedSeqNo.Store(expected)
	s.lastSentMsgSeqNum.Store(cfg.InitialLastSentMsgSeqNum)
	now := clk.MonotonicNanos()
	s.lastSentTime.Store(now)
	s.lastReceivedTime.Store(now)
	return s
}

func (s *Session) ID() int64        { return s.cfg.SessionID }
func (s *Session) State() State     { return State(s.state.Load()) }
func (s *Session) ExpectedSeqNo() int64     { return s.expectedSeqNo.Load() }
func (s *Session) LastSentMsgSeqNum() int64 { return s.lastSentMsgSeqNum.Load() }
func (s *Session) LastReceivedMsgSeqNum() int64 { return s.lastReceivedMsgSeqNum.Load() }

func (s *Session) setState(next State) {
	s.state.Store(int32(next))
}

func (s *Session) header(seqNum int) proxy.HeaderInfo {
	return proxy.HeaderInfo{
		BeginString:  s.cfg.BeginString,
		SenderCompID: s.cfg.SenderCompID,
		TargetCompID: s.cfg.TargetCompID,
		MsgSeqNum:    seqNum,
		SendingTime:  time.Unix(0, s.clock.EpochNanos()),
		Precision:    s.cfg.SendingTimePrecision,
	}
}

func (s *Session) touchSent() {
	s.lastSentTime.Store(s.clock.MonotonicNanos())
}

func (s *Session) touchReceived() {
	s.lastReceivedTime.Store(s.clock.MonotonicNanos())
}

func (s *Session) reportError(err error) {
	if s.errs != nil {
		s.errs.HandleError(s.cfg.SessionID, err)
	}
}

// send stamps the header (MsgSeqNum, SendingTime, comp IDs) and hands the
// encoder call to encodeFn. encodeFn is one of the proxy.Proxy methods,
// invoked with the freshly stamped header. lastSentMsgSeqNum only advances
// on proxy.OK: spec §5 requires outbound MsgSeqNum to be strictly
// increasing with no gaps, so a BACK_PRESSURE attempt must be retryable
// with the *same* seqnum rather than burning one on every attempt.
func (s *Session) send(encodeFn func(proxy.HeaderInfo) proxy.Status) proxy.Status {
	seqNum := int(s.lastSentMsgSeqNum.Load()) + 1
	status := encodeFn(s.header(seqNum))
	if status == proxy.OK {
		s.lastSentMsgSeqNum.Store(int64(seqNum))
		s.touchSent()
	}
	return status
}

// emitResend re-sends a message under its *original* MsgSeqNum rather than
// the next freshly reserved one: a retransmission must not consume a new
// outbound sequence number (spec §4.5). lastSentMsgSeqNum is left untouched
// since seqNum always refers to something already counted; only the
// heartbeat timer benefits from the bytes actually going out.
func (s *Session) emitResend(seqNum int, encodeFn func(proxy.HeaderInfo) proxy.Status) proxy.Status {
	status := encodeFn(s.header(seqNum))
	if status == proxy.OK {
		s.touchSent()
	}
	return status
}

// EmitGapFill re-emits a SequenceReset(GapFill=Y, PossDup=Y) under msgSeqNum
// (the first sequence number of the gap being filled), advancing the peer's
// expected sequence number to newSeqNo (spec §4.5 step 3/4). Used by package
// replay; bypasses the normal outbound counter per emitResend's doc.
func (s *Session) EmitGapFill(msgSeqNum, newSeqNo int) proxy.Status {
	return s.emitResend(msgSeqNum, func(h proxy.HeaderInfo) proxy.Status {
		return s.proxy.SequenceReset(h, newSeqNo, true, true)
	})
}

// EmitApplicationResend re-emits an archived application message under its
// original seqNum with PossDupFlag/OrigSendingTime added (spec §4.5 step 3).
func (s *Session) EmitApplicationResend(seqNum int, msgType string, origBody []byte, origSendingTime time.Time) proxy.Status {
	return s.emitResend(seqNum, func(h proxy.HeaderInfo) proxy.Status {
		return s.proxy.ApplicationResend(h, msgType, origBody, origSendingTime)
	})
}

// RejectResendRequest sends a fresh Reject referencing the offending
// ResendRequest (spec §4.5 step 1: begin > lastSentMsgSeqNum). Unlike the
// Emit* methods above this is a new outbound message, so it goes through
// the normal counter.
func (s *Session) RejectResendRequest(refSeqNum int) proxy.Status {
	return s.send(func(h proxy.HeaderInfo) proxy.Status {
		return s.proxy.RejectResendRequest(h, refSeqNum)
	})
}

// OnLogon handles an inbound Logon per spec §4.1.2. heartbeatInterval is
// the peer-declared HeartBtInt (tag 108); in a real negotiation the engine
// would reconcile this with local config before calling OnLogon, but that
// reconciliation is an engine/auth-strategy concern (spec §9), not the
// FSM's.
func (s *Session) OnLogon(seqNum int, heartbeatIntervalSec int, resetSeqNumFlag bool) error {
	s.touchReceived()
	if resetSeqNumFlag {
		// Spec §4.1.2: both sides reset expectedSeqNo=2 (the logon itself
		// is #1) and lastSentMsgSeqNum=1.
		s.expectedSeqNo.Store(2)
		s.lastSentMsgSeqNum.Store(1)
	} else {
		if err := s.checkSequence(seqNum, false); err != nil {
			return err
		}
	}
	switch s.State() {
	case Connecting, Connected:
		s.setState(SentLogon)
	case SentLogon:
		s.setState(Active)
	default:
		s.setState(Active)
	}
	return nil
}

// ConfirmLogon transitions a session that sent a Logon to ACTIVE once the
// peer's Logon ack is processed (spec §4.1.5: SENT_LOGON --logon ack--> ACTIVE).
func (s *Session) ConfirmLogon() {
	if s.State() == SentLogon {
		s.setState(Active)
	}
}

// OnLogout handles an inbound Logout: reply with an echoing Logout, then
// disconnect (spec §4.1 contract).
func (s *Session) OnLogout(seqNum int) {
	s.touchReceived()
	s.send(func(h proxy.HeaderInfo) proxy.Status { return s.proxy.Logout(h, "") })
	s.disconnect()
}

// StartLogon sends a Logon as the initiating side and enters SENT_LOGON
// (spec §4.1.5: CONNECTING/CONNECTED --logon--> SENT_LOGON).
func (s *Session) StartLogon(heartbeatIntervalSec int, resetSeqNumFlag bool) proxy.Status {
	status := s.send(func(h proxy.HeaderInfo) proxy.Status {
		return s.proxy.Logon(h, heartbeatIntervalSec, resetSeqNumFlag)
	})
	if status == proxy.OK {
		if resetSeqNumFlag {
			s.expectedSeqNo.Store(2)
		}
		s.setState(SentLogon)
	}
	return status
}

// StartLogout sends a Logout and enters SENT_LOGOUT (spec §4.1.5).
func (s *Session) StartLogout() proxy.Status {
	status := s.send(func(h proxy.HeaderInfo) proxy.Status { return s.proxy.Logout(h, "") })
	if status == proxy.OK {
		s.setState(SentLogout)
	}
	return status
}

func (s *Session) disconnect() {
	s.setState(Disconnected)
	s.proxy.Disconnect()
}

// ForceDisconnect marks the session DISCONNECTED and releases its transport
// regardless of current state. Used for socket-level failures and for the
// drain-timeout expiry on a session stuck in SENT_LOGOUT (spec §D).
func (s *Session) ForceDisconnect() {
	s.disconnect()
}

// SendApplication emits an application-level message under the next
// outbound sequence number. bodyFields is already-encoded tag=value pairs
// (the FIX dictionary itself is out of scope per spec §1); this just routes
// it through the same header-stamping/back-pressure path as every other
// outbound message.
func (s *Session) SendApplication(msgType string, bodyFields []byte) proxy.Status {
	return s.send(func(h proxy.HeaderInfo) proxy.Status {
		return s.proxy.Application(h, msgType, bodyFields)
	})
}

// ValidateHeader applies spec §4.1.1 and must run before any other handling
// of an inbound message. senderCompID/targetCompID/sendingTimeValid come
// from the decoded message; msgSeqNum is used as RefSeqNum on rejection.
func (s *Session) ValidateHeader(msgSeqNum int, senderCompID, targetCompID string, sendingTimeValid bool) error {
	if senderCompID != s.cfg.TargetCompID || targetCompID != s.cfg.SenderCompID {
		refTag := fixcodec.TagSenderCompID
		if senderCompID == s.cfg.TargetCompID {
			refTag = fixcodec.TagTargetCompID
		}
		s.send(func(h proxy.HeaderInfo) proxy.Status {
			return s.proxy.Reject(h, msgSeqNum, refTag, fixcodec.ReasonCompIDProblem)
		})
		s.send(func(h proxy.HeaderInfo) proxy.Status { return s.proxy.Logout(h, "CompID problem") })
		s.disconnect()
		return fmt.Errorf("session %d: comp ID mismatch", s.cfg.SessionID)
	}
	if !sendingTimeValid {
		s.send(func(h proxy.HeaderInfo) proxy.Status {
			return s.proxy.Reject(h, msgSeqNum, fixcodec.TagSendingTime, fixcodec.ReasonSendingTimeIssue)
		})
		s.send(func(h proxy.HeaderInfo) proxy.Status { return s.proxy.Logout(h, "SendingTime problem") })
		s.disconnect()
		return fmt.Errorf("session %d: invalid SendingTime", s.cfg.SessionID)
	}
	return nil
}

// OnMessage enforces the sequence-number rule (spec §4.1.2) for every
// inbound application/session message after header validation has passed.
// possDup is tag 43 from the inbound message.
func (s *Session) OnMessage(seqNum int, possDup bool) error {
	s.touchReceived()
	return s.checkSequence(seqNum, possDup)
}

// checkSequence implements spec §4.1.2's four-way branch.
func (s *Session) checkSequence(incoming int, possDup bool) error {
	expected := int(s.expectedSeqNo.Load())

	switch {
	case incoming == expected:
		s.expectedSeqNo.Store(int64(incoming + 1))
		s.lastReceivedMsgSeqNum.Store(int64(incoming))
		if s.State() == AwaitingResend {
			// A resend completed the gap exactly; spec §4.1.5 gap
			// filled -> ACTIVE.
			s.setState(Active)
		}
		return nil

	case incoming > expected:
		s.lastReceivedMsgSeqNum.Store(int64(incoming))
		s.setState(AwaitingResend)
		status := s.send(func(h proxy.HeaderInfo) proxy.Status {
			return s.proxy.ResendRequest(h, expected, 0)
		})
		if status != proxy.OK {
			s.reportError(fmt.Errorf("session %d: resend request offer: %s", s.cfg.SessionID, status))
		}
		return nil

	case possDup:
		// incoming < expected, PossDupFlag=Y: silently ignore.
		return nil

	default:
		// incoming < expected, PossDupFlag=N: fatal.
		s.send(func(h proxy.HeaderInfo) proxy.Status {
			return s.proxy.Logout(h, "MsgSeqNum too low")
		})
		s.disconnect()
		return fmt.Errorf("session %d: MsgSeqNum too low (got %d, expected %d)", s.cfg.SessionID, incoming, expected)
	}
}

// OnTestRequest replies to a TestRequest with an echoing Heartbeat (spec
// §4.1 contract).
func (s *Session) OnTestRequest(testReqID string) proxy.Status {
	s.touchReceived()
	return s.send(func(h proxy.HeaderInfo) proxy.Status { return s.proxy.Heartbeat(h, testReqID) })
}

// OnResendRequest delegates to the injected ReplayHandler (spec §4.5).
func (s *Session) OnResendRequest(beginSeqNo, endSeqNo int) error {
	s.touchReceived()
	if s.repl == nil {
		return fmt.Errorf("session %d: no replay handler configured", s.cfg.SessionID)
	}
	return s.repl.HandleResendRequest(s, beginSeqNo, endSeqNo)
}

// OnSequenceReset handles SequenceReset per spec §4.1.3. msgSeqNum is the
// SequenceReset message's own MsgSeqNum (tag 34); newSeqNo is tag 36.
func (s *Session) OnSequenceReset(msgSeqNum, newSeqNo int, gapFillFlag, possDup bool) error {
	s.touchReceived()
	expected := int(s.expectedSeqNo.Load())

	if gapFillFlag {
		switch {
		case msgSeqNum == expected:
			// Normal sequence position: accept.
		case msgSeqNum < expected && possDup:
			// Ignore per spec, but newSeqNo still must not rewind
			// expectedSeqNo below msgSeqNum+1 territory; per spec §9
			// open question, newSeqNo < msgSeqNum here is a protocol
			// violation.
			if newSeqNo < msgSeqNum {
				return s.fatalProtocolViolation("SequenceReset GapFill newSeqNo below msgSeqNum")
			}
			return nil
		case msgSeqNum > expected:
			s.setState(AwaitingResend)
			s.send(func(h proxy.HeaderInfo) proxy.Status {
				return s.proxy.ResendRequest(h, expected, 0)
			})
			return nil
		default:
			return s.fatalProtocolViolation("SequenceReset GapFill msgSeqNum too low without PossDup")
		}
		if newSeqNo < msgSeqNum {
			// Spec §9 open question: unspecified in source, treated as
			// protocol violation.
			return s.fatalProtocolViolation("SequenceReset GapFill newSeqNo < msgSeqNum")
		}
		s.expectedSeqNo.Store(int64(newSeqNo))
		if s.State() == AwaitingResend {
			s.setState(Active)
		}
		return nil
	}

	// Reset mode (gapFillFlag=N): newSeqNo below expectedSeqNo is rejected;
	// newSeqNo equal to expectedSeqNo is an unnecessary reset, accepted as a
	// no-op.
	if newSeqNo < expected {
		s.send(func(h proxy.HeaderInfo) proxy.Status {
			return s.proxy.Reject(h, newSeqNo, 0, fixcodec.ReasonValueIsIncorrect)
		})
		return fmt.Errorf("session %d: SequenceReset newSeqNo %d < expected %d", s.cfg.SessionID, newSeqNo, expected)
	}
	s.expectedSeqNo.Store(int64(newSeqNo))
	if s.State() == AwaitingResend {
		s.setState(Active)
	}
	return nil
}

func (s *Session) fatalProtocolViolation(reason string) error {
	s.send(func(h proxy.HeaderInfo) proxy.Status { return s.proxy.Logout(h, reason) })
	s.disconnect()
	return fmt.Errorf("session %d: %s", s.cfg.SessionID, reason)
}

// Poll drives timers and pending outbound work (spec §4.1.4). It returns
// whether any work was done, so the owning worker's idle strategy (spec
// §5) can decide whether to keep spinning or back off.
func (s *Session) Poll(nowNanos int64) (workDone bool) {
	if s.State() == Disconnected {
		return false
	}
	intervalNanos := int64(s.cfg.HeartbeatIntervalSec) * int64(time.Second)
	if intervalNanos <= 0 {
		return false
	}

	if nowNanos-s.lastReceivedTime.Load() >= 2*intervalNanos {
		// Spec §9 deliberate deviation: disconnect directly rather than
		// sending an intermediate TestRequest first.
		s.disconnect()
		return true
	}

	if nowNanos-s.lastSentTime.Load() >= intervalNanos {
		s.send(func(h proxy.HeaderInfo) proxy.Status { return s.proxy.Heartbeat(h, "") })
		return true
	}

	return false
}
