package session

import (
	"testing"
	"time"

	"artio/clock"
	"artio/fixcodec"
	"artio/proxy"
)

// recordingPublisher captures every encoded buffer offered to it and reports
// whether Disconnect was called, mirroring package replay's test double.
type recordingPublisher struct {
	sent         [][]byte
	disconnected bool
}

func (p *recordingPublisher) Offer(buf []byte) proxy.Status {
	p.sent = append(p.sent, append([]byte(nil), buf...))
	return proxy.OK
}

func (p *recordingPublisher) Disconnect() { p.disconnected = true }

type noopReplayHandler struct {
	calledBegin, calledEnd int
	called                 bool
}

func (n *noopReplayHandler) HandleResendRequest(s *Session, beginSeqNo, endSeqNo int) error {
	n.called = true
	n.calledBegin, n.calledEnd = beginSeqNo, endSeqNo
	return nil
}

func newTestSession(t *testing.T, pub *recordingPublisher, repl ReplayHandler) (*Session, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(1_700_000_000_000_000_000)
	px := proxy.New(pub)
	cfg := Config{
		SessionID:            42,
		SenderCompID:         "GATEWAY",
		TargetCompID:         "CPTY",
		BeginString:          "FIX.4.4",
		HeartbeatIntervalSec: 30,
	}
	return New(cfg, clk, px, nil, repl), clk
}

func lastSent(pub *recordingPublisher) *fixcodec.Message {
	m, _ := fixcodec.Parse(pub.sent[len(pub.sent)-1])
	return m
}

// Scenario 1 (spec §8): heartbeat after interval elapses.
func TestPollHeartbeatAfterInterval(t *testing.T) {
	pub := &recordingPublisher{}
	s, clk := newTestSession(t, pub, nil)
	s.state.Store(int32(Active))
	s.lastSentMsgSeqNum.Store(1)

	clk.Advance(30 * time.Second)
	if !s.Poll(clk.MonotonicNanos()) {
		t.Fatalf("Poll reported no work after heartbeat interval elapsed")
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected exactly one heartbeat, got %d", len(pub.sent))
	}
	msg := lastSent(pub)
	if msg.MsgType != fixcodec.MsgTypeHeartbeat {
		t.Fatalf("MsgType = %s, want Heartbeat", msg.MsgType)
	}
	if msg.MsgSeqNum != 2 {
		t.Fatalf("MsgSeqNum = %d, want 2", msg.MsgSeqNum)
	}
}

// Scenario 2: peer goes silent past 2x the heartbeat interval -> disconnect,
// with no intermediate TestRequest (spec §9 deliberate deviation).
func TestPollDisconnectsOnTimeout(t *testing.T) {
	pub := &recordingPublisher{}
	s, clk := newTestSession(t, pub, nil)
	s.state.Store(int32(Active))

	clk.Advance(1 * time.Second)
	if err := s.OnMessage(10, false); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	s.expectedSeqNo.Store(11)

	clk.Advance(60 * time.Second) // 60s since lastReceivedTime, 61s in total
	if !s.Poll(clk.MonotonicNanos()) {
		t.Fatalf("Poll reported no work at timeout")
	}
	if s.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State())
	}
	for _, raw := range pub.sent {
		if msg, err := fixcodec.Parse(raw); err == nil && msg.MsgType == fixcodec.MsgTypeTestRequest {
			t.Fatalf("unexpected TestRequest sent; spec deviation disconnects directly")
		}
	}
}

// Scenario 3: a higher-than-expected MsgSeqNum triggers a ResendRequest and
// AWAITING_RESEND, without advancing expectedSeqNo.
func TestOnMessageHighSeqTriggersResend(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.state.Store(int32(Active))

	if err := s.OnMessage(3, false); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if s.State() != AwaitingResend {
		t.Fatalf("state = %s, want AWAITING_RESEND", s.State())
	}
	if got := s.ExpectedSeqNo(); got != 1 {
		t.Fatalf("ExpectedSeqNo = %d, want unchanged 1", got)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected one ResendRequest, got %d", len(pub.sent))
	}
	msg := lastSent(pub)
	if msg.MsgType != fixcodec.MsgTypeResendRequest {
		t.Fatalf("MsgType = %s, want ResendRequest", msg.MsgType)
	}
	begin, _, _ := msg.FieldInt(fixcodec.TagBeginSeqNo)
	end, _, _ := msg.FieldInt(fixcodec.TagEndSeqNo)
	if begin != 1 || end != 0 {
		t.Fatalf("ResendRequest range = [%d,%d], want [1,0]", begin, end)
	}
}

// Scenario 4: a low MsgSeqNum without PossDup is fatal: Logout + disconnect.
func TestOnMessageLowSeqWithoutPossDupDisconnects(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.state.Store(int32(Active))
	s.expectedSeqNo.Store(3)

	if err := s.OnMessage(1, false); err == nil {
		t.Fatalf("expected an error for a low MsgSeqNum without PossDup")
	}
	if s.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State())
	}
	if !pub.disconnected {
		t.Fatalf("expected Disconnect to be called")
	}
	msg := lastSent(pub)
	if msg.MsgType != fixcodec.MsgTypeLogout {
		t.Fatalf("MsgType = %s, want Logout", msg.MsgType)
	}
}

// A low MsgSeqNum with PossDup=Y is silently ignored: no outbound message,
// no state change.
func TestOnMessageLowSeqWithPossDupIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.state.Store(int32(Active))
	s.expectedSeqNo.Store(3)

	if err := s.OnMessage(1, true); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if s.State() != Active {
		t.Fatalf("state = %s, want ACTIVE", s.State())
	}
	if len(pub.sent) != 0 {
		t.Fatalf("expected no outbound messages, got %d", len(pub.sent))
	}
	if got := s.ExpectedSeqNo(); got != 3 {
		t.Fatalf("ExpectedSeqNo = %d, want unchanged 3", got)
	}
}

// Scenario 5: an unnecessary hard SequenceReset (newSeqNo == expectedSeqNo)
// is accepted with no outbound message.
func TestSequenceResetUnnecessaryAccepted(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.expectedSeqNo.Store(4)

	if err := s.OnSequenceReset(4, 4, false, false); err != nil {
		t.Fatalf("OnSequenceReset: %v", err)
	}
	if got := s.ExpectedSeqNo(); got != 4 {
		t.Fatalf("ExpectedSeqNo = %d, want 4", got)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("expected no outbound messages, got %d", len(pub.sent))
	}
}

// A hard SequenceReset with newSeqNo below expectedSeqNo is rejected
// (spec §4.1.3 Reset mode).
func TestSequenceResetBelowExpectedRejected(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.expectedSeqNo.Store(4)

	if err := s.OnSequenceReset(4, 3, false, false); err == nil {
		t.Fatalf("expected an error for newSeqNo < expectedSeqNo")
	}
	msg := lastSent(pub)
	if msg.MsgType != fixcodec.MsgTypeReject {
		t.Fatalf("MsgType = %s, want Reject", msg.MsgType)
	}
	reason, _, _ := msg.FieldInt(fixcodec.TagSessionRejectReason)
	if reason != fixcodec.ReasonValueIsIncorrect {
		t.Fatalf("SessionRejectReason = %d, want %d", reason, fixcodec.ReasonValueIsIncorrect)
	}
}

// GapFill SequenceReset at the expected position advances expectedSeqNo to
// newSeqNo and resolves an AWAITING_RESEND back to ACTIVE.
func TestSequenceResetGapFillClosesGap(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.state.Store(int32(AwaitingResend))
	s.expectedSeqNo.Store(3)

	if err := s.OnSequenceReset(3, 5, true, false); err != nil {
		t.Fatalf("OnSequenceReset: %v", err)
	}
	if got := s.ExpectedSeqNo(); got != 5 {
		t.Fatalf("ExpectedSeqNo = %d, want 5", got)
	}
	if s.State() != Active {
		t.Fatalf("state = %s, want ACTIVE", s.State())
	}
}

// Spec §9 open question: GapFill SequenceReset with newSeqNo < msgSeqNum is
// a protocol violation, handled as Logout+disconnect.
func TestSequenceResetGapFillNewSeqNoBelowMsgSeqNumIsFatal(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.expectedSeqNo.Store(5)

	if err := s.OnSequenceReset(5, 3, true, false); err == nil {
		t.Fatalf("expected a protocol violation error")
	}
	if s.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State())
	}
}

// Header validation: a CompID mismatch rejects, logs out, and disconnects
// without advancing expectedSeqNo (spec §4.1.1).
func TestValidateHeaderCompIDMismatch(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)

	if err := s.ValidateHeader(1, "WRONG", "GATEWAY", true); err == nil {
		t.Fatalf("expected a CompID mismatch error")
	}
	if s.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State())
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected Reject then Logout, got %d messages", len(pub.sent))
	}
	reject, _ := fixcodec.Parse(pub.sent[0])
	if reject.MsgType != fixcodec.MsgTypeReject {
		t.Fatalf("first message = %s, want Reject", reject.MsgType)
	}
	reason, _, _ := reject.FieldInt(fixcodec.TagSessionRejectReason)
	if reason != fixcodec.ReasonCompIDProblem {
		t.Fatalf("SessionRejectReason = %d, want %d", reason, fixcodec.ReasonCompIDProblem)
	}
}

// Header validation: an invalid SendingTime rejects with RefTagID=52 then
// logs out (spec §4.1.1).
func TestValidateHeaderBadSendingTime(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)

	if err := s.ValidateHeader(1, "CPTY", "GATEWAY", false); err == nil {
		t.Fatalf("expected a SendingTime validation error")
	}
	reject, _ := fixcodec.Parse(pub.sent[0])
	refTag, _, _ := reject.FieldInt(fixcodec.TagRefTagID)
	if refTag != fixcodec.TagSendingTime {
		t.Fatalf("RefTagID = %d, want %d (SendingTime)", refTag, fixcodec.TagSendingTime)
	}
}

// Logon with ResetSeqNumFlag=Y resets expectedSeqNo=2 and
// lastSentMsgSeqNum=1 (spec §4.1.2).
func TestOnLogonResetSeqNumFlag(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.expectedSeqNo.Store(40)
	s.lastSentMsgSeqNum.Store(39)

	if err := s.OnLogon(1, 30, true); err != nil {
		t.Fatalf("OnLogon: %v", err)
	}
	if got := s.ExpectedSeqNo(); got != 2 {
		t.Fatalf("ExpectedSeqNo = %d, want 2", got)
	}
	if got := s.LastSentMsgSeqNum(); got != 1 {
		t.Fatalf("LastSentMsgSeqNum = %d, want 1", got)
	}
	if s.State() != SentLogon {
		t.Fatalf("state = %s, want SENT_LOGON (from CONNECTING)", s.State())
	}
}

// OnResendRequest delegates to the configured ReplayHandler (spec §4.5,
// §9 capability record).
func TestOnResendRequestDelegatesToReplayHandler(t *testing.T) {
	pub := &recordingPublisher{}
	repl := &noopReplayHandler{}
	s, _ := newTestSession(t, pub, repl)

	if err := s.OnResendRequest(5, 0); err != nil {
		t.Fatalf("OnResendRequest: %v", err)
	}
	if !repl.called || repl.calledBegin != 5 || repl.calledEnd != 0 {
		t.Fatalf("ReplayHandler not invoked with expected range: called=%v begin=%d end=%d", repl.called, repl.calledBegin, repl.calledEnd)
	}
}

// OnTestRequest replies with an echoing Heartbeat.
func TestOnTestRequestEchoesHeartbeat(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)

	if status := s.OnTestRequest("TEST-1"); status != proxy.OK {
		t.Fatalf("OnTestRequest: %v", status)
	}
	msg := lastSent(pub)
	if msg.MsgType != fixcodec.MsgTypeHeartbeat {
		t.Fatalf("MsgType = %s, want Heartbeat", msg.MsgType)
	}
	testReqID, ok := msg.Field(fixcodec.TagTestReqID)
	if !ok || string(testReqID) != "TEST-1" {
		t.Fatalf("TestReqID = %q, want TEST-1", testReqID)
	}
}

// Outbound MsgSeqNum is strictly increasing across consecutive sends
// (spec §8 invariant).
func TestSendSequenceStrictlyIncreasing(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)

	for i := 0; i < 3; i++ {
		if status := s.OnTestRequest(""); status != proxy.OK {
			t.Fatalf("send %d: %v", i, status)
		}
	}
	for i, raw := range pub.sent {
		msg, err := fixcodec.Parse(raw)
		if err != nil {
			t.Fatalf("parse sent[%d]: %v", i, err)
		}
		if msg.MsgSeqNum != i+1 {
			t.Fatalf("sent[%d].MsgSeqNum = %d, want %d", i, msg.MsgSeqNum, i+1)
		}
	}
}

// StartLogout enters SENT_LOGOUT. Here we only check the local transition.
func TestStartLogoutEntersSentLogout(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.state.Store(int32(Active))

	if status := s.StartLogout(); status != proxy.OK {
		t.Fatalf("StartLogout: %v", status)
	}
	if s.State() != SentLogout {
		t.Fatalf("state = %s, want SENT_LOGOUT", s.State())
	}
}

// OnLogout replies with an echoing Logout and disconnects.
func TestOnLogoutEchoesAndDisconnects(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSession(t, pub, nil)
	s.state.Store(int32(Active))

	s.OnLogout(7)
	if s.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State())
	}
	if !pub.disconnected {
		t.Fatalf("expected Disconnect to be called")
	}
	msg := lastSent(pub)
	if msg.MsgType != fixcodec.MsgTypeLogout {
		t.Fatalf("MsgType = %s, want Logout", msg.MsgType)
	}
}
