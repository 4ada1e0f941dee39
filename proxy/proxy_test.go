package proxy

import (
	"testing"
	"time"

	"artio/fixcodec"
)

type capturingPublisher struct {
	status  Status
	offered [][]byte
}

func (p *capturingPublisher) Offer(buf []byte) Status {
	p.offered = append(p.offered, append([]byte(nil), buf...))
	return p.status
}

func testHeader(seqNum int) HeaderInfo {
	return HeaderInfo{
		BeginString:  "FIX.4.4",
		SenderCompID: "GATEWAY",
		TargetCompID: "CPTY",
		MsgSeqNum:    seqNum,
		SendingTime:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Precision:    fixcodec.PrecisionMilliseconds,
	}
}

func TestLogonEncodesHeartBtIntAndResetFlag(t *testing.T) {
	pub := &capturingPublisher{}
	p := New(pub)
	if status := p.Logon(testHeader(1), 30, true); status != OK {
		t.Fatalf("Logon: %v", status)
	}
	msg, err := fixcodec.Parse(pub.offered[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MsgType != fixcodec.MsgTypeLogon {
		t.Fatalf("MsgType = %s, want Logon", msg.MsgType)
	}
	hb, _, _ := msg.FieldInt(fixcodec.TagHeartBtInt)
	if hb != 30 {
		t.Errorf("HeartBtInt = %d, want 30", hb)
	}
	reset, ok := msg.Field(fixcodec.TagResetSeqNumFlag)
	if !ok || string(reset) != "Y" {
		t.Errorf("ResetSeqNumFlag = %q, want Y", reset)
	}
	if !fixcodec.VerifyChecksum(pub.offered[0]) {
		t.Errorf("checksum does not verify")
	}
}

func TestEveryEncodedMessageHasValidChecksumAndHeader(t *testing.T) {
	pub := &capturingPublisher{}
	p := New(pub)

	type step func() Status
	steps := map[string]step{
		"Logout":        func() Status { return p.Logout(testHeader(2), "bye") },
		"Heartbeat":     func() Status { return p.Heartbeat(testHeader(3), "TR-1") },
		"TestRequest":   func() Status { return p.TestRequest(testHeader(4), "TR-2") },
		"ResendRequest": func() Status { return p.ResendRequest(testHeader(5), 1, 0) },
		"SequenceReset": func() Status { return p.SequenceReset(testHeader(6), 10, true, true) },
		"Reject":        func() Status { return p.Reject(testHeader(7), 6, fixcodec.TagSendingTime, fixcodec.ReasonSendingTimeIssue) },
	}
	for name, fn := range steps {
		t.Run(name, func(t *testing.T) {
			pub.offered = nil
			if status := fn(); status != OK {
				t.Fatalf("%s: %v", name, status)
			}
			if len(pub.offered) != 1 {
				t.Fatalf("expected one offered buffer, got %d", len(pub.offered))
			}
			if !fixcodec.VerifyChecksum(pub.offered[0]) {
				t.Fatalf("%s: checksum does not verify", name)
			}
			msg, err := fixcodec.Parse(pub.offered[0])
			if err != nil {
				t.Fatalf("%s: parse: %v", name, err)
			}
			if msg.SenderCompID != "GATEWAY" || msg.TargetCompID != "CPTY" {
				t.Fatalf("%s: comp IDs = %s/%s, want GATEWAY/CPTY", name, msg.SenderCompID, msg.TargetCompID)
			}
		})
	}
}

func TestApplicationResendAddsPossDupAndOrigSendingTime(t *testing.T) {
	pub := &capturingPublisher{}
	p := New(pub)
	origTime := time.Date(2023, 6, 1, 9, 0, 0, 0, time.UTC)
	body := []byte("11=ORD-1\x01")

	if status := p.ApplicationResend(testHeader(9), "D", body, origTime); status != OK {
		t.Fatalf("ApplicationResend: %v", status)
	}
	msg, err := fixcodec.Parse(pub.offered[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !msg.FieldBool(fixcodec.TagPossDupFlag) {
		t.Errorf("expected PossDupFlag=Y")
	}
	orig, ok := msg.Field(fixcodec.TagOrigSendingTime)
	if !ok {
		t.Fatalf("expected OrigSendingTime to be present")
	}
	parsedOrig, err := fixcodec.ParseSendingTime(orig)
	if err != nil {
		t.Fatalf("parse OrigSendingTime: %v", err)
	}
	if !parsedOrig.Equal(origTime) {
		t.Errorf("OrigSendingTime = %v, want %v", parsedOrig, origTime)
	}
	if clOrdID, _ := msg.Field(11); string(clOrdID) != "ORD-1" {
		t.Errorf("expected original body field 11=ORD-1 to survive, got %q", clOrdID)
	}
}

func TestDisconnectCallsUnderlyingDisconnector(t *testing.T) {
	pub := &disconnectingPublisher{}
	p := New(pub)
	p.Disconnect()
	if !pub.disconnected {
		t.Fatalf("expected Disconnect to be forwarded to the underlying Publisher")
	}
}

type disconnectingPublisher struct {
	disconnected bool
}

func (p *disconnectingPublisher) Offer(buf []byte) Status { return OK }
func (p *disconnectingPublisher) Disconnect()              { p.disconnected = true }

var _ Disconnector = (*disconnectingPublisher)(nil)

func TestBackPressureStatusString(t *testing.T) {
	if BackPressure.String() != "BACK_PRESSURE" {
		t.Errorf("String() = %q, want BACK_PRESSURE", BackPressure.String())
	}
	if Status(99).String() != "UNKNOWN" {
		t.Errorf("unknown status String() = %q, want UNKNOWN", Status(99).String())
	}
}
