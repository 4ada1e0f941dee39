// Package replay implements the Replayer/GapFiller (spec §4.5): the
// service that answers a ResendRequest by walking the archive and either
// gap-filling (SequenceReset) or re-emitting (PossDup resend) each message
// in range.
//
// eenblam-protohackers/7 ran one goroutine per session for its read/write
// loop; a FIX resend cycle cannot be driven that way because back-pressure
// must be resumable without losing place or duplicating output (spec §9).
// So, per the same "explicit state record inspected on each tick" adaptation
// session.go uses for its own poll loop, Replayer keeps one replayState per
// session in progress and advances it a step at a time from
// HandleResendRequest and from Tick, never blocking.
package replay

import (
	"fmt"
	"sync"
	"time"

	"artio/archive"
	"artio/fixcodec"
	"artio/metrics"
	"artio/proxy"
	"artio/replayquery"
	"artio/session"
)

// Query is the subset of replayquery.Query's API a Replayer needs.
type Query interface {
	Run(sessionID int64, beginSeqNo, endSeqNo int32, handler replayquery.Handler) (int, error)
}

// DefaultGapfillMessageTypes returns the admin message types that are
// gap-filled rather than individually resent during a replay (spec §4.5:
// administrative messages other than the ones actually referenced by the
// requester carry no application meaning to the peer a second time around).
func DefaultGapfillMessageTypes() map[string]bool {
	return map[string]bool{
		fixcodec.MsgTypeLogon:         true,
		fixcodec.MsgTypeLogout:        true,
		fixcodec.MsgTypeHeartbeat:     true,
		fixcodec.MsgTypeTestRequest:   true,
		fixcodec.MsgTypeResendRequest: true,
		fixcodec.MsgTypeSequenceReset: true,
		fixcodec.MsgTypeReject:        true,
	}
}

// Config configures a Replayer.
type Config struct {
	// GapfillMessageTypes names the message types gap-filled instead of
	// resent. Nil selects DefaultGapfillMessageTypes.
	GapfillMessageTypes map[string]bool

	// MaxConcurrentSessionReplays bounds how many sessions may have a
	// resend in flight at once (spec §4.5 "Concurrency bound"); additional
	// requests queue FIFO until a slot frees. Zero means 1.
	MaxConcurrentSessionReplays int
}

const (
	actionNone = iota
	actionGapFill
	actionAppResend
)

// pendingAction is the exact wire action a replayState was blocked on by
// BACK_PRESSURE, retried verbatim (same seqNum, same bytes) on the next
// drive so nothing is duplicated or skipped (spec §4.5).
type pendingAction struct {
	kind int

	gapStart, gapNewSeqNo int // actionGapFill

	appSeqNum      int // actionAppResend (and the app message a resolved gap-fill leads into)
	appMsgType     string
	appBody        []byte
	appSendingTime time.Time
}

type replayState struct {
	session *session.Session

	cursor       int32 // next archive seqNum not yet fully emitted
	effectiveEnd int32

	pendingGapStart int32 // 0 = no open gap
	pending         *pendingAction

	admitted bool // holds a concurrency slot
}

// Replayer is the session.ReplayHandler implementation backing every
// session's resend service.
type Replayer struct {
	query       Query
	gapfillType map[string]bool
	metrics     *metrics.Metrics

	mu     sync.Mutex
	active map[int64]*replayState
	queue  []*replayState
	sem    chan struct{}
}

// New returns a Replayer reading from query. m may be nil (metrics disabled).
func New(query Query, cfg Config, m *metrics.Metrics) *Replayer {
	gapfill := cfg.GapfillMessageTypes
	if gapfill == nil {
		gapfill = DefaultGapfillMessageTypes()
	}
	maxConcurrent := cfg.MaxConcurrentSessionReplays
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Replayer{
		query:       query,
		gapfillType: gapfill,
		metrics:     m,
		active:      make(map[int64]*replayState),
		sem:         make(chan struct{}, maxConcurrent),
	}
}

// HandleResendRequest implements session.ReplayHandler (spec §4.5).
func (r *Replayer) HandleResendRequest(s *session.Session, beginSeqNo, endSeqNo int) error {
	if beginSeqNo < 1 || (endSeqNo != 0 && endSeqNo < beginSeqNo) {
		return fmt.Errorf("replay: session %d: invalid range [%d,%d]", s.ID(), beginSeqNo, endSeqNo)
	}

	lastSent := int(s.LastSentMsgSeqNum())
	if beginSeqNo > lastSent {
		// Spec §4.5 step 1: nothing to replay; reject rather than service.
		s.RejectResendRequest(beginSeqNo)
		return nil
	}

	effectiveEnd := lastSent
	if endSeqNo != 0 && endSeqNo < lastSent {
		effectiveEnd = endSeqNo
	}

	state := &replayState{
		session:      s,
		cursor:       int32(beginSeqNo),
		effectiveEnd: int32(effectiveEnd),
	}

	r.mu.Lock()
	if _, exists := r.active[s.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("replay: session %d: resend already in progress", s.ID())
	}
	r.active[s.ID()] = state
	r.mu.Unlock()

	r.admitOrQueue(state)
	return nil
}

// Tick resumes a session's in-flight replay, if any, attempting further
// progress without blocking. It returns whether the session had replay work
// to attempt, so the owning worker's idle strategy (spec §5) can fold this
// into the same workDone accounting as Session.Poll.
func (r *Replayer) Tick(sessionID int64) (workDone bool) {
	r.mu.Lock()
	state, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok || !state.admitted {
		return false
	}
	if r.drive(state) {
		r.finish(state)
	}
	return true
}

// admitOrQueue gives state a concurrency slot immediately if one is free,
// otherwise FIFO-queues it (spec §4.5 "Concurrency bound").
func (r *Replayer) admitOrQueue(state *replayState) {
	select {
	case r.sem <- struct{}{}:
		state.admitted = true
		if r.drive(state) {
			r.finish(state)
		}
	default:
		r.mu.Lock()
		r.queue = append(r.queue, state)
		depth := len(r.queue)
		r.mu.Unlock()
		r.metrics.SetReplayQueueDepth(depth)
	}
}

// finish releases state's slot (if any) directly to the next queued replay,
// without an intervening release/acquire race, and drops state from active.
func (r *Replayer) finish(state *replayState) {
	r.mu.Lock()
	delete(r.active, state.session.ID())
	var next *replayState
	if state.admitted {
		if len(r.queue) > 0 {
			next = r.queue[0]
			r.queue = r.queue[1:]
		} else {
			<-r.sem
		}
	}
	depth := len(r.queue)
	r.mu.Unlock()
	r.metrics.SetReplayQueueDepth(depth)

	if next != nil {
		next.admitted = true
		if r.drive(next) {
			r.finish(next)
		}
	}
}

// drive advances state as far as it can go without blocking, returning
// whether the replay is complete (including any trailing gap-fill).
func (r *Replayer) drive(state *replayState) (done bool) {
	if state.pending != nil {
		if !r.applyPending(state) {
			return false
		}
	}

	if state.cursor <= state.effectiveEnd {
		_, err := r.query.Run(state.session.ID(), state.cursor, state.effectiveEnd, func(msg archive.Message) bool {
			return r.processMessage(state, msg)
		})
		if err != nil {
			// The archive itself is unreadable; nothing further can be
			// done for this request. The replay ends here without
			// retrying, and the error is not passed on to any handler.
			return true
		}
		if state.pending != nil {
			return false // stopped mid-scan on BACK_PRESSURE
		}
	}

	if state.pendingGapStart != 0 {
		newSeqNo := int(state.effectiveEnd) + 1
		status := state.session.EmitGapFill(int(state.pendingGapStart), newSeqNo)
		if status != proxy.OK {
			state.pending = &pendingAction{kind: actionGapFill, gapStart: int(state.pendingGapStart), gapNewSeqNo: newSeqNo}
			return false
		}
		r.metrics.RecordResendMessageSent()
		state.pendingGapStart = 0
	}
	return true
}

// processMessage is the replayquery.Handler for one message in range. It
// returns false (stop scanning) exactly when BACK_PRESSURE leaves
// state.pending set for the next drive to retry.
func (r *Replayer) processMessage(state *replayState, msg archive.Message) bool {
	if r.gapfillType[msg.MessageType] {
		if state.pendingGapStart == 0 {
			state.pendingGapStart = msg.SeqNum
		}
		state.cursor = msg.SeqNum + 1
		return true
	}

	parsed, err := fixcodec.Parse(msg.Bytes)
	if err != nil {
		// Can't reconstruct this message; skip it rather than wedge the
		// whole replay (spec doesn't define corrupt-archive behavior).
		state.cursor = msg.SeqNum + 1
		return true
	}
	body := fixcodec.BodyFieldsExcludingHeader(parsed)

	if state.pendingGapStart != 0 {
		status := state.session.EmitGapFill(int(state.pendingGapStart), int(msg.SeqNum))
		if status != proxy.OK {
			state.pending = &pendingAction{
				kind: actionGapFill, gapStart: int(state.pendingGapStart), gapNewSeqNo: int(msg.SeqNum),
				appSeqNum: int(msg.SeqNum), appMsgType: msg.MessageType, appBody: body, appSendingTime: parsed.SendingTime,
			}
			return false
		}
		r.metrics.RecordResendMessageSent()
		state.pendingGapStart = 0
	}

	status := state.session.EmitApplicationResend(int(msg.SeqNum), msg.MessageType, body, parsed.SendingTime)
	if status != proxy.OK {
		state.pending = &pendingAction{
			kind: actionAppResend, appSeqNum: int(msg.SeqNum), appMsgType: msg.MessageType,
			appBody: body, appSendingTime: parsed.SendingTime,
		}
		return false
	}
	r.metrics.RecordResendMessageSent()
	state.cursor = msg.SeqNum + 1
	return true
}

// applyPending retries the exact action state was blocked on, returning
// whether it resolved (cleared or advanced to the next blocking point).
func (r *Replayer) applyPending(state *replayState) bool {
	p := state.pending
	switch p.kind {
	case actionGapFill:
		status := state.session.EmitGapFill(p.gapStart, p.gapNewSeqNo)
		if status != proxy.OK {
			return false
		}
		r.metrics.RecordResendMessageSent()
		state.pendingGapStart = 0
		if p.appSeqNum == 0 {
			// Trailing gap-fill; nothing follows it.
			state.pending = nil
			return true
		}
		status = state.session.EmitApplicationResend(p.appSeqNum, p.appMsgType, p.appBody, p.appSendingTime)
		if status != proxy.OK {
			state.pending = &pendingAction{
				kind: actionAppResend, appSeqNum: p.appSeqNum, appMsgType: p.appMsgType,
				appBody: p.appBody, appSendingTime: p.appSendingTime,
			}
			return false
		}
		r.metrics.RecordResendMessageSent()
		state.cursor = int32(p.appSeqNum) + 1
		state.pending = nil
		return true

	case actionAppResend:
		status := state.session.EmitApplicationResend(p.appSeqNum, p.appMsgType, p.appBody, p.appSendingTime)
		if status != proxy.OK {
			return false
		}
		r.metrics.RecordResendMessageSent()
		state.cursor = int32(p.appSeqNum) + 1
		state.pending = nil
		return true

	default:
		state.pending = nil
		return true
	}
}
