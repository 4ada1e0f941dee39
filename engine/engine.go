// Package engine wires the pieces spec §5 describes into one runnable
// gateway: a Session registry keyed by stable identity, the durable
// sequence-number index, the archive, and the Replayer, driven by explicit
// per-frame dispatch and two tickers (poll, index flush) rather than a
// goroutine per concern.
//
// eenblam-protohackers/7 had one goroutine per session plus the listener's
// demux loop; here, per spec §9's "explicit state record inspected on each
// tick" adaptation, there is no per-session goroutine at all — HandleInbound
// is called synchronously by whatever owns the socket, and Poll is called
// from one ticker loop across every registered session, mirroring the
// "single Framer owns all session mutation" shape of spec §5.
package engine

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"artio/archive"
	"artio/clock"
	"artio/fixcodec"
	"artio/metrics"
	"artio/proxy"
	"artio/replay"
	"artio/replayquery"
	"artio/seqindex"
	"artio/session"
	"artio/transport"
)

// archiveStreamID is the single shared archive stream every session's
// history is interleaved into (spec §4.4: "the archive stream is totally
// ordered per streamId"); ReplayQuery separates sessions back out again by
// filtering on SessionID, so one stream safely serves every counterparty.
const archiveStreamID = uint32(1)

// ErrorHandler receives programmer-error invariant violations and
// persistence failures surfaced anywhere in the engine (spec §6/§7).
type ErrorHandler interface {
	HandleError(sessionID int64, err error)
}

// Config is the engine-wide, not-per-session configuration.
type Config struct {
	SenderCompID         string // this gateway's own CompID
	BeginString          string
	HeartbeatIntervalSec int
	SendingTimePrecision fixcodec.SendingTimePrecision
	QueueCapacity        int
	LogoutDrainTimeout   time.Duration
	IndexFlushInterval   time.Duration
	Replay               replay.Config
}

func (c Config) withDefaults() Config {
	if c.BeginString == "" {
		c.BeginString = "FIX.4.4"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = transport.DefaultQueueCapacity
	}
	if c.LogoutDrainTimeout <= 0 {
		c.LogoutDrainTimeout = 2 * time.Second
	}
	if c.IndexFlushInterval <= 0 {
		c.IndexFlushInterval = time.Second
	}
	return c
}

type sessionEntry struct {
	session        *session.Session
	endpoint       *transport.Endpoint
	targetCompID   string
	logoutDeadline int64 // monotonic nanos; 0 = no drain pending
}

// Engine owns the Session registry and the durable stores behind it.
type Engine struct {
	cfg          Config
	clock        clock.Clock
	registry     *transport.Registry
	seqIndex     *seqindex.Index
	archiveStore *archive.Store
	replayer     *replay.Replayer
	errs         ErrorHandler
	metrics      *metrics.Metrics

	mu            sync.Mutex
	entries       map[int64]*sessionEntry
	idByKey       map[string]int64
	nextSessionID atomic.Int64

	flushTicker *time.Ticker
	pollTicker  *time.Ticker
	done        chan struct{}
	wg          sync.WaitGroup
}

// New constructs an Engine. idx and arch are normally long-lived, opened
// once at process startup by cmd/artio-gateway. m may be nil (metrics
// disabled); every recording call below guards on that already.
func New(cfg Config, clk clock.Clock, idx *seqindex.Index, arch *archive.Store, errs ErrorHandler, m *metrics.Metrics) *Engine {
	cfg = cfg.withDefaults()
	query := replayquery.New(arch, archiveStreamID)
	return &Engine{
		cfg:          cfg,
		clock:        clk,
		registry:     transport.NewRegistry(),
		seqIndex:     idx,
		archiveStore: arch,
		replayer:     replay.New(query, cfg.Replay, m),
		errs:         errs,
		metrics:      m,
		entries:      make(map[int64]*sessionEntry),
		idByKey:      make(map[string]int64),
		done:         make(chan struct{}),
	}
}

// HandleError implements session.ErrorHandler: every Session the engine
// builds reports through here, which logs and forwards to the configured
// ErrorHandler (spec §6/§7 — no unchecked faults cross worker boundaries).
func (e *Engine) HandleError(sessionID int64, err error) {
	log.Printf("Engine[%d].HandleError: %v", sessionID, err)
	if e.errs != nil {
		e.errs.HandleError(sessionID, err)
	}
}

// sessionKey is the stable identity spec §D calls for. Real multi-gateway
// deployments would fold SenderCompID in too; this gateway has exactly one
// local identity (cfg.SenderCompID), so the counterparty's CompID alone is
// enough to key on.
func sessionKey(targetCompID string) string { return targetCompID }

// allSessionStateNames lists every session.State label in declaration order,
// for metrics.Metrics.SetSessionState's per-state gauge zeroing.
var allSessionStateNames = []string{
	session.Connecting.String(),
	session.Connected.String(),
	session.SentLogon.String(),
	session.Active.String(),
	session.AwaitingResend.String(),
	session.SentLogout.String(),
	session.Disconnected.String(),
}

func (e *Engine) recordSessionState(s *session.Session) {
	e.metrics.SetSessionState(strconv.FormatInt(s.ID(), 10), allSessionStateNames, s.State().String())
}

// Connect returns the Session for targetCompID, creating a fresh durable
// sessionID on first contact or rebuilding the existing one (seeded from
// the durable sequence index) on reconnect — spec §D: the identity and its
// counters survive a reconnect even though the live Session object doesn't.
func (e *Engine) Connect(targetCompID string) (*session.Session, *transport.Endpoint) {
	key := sessionKey(targetCompID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.idByKey[key]; ok {
		if entry, live := e.entries[id]; live && entry.session.State() != session.Disconnected {
			return entry.session, entry.endpoint
		}
		return e.buildSessionLocked(id, targetCompID)
	}

	id := e.nextSessionID.Add(1)
	e.idByKey[key] = id
	return e.buildSessionLocked(id, targetCompID)
}

func (e *Engine) buildSessionLocked(id int64, targetCompID string) (*session.Session, *transport.Endpoint) {
	endpoint, _ := e.registry.LoadOrCreate(sessionKey(targetCompID), e.cfg.QueueCapacity)
	pub := &archivingPublisher{sessionID: id, streamID: archiveStreamID, next: endpoint, store: e.archiveStore, errs: e, metrics: e.metrics}
	px := proxy.New(pub)

	scfg := session.Config{
		SessionID:            id,
		SenderCompID:         e.cfg.SenderCompID,
		TargetCompID:         targetCompID,
		BeginString:          e.cfg.BeginString,
		HeartbeatIntervalSec: e.cfg.HeartbeatIntervalSec,
		SendingTimePrecision: e.cfg.SendingTimePrecision,
	}
	if rec, err := e.seqIndex.Lookup(id); err == nil {
		scfg.InitialExpectedSeqNo = int64(rec.LastRecvSeqNum) + 1
		scfg.InitialLastSentMsgSeqNum = int64(rec.LastSentSeqNum)
	}

	s := session.New(scfg, e.clock, px, e, e.replayer)
	e.entries[id] = &sessionEntry{session: s, endpoint: endpoint, targetCompID: targetCompID}
	e.metrics.SetSessionsActive(len(e.entries))
	e.recordSessionState(s)
	return s, endpoint
}

// archivingPublisher archives every outbound message immediately after it
// clears the transport queue, so a message a session sends is replayable
// the moment it's sent, not only once some separate archiving pass gets to
// it.
type archivingPublisher struct {
	sessionID int64
	streamID  uint32
	next      proxy.Publisher
	store     *archive.Store
	errs      ErrorHandler
	metrics   *metrics.Metrics
}

func (p *archivingPublisher) Offer(buf []byte) proxy.Status {
	status := p.next.Offer(buf)
	if status == proxy.OK {
		if msg, err := fixcodec.Parse(buf); err == nil {
			if _, aerr := p.store.Append(p.streamID, p.sessionID, int32(msg.MsgSeqNum), msg.MsgType, buf); aerr != nil {
				p.errs.HandleError(p.sessionID, fmt.Errorf("archive outbound: %w", aerr))
			} else {
				p.metrics.RecordArchiveAppend()
			}
			p.metrics.RecordMessageOut(msg.MsgType)
		}
	} else if status == proxy.BackPressure {
		p.metrics.RecordBackPressure("outbound_queue_full")
	}
	return status
}

func (p *archivingPublisher) Disconnect() {
	if d, ok := p.next.(proxy.Disconnector); ok {
		d.Disconnect()
	}
}

// HandleInbound parses and dispatches one raw inbound FIX frame for
// sessionID — the Framer worker's per-message body (spec §4.1). It archives
// the inbound frame, routes it to the matching Session method, and
// persists the session's updated counters to the durable index.
func (e *Engine) HandleInbound(sessionID int64, raw []byte) error {
	e.mu.Lock()
	entry, ok := e.entries[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown session %d", sessionID)
	}
	s := entry.session
	wasAwaitingResend := s.State() == session.AwaitingResend

	if !fixcodec.VerifyChecksum(raw) {
		return fmt.Errorf("engine: session %d: checksum mismatch", sessionID)
	}
	msg, err := fixcodec.Parse(raw)
	if err != nil {
		return fmt.Errorf("engine: session %d: %w", sessionID, err)
	}

	var archivePos int64
	if pos, aerr := e.archiveStore.Append(archiveStreamID, sessionID, int32(msg.MsgSeqNum), msg.MsgType, raw); aerr != nil {
		e.HandleError(sessionID, fmt.Errorf("archive inbound: %w", aerr))
	} else {
		archivePos = pos
		e.metrics.RecordArchiveAppend()
	}
	e.metrics.RecordMessageIn(msg.MsgType)

	if err := s.ValidateHeader(msg.MsgSeqNum, msg.SenderCompID, msg.TargetCompID, msg.SendingTimeValid()); err != nil {
		e.persistCounters(sessionID, s, archivePos)
		return err
	}

	possDup := msg.FieldBool(fixcodec.TagPossDupFlag)
	switch msg.MsgType {
	case fixcodec.MsgTypeLogon:
		heartbeatInterval, _, _ := msg.FieldInt(fixcodec.TagHeartBtInt)
		resetSeqNumFlag := msg.FieldBool(fixcodec.TagResetSeqNumFlag)
		err = s.OnLogon(msg.MsgSeqNum, heartbeatInterval, resetSeqNumFlag)
	case fixcodec.MsgTypeLogout:
		s.OnLogout(msg.MsgSeqNum)
	case fixcodec.MsgTypeHeartbeat:
		err = s.OnMessage(msg.MsgSeqNum, possDup)
	case fixcodec.MsgTypeTestRequest:
		if err = s.OnMessage(msg.MsgSeqNum, possDup); err == nil {
			testReqID, _ := msg.Field(fixcodec.TagTestReqID)
			s.OnTestRequest(string(testReqID))
		}
	case fixcodec.MsgTypeResendRequest:
		if err = s.OnMessage(msg.MsgSeqNum, possDup); err == nil {
			beginSeqNo, _, _ := msg.FieldInt(fixcodec.TagBeginSeqNo)
			endSeqNo, _, _ := msg.FieldInt(fixcodec.TagEndSeqNo)
			correlationID := uuid.New().String()
			log.Printf("Engine[%d]: resend[%s] begin=%d end=%d", sessionID, correlationID, beginSeqNo, endSeqNo)
			e.metrics.RecordResendServed()
			if rerr := s.OnResendRequest(beginSeqNo, endSeqNo); rerr != nil {
				e.HandleError(sessionID, fmt.Errorf("resend[%s]: %w", correlationID, rerr))
			}
		}
	case fixcodec.MsgTypeSequenceReset:
		newSeqNo, _, _ := msg.FieldInt(fixcodec.TagNewSeqNo)
		gapFill := msg.FieldBool(fixcodec.TagGapFillFlag)
		err = s.OnSequenceReset(msg.MsgSeqNum, newSeqNo, gapFill, possDup)
	default:
		err = s.OnMessage(msg.MsgSeqNum, possDup)
	}

	if !wasAwaitingResend && s.State() == session.AwaitingResend {
		e.metrics.RecordSequenceGap()
	}
	e.recordSessionState(s)
	e.persistCounters(sessionID, s, archivePos)
	return err
}

// persistCounters records sessionID's updated sequence counters against the
// archive position of the inbound message that produced them (spec §4.3).
// A restart reads back only the sequence counters; ReplayQuery finds its
// start position through the archive's own (sessionID, seqNum) index.
func (e *Engine) persistCounters(sessionID int64, s *session.Session, archivePos int64) {
	if err := e.seqIndex.OnMessage(sessionID, int32(s.LastSentMsgSeqNum()), int32(s.LastReceivedMsgSeqNum()), archivePos); err != nil {
		e.HandleError(sessionID, fmt.Errorf("seqindex: %w", err))
	}
}

// Poll drives every registered session's heartbeat/timeout/replay-resume
// logic and enforces the SENT_LOGOUT drain timeout (spec §D). It returns
// the number of sessions that had work done, for the idle strategy spec §5
// calls for: callers keep polling eagerly while work is happening and back
// off (e.g. sleep) when a whole pass does nothing.
func (e *Engine) Poll(nowNanos int64) (sessionsWithWork int) {
	e.mu.Lock()
	snapshot := make([]*sessionEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		snapshot = append(snapshot, entry)
	}
	e.mu.Unlock()

	drainNanos := int64(e.cfg.LogoutDrainTimeout)
	for _, entry := range snapshot {
		work := false
		if entry.session.State() == session.SentLogout {
			if entry.logoutDeadline == 0 {
				entry.logoutDeadline = nowNanos + drainNanos
			} else if nowNanos >= entry.logoutDeadline {
				entry.session.ForceDisconnect()
				work = true
			}
		} else {
			entry.logoutDeadline = 0
		}

		if entry.session.Poll(nowNanos) {
			work = true
		}
		if e.replayer.Tick(entry.session.ID()) {
			work = true
		}
		if work {
			sessionsWithWork++
			e.recordSessionState(entry.session)
		}
	}
	return sessionsWithWork
}

// runIndexer flushes the durable sequence index on a fixed interval rather
// than after every message (spec §D: "archive stream fsync batching").
func (e *Engine) runIndexer() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.flushTicker.C:
			if e.seqIndex.Dirty() {
				start := e.clock.MonotonicNanos()
				if err := e.seqIndex.Flush(); err != nil {
					e.HandleError(0, fmt.Errorf("seqindex flush: %w", err))
				} else {
					e.metrics.RecordIndexFlush(float64(e.clock.MonotonicNanos()-start) / float64(time.Second))
				}
			}
		}
	}
}

// runPoll drives Poll on a fixed cadence. A production Framer would busy
// spin while Poll reports work and park when it doesn't (spec §5); a
// ticker is the adaptation suited to not running the Go scheduler hot in
// this reference implementation.
func (e *Engine) runPoll(interval time.Duration) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.pollTicker.C:
			e.Poll(e.clock.MonotonicNanos())
		}
	}
}

// Start launches the poll and index-flush tickers. Call Stop to shut them
// down.
func (e *Engine) Start(pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	e.pollTicker = time.NewTicker(pollInterval)
	e.flushTicker = time.NewTicker(e.cfg.IndexFlushInterval)
	e.wg.Add(2)
	go e.runPoll(pollInterval)
	go e.runIndexer()
}

// Stop halts the tickers and waits for both loops to return. It does not
// disconnect sessions; callers that want a clean shutdown should drive
// StartLogout on every session first and let Poll's drain timeout finish
// them off (spec §D).
func (e *Engine) Stop() {
	close(e.done)
	if e.pollTicker != nil {
		e.pollTicker.Stop()
	}
	if e.flushTicker != nil {
		e.flushTicker.Stop()
	}
	e.wg.Wait()
}

// SessionCount reports how many sessions are currently registered, live or
// drained. Intended for tests and metrics.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}
