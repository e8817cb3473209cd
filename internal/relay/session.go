package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/wsrelay/internal/dialer"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
)

// State is the lifecycle position of a Session.
type State int32

const (
	AwaitingTarget State = iota
	Connecting
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingTarget:
		return "awaiting_target"
	case Connecting:
		return "connecting"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// TargetDialer opens the outbound connection for an accepted directive.
type TargetDialer interface {
	Dial(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error)
}

// Recorder receives session lifecycle notifications. Implementations must not block.
type Recorder interface {
	SessionOpened(id, remote string)
	SessionClosed(sum Summary)
}

// Summary describes a finished session.
type Summary struct {
	ID        string        `json:"id"`
	Remote    string        `json:"remote"`
	Target    string        `json:"target,omitempty"`
	TLS       bool          `json:"tls"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	BytesUp   int64         `json:"bytes_up"`
	BytesDown int64         `json:"bytes_down"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
}

// Config holds per-session limits.
type Config struct {
	// MaxPendingBytes caps payload buffered before the target is connected.
	MaxPendingBytes int
	// TargetWriteTimeout bounds a single write to the target. Zero selects the default,
	// a negative value disables the deadline.
	TargetWriteTimeout time.Duration
	// ReadBufferSize is the chunk size read from the target per binary frame.
	ReadBufferSize int
}

const (
	DefaultMaxPendingBytes    = 4 << 20
	DefaultReadBufferSize     = 32 << 10
	DefaultTargetWriteTimeout = 30 * time.Second
)

// Session outcomes, used as metric labels and in summaries.
const (
	OutcomeClientClosed = "client_closed"
	OutcomeChannelError = "channel_error"
	OutcomeTargetClosed = "target_closed"
	OutcomeTargetError  = "target_error"
	OutcomeDialFailed   = "dial_failed"
	OutcomeOverflow     = "overflow"
	OutcomeShutdown     = "shutdown"
)

type (
	frameEvent         struct{ frame Frame }
	channelClosedEvent struct{ err error }
	targetClosedEvent  struct{ err error }
	dialResultEvent    struct {
		conn    net.Conn
		err     error
		elapsed time.Duration
	}
)

// Session relays one WebSocket channel to at most one target. All state transitions
// happen on the goroutine running Run; helper goroutines report to it through events.
type Session struct {
	id     string
	remote string
	ch     Channel
	dialer TargetDialer
	cfg    Config
	rec    Recorder

	state     atomic.Int32
	target    net.Conn
	stopWatch func() bool
	directive proto.Directive
	useTLS    bool

	pending      [][]byte
	pendingBytes int

	events chan any
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	started   time.Time
	bytesUp   int64
	bytesDown atomic.Int64
	err       error
	outcome   string
}

// NewSession prepares a session for ch. rec may be nil.
func NewSession(id, remote string, ch Channel, d TargetDialer, cfg Config, rec Recorder) *Session {
	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.TargetWriteTimeout == 0 {
		cfg.TargetWriteTimeout = DefaultTargetWriteTimeout
	}
	return &Session{
		id:     id,
		remote: remote,
		ch:     ch,
		dialer: d,
		cfg:    cfg,
		rec:    rec,
		events: make(chan any),
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state; safe from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run drives the session until both sides are closed and all helper goroutines have
// exited. It returns nil for orderly endings and the terminal error otherwise.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	defer s.cancel(nil)
	s.started = time.Now()
	obs.ActiveSessions.Inc()
	defer obs.ActiveSessions.Dec()
	obs.Info("session.open", obs.Fields{"id": s.id, "remote": s.remote})
	if s.rec != nil {
		s.rec.SessionOpened(s.id, s.remote)
	}

	s.wg.Add(2)
	go s.readFrames()
	go s.watchChannel()

	for s.State() != Closed {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.ctx.Done():
			s.terminate(context.Cause(s.ctx))
		}
	}
	s.wg.Wait()
	s.finish()
	switch s.outcome {
	case OutcomeClientClosed, OutcomeTargetClosed, OutcomeShutdown:
		return nil
	}
	return s.err
}

func (s *Session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) readFrames() {
	defer s.wg.Done()
	for {
		f, err := s.ch.Receive()
		if err != nil {
			cerr := &ChannelError{Err: err}
			s.cancel(cerr)
			s.post(channelClosedEvent{err: cerr})
			return
		}
		if !s.post(frameEvent{frame: f}) {
			return
		}
	}
}

// watchChannel cancels the session when the channel dies. The frame reader cannot notice
// this while the loop is blocked writing to a target that stopped reading.
func (s *Session) watchChannel() {
	defer s.wg.Done()
	select {
	case <-s.ch.Done():
		s.cancel(&ChannelError{Err: ErrChannelClosed})
	case <-s.done:
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case frameEvent:
		s.handleFrame(ev.frame)
	case dialResultEvent:
		s.handleDialResult(ev)
	case targetClosedEvent:
		if errors.Is(ev.err, io.EOF) {
			s.terminate(errTargetClosed)
			return
		}
		s.terminate(&TargetIOError{Op: "read", Err: ev.err})
	case channelClosedEvent:
		s.terminate(ev.err)
	}
}

func (s *Session) handleFrame(f Frame) {
	switch s.State() {
	case AwaitingTarget:
		class, d, err := proto.Classify(f.Text, f.Payload)
		switch class {
		case proto.ClassDirective:
			s.connect(d)
		case proto.ClassUnknown:
			obs.Warn("session.directive.unknown", obs.Fields{"id": s.id, "type": d.Type})
		case proto.ClassRejected:
			obs.Warn("session.directive.rejected", obs.Fields{"id": s.id, "err": err})
			obs.ErrorsTotal.WithLabelValues("directive_rejected").Inc()
			s.sendControl(proto.Failure(err.Error()))
		default:
			s.buffer(f.Payload)
		}
	case Connecting:
		s.buffer(f.Payload)
	case Relaying:
		s.writeTarget(f.Payload)
	}
}

func (s *Session) buffer(p []byte) {
	if len(p) == 0 {
		return
	}
	if s.pendingBytes+len(p) > s.cfg.MaxPendingBytes {
		s.terminate(ErrPendingOverflow)
		return
	}
	s.pending = append(s.pending, p)
	s.pendingBytes += len(p)
	obs.Debug("session.buffered", obs.Fields{"id": s.id, "bytes": len(p), "pending": s.pendingBytes})
}

func (s *Session) connect(d proto.Directive) {
	s.directive = d
	s.useTLS = dialer.UseTLS(d.Port, d.TLS)
	s.setState(Connecting)
	obs.Info("session.connect", obs.Fields{"id": s.id, "host": d.Host, "port": d.Port, "tls": s.useTLS})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		conn, err := s.dialer.Dial(s.ctx, d.Host, d.Port, s.useTLS)
		if !s.post(dialResultEvent{conn: conn, err: err, elapsed: time.Since(start)}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) handleDialResult(ev dialResultEvent) {
	mode := s.mode()
	obs.DialDurationSeconds.WithLabelValues(mode).Observe(ev.elapsed.Seconds())
	if ev.err != nil {
		obs.DialTotal.WithLabelValues(mode, "error").Inc()
		kind := "unknown"
		var de *dialer.DialError
		if errors.As(ev.err, &de) {
			kind = string(de.Kind)
		}
		obs.ErrorsTotal.WithLabelValues("dial_" + kind).Inc()
		obs.Error("session.dial.failed", obs.Fields{"id": s.id, "target": s.targetAddr(), "kind": kind, "err": ev.err})
		s.terminate(ev.err)
		return
	}
	obs.DialTotal.WithLabelValues(mode, "ok").Inc()
	obs.Info("session.dial.ok", obs.Fields{"id": s.id, "target": s.targetAddr(), "tls": s.useTLS, "elapsed_ms": ev.elapsed.Milliseconds()})

	conn := ev.conn
	s.target = conn
	// Cancellation must unblock a loop stuck writing to a target that stopped reading.
	s.stopWatch = context.AfterFunc(s.ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	s.setState(Relaying)
	if !s.sendControl(proto.Connected()) {
		return
	}
	s.wg.Add(1)
	go s.pumpTarget(conn)

	pending := s.pending
	s.pending, s.pendingBytes = nil, 0
	for _, p := range pending {
		if !s.writeTarget(p) {
			return
		}
	}
}

func (s *Session) writeTarget(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if s.ctx.Err() != nil {
		s.terminate(context.Cause(s.ctx))
		return false
	}
	if s.cfg.TargetWriteTimeout > 0 {
		_ = s.target.SetWriteDeadline(time.Now().Add(s.cfg.TargetWriteTimeout))
	}
	n, err := s.target.Write(p)
	s.bytesUp += int64(n)
	obs.RelayedBytesTotal.WithLabelValues("up").Add(float64(n))
	if err != nil {
		s.terminate(&TargetIOError{Op: "write", Err: err})
		return false
	}
	return true
}

func (s *Session) pumpTarget(conn net.Conn) {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if serr := s.ch.Send(buf[:n], true); serr != nil {
				cerr := &ChannelError{Err: serr}
				s.cancel(cerr)
				s.post(channelClosedEvent{err: cerr})
				return
			}
			s.bytesDown.Add(int64(n))
			obs.RelayedBytesTotal.WithLabelValues("down").Add(float64(n))
		}
		if err != nil {
			s.post(targetClosedEvent{err: err})
			return
		}
	}
}

// sendControl writes a JSON control message; a failed write terminates the session.
func (s *Session) sendControl(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		s.terminate(err)
		return false
	}
	if err := s.ch.Send(b, false); err != nil {
		s.terminate(&ChannelError{Err: err})
		return false
	}
	return true
}

// terminate closes both sides once. It runs only on the Run goroutine.
func (s *Session) terminate(cause error) {
	if s.State() == Closed {
		return
	}
	cause = s.resolveCause(cause)
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.cancel(errTerminated)
	if s.target != nil {
		_ = s.target.Close()
	}
	if msg := failureMessage(cause); msg != "" && s.ch.IsOpen() {
		if b, err := json.Marshal(proto.Failure(msg)); err == nil {
			_ = s.ch.Send(b, false)
		}
	}
	_ = s.ch.Close()
	s.err = cause
	s.outcome = outcomeOf(cause)
	s.setState(Closed)
	close(s.done)
}

// resolveCause prefers the channel failure or shutdown that cancelled the session over
// the target error that cancellation provoked.
func (s *Session) resolveCause(cause error) error {
	if c := context.Cause(s.ctx); c != nil {
		var ce *ChannelError
		if errors.As(c, &ce) {
			return ce
		}
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return ErrShutdown
	}
	return cause
}

func failureMessage(cause error) string {
	var (
		de *dialer.DialError
		te *TargetIOError
		ce *ChannelError
	)
	switch {
	case cause == nil, errors.Is(cause, errTargetClosed), errors.As(cause, &ce):
		return ""
	case errors.As(cause, &de):
		return "dial failed: " + de.Error()
	case errors.As(cause, &te):
		return te.Error()
	}
	return cause.Error()
}

func outcomeOf(cause error) string {
	var (
		de *dialer.DialError
		te *TargetIOError
		ce *ChannelError
	)
	switch {
	case errors.Is(cause, errTargetClosed):
		return OutcomeTargetClosed
	case errors.As(cause, &ce):
		if errors.Is(ce, ErrChannelClosed) {
			return OutcomeClientClosed
		}
		return OutcomeChannelError
	case errors.As(cause, &de):
		return OutcomeDialFailed
	case errors.As(cause, &te):
		return OutcomeTargetError
	case errors.Is(cause, ErrPendingOverflow):
		return OutcomeOverflow
	case errors.Is(cause, ErrShutdown):
		return OutcomeShutdown
	}
	return OutcomeChannelError
}

func (s *Session) finish() {
	sum := Summary{
		ID:        s.id,
		Remote:    s.remote,
		TLS:       s.useTLS,
		Outcome:   s.outcome,
		BytesUp:   s.bytesUp,
		BytesDown: s.bytesDown.Load(),
		Started:   s.started,
		Duration:  time.Since(s.started),
	}
	if s.directive.Host != "" {
		sum.Target = s.targetAddr()
	}
	fields := obs.Fields{"id": s.id, "outcome": sum.Outcome, "bytes_up": sum.BytesUp, "bytes_down": sum.BytesDown, "duration_ms": sum.Duration.Milliseconds()}
	if s.err != nil && s.outcome != OutcomeClientClosed && s.outcome != OutcomeTargetClosed {
		sum.Error = s.err.Error()
		fields["err"] = s.err
	}
	obs.Info("session.closed", fields)
	obs.SessionsTotal.WithLabelValues(sum.Outcome).Inc()
	obs.SessionDurationSeconds.Observe(sum.Duration.Seconds())
	if s.rec != nil {
		s.rec.SessionClosed(sum)
	}
}

func (s *Session) mode() string {
	if s.useTLS {
		return "tls"
	}
	return "plain"
}

func (s *Session) targetAddr() string {
	return net.JoinHostPort(s.directive.Host, strconv.Itoa(s.directive.Port))
}
