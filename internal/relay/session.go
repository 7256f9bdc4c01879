package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/policy"
	"github.com/antoniostano/voicerelay/internal/protocol"
	"github.com/antoniostano/voicerelay/internal/realtime"
	"github.com/antoniostano/voicerelay/internal/reliability"
)

// Terminal messages sent to the client.
const (
	MsgAuthFailed     = "Session setup failed: could not authenticate with the realtime service"
	MsgConnectFailed  = "Session setup failed: could not connect to the realtime service"
	MsgUpstreamClosed = "Upstream connection closed"
	MsgUpstreamError  = "Upstream connection error"
	MsgShutdown       = "Server shutting down"
)

// End reasons recorded in Stats.
const (
	EndClientClosed          = "client_closed"
	EndClientError           = "client_error"
	EndTokenFailed           = "token_failed"
	EndUpstreamConnectFailed = "upstream_connect_failed"
	EndUpstreamClosed        = "upstream_closed"
	EndUpstreamError         = "upstream_error"
	EndShutdown              = "shutdown"
)

var (
	ErrSessionStarted  = errors.New("relay: session already started")
	errUpstreamNotOpen = errors.New("upstream leg not open")
)

// Config is the per-session conversation setup.
type Config struct {
	Preset        string
	Session       realtime.SessionConfig
	Greeting      string
	GreetingDelay time.Duration
}

// Params wires a Session to its client leg and upstream collaborators.
type Params struct {
	ID       string
	Client   Channel
	Tokens   TokenSource
	Upstream UpstreamDialer
	Config   Config
	Logger   *zap.Logger
	Metrics  *observability.Metrics

	// OnStateChange is called from the session goroutine after every transition.
	OnStateChange func(State)
}

// Stats is a point-in-time view of a session.
type Stats struct {
	State        State
	AudioIn      int
	AudioOut     int
	Malformed    int
	Dropped      int
	GreetingSent bool
	EndReason    string
	StartedAt    time.Time
	ReadyAt      time.Time
	EndedAt      time.Time
}

// Session is one client leg paired with one upstream leg. Run may be called
// once; the session owns both legs and closes them before Run returns.
type Session struct {
	id      string
	client  Channel
	tokens  TokenSource
	dialer  UpstreamDialer
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	onState func(State)

	mu      sync.Mutex
	state   State
	stats   Stats
	started bool
}

// NewSession validates p and returns an idle session. A blank ID gets a generated one.
func NewSession(p Params) (*Session, error) {
	if p.Client == nil {
		return nil, errors.New("relay: client channel is required")
	}
	if p.Tokens == nil {
		return nil, errors.New("relay: token source is required")
	}
	if p.Upstream == nil {
		return nil, errors.New("relay: upstream dialer is required")
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = uuid.NewString()
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := p.Config
	if cfg.GreetingDelay < 0 {
		cfg.GreetingDelay = 0
	}
	return &Session{
		id:      id,
		client:  p.Client,
		tokens:  p.Tokens,
		dialer:  p.Upstream,
		cfg:     cfg,
		logger:  logger.With(zap.String("session_id", id), zap.String("preset", cfg.Preset)),
		metrics: p.Metrics,
		onState: p.OnStateChange,
		state:   StateConnecting,
		stats:   Stats{State: StateConnecting},
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run drives the session until either leg ends or ctx is cancelled, and
// returns the terminal cause: *ClientDisconnectError, *UpstreamClosedError,
// *UpstreamConnectError, a wrapped *realtime.AuthError or ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.started = true
	s.stats.StartedAt = time.Now()
	s.mu.Unlock()

	setupCtx, cancelSetup := context.WithCancel(ctx)
	r := &runner{
		s:      s,
		done:   make(chan struct{}),
		frames: make(chan inbound),
		tokens: make(chan tokenResult),
		dials:  make(chan dialResult),
	}

	cause := r.loop(ctx, setupCtx)

	cancelSetup()
	close(r.done)
	r.stopGreeting()
	if r.upstream != nil {
		_ = r.upstream.Close()
	}
	_ = s.client.Close()
	if err := r.g.Wait(); err != nil {
		s.logger.Debug("leg reader stopped", zap.String("reason", reliability.CloseReason(err)))
	}

	s.update(func(st *Stats) {
		st.EndedAt = time.Now()
		if st.EndReason == "" {
			st.EndReason = EndClientClosed
		}
	})
	s.transition(StateClosed)
	stats := s.Stats()
	s.logger.Info("session ended",
		zap.String("end_reason", stats.EndReason),
		zap.Int("audio_in", stats.AudioIn),
		zap.Int("audio_out", stats.AudioOut),
		zap.Int("malformed", stats.Malformed),
		zap.Int("dropped", stats.Dropped),
		zap.Duration("duration", stats.EndedAt.Sub(stats.StartedAt)),
	)
	return cause
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next || prev == StateClosed || (prev == StateFailed && next != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.stats.State = next
	if next == StateActive {
		s.stats.ReadyAt = time.Now()
	}
	s.mu.Unlock()

	s.logger.Info("session state changed", zap.String("from", prev.String()), zap.String("to", next.String()))
	if s.onState != nil {
		s.onState(next)
	}
}

func (s *Session) update(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

type inbound struct {
	leg  Leg
	data []byte
	err  error
}

type tokenResult struct {
	token string
	err   error
	took  time.Duration
}

type dialResult struct {
	conn Channel
	err  error
	took time.Duration
}

// runner holds the state owned by the Run goroutine. Only that goroutine
// writes to either leg.
type runner struct {
	s *Session
	g errgroup.Group

	done   chan struct{}
	frames chan inbound
	tokens chan tokenResult
	dials  chan dialResult

	upstream      Channel
	greet         *time.Timer
	greetC        <-chan time.Time
	greetingArmed bool
	firstAudio    bool
	turnChunks    int
}

func (r *runner) loop(ctx, setupCtx context.Context) error {
	s := r.s
	if err := r.sendClient(protocol.NewConnected(s.id, time.Now())); err != nil {
		return r.clientGone(err)
	}
	s.metrics.ObserveSessionEvent("connected")
	r.g.Go(func() error { return r.pump(LegClient, s.client) })

	s.transition(StateAcquiringToken)
	r.g.Go(func() error {
		r.acquireToken(setupCtx)
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return r.shutdown(ctx)
		case res := <-r.tokens:
			if err := r.onToken(ctx, setupCtx, res); err != nil {
				return err
			}
		case res := <-r.dials:
			if err := r.onDial(ctx, res); err != nil {
				return err
			}
		case in := <-r.frames:
			if err := r.onFrame(in); err != nil {
				return err
			}
		case <-r.greetC:
			r.onGreeting()
		}
	}
}

func (r *runner) pump(leg Leg, ch Channel) error {
	for {
		data, err := ch.ReadMessage()
		select {
		case r.frames <- inbound{leg: leg, data: data, err: err}:
		case <-r.done:
			return err
		}
		if err != nil {
			return err
		}
	}
}

func (r *runner) acquireToken(ctx context.Context) {
	started := time.Now()
	token, err := r.s.tokens.AcquireToken(ctx)
	res := tokenResult{token: token, err: err, took: time.Since(started)}
	select {
	case r.tokens <- res:
	case <-r.done:
	}
}

func (r *runner) dial(ctx context.Context, token string) {
	started := time.Now()
	conn, err := r.s.dialer.Dial(ctx, token)
	res := dialResult{conn: conn, err: err, took: time.Since(started)}
	select {
	case r.dials <- res:
	case <-r.done:
		if conn != nil {
			_ = conn.Close()
		}
	}
}

func (r *runner) onToken(ctx, setupCtx context.Context, res tokenResult) error {
	s := r.s
	if res.err != nil {
		if ctx.Err() != nil {
			return r.shutdown(ctx)
		}
		s.metrics.ObserveTokenRequest("error", res.took)
		s.metrics.ObserveSessionEvent("token_failed")
		s.logger.Warn("token acquisition failed",
			zap.String("error", policy.Redact(res.err.Error())),
			zap.Duration("took", res.took),
		)
		return r.fail(EndTokenFailed, protocol.NewError(MsgAuthFailed), fmt.Errorf("acquire token: %w", res.err))
	}

	s.metrics.ObserveTokenRequest("ok", res.took)
	s.metrics.ObserveStage(observability.StageTokenAcquire, res.took)
	s.transition(StateOpeningUpstream)
	token := res.token
	r.g.Go(func() error {
		r.dial(setupCtx, token)
		return nil
	})
	return nil
}

func (r *runner) onDial(ctx context.Context, res dialResult) error {
	s := r.s
	if res.err != nil {
		if ctx.Err() != nil {
			return r.shutdown(ctx)
		}
		s.metrics.ObserveSessionEvent("upstream_connect_failed")
		s.logger.Warn("upstream dial failed",
			zap.String("error", policy.Redact(res.err.Error())),
			zap.Duration("took", res.took),
		)
		return r.fail(EndUpstreamConnectFailed, protocol.NewError(MsgConnectFailed), &UpstreamConnectError{Err: res.err})
	}

	r.upstream = res.conn
	s.metrics.ObserveStage(observability.StageUpstreamOpen, res.took)
	r.g.Go(func() error { return r.pump(LegUpstream, res.conn) })
	s.transition(StateAwaitingReady)

	if err := r.sendUpstream(realtime.NewSessionUpdate(s.cfg.Session)); err != nil {
		return r.upstreamFailed(err)
	}
	if err := r.sendClient(protocol.NewConnectionEstablished()); err != nil {
		return r.clientGone(err)
	}
	return nil
}

func (r *runner) onFrame(in inbound) error {
	s := r.s
	if in.err != nil {
		if in.leg == LegClient {
			return r.clientGone(in.err)
		}
		return r.upstreamFailed(in.err)
	}

	state := s.State()
	d := Classify(state, in.leg, in.data)
	s.metrics.ObserveWSMessage(string(in.leg)+"_in", d.Kind)

	switch {
	case d.Err != nil:
		s.update(func(st *Stats) { st.Malformed++ })
		s.metrics.ObserveDropped(string(in.leg), d.Drop)
		s.logger.Warn("malformed event dropped", zap.String("leg", string(in.leg)), zap.Error(d.Err))
	case d.Drop != "":
		s.update(func(st *Stats) { st.Dropped++ })
		s.metrics.ObserveDropped(string(in.leg), d.Drop)
		s.logger.Debug("event dropped",
			zap.String("leg", string(in.leg)),
			zap.String("kind", d.Kind),
			zap.String("reason", d.Drop),
		)
	}
	if in.leg == LegUpstream && d.Kind == realtime.EventError {
		s.logger.Warn("upstream reported error", zap.Any("event", d.ToClient))
	}

	for _, ev := range d.ToUpstream {
		if err := r.sendUpstream(ev); err != nil {
			return r.upstreamFailed(err)
		}
	}
	for _, ev := range d.ToClient {
		if err := r.sendClient(ev); err != nil {
			return r.clientGone(err)
		}
	}

	if d.AudioIn {
		s.update(func(st *Stats) { st.AudioIn++ })
	}
	if d.AudioOut {
		r.onAudioOut()
	}
	if d.TurnDone {
		s.logger.Debug("response done", zap.Int("audio_chunks", r.turnChunks))
		r.turnChunks = 0
	}
	if d.Next != state {
		s.transition(d.Next)
		if d.Next == StateActive {
			stats := s.Stats()
			s.metrics.ObserveSessionEvent("ready")
			s.metrics.ObserveStage(observability.StageConnectToReady, stats.ReadyAt.Sub(stats.StartedAt))
		}
	}
	if d.ArmGreeting {
		r.armGreeting()
	}
	return nil
}

func (r *runner) onAudioOut() {
	s := r.s
	r.turnChunks++
	s.update(func(st *Stats) { st.AudioOut++ })
	if r.firstAudio {
		return
	}
	r.firstAudio = true
	if readyAt := s.Stats().ReadyAt; !readyAt.IsZero() {
		d := time.Since(readyAt)
		s.metrics.ObserveStage(observability.StageReadyToFirstAudio, d)
		s.metrics.ObserveFirstAudioLatency(d)
	}
}

// armGreeting starts the one-shot greeting continuation. It is never re-armed.
func (r *runner) armGreeting() {
	if r.greetingArmed || strings.TrimSpace(r.s.cfg.Greeting) == "" {
		return
	}
	r.greetingArmed = true
	r.greet = time.NewTimer(r.s.cfg.GreetingDelay)
	r.greetC = r.greet.C
}

func (r *runner) stopGreeting() {
	if r.greet != nil {
		r.greet.Stop()
	}
	r.greetC = nil
}

func (r *runner) onGreeting() {
	s := r.s
	r.greetC = nil
	if r.upstream == nil || !s.State().UpstreamOpen() {
		s.metrics.ObserveIndicator("greeting_skipped")
		return
	}
	msg := realtime.NewResponseCreate(s.cfg.Session.Modalities, s.cfg.Greeting)
	if err := r.sendUpstream(msg); err != nil {
		// The upstream reader reports the terminal error.
		s.metrics.ObserveIndicator("greeting_skipped")
		s.logger.Debug("greeting skipped", zap.Error(err))
		return
	}
	s.update(func(st *Stats) { st.GreetingSent = true })
	s.metrics.ObserveIndicator("greeting_sent")
	s.logger.Info("greeting requested")
}

func (r *runner) sendClient(v any) error {
	if err := r.s.client.WriteJSON(v); err != nil {
		return err
	}
	t, _ := protocol.TypeOf(v)
	r.s.metrics.ObserveWSMessage("client_out", string(t))
	return nil
}

func (r *runner) sendUpstream(v any) error {
	if r.upstream == nil {
		return errUpstreamNotOpen
	}
	if err := r.upstream.WriteJSON(v); err != nil {
		return err
	}
	kind, _ := realtime.KindOf(v)
	r.s.metrics.ObserveWSMessage("upstream_out", kind)
	return nil
}

// fail moves to Failed and sends notice to the client as its final message.
func (r *runner) fail(reason string, notice any, cause error) error {
	s := r.s
	r.stopGreeting()
	s.transition(StateFailed)
	s.update(func(st *Stats) { st.EndReason = reason })
	if notice != nil {
		if err := r.sendClient(notice); err != nil {
			s.logger.Debug("final client notice not delivered", zap.Error(err))
		}
	}
	return cause
}

func (r *runner) upstreamFailed(err error) error {
	r.s.logger.Info("upstream leg ended",
		zap.String("close_reason", reliability.CloseReason(err)),
		zap.String("error", policy.Redact(err.Error())),
	)
	if reliability.IsCleanClose(err) {
		r.s.metrics.ObserveSessionEvent("upstream_closed")
		return r.fail(EndUpstreamClosed, protocol.NewConnectionClosed(MsgUpstreamClosed),
			&UpstreamClosedError{Reason: reliability.CloseReason(err), Err: err})
	}
	r.s.metrics.ObserveSessionEvent("upstream_error")
	return r.fail(EndUpstreamError, protocol.NewError(MsgUpstreamError), &UpstreamConnectError{Err: err})
}

// clientGone ends the session without notifying the client.
func (r *runner) clientGone(err error) error {
	s := r.s
	reason := reliability.CloseReason(err)
	s.metrics.ObserveSessionEvent("client_disconnected")
	s.logger.Info("client leg ended", zap.String("close_reason", reason))
	cause := &ClientDisconnectError{Reason: reason, Err: err}
	if reliability.IsCleanClose(err) {
		s.update(func(st *Stats) { st.EndReason = EndClientClosed })
		return cause
	}
	return r.fail(EndClientError, nil, cause)
}

func (r *runner) shutdown(ctx context.Context) error {
	s := r.s
	s.metrics.ObserveSessionEvent("shutdown")
	s.update(func(st *Stats) { st.EndReason = EndShutdown })
	if err := r.sendClient(protocol.NewConnectionClosed(MsgShutdown)); err != nil {
		s.logger.Debug("shutdown notice not delivered", zap.Error(err))
	}
	return ctx.Err()
}
