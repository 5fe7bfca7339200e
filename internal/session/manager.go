// Package session owns the lifecycle of one live conversation with a remote
// model: microphone capture, gapless playback, the remote channel, the video
// side-channel, transcripts and tool calls.
//
// A [Manager] moves through Idle → Connecting → Connected → Disconnecting →
// Idle, with Failed reachable from Connecting and Connected and always
// funnelled back to Idle after every resource is released. At most one
// session is active at a time.
//
// Every session carries its own context and generation number. Callbacks
// from device, playback and remote goroutines check the generation before
// touching manager state, so anything arriving after teardown started is
// dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/companion/internal/activity"
	"github.com/MrWong99/companion/internal/capture"
	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/internal/permissions"
	"github.com/MrWong99/companion/internal/playback"
	"github.com/MrWong99/companion/internal/toolcall"
	"github.com/MrWong99/companion/internal/transcript"
	"github.com/MrWong99/companion/internal/videocap"
	"github.com/MrWong99/companion/pkg/audio"
	"github.com/MrWong99/companion/pkg/device"
	"github.com/MrWong99/companion/pkg/remote"
	"github.com/MrWong99/companion/pkg/video"
)

// DefaultOpenTimeout bounds the wait for the remote opened event.
const DefaultOpenTimeout = 10 * time.Second

// ErrAborted is returned by Connect when Disconnect tore the session down
// before it was established.
var ErrAborted = errors.New("session: connect aborted")

var (
	errRemoteEnded   = errors.New("remote closed the channel")
	errNoVideoDevice = errors.New("no video device configured")
)

// Config holds the per-session settings. It is copied at Connect, so a
// [Manager.Reconfigure] only affects the next session.
type Config struct {
	Remote remote.Config

	// OpenTimeout bounds the wait for the remote opened event. Default:
	// [DefaultOpenTimeout].
	OpenTimeout time.Duration

	Retry RetryPolicy

	// InputDevice selects the microphone by name. Empty uses the default.
	InputDevice string

	// CaptureBufferSize is the number of samples per outbound audio frame.
	// Default: [audio.CaptureBufferSize].
	CaptureBufferSize int

	// QueueSize bounds the outbound queue. Default: [DefaultQueueSize].
	QueueSize int

	// ActivityInterval is the level polling cadence. Default:
	// [activity.DefaultInterval].
	ActivityInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.CaptureBufferSize <= 0 {
		c.CaptureBufferSize = audio.CaptureBufferSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ActivityInterval <= 0 {
		c.ActivityInterval = activity.DefaultInterval
	}
	return c
}

// Option configures a [Manager].
type Option func(*Manager)

// WithPermissions replaces the OS permission checker. Default:
// [permissions.System].
func WithPermissions(c permissions.Checker) Option {
	return func(m *Manager) { m.perms = c }
}

// WithMetrics records into met instead of [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithVideo enables the video side-channel on dev. opts tune the capture
// pipeline; the manager installs its own connected, state and sent hooks.
func WithVideo(dev video.Device, opts ...videocap.Option) Option {
	return func(m *Manager) {
		m.videoDev = dev
		m.videoOpts = opts
	}
}

// WithToolHandler installs the initial tool-call handler.
func WithToolHandler(h toolcall.Handler) Option {
	return func(m *Manager) { m.dispatcher.SetHandler(h) }
}

// Stats is a point-in-time copy of the current session's counters. It is
// zero while no session is active.
type Stats struct {
	Capture      capture.Stats
	Sent         uint64 // inputs delivered to the remote channel
	SendFailures uint64
	Video        videocap.Stats
}

// Manager runs at most one live session. All methods are safe for
// concurrent use.
type Manager struct {
	input       audio.Input
	output      audio.Output
	perms       permissions.Checker
	metrics     *observe.Metrics
	dispatcher  *toolcall.Dispatcher
	transcripts *transcript.Aggregator
	analyser    *activity.Analyser

	videoDev  video.Device
	videoOpts []videocap.Option
	video     *videocap.Pipeline

	hub hub

	mu          sync.Mutex
	provider    remote.Provider
	cfg         Config
	phase       Phase
	gen         uint64
	sess        *session
	muted       bool
	speaking    bool
	volume      float64
	videoActive bool
	videoMode   video.Mode
	err         *Error

	// releasing is closed once the session being torn down has released
	// its devices. Nil when no teardown is in flight.
	releasing chan struct{}
}

// New creates an idle manager.
func New(provider remote.Provider, in audio.Input, out audio.Output, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		input:       in,
		output:      out,
		perms:       permissions.System,
		dispatcher:  toolcall.New(nil),
		transcripts: transcript.NewAggregator(),
		analyser:    activity.NewAnalyser(activity.DefaultFFTSize),
		provider:    provider,
		cfg:         cfg.withDefaults(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.videoDev != nil {
		vopts := append(slices.Clone(m.videoOpts),
			videocap.WithConnected(m.isConnected),
			videocap.WithStateHandler(m.setVideoState),
			videocap.WithSentHandler(m.videoSent),
		)
		m.video = videocap.New(m.videoDev, videoSink{m}, vopts...)
	}
	return m
}

// Reconfigure replaces the provider and settings used by the next Connect.
// A running session is not affected.
func (m *Manager) Reconfigure(provider remote.Provider, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = provider
	m.cfg = cfg.withDefaults()
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Connect establishes a new session. It is a no-op while another Connect is
// in flight and performs a full Disconnect first when a session is already
// connected. It returns once the remote side confirmed the channel, or with
// a classified *Error after every resource has been released again.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseConnecting {
		m.mu.Unlock()
		slog.Debug("session: connect already in progress")
		return nil
	}
	if m.sess != nil || m.releasing != nil {
		m.mu.Unlock()
		m.Disconnect()
		m.mu.Lock()
		m.awaitReleaseLocked()
		if m.phase == PhaseConnecting || m.sess != nil {
			m.mu.Unlock()
			return nil
		}
	}

	m.gen++
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	vctx, stopVideo := context.WithCancel(sctx)
	s := &session{id: uuid.NewString(), gen: m.gen, ctx: sctx, cancel: cancel, videoCtx: vctx, stopVideo: stopVideo}
	m.sess = s
	m.phase = PhaseConnecting
	m.err = nil
	provider, cfg := m.provider, m.cfg
	m.publishLocked()
	m.mu.Unlock()

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.connect", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("remote.provider", provider.Name()),
	))
	err := m.establish(ctx, s, provider, cfg)
	observe.EndSpan(span, err)

	var se *Error
	switch {
	case err == nil:
		d := time.Since(start)
		m.metrics.RecordConnect(ctx, observe.OutcomeOK, d)
		observe.Logger(ctx).Info("session connected", "session_id", s.id, "provider", provider.Name(), "duration", d)
		return nil
	case errors.As(err, &se):
		outcome := observe.OutcomeFailed
		if errors.Is(se, ErrOpenTimeout) {
			outcome = observe.OutcomeTimeout
		}
		m.metrics.RecordConnect(ctx, outcome, 0)
		m.fail(s, se)
		return se
	default:
		m.metrics.RecordConnect(ctx, observe.OutcomeFailed, 0)
		return err
	}
}

func (m *Manager) establish(ctx context.Context, s *session, provider remote.Provider, cfg Config) error {
	// Disconnect must be able to interrupt every blocking step.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	if err := permissions.Ensure(m.perms, permissions.Microphone); err != nil {
		return classifyDevice(ScopeMicrophone, err)
	}
	stream, err := m.input.Open(ctx, audio.InputConfig{
		Device:          cfg.InputDevice,
		SampleRate:      audio.CaptureSampleRate,
		FramesPerBuffer: cfg.CaptureBufferSize,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return s.abortErr()
		}
		return classifyDevice(ScopeMicrophone, err)
	}
	if !s.attach(func() { s.stream = stream }) {
		_ = stream.Close()
		return s.abortErr()
	}

	gen := s.gen
	sched := playback.NewScheduler(
		playback.WithSampleRate(audio.PlaybackSampleRate),
		playback.WithSpeakingHandler(func(speaking bool) { m.setSpeaking(gen, speaking) }),
	)
	out, err := m.output.Open(ctx, sched.SampleRate(), sched)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.abortErr()
		}
		return classifyDevice(ScopeSpeaker, err)
	}
	if !s.attach(func() { s.sched, s.out = sched, out }) {
		_ = out.Close()
		return s.abortErr()
	}

	ch, err := cfg.Retry.Open(ctx, provider, cfg.Remote)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.abortErr()
		}
		return classifyRemote(err, false)
	}

	ob := newOutbound(s.ctx, ch, cfg.QueueSize, m.inputSent)
	cp := capture.New(stream, ob,
		capture.WithAnalyser(m.analyser),
		capture.WithBufferSize(cfg.CaptureBufferSize),
		capture.WithDropHandler(func(r capture.DropReason) {
			m.metrics.RecordDrop(context.Background(), string(r))
		}),
		capture.WithErrorHandler(func(err error) {
			// Runs on the capture goroutine, which teardown waits for.
			go m.fail(s, classifyDevice(ScopeMicrophone, err))
		}),
	)
	if !s.attach(func() { s.ch, s.outbound, s.capture = ch, ob, cp }) {
		_ = ch.Close()
		return s.abortErr()
	}
	m.mu.Lock()
	cp.SetMuted(m.muted)
	m.mu.Unlock()

	opened := make(chan struct{})
	s.wg.Go(ob.run)
	go m.receive(s, ch, opened)

	timer := time.NewTimer(cfg.OpenTimeout)
	defer timer.Stop()
	select {
	case <-opened:
	case <-timer.C:
		return classifyRemote(fmt.Errorf("%w after %s", ErrOpenTimeout, cfg.OpenTimeout), false)
	case <-ctx.Done():
		if s.ctx.Err() != nil {
			return s.abortErr()
		}
		return classifyRemote(ctx.Err(), false)
	}

	if err := cp.Start(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return s.abortErr()
		}
		return classifyDevice(ScopeMicrophone, err)
	}

	monCtx, stopMonitor := context.WithCancel(s.ctx)
	mon := activity.NewMonitor(m.analyser,
		func() bool { return m.connectedGen(gen) },
		func(level float64) { m.setVolume(gen, level) },
		activity.WithInterval(cfg.ActivityInterval),
	)

	m.mu.Lock()
	if m.sess != s || !s.attach(func() { s.stopMonitor, s.active = stopMonitor, true }) {
		m.mu.Unlock()
		stopMonitor()
		return s.abortErr()
	}
	m.phase = PhaseConnected
	m.dispatcher.Bind(ch)
	m.publishLocked()
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	s.wg.Go(func() { mon.Run(monCtx) })
	return nil
}

// Disconnect tears the current session down: video, microphone, speaker,
// activity monitor and remote channel, in that order, then clears mute,
// transcripts and level. It is safe from any state, any number of times,
// concurrently with a Connect in flight, and never fails. It returns only
// after every device of the previous session has been released, even when
// another Disconnect or a failure started that teardown.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.gen++
	gen := m.gen
	var done chan struct{}
	if s != nil {
		done = make(chan struct{})
		m.releasing = done
		m.phase = PhaseDisconnecting
		m.publishLocked()
	}
	m.mu.Unlock()

	m.teardown(s)
	if s != nil {
		slog.Info("session disconnected", "session_id", s.id)
	}

	m.mu.Lock()
	m.releasedLocked(done)
	m.awaitReleaseLocked()
	if m.gen == gen {
		m.resetLocked(false)
		m.publishLocked()
	}
	m.mu.Unlock()
}

// teardown stops video and releases s, which may be nil.
func (m *Manager) teardown(s *session) {
	if s != nil {
		s.stopVideo()
	}
	if m.video != nil {
		m.video.Stop()
	}
	if s != nil {
		s.release(m.metrics)
	}
}

// releasedLocked marks the teardown owning done as finished.
func (m *Manager) releasedLocked(done chan struct{}) {
	if done == nil {
		return
	}
	close(done)
	if m.releasing == done {
		m.releasing = nil
	}
}

// awaitReleaseLocked waits, with m.mu released, until no teardown is in
// flight.
func (m *Manager) awaitReleaseLocked() {
	for m.releasing != nil {
		done := m.releasing
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
}

// fail ends s after a session-level error. Errors for a session that is
// already being torn down are dropped.
func (m *Manager) fail(s *session, e *Error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		slog.Debug("session: dropping error after teardown", "session_id", s.id, "err", e)
		return
	}
	m.sess = nil
	m.phase = PhaseFailed
	m.err = e
	done := make(chan struct{})
	m.releasing = done
	m.publishLocked()
	m.mu.Unlock()

	s.setCause(e)
	slog.Warn("session failed", "session_id", s.id, "kind", e.Kind.String(), "scope", string(e.Scope), "err", e.Err)
	m.metrics.RecordError(context.Background(), e.Kind.String(), string(e.Scope))

	m.teardown(s)

	m.mu.Lock()
	m.releasedLocked(done)
	if m.gen == s.gen {
		m.resetLocked(true)
		m.publishLocked()
	}
	m.mu.Unlock()
}

// resetLocked returns to Idle and clears per-session state. keepErr leaves
// the failure visible.
func (m *Manager) resetLocked(keepErr bool) {
	m.phase = PhaseIdle
	m.muted = false
	m.speaking = false
	m.volume = 0
	m.videoActive = false
	m.videoMode = video.ModeNone
	if !keepErr {
		m.err = nil
	}
	m.transcripts.Reset()
	m.analyser.Reset()
	m.dispatcher.Unbind()
}

// ── Remote events ────────────────────────────────────────────────────────────

func (m *Manager) receive(s *session, ch remote.Channel, opened chan<- struct{}) {
	events := ch.Events()
	isOpen := false
	for {
		var (
			ev remote.Event
			ok bool
		)
		select {
		case <-s.ctx.Done():
			return
		case ev, ok = <-events:
		}
		if !ok {
			m.fail(s, classifyRemote(errRemoteEnded, isOpen))
			return
		}

		switch ev.Type {
		case remote.EventOpened:
			if !isOpen {
				isOpen = true
				close(opened)
			}
		case remote.EventMessage:
			if ev.Message != nil {
				m.handleMessage(s, ev.Message)
			}
		case remote.EventClosed:
			m.fail(s, classifyRemote(errRemoteEnded, isOpen))
			return
		case remote.EventError:
			m.fail(s, classifyRemote(ev.Err, isOpen))
			return
		}
	}
}

func (m *Manager) handleMessage(s *session, msg *remote.Message) {
	sched := s.scheduler()
	if sched == nil || !m.live(s.gen) {
		return
	}

	// An interruption in the same message as audio cuts off what was
	// queued before, never the new audio.
	if msg.Interrupted {
		n := sched.Interrupt()
		m.metrics.PlaybackInterruptions.Add(s.ctx, 1)
		slog.Debug("playback interrupted", "session_id", s.id, "sources", n)
	}
	for _, chunk := range msg.Audio {
		m.play(s, sched, chunk)
	}

	if len(msg.Transcripts) > 0 || msg.TurnComplete {
		m.mu.Lock()
		if m.sess == s {
			for _, d := range msg.Transcripts {
				m.transcripts.Append(transcript.Role(d.Role), d.Text)
			}
			if msg.TurnComplete {
				m.transcripts.TurnComplete()
			}
			m.publishLocked()
		}
		m.mu.Unlock()
	}

	if len(msg.ToolCalls) > 0 {
		m.dispatcher.Dispatch(s.ctx, msg.ToolCalls)
	}
}

// play decodes one inbound chunk and schedules it. A malformed chunk is
// logged and dropped; the session carries on.
func (m *Manager) play(s *session, sched *playback.Scheduler, chunk remote.AudioChunk) {
	samples, err := audio.DecodeBase64PCM16(chunk.Data)
	if err != nil {
		e := decodeError(err)
		slog.Warn("session: dropping malformed audio segment", "session_id", s.id, "err", err)
		m.metrics.RecordError(s.ctx, e.Kind.String(), string(e.Scope))
		return
	}
	if rate := chunk.SampleRate(sched.SampleRate()); rate != sched.SampleRate() {
		samples = audio.Resample(samples, rate, sched.SampleRate())
	}
	if p := sched.Enqueue(samples); p.Duration > 0 {
		m.metrics.PlaybackSegments.Add(s.ctx, 1)
	}
}

// ── Controls ─────────────────────────────────────────────────────────────────

// ToggleMute flips transmission of microphone audio and returns the new
// value. Capture and metering keep running while muted.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = !m.muted
	if m.sess != nil {
		if cp := m.sess.pipeline(); cp != nil {
			cp.SetMuted(m.muted)
		}
	}
	m.publishLocked()
	slog.Info("microphone mute toggled", "muted", m.muted)
	return m.muted
}

// StartVideo begins sending camera or screen frames. It requires a
// connected session. Failures are scoped to the capability and never end
// the session. [video.ModeNone] stops video.
func (m *Manager) StartVideo(ctx context.Context, mode video.Mode) error {
	if mode == video.ModeNone {
		m.StopVideo()
		return nil
	}
	scope, res := ScopeCamera, permissions.Camera
	if mode == video.ModeScreen {
		scope, res = ScopeScreen, permissions.Screen
	}

	if m.video == nil {
		e := classifyDevice(scope, device.New(mode.String(), device.KindUnsupported, errNoVideoDevice))
		m.report(e)
		return e
	}
	m.mu.Lock()
	s := m.sess
	if m.phase != PhaseConnected || s == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	if err := permissions.Ensure(m.perms, res); err != nil {
		e := classifyDevice(scope, err)
		m.report(e)
		return e
	}

	// Teardown cancels s.videoCtx before it stops the pipeline, so a start
	// racing a Disconnect either lands before that Stop or not at all.
	vctx, cancel := context.WithCancel(s.videoCtx)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()
	if err := m.video.Start(vctx, mode); err != nil {
		if s.videoCtx.Err() != nil {
			return ErrNotConnected
		}
		e := classifyDevice(scope, err)
		m.report(e)
		return e
	}
	return nil
}

// StopVideo stops the video side-channel. Safe when video is off.
func (m *Manager) StopVideo() {
	if m.video != nil {
		m.video.Stop()
	}
}

// Capability reports whether mode can be captured here.
func (m *Manager) Capability(mode video.Mode) video.Capability {
	if m.video == nil {
		return video.Unsupported(errNoVideoDevice.Error())
	}
	return m.video.Capability(mode)
}

// SetToolHandler re-points tool-call delivery. A nil handler drops calls.
func (m *Manager) SetToolHandler(h toolcall.Handler) {
	m.dispatcher.SetHandler(h)
}

// SendToolResponse answers function calls on the current session.
func (m *Manager) SendToolResponse(ctx context.Context, responses []remote.FunctionResponse) error {
	err := m.dispatcher.SendToolResponse(ctx, responses)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, toolcall.ErrNotConnected), errors.Is(err, remote.ErrClosed):
		return ErrNotConnected
	default:
		return fmt.Errorf("session: send tool response: %w", err)
	}
}

// report makes a capability-level failure visible without touching the
// session.
func (m *Manager) report(e *Error) {
	slog.Warn("capability failed", "kind", e.Kind.String(), "scope", string(e.Scope), "err", e.Err)
	m.metrics.RecordError(context.Background(), e.Kind.String(), string(e.Scope))
	m.mu.Lock()
	m.err = e
	m.publishLocked()
	m.mu.Unlock()
}

// ── State ────────────────────────────────────────────────────────────────────

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest state, starting
// with the current one. Delivery never blocks the manager; intermediate
// states may be skipped. cancel closes the channel.
func (m *Manager) Subscribe() (states <-chan State, cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub.subscribe(m.snapshotLocked())
}

// Stats returns the counters of the current session.
func (m *Manager) Stats() Stats {
	var st Stats
	if m.video != nil {
		st.Video = m.video.Stats()
	}
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return st
	}
	if cp := s.pipeline(); cp != nil {
		st.Capture = cp.Stats()
	}
	if ob := s.sender(); ob != nil {
		st.Sent = ob.sent.Load()
		st.SendFailures = ob.failed.Load()
	}
	return st
}

func (m *Manager) snapshotLocked() State {
	st := State{
		Phase:       m.phase,
		Connected:   m.phase == PhaseConnected,
		Speaking:    m.speaking,
		Volume:      m.volume,
		Muted:       m.muted,
		VideoActive: m.videoActive,
		VideoMode:   m.videoMode,
		Transcripts: m.transcripts.Items(),
	}
	if m.sess != nil {
		st.SessionID = m.sess.id
	}
	if m.err != nil {
		e := *m.err
		st.Err = &e
	}
	return st
}

func (m *Manager) publishLocked() { m.hub.publish(m.snapshotLocked()) }

func (m *Manager) live(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil && m.sess.gen == gen
}

func (m *Manager) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseConnected
}

func (m *Manager) connectedGen(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseConnected && m.sess != nil && m.sess.gen == gen
}

func (m *Manager) setSpeaking(gen uint64, speaking bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.gen != gen || m.speaking == speaking {
		return
	}
	m.speaking = speaking
	m.publishLocked()
}

func (m *Manager) setVolume(gen uint64, level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseConnected || m.sess == nil || m.sess.gen != gen {
		return
	}
	m.volume = level
	m.publishLocked()
}

func (m *Manager) setVideoState(active bool, mode video.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoActive = active
	m.videoMode = video.ModeNone
	if active {
		m.videoMode = mode
	}
	m.publishLocked()
}

func (m *Manager) inputSent(in remote.Input) {
	if in.Audio != nil {
		m.metrics.AudioFramesSent.Add(context.Background(), 1)
	}
}

func (m *Manager) videoSent(video.Frame) {
	m.metrics.VideoFramesSent.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("mode", m.video.Mode().String())))
}

// videoSink routes frames to whichever session is current.
type videoSink struct{ m *Manager }

func (v videoSink) OfferImage(f video.Frame) bool {
	v.m.mu.Lock()
	s := v.m.sess
	ok := v.m.phase == PhaseConnected
	v.m.mu.Unlock()
	if !ok || s == nil {
		return false
	}
	ob := s.sender()
	return ob != nil && ob.OfferImage(f)
}

// ── Session resources ────────────────────────────────────────────────────────

// session owns the resources of one connection attempt.
type session struct {
	id     string
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	videoCtx  context.Context
	stopVideo context.CancelFunc

	mu          sync.Mutex
	released    bool
	cause       *Error
	stream      audio.InputStream
	capture     *capture.Pipeline
	sched       *playback.Scheduler
	out         audio.OutputStream
	ch          remote.Channel
	outbound    *outbound
	stopMonitor context.CancelFunc
	active      bool
}

// attach runs f under the session lock unless the session was already
// released. The caller owns whatever f would have stored when it reports
// false.
func (s *session) attach(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	f()
	return true
}

func (s *session) setCause(e *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		s.cause = e
	}
}

func (s *session) abortErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause != nil {
		return s.cause
	}
	return ErrAborted
}

func (s *session) scheduler() *playback.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

func (s *session) pipeline() *capture.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture
}

func (s *session) sender() *outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound
}

// release frees everything in teardown order. Idempotent.
func (s *session) release(met *observe.Metrics) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	stream, cp, out, sched, stop, ch, active := s.stream, s.capture, s.out, s.sched, s.stopMonitor, s.ch, s.active
	s.mu.Unlock()

	if cp != nil {
		if err := cp.Stop(); err != nil {
			slog.Debug("session: stop capture", "session_id", s.id, "err", err)
		}
	} else if stream != nil {
		_ = stream.Close()
	}
	if out != nil {
		if err := out.Close(); err != nil {
			slog.Debug("session: close output", "session_id", s.id, "err", err)
		}
	}
	if sched != nil {
		_ = sched.Close()
	}
	if stop != nil {
		stop()
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			slog.Debug("session: close remote channel", "session_id", s.id, "err", err)
		}
	}
	s.cancel()
	s.wg.Wait()

	if active {
		met.ActiveSessions.Add(context.Background(), -1)
	}
}
