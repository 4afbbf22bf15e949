// Package pipeline drives one dictation recording at a time through
// recording, silence filtering, transcription, optional polish and
// completion.
//
// A [Machine] is a single-goroutine actor. [Machine.Run] owns the pipeline
// state, the segmentation engine and the active recording; control calls,
// captured chunks and gateway results all reach it as messages and are
// handled one at a time. The capture monitor goroutine never touches the
// engine: it only waits for the next chunk and forwards it, so every
// ProcessChunk call completes before a stop or cancel is looked at.
//
// Stopping always cancels and joins the monitor before any buffer is read,
// which guarantees that no late chunk can mutate segment or voiced state
// while the final audio is assembled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/dictum/internal/observe"
	"github.com/MrWong99/dictum/internal/segment"
	"github.com/MrWong99/dictum/internal/silence"
	"github.com/MrWong99/dictum/pkg/audio"
	"github.com/MrWong99/dictum/pkg/provider/stt"
	"github.com/MrWong99/dictum/pkg/provider/vad"
)

// subscriberBuffer is the channel capacity of each status subscriber.
const subscriberBuffer = 32

// Machine is the dictation pipeline state machine. Create it with [New],
// start [Machine.Run] in its own goroutine, then drive it with the control
// methods. All exported methods are safe for concurrent use.
type Machine struct {
	capture     audio.Capture
	classifier  vad.Classifier
	transcriber Transcriber
	polisher    Polisher
	initial     settings
	log         *slog.Logger
	metrics     *observe.Metrics
	onComplete  func(context.Context, Transcript)
	newID       func() string

	cmds    chan command
	chunks  chan chunkMsg
	results chan resultMsg
	done    chan struct{}
	running atomic.Bool

	policy   atomic.Pointer[Policy]
	settings atomic.Pointer[settings]
	setMu    sync.Mutex
	status   atomic.Pointer[Status]

	subMu sync.Mutex
	subs  map[chan Status]struct{}

	// Owned by the Run goroutine.
	runCtx  context.Context
	state   State
	engine  *segment.Engine
	sess    *session
	gen     uint64
	workers sync.WaitGroup
}

// settings are the transcription and segmentation parameters. Each
// recording snapshots them at start.
type settings struct {
	segCfg   segment.Config
	language string
	keywords []string
}

// session is the state of one recording, from StartRecording until it
// reaches Idle, Complete or Error.
type session struct {
	id      string
	gen     uint64
	rec     audio.Recording
	policy  Policy
	set     *settings
	started time.Time

	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}

	inSpeech   bool
	transcript Transcript
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdCancel
)

type command struct {
	ctx    context.Context
	kind   cmdKind
	polish *bool
	reply  chan reply
}

type reply struct {
	accepted bool
	err      error
}

// chunkMsg carries one captured chunk, or the error that ended the source.
type chunkMsg struct {
	gen   uint64
	chunk audio.Chunk
	err   error
}

type stage int

const (
	stageTranscribed stage = iota
	stagePolished
)

type resultMsg struct {
	gen    uint64
	stage  stage
	result stt.Result
	text   string
	err    error
}

// Option is a functional option for [New].
type Option func(*Machine)

// WithPolisher sets the gateway used when a recording asks for polish.
func WithPolisher(p Polisher) Option {
	return func(m *Machine) { m.polisher = p }
}

// WithSegmentConfig sets the segmentation parameters. DualBufferMode is
// overridden per recording by the policy.
func WithSegmentConfig(cfg segment.Config) Option {
	return func(m *Machine) { m.initial.segCfg = cfg }
}

// WithPolicy sets the initial policy. Defaults to [DefaultPolicy].
func WithPolicy(p Policy) Option {
	return func(m *Machine) { m.policy.Store(&p) }
}

// WithLanguage sets the language hint passed to the transcriber.
func WithLanguage(lang string) Option {
	return func(m *Machine) { m.initial.language = lang }
}

// WithKeywords sets vocabulary hints passed to the transcriber.
func WithKeywords(words []string) Option {
	return func(m *Machine) { m.initial.keywords = append([]string(nil), words...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithOnComplete registers a hook called with every completed transcript.
// The hook runs on its own goroutine and must not call back into the
// machine synchronously.
func WithOnComplete(fn func(context.Context, Transcript)) Option {
	return func(m *Machine) { m.onComplete = fn }
}

// WithIDGenerator replaces the recording ID generator. Defaults to UUIDv4.
func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

// New creates a machine in [StateIdle]. It does nothing until [Machine.Run]
// is started.
func New(capture audio.Capture, classifier vad.Classifier, transcriber Transcriber, opts ...Option) (*Machine, error) {
	if capture == nil {
		return nil, errors.New("pipeline: capture must not be nil")
	}
	if classifier == nil {
		return nil, errors.New("pipeline: classifier must not be nil")
	}
	if transcriber == nil {
		return nil, errors.New("pipeline: transcriber must not be nil")
	}
	m := &Machine{
		capture:     capture,
		classifier:  classifier,
		transcriber: transcriber,
		initial:     settings{segCfg: segment.DefaultConfig()},
		newID:       uuid.NewString,
		cmds:        make(chan command),
		chunks:      make(chan chunkMsg),
		results:     make(chan resultMsg),
		done:        make(chan struct{}),
		subs:        make(map[chan Status]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.policy.Load() == nil {
		p := DefaultPolicy()
		m.policy.Store(&p)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if err := m.initial.segCfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid segment config: %w", err)
	}
	set := m.initial
	m.settings.Store(&set)
	m.status.Store(&Status{State: StateIdle, Since: time.Now(), Policy: m.Policy()})
	return m, nil
}

// Run executes the actor loop until ctx is cancelled. An active recording
// is discarded and in-flight gateway calls are cancelled before Run returns.
// Run must be called exactly once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: Run called more than once")
	}
	defer close(m.done)
	m.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case c := <-m.cmds:
			c.reply <- m.handleCommand(c)
		case msg := <-m.chunks:
			m.handleChunk(ctx, msg)
		case r := <-m.results:
			m.handleResult(ctx, r)
		}
	}
}

// StartOption adjusts a single recording.
type StartOption func(*command)

// WithPolish overrides the policy's polish flag for this recording.
func WithPolish(on bool) StartOption {
	return func(c *command) { c.polish = &on }
}

// StartRecording begins a new recording. It is rejected (false, nil) while
// a recording is recording, transcribing or polishing. An error is returned
// when the capture cannot be opened; the pipeline then enters StateError.
func (m *Machine) StartRecording(ctx context.Context, opts ...StartOption) (bool, error) {
	c := command{kind: cmdStart}
	for _, o := range opts {
		o(&c)
	}
	return m.send(ctx, c)
}

// StopAndTranscribe ends the active recording and starts transcription. It
// is a no-op (false, nil) unless the pipeline is recording.
func (m *Machine) StopAndTranscribe(ctx context.Context) (bool, error) {
	return m.send(ctx, command{kind: cmdStop})
}

// CancelRecording discards the active recording without transcribing it and
// returns to Idle. It is a no-op (false, nil) unless the pipeline is
// recording.
func (m *Machine) CancelRecording(ctx context.Context) (bool, error) {
	return m.send(ctx, command{kind: cmdCancel})
}

func (m *Machine) send(ctx context.Context, c command) (bool, error) {
	c.ctx = ctx
	c.reply = make(chan reply, 1)
	select {
	case m.cmds <- c:
	case <-m.done:
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
	r := <-c.reply
	return r.accepted, r.err
}

// Status returns the latest published snapshot.
func (m *Machine) Status() Status { return *m.status.Load() }

// Policy returns the policy the next recording will use.
func (m *Machine) Policy() Policy { return *m.policy.Load() }

// SetPolicy replaces the policy. An active recording keeps the policy it
// started with.
func (m *Machine) SetPolicy(p Policy) { m.policy.Store(&p) }

// SetSegmentConfig replaces the segmentation parameters from the next
// recording on. An invalid config is rejected and the current one kept.
func (m *Machine) SetSegmentConfig(cfg segment.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("pipeline: invalid segment config: %w", err)
	}
	m.updateSettings(func(s *settings) { s.segCfg = cfg })
	return nil
}

// SetLanguage replaces the transcription language hint from the next
// recording on.
func (m *Machine) SetLanguage(lang string) {
	m.updateSettings(func(s *settings) { s.language = lang })
}

// SetKeywords replaces the vocabulary hints from the next recording on.
func (m *Machine) SetKeywords(words []string) {
	words = append([]string(nil), words...)
	m.updateSettings(func(s *settings) { s.keywords = words })
}

// SegmentConfig returns the segmentation parameters of the next recording.
func (m *Machine) SegmentConfig() segment.Config { return m.settings.Load().segCfg }

func (m *Machine) updateSettings(fn func(*settings)) {
	m.setMu.Lock()
	defer m.setMu.Unlock()
	next := *m.settings.Load()
	fn(&next)
	m.settings.Store(&next)
}

// Subscribe returns a channel receiving every published status and a
// function that ends the subscription. Slow subscribers miss intermediate
// updates rather than stalling the pipeline; [Machine.Status] always has
// the latest one.
func (m *Machine) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
		})
	}
}

// ---- actor ------------------------------------------------------------------

func (m *Machine) handleCommand(c command) reply {
	switch c.kind {
	case cmdStart:
		return m.start(c)
	case cmdStop:
		return reply{accepted: m.stop(c.ctx, "manual")}
	case cmdCancel:
		return reply{accepted: m.cancel(c.ctx)}
	default:
		return reply{err: fmt.Errorf("pipeline: unknown command %d", c.kind)}
	}
}

func (m *Machine) start(c command) reply {
	if m.state.Busy() {
		return reply{}
	}
	pol := m.Policy()
	if c.polish != nil {
		pol.Polish = *c.polish
	}

	set := m.settings.Load()
	cfg := set.segCfg
	cfg.DualBufferMode = pol.DualBuffer
	if err := m.prepareEngine(cfg); err != nil {
		m.fail(c.ctx, "", err.Error())
		return reply{err: err}
	}

	rec, err := m.capture.Open(c.ctx)
	if err != nil {
		err = fmt.Errorf("pipeline: open capture: %w", err)
		m.fail(c.ctx, "", err.Error())
		return reply{err: err}
	}

	m.gen++
	monCtx, cancel := context.WithCancel(m.runCtx)
	s := &session{
		id:            m.newID(),
		gen:           m.gen,
		rec:           rec,
		policy:        pol,
		set:           set,
		started:       time.Now(),
		cancelMonitor: cancel,
		monitorDone:   make(chan struct{}),
	}
	m.sess = s
	go m.monitor(monCtx, s.gen, rec, s.monitorDone)

	m.metrics.ActiveRecordings.Add(c.ctx, 1)
	m.log.Info("recording started",
		"recording_id", s.id,
		"auto_stop", pol.AutoStop,
		"dual_buffer", pol.DualBuffer,
		"polish", pol.Polish,
	)
	m.publish(StateRecording, func(st *Status) { st.RecordingID = s.id })
	return reply{accepted: true}
}

// prepareEngine resets the engine, rebuilding it when the configuration
// changed since the previous recording.
func (m *Machine) prepareEngine(cfg segment.Config) error {
	if m.engine == nil || m.engine.Config() != cfg {
		e, err := segment.New(m.classifier, cfg,
			segment.WithLogger(m.log),
			segment.WithMetrics(m.metrics),
		)
		if err != nil {
			return fmt.Errorf("pipeline: create segmentation engine: %w", err)
		}
		m.engine = e
		return nil
	}
	if err := m.engine.Reset(); err != nil {
		m.log.Warn("pipeline: engine reset reported an error, continuing", "err", err)
	}
	return nil
}

// monitor forwards captured chunks to the actor until ctx is cancelled or
// the source ends. Cancellation is checked before every chunk.
func (m *Machine) monitor(ctx context.Context, gen uint64, src audio.Source, done chan<- struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		chunk, err := src.NextChunk(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case m.chunks <- chunkMsg{gen: gen, chunk: chunk, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *Machine) handleChunk(ctx context.Context, msg chunkMsg) {
	s := m.sess
	if s == nil || msg.gen != s.gen || m.state != StateRecording {
		return
	}
	if msg.err != nil {
		m.log.Warn("pipeline: capture source ended, stopping recording",
			"recording_id", s.id,
			"err", msg.err,
		)
		m.stop(ctx, "source_ended")
		return
	}

	closed := m.engine.ProcessChunk(ctx, msg.chunk)

	if in := m.engine.InSpeech(); in != s.inSpeech {
		s.inSpeech = in
		m.publish(StateRecording, func(st *Status) {
			st.RecordingID = s.id
			st.InSpeech = in
		})
	}
	if closed && s.policy.AutoStop {
		m.metrics.AutoStops.Add(ctx, 1)
		m.stop(ctx, "auto")
	}
}

// stop runs the stop sequence: join the monitor, finalize the open segment,
// assemble the audio, then hand it to the transcriber.
func (m *Machine) stop(ctx context.Context, reason string) bool {
	if m.state != StateRecording {
		return false
	}
	s := m.sess

	s.cancelMonitor()
	<-s.monitorDone
	m.metrics.ActiveRecordings.Add(ctx, -1)

	raw := s.rec.Samples()
	m.engine.FinalizeOpenSegment(len(raw))

	var samples []float32
	if s.policy.DualBuffer {
		samples = m.engine.Voiced()
	}
	if len(samples) == 0 {
		samples = silence.Config{
			SampleRate: s.set.segCfg.SampleRate,
			Padding:    s.policy.Padding,
			MinVoiced:  s.policy.MinVoiced,
		}.Apply(raw, m.engine.Segments())
	}
	if err := s.rec.Close(); err != nil {
		m.log.Warn("pipeline: close recording", "recording_id", s.id, "err", err)
	}

	m.log.Info("recording stopped",
		"recording_id", s.id,
		"reason", reason,
		"raw_samples", len(raw),
		"segments", len(m.engine.Segments()),
		"samples", len(samples),
	)

	if len(samples) == 0 {
		m.fail(ctx, s.id, NoAudioMessage)
		return true
	}

	m.publish(StateTranscribing, func(st *Status) { st.RecordingID = s.id })

	req := stt.Request{
		Samples:    samples,
		SampleRate: s.set.segCfg.SampleRate,
		Language:   s.set.language,
		Keywords:   s.set.keywords,
	}
	m.spawn(func(ctx context.Context) resultMsg {
		ctx, span := observe.StartSpan(ctx, "pipeline.transcribe", observe.WithRecording(s.id))
		began := time.Now()
		res, err := m.transcriber.Transcribe(ctx, req)
		m.metrics.STTDuration.Record(ctx, time.Since(began).Seconds())
		observe.EndSpan(span, err)
		if err == nil && res.ProcessingTime == 0 {
			res.ProcessingTime = time.Since(began)
		}
		return resultMsg{gen: s.gen, stage: stageTranscribed, result: res, err: err}
	})
	return true
}

func (m *Machine) cancel(ctx context.Context) bool {
	if m.state != StateRecording {
		return false
	}
	s := m.sess

	s.cancelMonitor()
	<-s.monitorDone
	if err := s.rec.Close(); err != nil {
		m.log.Warn("pipeline: close recording", "recording_id", s.id, "err", err)
	}
	if err := m.engine.Reset(); err != nil {
		m.log.Warn("pipeline: engine reset reported an error", "err", err)
	}
	m.sess = nil

	m.metrics.ActiveRecordings.Add(ctx, -1)
	m.metrics.RecordRecording(ctx, observe.OutcomeCancelled)
	m.log.Info("recording cancelled", "recording_id", s.id)
	m.publish(StateIdle, nil)
	return true
}

// spawn runs fn on a worker goroutine and posts its result to the actor.
func (m *Machine) spawn(fn func(context.Context) resultMsg) {
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		r := fn(m.runCtx)
		select {
		case m.results <- r:
		case <-m.runCtx.Done():
		}
	}()
}

func (m *Machine) handleResult(ctx context.Context, r resultMsg) {
	s := m.sess
	if s == nil || r.gen != s.gen {
		return
	}
	switch r.stage {
	case stageTranscribed:
		if m.state != StateTranscribing {
			return
		}
		if r.err != nil {
			m.log.Error("pipeline: transcription failed", "recording_id", s.id, "err", r.err)
			m.fail(ctx, s.id, fmt.Sprintf("transcription failed: %v", r.err))
			return
		}
		text := strings.TrimSpace(r.result.Text)
		s.transcript = Transcript{
			RecordingID:    s.id,
			Text:           text,
			RawText:        text,
			Language:       r.result.Language,
			Duration:       r.result.Duration,
			ProcessingTime: r.result.ProcessingTime,
			Provider:       r.result.Provider,
		}
		switch {
		case !s.policy.Polish || text == "":
			m.complete(ctx)
		case m.polisher == nil:
			s.transcript.Warning = "polish requested but no polisher is configured"
			m.metrics.PolishWarnings.Add(ctx, 1)
			m.complete(ctx)
		default:
			m.publish(StatePolishing, func(st *Status) { st.RecordingID = s.id })
			m.spawn(func(ctx context.Context) resultMsg {
				ctx, span := observe.StartSpan(ctx, "pipeline.polish", observe.WithRecording(s.id))
				began := time.Now()
				out, err := m.polisher.Polish(ctx, text)
				m.metrics.PolishDuration.Record(ctx, time.Since(began).Seconds())
				observe.EndSpan(span, err)
				return resultMsg{gen: s.gen, stage: stagePolished, text: out, err: err}
			})
		}

	case stagePolished:
		if m.state != StatePolishing {
			return
		}
		polished := strings.TrimSpace(r.text)
		switch {
		case r.err != nil:
			m.log.Warn("pipeline: polish failed, keeping raw transcript",
				"recording_id", s.id,
				"err", r.err,
			)
			s.transcript.Warning = fmt.Sprintf("polish failed: %v", r.err)
			m.metrics.PolishWarnings.Add(ctx, 1)
		case polished == "":
			s.transcript.Warning = "polish returned empty text"
			m.metrics.PolishWarnings.Add(ctx, 1)
		default:
			s.transcript.Text = polished
			s.transcript.Polished = true
		}
		m.complete(ctx)
	}
}

func (m *Machine) complete(ctx context.Context) {
	s := m.sess
	t := s.transcript
	t.CompletedAt = time.Now()
	m.sess = nil

	m.metrics.RecordRecording(ctx, observe.OutcomeComplete)
	m.log.Info("recording complete",
		"recording_id", t.RecordingID,
		"chars", len(t.Text),
		"polished", t.Polished,
		"warning", t.Warning,
		"elapsed", time.Since(s.started),
	)
	m.publish(StateComplete, func(st *Status) {
		st.RecordingID = t.RecordingID
		st.Transcript = &t
	})

	if m.onComplete != nil {
		m.workers.Add(1)
		go func() {
			defer m.workers.Done()
			m.onComplete(m.runCtx, t)
		}()
	}
}

func (m *Machine) fail(ctx context.Context, id, msg string) {
	m.sess = nil
	m.metrics.RecordRecording(ctx, observe.OutcomeError)
	m.publish(StateError, func(st *Status) {
		st.RecordingID = id
		st.Err = msg
	})
}

// shutdown discards any active recording and waits for workers. In-flight
// gateway calls see the cancelled run context.
func (m *Machine) shutdown() {
	if s := m.sess; s != nil && m.state == StateRecording {
		s.cancelMonitor()
		<-s.monitorDone
		_ = s.rec.Close()
		m.metrics.ActiveRecordings.Add(context.Background(), -1)
	}
	m.sess = nil
	m.workers.Wait()
}

// publish records a transition and fans the new status out to subscribers.
func (m *Machine) publish(state State, fill func(*Status)) {
	m.state = state
	st := Status{State: state, Since: time.Now(), Policy: m.Policy()}
	if m.sess != nil {
		st.Policy = m.sess.policy
	}
	if fill != nil {
		fill(&st)
	}
	m.status.Store(&st)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
