// Package session drives one conversation per connected client.
//
// The Orchestrator owns a turn.Machine and serialises every entry point
// behind one mutex, so events arriving from the gateway, timers and the
// resolution goroutine are applied one at a time. Answers are tagged with
// the generation they were resolved for; by the time an answer comes back
// the user may have moved on, and a stale generation means the answer is
// dropped on the floor rather than spoken.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/aurelia-voice/aurelia/internal/cascade"
	"github.com/aurelia-voice/aurelia/internal/history"
	"github.com/aurelia-voice/aurelia/internal/observe"
	"github.com/aurelia-voice/aurelia/internal/respcache"
	"github.com/aurelia-voice/aurelia/internal/turn"
	"github.com/aurelia-voice/aurelia/pkg/provider/tts"
)

// DefaultGreeting is spoken when the configured role has no greeting line.
const DefaultGreeting = "Welcome! How can I help you today?"

// defaultApologies are spoken when no answer could be produced in time.
var defaultApologies = []string{
	"I'm sorry, I'm having trouble answering right now. Could you try again?",
	"Apologies, that took longer than it should have. Please ask me once more.",
	"I didn't manage to find an answer just now. Could you repeat the question?",
}

// Answer is a resolved response ready to be spoken.
type Answer struct {
	// Text is what gets spoken.
	Text string

	// Tier names the source: a cascade tier, "cache", or "apology".
	Tier string

	// Cached is true when the answer came from the response cache.
	Cached bool

	// Synthetic is true for apology answers produced on failure or
	// watchdog expiry.
	Synthetic bool

	// Latency is utterance-to-answer time.
	Latency time.Duration
}

// Resolver produces an answer for one request. Implemented by
// cascade.Router.
type Resolver interface {
	Resolve(ctx context.Context, req cascade.Request) (cascade.Result, error)
}

// ResponseCache is the cache consulted before the resolver. Implemented by
// respcache.Cache.
type ResponseCache interface {
	Get(role, input string) (string, respcache.Lookup)
	Set(role, input, value string)
}

// Config carries the static knobs for one session.
type Config struct {
	// ID identifies the session; it doubles as the rate-limit client ID.
	ID string

	// Role is the persona answering this session.
	Role string

	// Greeting is the line spoken on wake. Empty uses DefaultGreeting.
	Greeting string

	// Apologies are spoken on resolution failure, picked by generation.
	// Empty uses the built-in set.
	Apologies []string

	// IdleTimeout returns the session to idle after silence in LISTENING.
	IdleTimeout time.Duration

	// ThinkingWatchdog bounds resolution; past it an apology is spoken.
	ThinkingWatchdog time.Duration
}

// Orchestrator runs one session. All entry points are safe for concurrent
// use; events are applied strictly one at a time.
type Orchestrator struct {
	cfg      Config
	speaker  tts.Speaker
	resolver Resolver
	cache    ResponseCache
	hist     history.Store
	metrics  *observe.Metrics
	log      *slog.Logger
	onIdle   func(id string)
	onState  func(s turn.State)

	mu            sync.Mutex
	m             turn.Machine
	closed        bool
	idleTimer     *time.Timer
	watchdog      *time.Timer
	cancelResolve context.CancelFunc
	pending       *Answer
	pendingGen    uint64
	stagedInput   string
	curInput      string
	thinkStart    time.Time
}

// Option is a functional option for Orchestrator.
type Option func(*Orchestrator)

// WithCache sets the response cache consulted before the resolver.
func WithCache(c ResponseCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithHistory sets the turn log. Appends are best effort.
func WithHistory(h history.Store) Option {
	return func(o *Orchestrator) { o.hist = h }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithIdleFunc registers a callback invoked after the session returns to
// idle on timeout. The manager uses it to tear the session down.
func WithIdleFunc(fn func(id string)) Option {
	return func(o *Orchestrator) { o.onIdle = fn }
}

// WithStateListener registers a callback invoked after every state change.
// The gateway uses it to push state frames to the client.
func WithStateListener(fn func(s turn.State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// New constructs an Orchestrator in the idle state.
func New(cfg Config, speaker tts.Speaker, resolver Resolver, opts ...Option) *Orchestrator {
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if len(cfg.Apologies) == 0 {
		cfg.Apologies = defaultApologies
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.ThinkingWatchdog <= 0 {
		cfg.ThinkingWatchdog = 10 * time.Second
	}

	o := &Orchestrator{
		cfg:      cfg,
		speaker:  speaker,
		resolver: resolver,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.log = o.log.With("session_id", cfg.ID, "role", cfg.Role)
	return o
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string {
	return o.cfg.ID
}

// State returns the current turn state.
func (o *Orchestrator) State() turn.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.m.State
}

// Generation returns the current utterance generation.
func (o *Orchestrator) Generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.m.Generation
}

// OnWake handles the wake signal.
func (o *Orchestrator) OnWake(ctx context.Context) {
	o.dispatch(ctx, turn.Event{Type: turn.EventWake})
}

// OnUtterance handles one captured utterance. The text is staged and only
// becomes the current turn's input if the machine accepts the event; speech
// ignored mid-THINKING must not relabel the turn in flight.
func (o *Orchestrator) OnUtterance(ctx context.Context, text string) {
	o.mu.Lock()
	o.stagedInput = respcache.Normalize(text)
	o.mu.Unlock()
	o.dispatch(ctx, turn.Event{Type: turn.EventVoiceIn})
}

// OnSpeechEnd handles playback completion, for both the greeting and
// answers.
func (o *Orchestrator) OnSpeechEnd(ctx context.Context) {
	o.mu.Lock()
	evType := turn.EventSpeechEnd
	if o.m.State == turn.StateGreeting {
		evType = turn.EventGreetingDone
	}
	o.mu.Unlock()
	o.dispatch(ctx, turn.Event{Type: evType})
}

// OnBargeIn handles the user speaking over playback.
func (o *Orchestrator) OnBargeIn(ctx context.Context) {
	o.dispatch(ctx, turn.Event{Type: turn.EventBargeIn})
}

// Close tears the session down: timers stop, in-flight resolution is
// cancelled, and all further events are ignored.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.stopIdleTimerLocked()
	o.stopWatchdogLocked()
	if o.cancelResolve != nil {
		o.cancelResolve()
		o.cancelResolve = nil
	}
}

// dispatch applies one event and executes the resulting effects outside the
// lock.
func (o *Orchestrator) dispatch(ctx context.Context, ev turn.Event) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	prev := o.m
	next, effects := o.m.Apply(ev)

	if ev.Type == turn.EventAnswerReady && next.State == prev.State {
		// The guard rejected the answer: superseded generation or the
		// machine already moved on.
		o.metrics.StaleDrops.Add(ctx, 1)
		o.log.Debug("stale answer dropped",
			"answer_generation", ev.Generation,
			"current_generation", prev.Generation,
			"state", prev.State.String(),
		)
		if o.pendingGen == ev.Generation {
			o.pending = nil
		}
		o.mu.Unlock()
		return
	}
	if next == prev && len(effects) == 0 {
		o.log.Debug("event ignored in current state",
			"event", ev.Type.String(),
			"state", prev.State.String(),
		)
		o.mu.Unlock()
		return
	}

	o.m = next
	o.adjustTimersLocked(prev.State, next.State)

	var (
		speak      *Answer
		resolveGen uint64
		resolveIn  string
		doResolve  bool
	)
	for _, eff := range effects {
		switch eff {
		case turn.EffectBeginResolve:
			doResolve = true
			resolveGen = next.Generation
			o.curInput = o.stagedInput
			resolveIn = o.curInput
			o.thinkStart = time.Now()
			o.startWatchdogLocked(resolveGen)
		case turn.EffectSpeak:
			speak = o.pending
			o.pending = nil
		}
	}
	wentIdle := prev.State == turn.StateListening && next.State == turn.StateIdle
	o.mu.Unlock()

	o.log.Debug("turn transition",
		"event", ev.Type.String(),
		"from", prev.State.String(),
		"to", next.State.String(),
		"generation", next.Generation,
	)
	if o.onState != nil {
		o.onState(next.State)
	}

	for _, eff := range effects {
		switch eff {
		case turn.EffectGreet:
			o.startSpeaking(ctx, o.cfg.Greeting)
		case turn.EffectSpeak:
			if speak != nil {
				o.startSpeaking(ctx, speak.Text)
			}
		case turn.EffectCancelSpeech:
			if err := o.speaker.Cancel(ctx, o.cfg.ID); err != nil {
				o.log.Warn("cancel playback failed", "error", err)
			}
			o.abortResolve()
		}
	}
	if doResolve {
		go o.resolve(resolveGen, resolveIn)
	}
	if wentIdle && o.onIdle != nil {
		o.abortResolve()
		o.onIdle(o.cfg.ID)
	}
}

// startSpeaking begins playback. A playback that cannot start would leave
// the machine waiting for a SPEECH_END that never comes, so a failed Speak
// is converted into an immediate speech end.
func (o *Orchestrator) startSpeaking(ctx context.Context, text string) {
	if err := o.speaker.Speak(ctx, o.cfg.ID, text); err != nil {
		o.log.Warn("playback failed to start", "error", err)
		o.OnSpeechEnd(ctx)
	}
}

// resolve produces the answer for one generation: cache first, then the
// cascade, then an apology when everything failed.
func (o *Orchestrator) resolve(gen uint64, input string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.mu.Lock()
	if o.closed || o.m.State != turn.StateThinking || o.m.Generation != gen {
		o.mu.Unlock()
		return
	}
	o.cancelResolve = cancel
	start := o.thinkStart
	o.mu.Unlock()

	if o.cache != nil {
		value, res := o.cache.Get(o.cfg.Role, input)
		o.metrics.RecordCacheLookup(ctx, res.String())
		if res != respcache.Miss {
			o.deliver(ctx, gen, input, Answer{
				Text:    value,
				Tier:    "cache",
				Cached:  true,
				Latency: time.Since(start),
			})
			return
		}
	}

	result, err := o.resolver.Resolve(ctx, cascade.Request{
		ClientID: o.cfg.ID,
		Role:     o.cfg.Role,
		Input:    input,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Superseded or torn down; nobody is waiting for this answer.
			return
		}
		o.log.Warn("resolution failed", "generation", gen, "error", err)
		o.deliver(ctx, gen, input, o.apology(gen, time.Since(start)))
		return
	}

	if o.cache != nil {
		o.cache.Set(o.cfg.Role, input, result.Text)
	}
	o.deliver(ctx, gen, input, Answer{
		Text:    result.Text,
		Tier:    result.Tier,
		Latency: time.Since(start),
	})
}

// deliver hands a resolved answer to the machine. The generation guard in
// the machine drops anything the user has already moved past. A superseded
// delivery must not touch the watchdog or cancel func; those belong to the
// generation currently thinking.
func (o *Orchestrator) deliver(ctx context.Context, gen uint64, input string, ans Answer) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if gen == o.m.Generation {
		o.stopWatchdogLocked()
		o.cancelResolve = nil
		o.pending = &ans
		o.pendingGen = gen
	}
	o.mu.Unlock()

	o.dispatch(ctx, turn.Event{Type: turn.EventAnswerReady, Generation: gen})

	// Only record the turn if the answer was actually accepted.
	o.mu.Lock()
	accepted := o.m.State == turn.StateSpeaking && o.m.Generation == gen
	o.mu.Unlock()
	if !accepted {
		return
	}

	outcome := "answered"
	switch {
	case ans.Cached:
		outcome = "cached"
	case ans.Synthetic:
		outcome = "apology"
	}
	o.metrics.TurnDuration.Record(ctx, ans.Latency.Seconds(),
		metric.WithAttributes(observe.Attr("outcome", outcome)))

	o.recordTurn(gen, input, ans)
}

// apology builds the synthetic answer for a failed or overdue resolution.
// The line is picked by generation so retries do not repeat themselves and
// tests stay deterministic.
func (o *Orchestrator) apology(gen uint64, latency time.Duration) Answer {
	line := o.cfg.Apologies[int(gen)%len(o.cfg.Apologies)]
	return Answer{
		Text:      line,
		Tier:      "apology",
		Synthetic: true,
		Latency:   latency,
	}
}

// recordTurn appends the completed turn to the history store, best effort.
func (o *Orchestrator) recordTurn(gen uint64, input string, ans Answer) {
	if o.hist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := o.hist.Append(ctx, history.Turn{
			SessionID:  o.cfg.ID,
			Generation: gen,
			Role:       o.cfg.Role,
			Input:      input,
			Response:   ans.Text,
			Tier:       ans.Tier,
			Cached:     ans.Cached,
			Latency:    ans.Latency,
			CreatedAt:  time.Now(),
		})
		if err != nil {
			o.log.Warn("turn log append failed", "error", err)
		}
	}()
}

// ─── timers ──────────────────────────────────────────────────────────────

func (o *Orchestrator) adjustTimersLocked(prev, next turn.State) {
	if prev != turn.StateListening && next == turn.StateListening {
		o.startIdleTimerLocked()
	}
	if prev == turn.StateListening && next != turn.StateListening {
		o.stopIdleTimerLocked()
	}
}

func (o *Orchestrator) startIdleTimerLocked() {
	o.stopIdleTimerLocked()
	o.idleTimer = time.AfterFunc(o.cfg.IdleTimeout, func() {
		o.dispatch(context.Background(), turn.Event{Type: turn.EventTimeout})
	})
}

func (o *Orchestrator) stopIdleTimerLocked() {
	if o.idleTimer != nil {
		o.idleTimer.Stop()
		o.idleTimer = nil
	}
}

// startWatchdogLocked arms the thinking watchdog for one generation. If it
// fires while that generation is still being resolved, the session speaks
// an apology and the eventual real answer is dropped as stale.
func (o *Orchestrator) startWatchdogLocked(gen uint64) {
	o.stopWatchdogLocked()
	o.watchdog = time.AfterFunc(o.cfg.ThinkingWatchdog, func() {
		o.onWatchdog(gen)
	})
}

func (o *Orchestrator) stopWatchdogLocked() {
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
}

func (o *Orchestrator) onWatchdog(gen uint64) {
	o.mu.Lock()
	if o.closed || o.m.State != turn.StateThinking || o.m.Generation != gen {
		o.mu.Unlock()
		return
	}
	start := o.thinkStart
	input := o.curInput
	o.mu.Unlock()

	o.log.Warn("thinking watchdog fired", "generation", gen)
	o.abortResolve()
	o.deliver(context.Background(), gen, input, o.apology(gen, time.Since(start)))
}

func (o *Orchestrator) abortResolve() {
	o.mu.Lock()
	cancel := o.cancelResolve
	o.cancelResolve = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
