// Package controller drives one conversation across many Transport
// Sessions.
//
// A single goroutine owns all state. Commands from the UI, events from the
// current Transport Session, connect results and timer fires are messages
// on one mailbox, so transitions never interleave. Events from a session
// that has already been replaced are recognized by generation and dropped.
//
//	Idle → Connecting → Active ⇄ Rotating → Connecting
//	                      │
//	                      └→ Reconnecting → Connecting   (unsolicited close)
//	Connecting/Active → RateLimited                      (quota, no auto-retry)
//	any → Terminated                                     (End)
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/capture"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/playback"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/arbiter"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/checkpoint"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/tools"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/transport"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/metrics"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/recorder"
)

const (
	DefaultRotationInterval = 15 * time.Minute
	DefaultRotationJitter   = 15 * time.Second
	DefaultRotationRecheck  = time.Second
	DefaultReconnectBase    = time.Second
	DefaultReconnectStep    = 2 * time.Second
	DefaultMaxRetries       = 8
	defaultAcquireTimeout   = 5 * time.Second
	mailboxSize             = 256
	subscriberBuffer        = 256
)

// ErrNotActive is returned by operations that need an open session.
var ErrNotActive = errors.New("controller: no active session")

// Player is the playback side the controller drives. *playback.Scheduler
// implements it.
type Player interface {
	Enqueue(chunk []byte) playback.Handle
	Interrupt()
	IsPlaying() bool
	Stop()
	Resume()
}

// Recorder receives microphone audio and is finalized once on End.
// *recorder.Recorder implements it.
type Recorder interface {
	AddMicAudio(frame []byte, at time.Time)
	Finalize(transcript string) <-chan recorder.Result
}

type Config struct {
	Model             string
	Voice             types.VoiceProfile
	SystemInstruction string

	Checkpoint checkpoint.Builder
	// DenseCheckpoint replays a shorter, character-capped window.
	DenseCheckpoint bool

	RotationInterval time.Duration
	// RotationJitter spreads rotations by ± this much. Negative disables it.
	RotationJitter  time.Duration
	RotationRecheck time.Duration

	ReconnectBase time.Duration
	ReconnectStep time.Duration
	MaxRetries    int

	// CoolOff returns RateLimited to Idle after this long. Zero waits for
	// an explicit Reconnect.
	CoolOff time.Duration

	Capture        capture.Config
	AcquireTimeout time.Duration
	// Holder names this conversation in the device arbiter.
	Holder string
}

type Deps struct {
	Dialer transport.Dialer
	// Arbiter defaults to a private arbiter.
	Arbiter *arbiter.Arbiter
	// Mic is optional; without it the conversation is text and playback only.
	Mic      capture.Source
	Player   Player
	Tools    *tools.Bridge
	Recorder Recorder
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Clock    Clock
}

type Controller struct {
	cfg        Config
	deps       Deps
	transcript *types.Transcript
	capture    *capture.Pipeline

	mailbox chan message
	quit    chan struct{}
	done    chan struct{}
	postMu  sync.RWMutex
	exited  bool
	// devMu serializes device acquisition with discarding stale claims.
	devMu sync.Mutex
	bg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	// live is the session microphone frames go to; nil unless Active.
	live atomic.Pointer[liveSession]

	// Owned by the loop goroutine.
	state         State
	reason        string
	lastErr       error
	retries       int
	backoff       retry.Backoff
	gen           int
	desc          types.Descriptor
	session       transport.Session
	token         *arbiter.Token
	connectCancel context.CancelFunc
	connectStart  time.Time
	trigger       string
	timer         Timer
	timerSeq      uint64
	pending       []Transition

	mu         sync.Mutex
	status     Status
	subs       map[int]chan Transition
	nextSub    int
	subsClosed bool
	endOnce    sync.Once
	finished   <-chan recorder.Result
}

type liveSession struct {
	transport.Session
}

// New creates a controller in Idle. Its loop runs until End.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("controller: dialer is required")
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.RotationJitter == 0 {
		cfg.RotationJitter = DefaultRotationJitter
	}
	if cfg.RotationRecheck <= 0 {
		cfg.RotationRecheck = DefaultRotationRecheck
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectStep <= 0 {
		cfg.ReconnectStep = DefaultReconnectStep
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.Holder == "" {
		cfg.Holder = "conversation-" + uuid.NewString()[:8]
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Arbiter == nil {
		deps.Arbiter = arbiter.New(deps.Logger)
	}
	if deps.Player == nil {
		deps.Player = playback.NewScheduler(playback.Config{}, playback.Deps{Logger: deps.Logger})
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		deps:       deps,
		transcript: types.NewTranscript(),
		mailbox:    make(chan message, mailboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[int]chan Transition),
		status:     Status{State: StateIdle},
	}
	c.deps.Logger = deps.Logger.With("holder", cfg.Holder)
	if deps.Mic != nil {
		c.capture = capture.New(cfg.Capture, capture.Deps{
			Logger:         c.deps.Logger,
			Sink:           c.onMicFrame,
			PlaybackActive: deps.Player.IsPlaying,
		})
	}
	go c.run()
	return c, nil
}

// Start opens the first Transport Session. Only valid from Idle.
func (c *Controller) Start(ctx context.Context) error {
	return c.command(ctx, cmdStart, "")
}

// Pause closes the Transport Session but keeps the recording and the
// transcript. Resume with Reconnect.
func (c *Controller) Pause() error {
	return c.command(context.Background(), cmdPause, "")
}

// Reconnect is the manual retry from Idle or RateLimited.
func (c *Controller) Reconnect() error {
	return c.command(context.Background(), cmdReconnect, "")
}

// Refresh rotates the Transport Session now, deferring while the agent is
// still audible.
func (c *Controller) Refresh() error {
	return c.command(context.Background(), cmdRefresh, "")
}

// SendText sends an out-of-band user message to the active session.
func (c *Controller) SendText(text string) error {
	return c.command(context.Background(), cmdSendText, text)
}

// End terminates the conversation. It cancels timers, closes the session,
// releases the devices and triggers the recorder finalize. Calling it again
// returns the same channel. The channel yields the recorder outcome; it is
// closed without a value when there is no recorder.
func (c *Controller) End() <-chan recorder.Result {
	c.endOnce.Do(func() {
		if err := c.command(context.Background(), cmdEnd, ""); err != nil && !errors.Is(err, core.ErrClosed) {
			c.deps.Logger.Warn("end failed", "err", err)
		}
		<-c.done
		c.bg.Wait()
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished == nil {
		ch := make(chan recorder.Result)
		close(ch)
		c.finished = ch
	}
	return c.finished
}

// Status returns the published state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := c.status
	c.mu.Unlock()
	if c.capture != nil {
		st.Volume = c.capture.Volume()
	}
	return st
}

// Transcript returns the full conversation, independent of what was replayed
// into any session.
func (c *Controller) Transcript() []types.TranscriptEntry {
	return c.transcript.Entries()
}

// Descriptor returns the descriptor of the current or last session.
func (c *Controller) Descriptor() types.Descriptor {
	var d types.Descriptor
	if err := c.inspect(func() { d = c.desc }); err != nil {
		return types.Descriptor{}
	}
	return d
}

// Subscribe streams transitions until cancel is called or the controller
// terminates. A subscriber that falls behind loses transitions.
func (c *Controller) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Done is closed when the controller has terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) command(ctx context.Context, kind commandKind, arg string) error {
	reply := make(chan error, 1)
	select {
	case c.mailbox <- command{kind: kind, arg: arg, reply: reply}:
	case <-c.done:
		return core.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return core.ErrClosed
		}
	}
}

// inspect runs fn on the loop goroutine.
func (c *Controller) inspect(fn func()) error {
	reply := make(chan error, 1)
	select {
	case c.mailbox <- inspect{fn: fn, reply: reply}:
	case <-c.done:
		return core.ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return core.ErrClosed
	}
}

// post delivers an internal message. It reports false once the loop has
// exited; a message it accepted is either handled by the loop or released by
// drainMailbox.
func (c *Controller) post(msg message) bool {
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.exited {
		return false
	}
	select {
	case c.mailbox <- msg:
		return true
	case <-c.quit:
		return false
	}
}

// drainMailbox runs when the loop returns. After it seals the mailbox no
// post succeeds, so every connect result is either drained here or closed by
// the goroutine that produced it.
func (c *Controller) drainMailbox() {
	close(c.quit)
	c.postMu.Lock()
	c.exited = true
	c.postMu.Unlock()
	for {
		select {
		case msg := <-c.mailbox:
			switch m := msg.(type) {
			case connectResult:
				c.discard(m)
			case command:
				m.reply <- core.ErrClosed
			case inspect:
				m.reply <- core.ErrClosed
			}
		default:
			return
		}
	}
}

// onMicFrame runs on the capture goroutine.
func (c *Controller) onMicFrame(frame []byte) {
	if c.deps.Recorder != nil {
		c.deps.Recorder.AddMicAudio(frame, c.deps.Clock.Now())
	}
	s := c.live.Load()
	if s == nil {
		return
	}
	if err := s.SendAudio(frame); err != nil {
		if !errors.Is(err, core.ErrClosed) {
			c.deps.Logger.Debug("audio frame not sent", "session_id", s.ID(), "err", err)
		}
		return
	}
	c.deps.Metrics.RecordAudio("out", len(frame))
}
