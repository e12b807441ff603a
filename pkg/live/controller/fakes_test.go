package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/playback"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/capture"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/transport"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/recorder"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// Advance moves time forward, running due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		due := c.dueLocked(target)
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		due.fired = true
		if due.at.After(c.now) {
			c.now = due.at
		}
		c.mu.Unlock()
		due.fn()
	}
}

func (c *fakeClock) dueLocked(target time.Time) *fakeTimer {
	var pending []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(target) {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })
	return pending[0]
}

// Pending returns the delays of timers not yet fired or stopped.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

type fakeSession struct {
	id     string
	events chan transport.Event

	mu      sync.Mutex
	closed  bool
	texts   []string
	results []types.ToolResult
	audio   int
}

func newFakeSession(id string) *fakeSession {
	s := &fakeSession{id: id, events: make(chan transport.Event, 64)}
	s.events <- transport.Opened{SessionID: id}
	return s
}

func (s *fakeSession) ID() string                     { return s.id }
func (s *fakeSession) Events() <-chan transport.Event { return s.events }

func (s *fakeSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio += len(pcm)
	return nil
}

func (s *fakeSession) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSession) SendToolResult(r types.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *fakeSession) Close() error {
	s.finish(transport.Closed{Reason: transport.ReasonClientClosed, Code: 1000})
	return nil
}

// emit delivers an event from the remote side.
func (s *fakeSession) emit(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

// finish ends the stream with a terminal event.
func (s *fakeSession) finish(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.events <- ev
	close(s.events)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) toolResults() []types.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ToolResult(nil), s.results...)
}

type fakeDialer struct {
	mu       sync.Mutex
	descs    []types.Descriptor
	sessions []*fakeSession
	failAll  error
}

func (d *fakeDialer) Open(_ context.Context, desc types.Descriptor) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descs = append(d.descs, desc)
	if d.failAll != nil {
		return nil, d.failAll
	}
	s := newFakeSession(fmt.Sprintf("session-%d", len(d.descs)))
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) setFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = err
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.descs)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

func (d *fakeDialer) descriptor(i int) types.Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descs[i]
}

// gateDialer holds every Open until release is closed and ignores
// cancellation, like a dial stuck in a handshake.
type gateDialer struct {
	release chan struct{}
	dialing atomic.Int32

	mu       sync.Mutex
	sessions []*fakeSession
}

func (d *gateDialer) Open(context.Context, types.Descriptor) (transport.Session, error) {
	d.dialing.Add(1)
	<-d.release
	s := newFakeSession("gated")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *gateDialer) opened() []*fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSession(nil), d.sessions...)
}

type fakePlayer struct {
	playing    atomic.Bool
	enqueued   atomic.Int32
	interrupts atomic.Int32
	stops      atomic.Int32
}

func (p *fakePlayer) Enqueue([]byte) playback.Handle {
	p.enqueued.Add(1)
	return nil
}

func (p *fakePlayer) Interrupt()      { p.interrupts.Add(1) }
func (p *fakePlayer) IsPlaying() bool { return p.playing.Load() }
func (p *fakePlayer) Stop()           { p.stops.Add(1) }
func (p *fakePlayer) Resume()         {}

type fakeRecorder struct {
	mu          sync.Mutex
	micFrames   int
	finalizes   int
	transcripts []string
}

func (r *fakeRecorder) AddMicAudio([]byte, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.micFrames++
}

func (r *fakeRecorder) Finalize(transcript string) <-chan recorder.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizes++
	r.transcripts = append(r.transcripts, transcript)
	ch := make(chan recorder.Result, 1)
	ch <- recorder.Result{Bytes: len(transcript)}
	close(ch)
	return ch
}

func (r *fakeRecorder) counts() (mic, finalizes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.micFrames, r.finalizes
}

// deniedMic fails to open like a microphone without permission.
type deniedMic struct{}

func (deniedMic) Open(context.Context, pcm.Format) (capture.Stream, error) {
	return nil, fmt.Errorf("NotAllowedError: permission denied")
}

// toneMic produces frames until closed.
type toneMic struct{}

func (toneMic) Open(context.Context, pcm.Format) (capture.Stream, error) {
	return &toneStream{done: make(chan struct{})}, nil
}

type toneStream struct {
	once sync.Once
	done chan struct{}
}

func (s *toneStream) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, context.Canceled
	case <-time.After(2 * time.Millisecond):
		return make([]byte, 640), nil
	}
}

func (s *toneStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// stickyMic opens streams whose Close blocks until gate is closed, so the
// holder is slow to give the devices up.
type stickyMic struct {
	gate chan struct{}
}

func (m stickyMic) Open(context.Context, pcm.Format) (capture.Stream, error) {
	return &stickyStream{toneStream: &toneStream{done: make(chan struct{})}, gate: m.gate}, nil
}

type stickyStream struct {
	*toneStream
	gate chan struct{}
}

func (s *stickyStream) Close() error {
	<-s.gate
	return s.toneStream.Close()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, c *Controller, want State, gen int) Status {
	t.Helper()
	var st Status
	waitFor(t, fmt.Sprintf("%s (generation %d)", want, gen), func() bool {
		st = c.Status()
		return st.State == want && st.Generation == gen
	})
	return st
}

func drain(ch <-chan Transition) []Transition {
	var out []Transition
	for {
		select {
		case tr, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, tr)
		default:
			return out
		}
	}
}
