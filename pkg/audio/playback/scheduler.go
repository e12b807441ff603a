// Package playback schedules inbound agent audio on a virtual clock so that
// chunks play back to back without gaps, overlaps, or clicks.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
)

const (
	DefaultSampleRate = 24000
	DefaultFadeIn     = 10 * time.Millisecond
	DefaultGrace      = 500 * time.Millisecond
)

type Config struct {
	FadeIn time.Duration
	Grace  time.Duration
}

type Deps struct {
	Output Output
	Logger *slog.Logger
	// Tap, when set, receives every scheduled buffer with the wall-clock
	// time it will start playing. If it returns a func, that func is called
	// with the wall-clock stop time when the buffer is interrupted before
	// it finished.
	Tap func(samples []int16, at time.Time) (cut func(stoppedAt time.Time))
	// WallNow defaults to time.Now.
	WallNow func() time.Time
}

type scheduled struct {
	h   Handle
	cut func(time.Time)
}

type Scheduler struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	virtual  time.Duration
	handles  []scheduled
	lastEnd  time.Duration
	hasLast  bool
	stopped  bool
	enqueued int64
}

func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if cfg.FadeIn <= 0 {
		cfg.FadeIn = DefaultFadeIn
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if deps.Output == nil {
		deps.Output = NewMixer(pcm.Format{SampleRate: DefaultSampleRate, Channels: 1})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.WallNow == nil {
		deps.WallNow = time.Now
	}
	return &Scheduler{cfg: cfg, deps: deps, virtual: deps.Output.Now()}
}

// Enqueue decodes chunk and schedules it at max(virtual clock, real clock).
// Chunks that are empty after header stripping are ignored and return nil.
func (s *Scheduler) Enqueue(chunk []byte) Handle {
	data := pcm.StripWAVHeader(chunk)
	samples := pcm.Decode(data)
	if len(samples) == 0 {
		return nil
	}
	format := s.deps.Output.Format()
	fade := int(s.cfg.FadeIn*time.Duration(format.SampleRate)/time.Second) * format.Channels
	pcm.FadeIn(samples, fade)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	now := s.deps.Output.Now()
	start := max(s.virtual, now)
	h := s.deps.Output.Schedule(start, samples)
	s.virtual = h.End()
	s.lastEnd = s.virtual
	s.hasLast = true
	s.enqueued++
	entry := scheduled{h: h}
	if s.deps.Tap != nil {
		// Tapped under the lock so an Interrupt cannot slip in before the
		// cut is registered.
		entry.cut = s.deps.Tap(samples, s.deps.WallNow().Add(h.Start()-now))
	}
	s.handles = append(s.pruneLocked(now), entry)
	s.mu.Unlock()
	return h
}

// Interrupt stops every in-flight buffer and resets the virtual clock to
// the real clock. Tapped copies of those buffers are cut at the same point.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = s.pruneLocked(s.deps.Output.Now())
	stopped := len(s.handles)
	wall := s.deps.WallNow()
	for _, e := range s.handles {
		e.h.Stop()
		if e.cut != nil {
			e.cut(wall)
		}
	}
	s.handles = nil
	s.virtual = s.deps.Output.Now()
	s.hasLast = false
	if stopped > 0 {
		s.deps.Logger.Debug("playback interrupted", "buffers", stopped)
	}
}

// IsPlaying is true while a buffer is scheduled and for the grace period
// after the last one ends.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.deps.Output.Now()
	s.handles = s.pruneLocked(now)
	if len(s.handles) > 0 {
		return true
	}
	return s.hasLast && now < s.lastEnd+s.cfg.Grace
}

// VirtualClock returns the end of the last scheduled buffer, or the real
// clock after an interrupt.
func (s *Scheduler) VirtualClock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.virtual
}

// InFlight counts scheduled buffers that have not finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = s.pruneLocked(s.deps.Output.Now())
	return len(s.handles)
}

// Stop interrupts playback and rejects further chunks.
func (s *Scheduler) Stop() {
	s.Interrupt()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Resume accepts chunks again after Stop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
}

func (s *Scheduler) pruneLocked(now time.Duration) []scheduled {
	live := s.handles[:0]
	for _, e := range s.handles {
		if e.h.Stopped() || e.h.End() <= now {
			continue
		}
		live = append(live, e)
	}
	for i := len(live); i < len(s.handles); i++ {
		s.handles[i] = scheduled{}
	}
	return live
}
