package recorder

import (
	"sync"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
)

// Bus is the recording-only audio destination. Sources add samples at a
// wall-clock position; the bus sums them on one mono timeline when drained.
// It is separate from the speaker path. Audio that has been drained stays
// as it was; audio still pending can be cut back with Segment.Cut when its
// playback is stopped early.
type Bus struct {
	rate int

	mu       sync.Mutex
	origin   time.Time
	started  bool
	base     int64 // timeline index of the next sample Drain returns
	segments []*Segment
	late     int64
}

// Segment is one Add still waiting to be drained.
type Segment struct {
	bus     *Bus
	start   int64
	samples []int16
}

func NewBus(sampleRate int) *Bus {
	return &Bus{rate: sampleRate}
}

func (b *Bus) SampleRate() int { return b.rate }

// Origin is the wall-clock time of timeline index 0. Zero until the first Add.
func (b *Bus) Origin() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.origin
}

func (b *Bus) index(at time.Time) int64 {
	d := at.Sub(b.origin)
	return (int64(d)*int64(b.rate) + int64(time.Second)/2) / int64(time.Second)
}

// Add queues samples starting at wall time at. Samples that land before
// already drained audio are discarded. The returned segment is nil when
// nothing was queued.
func (b *Bus) Add(samples []int16, at time.Time) *Segment {
	if len(samples) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		b.origin = at
		b.started = true
	}
	start := b.index(at)
	if start < b.base {
		skip := b.base - start
		if skip >= int64(len(samples)) {
			b.late += int64(len(samples))
			return nil
		}
		b.late += skip
		samples = samples[skip:]
		start = b.base
	}
	seg := &Segment{bus: b, start: start, samples: append([]int16(nil), samples...)}
	b.segments = append(b.segments, seg)
	return seg
}

// Cut drops the part of the segment from wall time at onwards. Samples
// already drained are unaffected. Safe on a nil segment.
func (s *Segment) Cut(at time.Time) {
	if s == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	keep := b.index(at) - s.start
	if keep < 0 {
		keep = 0
	}
	if keep < int64(len(s.samples)) {
		s.samples = s.samples[:keep]
	}
}

// Drain returns the mixed audio before wall time upTo and its timeline
// offset. Gaps with no source are silence.
func (b *Bus) Drain(upTo time.Time) ([]int16, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil, 0
	}
	return b.drainLocked(b.index(upTo))
}

// DrainAll returns everything still pending.
func (b *Bus) DrainAll() ([]int16, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := b.base
	for _, seg := range b.segments {
		if len(seg.samples) > 0 {
			end = max(end, seg.end())
		}
	}
	return b.drainLocked(end)
}

func (b *Bus) drainLocked(end int64) ([]int16, time.Duration) {
	at := b.offsetLocked()
	if end <= b.base {
		return nil, at
	}
	out := make([]int16, end-b.base)
	kept := b.segments[:0]
	for _, seg := range b.segments {
		lo, hi := max(seg.start, b.base), min(seg.end(), end)
		if lo < hi {
			pcm.MixInto(out[lo-b.base:hi-b.base], seg.samples[lo-seg.start:hi-seg.start])
		}
		if seg.end() > end {
			kept = append(kept, seg)
		}
	}
	for i := len(kept); i < len(b.segments); i++ {
		b.segments[i] = nil
	}
	b.segments = kept
	b.base = end
	return out, at
}

// Late counts samples dropped because they arrived after their slot was
// drained.
func (b *Bus) Late() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.late
}

func (b *Bus) offsetLocked() time.Duration {
	return time.Duration(b.base * int64(time.Second) / int64(b.rate))
}

func (s *Segment) end() int64 {
	return s.start + int64(len(s.samples))
}
