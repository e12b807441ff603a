package playback

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
)

// 1kHz mono keeps the math readable: one sample is one millisecond.
var testFormat = pcm.Format{SampleRate: 1000, Channels: 1}

func advance(m *Mixer, frames int) []int16 {
	buf := make([]byte, frames*2)
	n, _ := m.Read(buf)
	return pcm.Decode(buf[:n])
}

func constChunk(samples int, v int16) []byte {
	s := make([]int16, samples)
	for i := range s {
		s[i] = v
	}
	return pcm.Encode(s)
}

func newTestScheduler() (*Scheduler, *Mixer) {
	m := NewMixer(testFormat)
	return NewScheduler(Config{}, Deps{Output: m}), m
}

func TestScheduler_BackToBackChunksAreGapless(t *testing.T) {
	s, _ := newTestScheduler()
	first := s.Enqueue(constChunk(100, 1000))
	second := s.Enqueue(constChunk(50, 1000))
	if first.Start() != 0 || first.End() != 100*time.Millisecond {
		t.Fatalf("first=[%v,%v)", first.Start(), first.End())
	}
	if second.Start() != first.End() {
		t.Fatalf("second starts at %v, want %v", second.Start(), first.End())
	}
	if got := s.VirtualClock(); got != 150*time.Millisecond {
		t.Fatalf("virtual=%v", got)
	}
}

func TestScheduler_LateChunkStartsAtRealClock(t *testing.T) {
	s, m := newTestScheduler()
	s.Enqueue(constChunk(10, 1000))
	advance(m, 40)

	h := s.Enqueue(constChunk(10, 1000))
	if h.Start() != 40*time.Millisecond {
		t.Fatalf("start=%v, want 40ms", h.Start())
	}
}

func TestScheduler_VirtualClockMonotonicWithoutOverlap(t *testing.T) {
	s, m := newTestScheduler()
	rng := rand.New(rand.NewSource(7))

	var prev Handle
	lastVirtual := s.VirtualClock()
	for i := 0; i < 500; i++ {
		if rng.Intn(3) == 0 {
			advance(m, rng.Intn(120))
		}
		h := s.Enqueue(constChunk(1+rng.Intn(80), 500))
		if prev != nil && h.Start() < prev.End() {
			t.Fatalf("chunk %d starts at %v before previous end %v", i, h.Start(), prev.End())
		}
		if v := s.VirtualClock(); v < lastVirtual {
			t.Fatalf("virtual clock went backwards: %v -> %v", lastVirtual, v)
		} else {
			lastVirtual = v
		}
		prev = h
	}
}

func TestScheduler_StripsHeaderAndFadesIn(t *testing.T) {
	s, m := newTestScheduler()
	wav := pcm.PCMToWAV(constChunk(40, 1000), testFormat)
	h := s.Enqueue(wav)
	if h == nil || h.End()-h.Start() != 40*time.Millisecond {
		t.Fatalf("handle=%v", h)
	}

	out := advance(m, 40)
	if out[0] != 0 {
		t.Fatalf("first sample=%d, want 0 after fade", out[0])
	}
	for i := 1; i < 10; i++ {
		if out[i] <= out[i-1] {
			t.Fatalf("fade not increasing at %d: %v", i, out[:10])
		}
	}
	if out[10] != 1000 || out[39] != 1000 {
		t.Fatalf("body=%v", out[10:])
	}

	if s.Enqueue(pcm.PCMToWAV(nil, testFormat)) != nil {
		t.Fatalf("header-only chunk must be ignored")
	}
}

func TestScheduler_InterruptStopsEverything(t *testing.T) {
	s, m := newTestScheduler()
	a := s.Enqueue(constChunk(100, 1000))
	b := s.Enqueue(constChunk(100, 1000))
	advance(m, 30)

	s.Interrupt()
	if !a.Stopped() || !b.Stopped() {
		t.Fatalf("handles still running")
	}
	if got := s.VirtualClock(); got != 30*time.Millisecond {
		t.Fatalf("virtual=%v, want real clock 30ms", got)
	}
	if s.IsPlaying() {
		t.Fatalf("IsPlaying after interrupt")
	}
	for _, v := range advance(m, 50) {
		if v != 0 {
			t.Fatalf("stopped buffers still audible")
		}
	}

	h := s.Enqueue(constChunk(10, 1000))
	if h.Start() != 80*time.Millisecond {
		t.Fatalf("post-interrupt start=%v", h.Start())
	}
}

func TestScheduler_IsPlayingGracePeriod(t *testing.T) {
	s, m := newTestScheduler()
	if s.IsPlaying() {
		t.Fatalf("idle scheduler playing")
	}
	s.Enqueue(constChunk(100, 1000))
	if !s.IsPlaying() {
		t.Fatalf("not playing with a scheduled buffer")
	}

	advance(m, 100)
	if s.InFlight() != 0 {
		t.Fatalf("in flight=%d", s.InFlight())
	}
	if !s.IsPlaying() {
		t.Fatalf("grace period not honoured")
	}
	advance(m, 499)
	if !s.IsPlaying() {
		t.Fatalf("grace ended early")
	}
	advance(m, 1)
	if s.IsPlaying() {
		t.Fatalf("still playing after grace")
	}
}

func TestScheduler_TapAndStop(t *testing.T) {
	wall := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var tapped []time.Time
	m := NewMixer(testFormat)
	s := NewScheduler(Config{}, Deps{
		Output:  m,
		WallNow: func() time.Time { return wall },
		Tap: func(_ []int16, at time.Time) func(time.Time) {
			tapped = append(tapped, at)
			return nil
		},
	})
	s.Enqueue(constChunk(20, 1))
	s.Enqueue(constChunk(20, 1))
	if len(tapped) != 2 || !tapped[0].Equal(wall) || !tapped[1].Equal(wall.Add(20*time.Millisecond)) {
		t.Fatalf("tapped=%v", tapped)
	}

	s.Stop()
	if s.Enqueue(constChunk(20, 1)) != nil {
		t.Fatalf("enqueue after Stop")
	}
	s.Resume()
	if s.Enqueue(constChunk(20, 1)) == nil {
		t.Fatalf("enqueue after Resume rejected")
	}
}

func TestScheduler_InterruptCutsTappedBuffers(t *testing.T) {
	origin := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMixer(testFormat)
	cuts := map[time.Time][]time.Time{}
	s := NewScheduler(Config{}, Deps{
		Output:  m,
		WallNow: func() time.Time { return origin.Add(m.Now()) },
		Tap: func(_ []int16, at time.Time) func(time.Time) {
			return func(stoppedAt time.Time) { cuts[at] = append(cuts[at], stoppedAt) }
		},
	})
	s.Enqueue(constChunk(50, 1))
	s.Enqueue(constChunk(100, 1))
	s.Enqueue(constChunk(100, 1))
	advance(m, 70)

	s.Interrupt()
	stop := origin.Add(70 * time.Millisecond)
	if len(cuts) != 2 {
		t.Fatalf("cut %d buffers, want the 2 still in flight: %v", len(cuts), cuts)
	}
	for _, start := range []time.Time{origin.Add(50 * time.Millisecond), origin.Add(150 * time.Millisecond)} {
		got := cuts[start]
		if len(got) != 1 || !got[0].Equal(stop) {
			t.Fatalf("buffer at %v cut at %v, want [%v]", start.Sub(origin), got, stop)
		}
	}

	s.Interrupt()
	if len(cuts[origin.Add(50*time.Millisecond)]) != 1 {
		t.Fatalf("second interrupt cut again")
	}
}

func TestMixer_MixesOverlappingVoices(t *testing.T) {
	m := NewMixer(testFormat)
	m.Schedule(0, []int16{100, 100, 100, 100})
	m.Schedule(2*time.Millisecond, []int16{50, 50, 50})
	got := advance(m, 6)
	want := []int16{100, 100, 150, 150, 50, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mixed=%v, want %v", got, want)
		}
	}
	if m.Active() != 0 {
		t.Fatalf("active=%d", m.Active())
	}
}
