package playback

import (
	"sync"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
)

// Output plays sample buffers at positions on its own clock.
type Output interface {
	// Now is the real clock: audio time consumed by the device so far.
	Now() time.Duration
	// Schedule queues interleaved samples to start at or after at.
	Schedule(at time.Duration, samples []int16) Handle
	Format() pcm.Format
}

// Handle is one scheduled buffer.
type Handle interface {
	Start() time.Duration
	End() time.Duration
	Stop()
	Stopped() bool
}

// Mixer is a software Output. A device pulls from it through Read; its clock
// is the number of frames pulled so far. Silence fills gaps between buffers.
type Mixer struct {
	format pcm.Format

	mu     sync.Mutex
	pos    int64
	voices []*voice
}

func NewMixer(format pcm.Format) *Mixer {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Mixer{format: format}
}

func (m *Mixer) Format() pcm.Format { return m.format }

func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameTime(m.pos)
}

func (m *Mixer) frameTime(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(m.format.SampleRate)
}

// frameAt rounds to the nearest frame so frameAt(frameTime(n)) == n.
func (m *Mixer) frameAt(d time.Duration) int64 {
	return (int64(d)*int64(m.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// Schedule clamps at to the current position; the returned handle reports
// the real start.
func (m *Mixer) Schedule(at time.Duration, samples []int16) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.frameAt(at)
	if start < m.pos {
		start = m.pos
	}
	v := &voice{
		mixer:   m,
		start:   start,
		frames:  int64(len(samples) / m.format.Channels),
		samples: samples,
	}
	m.voices = append(m.voices, v)
	return v
}

// Active counts buffers not yet fully played or stopped.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.voices {
		if !v.stopped && v.start+v.frames > m.pos {
			n++
		}
	}
	return n
}

// Read implements io.Reader for the device. It never blocks and always
// fills whole frames.
func (m *Mixer) Read(p []byte) (int, error) {
	ch := m.format.Channels
	frameBytes := 2 * ch
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}
	out := make([]int16, frames*ch)

	m.mu.Lock()
	from, to := m.pos, m.pos+int64(frames)
	live := m.voices[:0]
	for _, v := range m.voices {
		end := v.start + v.frames
		if v.stopped || end <= from {
			continue
		}
		live = append(live, v)
		if v.start >= to {
			continue
		}
		lo := max(v.start, from)
		hi := min(end, to)
		src := v.samples[(lo-v.start)*int64(ch) : (hi-v.start)*int64(ch)]
		pcm.MixInto(out[(lo-from)*int64(ch):(hi-from)*int64(ch)], src)
	}
	for i := len(live); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = live
	m.pos = to
	m.mu.Unlock()

	copy(p, pcm.Encode(out))
	return frames * frameBytes, nil
}

type voice struct {
	mixer   *Mixer
	start   int64
	frames  int64
	samples []int16
	stopped bool
}

func (v *voice) Start() time.Duration {
	return v.mixer.frameTime(v.start)
}

func (v *voice) End() time.Duration {
	return v.mixer.frameTime(v.start + v.frames)
}

func (v *voice) Stop() {
	v.mixer.mu.Lock()
	v.stopped = true
	v.mixer.mu.Unlock()
}

func (v *voice) Stopped() bool {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	return v.stopped
}
