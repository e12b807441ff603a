// Package capture turns microphone input into fixed-size PCM frames.
//
// Every frame is forwarded to the sink regardless of playback state. The
// volume indicator is the only thing suppressed while the agent is talking.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/arbiter"
)

const (
	DefaultFrameSamples = 4096
	DefaultSampleRate   = 16000
)

// Stream yields raw PCM16LE bytes in whatever sizes the device delivers.
type Stream interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Source opens a capture Stream. Permission failures are reported as
// core.KindPermission errors.
type Source interface {
	Open(ctx context.Context, format pcm.Format) (Stream, error)
}

type Config struct {
	FrameSamples int
	Format       pcm.Format
}

type Deps struct {
	Logger *slog.Logger
	// Sink receives every complete frame. It owns the slice.
	Sink func(frame []byte)
	// PlaybackActive reports whether local playback is audible.
	PlaybackActive func() bool
}

// Pipeline frames one Stream at a time. It can be restarted after Stop.
type Pipeline struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stream  Stream

	volume atomic.Uint64
	frames atomic.Int64
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = DefaultFrameSamples
	}
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = pcm.Format{SampleRate: DefaultSampleRate, Channels: 1}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = func([]byte) {}
	}
	if deps.PlaybackActive == nil {
		deps.PlaybackActive = func() bool { return false }
	}
	return &Pipeline{cfg: cfg, deps: deps}
}

// FrameBytes is the size of one emitted frame.
func (p *Pipeline) FrameBytes() int {
	return p.cfg.FrameSamples * p.cfg.Format.Channels * 2
}

// Start opens src and begins framing. Frames stop flowing as soon as token is
// revoked; the revoke also stops the pipeline.
func (p *Pipeline) Start(ctx context.Context, token *arbiter.Token, src Source) error {
	if !token.Valid() {
		return core.NewPermissionError("microphone", errors.New("device ownership token is not valid"))
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	stream, err := src.Open(ctx, p.cfg.Format)
	if err != nil {
		p.mu.Unlock()
		if core.KindOf(err) == core.KindPermission {
			return err
		}
		return core.NewPermissionError("microphone", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.stream = stream
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	token.OnRevoke(p.Stop)
	go p.run(runCtx, token, stream, done)
	return nil
}

// Stop ends capture and waits for the frame loop to exit. A partial frame
// still buffered is dropped. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, stream, done := p.cancel, p.stream, p.done
	p.mu.Unlock()

	cancel()
	_ = stream.Close()
	<-done
	p.volume.Store(0)
}

// Volume is the RMS level of the last frame in [0,1], or 0 while playback
// is active.
func (p *Pipeline) Volume() float64 {
	return math.Float64frombits(p.volume.Load())
}

// Frames counts frames handed to the sink since construction.
func (p *Pipeline) Frames() int64 {
	return p.frames.Load()
}

func (p *Pipeline) run(ctx context.Context, token *arbiter.Token, stream Stream, done chan struct{}) {
	defer close(done)
	frameBytes := p.FrameBytes()
	buf := make([]byte, 0, frameBytes*2)

	for {
		data, err := stream.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.deps.Logger.Warn("microphone read failed", "err", err)
			}
			return
		}
		buf = append(buf, data...)
		for len(buf) >= frameBytes {
			if !token.Valid() {
				return
			}
			frame := make([]byte, frameBytes)
			copy(frame, buf[:frameBytes])
			buf = append(buf[:0], buf[frameBytes:]...)

			level := pcm.CalculateRMSEnergy(frame)
			if p.deps.PlaybackActive() {
				level = 0
			}
			p.volume.Store(math.Float64bits(level))
			p.frames.Add(1)
			p.deps.Sink(frame)
		}
	}
}
