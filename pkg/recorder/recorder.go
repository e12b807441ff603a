// Package recorder produces one recording artifact per conversation: the
// mixed microphone and agent audio plus an optional composited screen and
// camera video. It keeps running across connection churn and is finalized
// exactly once.
package recorder

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/metrics"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store"
)

const (
	DefaultFPS        = 15
	DefaultSampleRate = 24000
	DefaultMicRate    = 16000
	// Audio newer than this stays on the bus so agent buffers scheduled
	// slightly ahead still land in the same mix.
	DefaultMixLatency = 250 * time.Millisecond

	defaultPutTimeout = 2 * time.Minute
)

type Config struct {
	// Key prefixes both stored objects. Defaults to recordings/<uuid>.
	Key         string
	FPS         int
	SampleRate  int
	MicRate     int
	AgentRate   int
	MixLatency  time.Duration
	Orientation Orientation
	JPEGQuality int
	PutTimeout  time.Duration
}

type Deps struct {
	Store   store.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
	// NewEncoder defaults to a ChunkEncoder.
	NewEncoder func(MediaInfo) Encoder
}

// Result reports the outcome of the persistence handoff.
type Result struct {
	Media      store.Ref
	Transcript store.Ref
	// Empty is set when no audio was ever recorded; nothing is stored.
	Empty  bool
	Bytes  int
	Frames int
	Err    error
}

type Recorder struct {
	cfg  Config
	deps Deps
	bus  *Bus

	mu          sync.Mutex
	enc         Encoder
	comp        *Compositor
	screen      VideoSource
	camera      VideoSource
	frames      int
	nextFrameAt time.Duration
	finalizing  bool

	stop    chan struct{}
	loopWG  sync.WaitGroup
	once    sync.Once
	results chan Result
}

func New(cfg Config, deps Deps) *Recorder {
	if cfg.Key == "" {
		cfg.Key = "recordings/" + uuid.NewString()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.MicRate <= 0 {
		cfg.MicRate = DefaultMicRate
	}
	if cfg.AgentRate <= 0 {
		cfg.AgentRate = cfg.SampleRate
	}
	if cfg.MixLatency <= 0 {
		cfg.MixLatency = DefaultMixLatency
	}
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = defaultPutTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewEncoder == nil {
		quality := cfg.JPEGQuality
		deps.NewEncoder = func(info MediaInfo) Encoder { return NewChunkEncoder(info, quality) }
	}
	return &Recorder{
		cfg:  cfg,
		deps: deps,
		bus:  NewBus(cfg.SampleRate),
		comp: NewCompositor(cfg.Orientation),
		stop: make(chan struct{}),
	}
}

func (r *Recorder) Key() string { return r.cfg.Key }

// AddMicAudio records one outbound PCM16LE frame captured at wall time at.
func (r *Recorder) AddMicAudio(frame []byte, at time.Time) {
	samples := pcm.Resample(pcm.Decode(frame), r.cfg.MicRate, r.cfg.SampleRate)
	r.add(samples, at)
}

// AddAgentAudio records agent samples scheduled to start at wall time at.
// Its signature matches the playback scheduler tap: the returned func cuts
// the buffer at the wall time its playback was stopped.
func (r *Recorder) AddAgentAudio(samples []int16, at time.Time) func(stoppedAt time.Time) {
	seg := r.add(pcm.Resample(samples, r.cfg.AgentRate, r.cfg.SampleRate), at)
	if seg == nil {
		return nil
	}
	return seg.Cut
}

func (r *Recorder) add(samples []int16, at time.Time) *Segment {
	if len(samples) == 0 {
		return nil
	}
	if !r.ensureStarted() {
		return nil
	}
	return r.bus.Add(samples, at)
}

// ensureStarted creates the artifact on the first audio frame.
func (r *Recorder) ensureStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalizing {
		return false
	}
	if r.enc != nil {
		return true
	}
	b := r.comp.Bounds()
	r.enc = r.deps.NewEncoder(MediaInfo{SampleRate: r.cfg.SampleRate, Width: b.Dx(), Height: b.Dy(), FPS: r.cfg.FPS})
	r.deps.Logger.Info("recording started", "key", r.cfg.Key, "orientation", r.comp.Orientation().String())
	r.loopWG.Add(1)
	go r.loop()
	return true
}

func (r *Recorder) SetScreen(src VideoSource) {
	r.mu.Lock()
	r.screen = src
	r.mu.Unlock()
}

func (r *Recorder) SetCamera(src VideoSource) {
	r.mu.Lock()
	r.camera = src
	r.mu.Unlock()
}

// SetOrientation changes where the camera overlay is drawn. The surface size
// of an artifact already started does not change.
func (r *Recorder) SetOrientation(o Orientation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc != nil {
		r.comp.orientation = o
		return
	}
	r.comp.SetOrientation(o)
}

// Started reports whether the artifact exists.
func (r *Recorder) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc != nil
}

func (r *Recorder) loop() {
	defer r.loopWG.Done()
	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.FPS))
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick(r.deps.Now())
		}
	}
}

// tick moves settled audio into the encoder and renders a video frame when
// one is due.
func (r *Recorder) tick(now time.Time) {
	samples, at := r.bus.Drain(now.Add(-r.cfg.MixLatency))

	r.mu.Lock()
	enc := r.enc
	screen, camera := r.screen, r.camera
	r.mu.Unlock()
	if enc == nil {
		return
	}
	if err := enc.WriteAudio(at, samples); err != nil {
		r.deps.Logger.Warn("recording audio write failed", "key", r.cfg.Key, "err", err)
	}
	if screen == nil && camera == nil {
		return
	}

	origin := r.bus.Origin()
	ts := now.Sub(origin)
	r.mu.Lock()
	due := ts >= r.nextFrameAt
	r.mu.Unlock()
	if !due {
		return
	}

	screenImg := r.sample(screen, "screen")
	cameraImg := r.sample(camera, "camera")
	if screenImg == nil && cameraImg == nil {
		return
	}

	r.mu.Lock()
	frame := r.comp.Compose(screenImg, cameraImg)
	r.nextFrameAt = ts + time.Second/time.Duration(r.cfg.FPS)
	r.frames++
	err := enc.WriteVideo(ts, frame)
	r.mu.Unlock()
	if err != nil {
		r.deps.Logger.Warn("recording video write failed", "key", r.cfg.Key, "err", err)
	}
}

// sample reads one frame. A failing source is dropped and the recording
// continues without it.
func (r *Recorder) sample(src VideoSource, name string) image.Image {
	if src == nil {
		return nil
	}
	frame, err := src.Frame()
	if err != nil {
		r.mu.Lock()
		if name == "screen" {
			r.screen = nil
		} else {
			r.camera = nil
		}
		r.mu.Unlock()
		level := slog.LevelWarn
		if core.IsPermission(err) {
			level = slog.LevelInfo
		}
		r.deps.Logger.Log(context.Background(), level, "video source unavailable, recording continues without it", "source", name, "key", r.cfg.Key, "err", err)
		r.deps.Metrics.RecordError(string(core.KindRecording))
		return nil
	}
	return frame
}

// Finalize stops recording and hands the artifact and transcript to the
// store in the background. It never blocks; the result arrives on the
// returned channel. Later calls return the same channel and do nothing.
func (r *Recorder) Finalize(transcript string) <-chan Result {
	r.once.Do(func() {
		r.results = make(chan Result, 1)
		r.mu.Lock()
		r.finalizing = true
		r.mu.Unlock()
		close(r.stop)
		go r.finalize(transcript)
	})
	return r.results
}

func (r *Recorder) finalize(transcript string) {
	r.loopWG.Wait()

	r.mu.Lock()
	enc := r.enc
	frames := r.frames
	r.mu.Unlock()

	if enc == nil {
		r.deps.Logger.Info("recording finalized without audio, nothing stored", "key", r.cfg.Key)
		r.deps.Metrics.RecordRecording("empty", 0)
		r.results <- Result{Empty: true}
		close(r.results)
		return
	}

	samples, at := r.bus.DrainAll()
	if err := enc.WriteAudio(at, samples); err != nil {
		r.deps.Logger.Warn("recording audio write failed", "key", r.cfg.Key, "err", err)
	}
	data, err := enc.Close()
	if err != nil {
		r.fail(core.NewRecordingError("close encoder", err), frames)
		return
	}

	res := Result{Bytes: len(data), Frames: frames}
	if r.deps.Store == nil {
		r.deps.Logger.Warn("no store configured, recording discarded", "key", r.cfg.Key, "bytes", len(data))
		r.deps.Metrics.RecordRecording("discarded", len(data))
		r.results <- res
		close(r.results)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PutTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ref, err := r.deps.Store.Put(gctx, r.cfg.Key+".media", data, enc.ContentType())
		if err != nil {
			return fmt.Errorf("put media: %w", err)
		}
		res.Media = ref
		return nil
	})
	g.Go(func() error {
		ref, err := r.deps.Store.Put(gctx, r.cfg.Key+".transcript.txt", []byte(transcript), "text/plain; charset=utf-8")
		if err != nil {
			return fmt.Errorf("put transcript: %w", err)
		}
		res.Transcript = ref
		return nil
	})
	if err := g.Wait(); err != nil {
		r.fail(core.NewRecordingError("persist recording", err), frames)
		return
	}

	r.deps.Logger.Info("recording stored", "key", r.cfg.Key, "bytes", len(data), "frames", frames, "late_samples", r.bus.Late())
	r.deps.Metrics.RecordRecording("stored", len(data))
	r.results <- res
	close(r.results)
}

func (r *Recorder) fail(err error, frames int) {
	r.deps.Logger.Error("recording handoff failed", "key", r.cfg.Key, "err", err)
	r.deps.Metrics.RecordRecording("failed", 0)
	r.results <- Result{Frames: frames, Err: err}
	close(r.results)
}
