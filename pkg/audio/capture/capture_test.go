package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/arbiter"
)

type chanStream struct {
	data   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *chanStream) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.data:
		return d, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanStream) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeSource struct {
	stream *chanStream
	err    error
}

func (f *fakeSource) Open(context.Context, pcm.Format) (Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{stream: &chanStream{data: make(chan []byte, 16), closed: make(chan struct{})}}
}

type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan struct{}
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{got: make(chan struct{}, 64)}
}

func (r *frameRecorder) sink(frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *frameRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}
}

func tone(samples int, amp int16) []byte {
	s := make([]int16, samples)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return pcm.Encode(s)
}

func acquire(t *testing.T) (*arbiter.Arbiter, *arbiter.Token) {
	t.Helper()
	a := arbiter.New(nil)
	tok, err := a.Acquire(context.Background(), "test")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return a, tok
}

func TestPipeline_FramesFixedSize(t *testing.T) {
	rec := newFrameRecorder()
	p := New(Config{FrameSamples: 8}, Deps{Sink: rec.sink})
	src := newFakeSource()
	_, tok := acquire(t)

	if err := p.Start(context.Background(), tok, src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// 20 samples in uneven chunks: two full frames, 4 samples left over.
	src.stream.data <- tone(5, 1000)
	src.stream.data <- tone(11, 1000)
	src.stream.data <- tone(4, 1000)
	rec.wait(t, 2)
	p.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.frames) != 2 {
		t.Fatalf("frames=%d, want 2", len(rec.frames))
	}
	for i, f := range rec.frames {
		if len(f) != p.FrameBytes() {
			t.Fatalf("frame %d len=%d, want %d", i, len(f), p.FrameBytes())
		}
	}
}

func TestPipeline_VolumeSuppressedWhilePlaying(t *testing.T) {
	var playing atomic.Bool
	rec := newFrameRecorder()
	p := New(Config{FrameSamples: 4}, Deps{Sink: rec.sink, PlaybackActive: playing.Load})
	src := newFakeSource()
	_, tok := acquire(t)
	if err := p.Start(context.Background(), tok, src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	src.stream.data <- tone(4, 16384)
	rec.wait(t, 1)
	if v := p.Volume(); v < 0.45 || v > 0.55 {
		t.Fatalf("volume=%v, want ~0.5", v)
	}

	playing.Store(true)
	src.stream.data <- tone(4, 16384)
	rec.wait(t, 1)
	if v := p.Volume(); v != 0 {
		t.Fatalf("volume=%v while playing, want 0", v)
	}
	if p.Frames() != 2 {
		t.Fatalf("frames=%d; capture must keep forwarding while playing", p.Frames())
	}
}

func TestPipeline_RevokeStopsFrames(t *testing.T) {
	rec := newFrameRecorder()
	p := New(Config{FrameSamples: 4}, Deps{Sink: rec.sink})
	src := newFakeSource()
	a, tok := acquire(t)
	if err := p.Start(context.Background(), tok, src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := a.Acquire(context.Background(), "next"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// Revoke stopped the pipeline, closing the stream.
	select {
	case <-src.stream.closed:
	default:
		t.Fatalf("stream still open after revoke")
	}
	if p.Frames() != 0 {
		t.Fatalf("frames=%d", p.Frames())
	}
	p.Stop()
}

func TestPipeline_StartErrors(t *testing.T) {
	p := New(Config{}, Deps{})
	if err := p.Start(context.Background(), nil, newFakeSource()); !core.IsPermission(err) {
		t.Fatalf("nil token err=%v", err)
	}

	_, tok := acquire(t)
	err := p.Start(context.Background(), tok, &fakeSource{err: errors.New("denied by user")})
	if !core.IsPermission(err) {
		t.Fatalf("err=%v, want permission", err)
	}
	p.Stop()
}

func TestReaderSource_StripsWAVHeader(t *testing.T) {
	raw := tone(8, 100)
	wav := pcm.PCMToWAV(raw, pcm.Format{SampleRate: 16000, Channels: 1})
	stream, err := ReaderSource{R: bytes.NewReader(wav), ChunkSize: 1024}.Open(context.Background(), pcm.Format{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	got, err := stream.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("got %d bytes, want %d", len(got), len(raw))
	}
	if _, err := stream.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("second read err=%v, want EOF", err)
	}
}
