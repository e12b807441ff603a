package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
)

// MalgoSource captures from the default input device.
type MalgoSource struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

func NewMalgoSource(logger *slog.Logger) (*MalgoSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, core.NewPermissionError("microphone", err)
	}
	return &MalgoSource{ctx: ctx, logger: logger}, nil
}

// Close releases the audio backend context.
func (s *MalgoSource) Close() error {
	if s == nil || s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	return err
}

func (s *MalgoSource) Open(_ context.Context, format pcm.Format) (Stream, error) {
	if s == nil || s.ctx == nil {
		return nil, core.ErrClosed
	}
	st := &malgoStream{
		data:   make(chan []byte, 64),
		closed: make(chan struct{}),
		logger: s.logger,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			chunk := append([]byte(nil), in...)
			select {
			case st.data <- chunk:
			default:
				st.dropped.Add(1)
			}
		},
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, core.NewPermissionError("microphone", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, core.NewPermissionError("microphone", err)
	}
	st.device = device
	return st, nil
}

type malgoStream struct {
	device  *malgo.Device
	data    chan []byte
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Int64
	logger  *slog.Logger
}

func (m *malgoStream) Read(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-m.data:
		return chunk, nil
	case <-m.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *malgoStream) Close() error {
	m.once.Do(func() {
		close(m.closed)
		_ = m.device.Stop()
		m.device.Uninit()
		if n := m.dropped.Load(); n > 0 {
			m.logger.Warn("microphone callbacks dropped", "chunks", n)
		}
	})
	return nil
}

// ReaderSource replays PCM16LE from an io.Reader, e.g. a WAV file standing in
// for a microphone. A WAV header at the start is skipped.
type ReaderSource struct {
	R         io.Reader
	ChunkSize int
}

func (r ReaderSource) Open(_ context.Context, _ pcm.Format) (Stream, error) {
	if r.R == nil {
		return nil, errors.New("reader source has no input")
	}
	size := r.ChunkSize
	if size <= 0 {
		size = 3200
	}
	return &readerStream{r: r.R, size: size, closed: make(chan struct{})}, nil
}

type readerStream struct {
	r      io.Reader
	size   int
	first  bool
	closed chan struct{}
	once   sync.Once
}

func (s *readerStream) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	if n == 0 && err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}
	data := buf[:n]
	if !s.first {
		s.first = true
		data = pcm.StripWAVHeader(data)
	}
	return data, nil
}

func (s *readerStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
