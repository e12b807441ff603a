package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
)

// Encoder turns timed audio and video into one media stream. Chunks are
// buffered in memory until Close.
type Encoder interface {
	WriteAudio(at time.Duration, samples []int16) error
	WriteVideo(at time.Duration, frame image.Image) error
	// Close returns the finished artifact. Writes after Close fail.
	Close() ([]byte, error)
	ContentType() string
}

// MediaInfo describes the stream in the artifact header.
type MediaInfo struct {
	SampleRate int
	Width      int
	Height     int
	FPS        int
}

const (
	ChunkContentType = "application/x-vai-chunks"

	chunkMagic = "VAIREC1\n"

	ChunkAudio byte = 'A'
	ChunkVideo byte = 'V'
)

var errEncoderClosed = errors.New("recorder: encoder closed")

// ChunkEncoder writes a self-describing container: a magic string, a fixed
// header, then length-prefixed chunks of PCM16LE audio or JPEG frames, each
// tagged with its offset from the start of the recording.
type ChunkEncoder struct {
	info    MediaInfo
	quality int

	mu     sync.Mutex
	chunks [][]byte
	size   int
	closed bool
}

func NewChunkEncoder(info MediaInfo, jpegQuality int) *ChunkEncoder {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = jpeg.DefaultQuality
	}
	return &ChunkEncoder{info: info, quality: jpegQuality}
}

func (e *ChunkEncoder) ContentType() string { return ChunkContentType }

func (e *ChunkEncoder) WriteAudio(at time.Duration, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	return e.append(ChunkAudio, at, pcm.Encode(samples))
}

func (e *ChunkEncoder) WriteVideo(at time.Duration, frame image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: e.quality}); err != nil {
		return fmt.Errorf("recorder: encode frame: %w", err)
	}
	return e.append(ChunkVideo, at, buf.Bytes())
}

func (e *ChunkEncoder) append(kind byte, at time.Duration, payload []byte) error {
	chunk := make([]byte, 13+len(payload))
	chunk[0] = kind
	binary.BigEndian.PutUint64(chunk[1:9], uint64(at))
	binary.BigEndian.PutUint32(chunk[9:13], uint32(len(payload)))
	copy(chunk[13:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEncoderClosed
	}
	e.chunks = append(e.chunks, chunk)
	e.size += len(chunk)
	return nil
}

// Size is the number of buffered chunk bytes.
func (e *ChunkEncoder) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

func (e *ChunkEncoder) Close() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEncoderClosed
	}
	e.closed = true

	out := make([]byte, 0, len(chunkMagic)+10+e.size)
	out = append(out, chunkMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(e.info.SampleRate))
	out = binary.BigEndian.AppendUint16(out, uint16(e.info.Width))
	out = binary.BigEndian.AppendUint16(out, uint16(e.info.Height))
	out = binary.BigEndian.AppendUint16(out, uint16(e.info.FPS))
	for _, c := range e.chunks {
		out = append(out, c...)
	}
	e.chunks = nil
	return out, nil
}

// Chunk is one decoded entry of a ChunkEncoder artifact.
type Chunk struct {
	Kind    byte
	At      time.Duration
	Payload []byte
}

// ReadChunks parses an artifact produced by ChunkEncoder.
func ReadChunks(data []byte) (MediaInfo, []Chunk, error) {
	r := bytes.NewReader(data)
	magic := make([]byte, len(chunkMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != chunkMagic {
		return MediaInfo{}, nil, fmt.Errorf("recorder: not a chunk artifact")
	}
	var hdr struct {
		Rate          uint32
		Width, Height uint16
		FPS           uint16
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return MediaInfo{}, nil, fmt.Errorf("recorder: header: %w", err)
	}
	info := MediaInfo{SampleRate: int(hdr.Rate), Width: int(hdr.Width), Height: int(hdr.Height), FPS: int(hdr.FPS)}

	var chunks []Chunk
	for r.Len() > 0 {
		var ch struct {
			Kind byte
			At   uint64
			Len  uint32
		}
		if err := binary.Read(r, binary.BigEndian, &ch); err != nil {
			return info, chunks, fmt.Errorf("recorder: chunk header: %w", err)
		}
		payload := make([]byte, ch.Len)
		if _, err := io.ReadFull(r, payload); err != nil {
			return info, chunks, fmt.Errorf("recorder: chunk payload: %w", err)
		}
		chunks = append(chunks, Chunk{Kind: ch.Kind, At: time.Duration(ch.At), Payload: payload})
	}
	return info, chunks, nil
}
