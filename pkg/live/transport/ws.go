package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/protocol"
)

// WSConfig configures the JSON-over-websocket transport.
type WSConfig struct {
	Endpoint       string
	Header         http.Header
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	AudioIn        pcm.Format
	AudioOut       pcm.Format
}

// WSDialer speaks the protocol package's frames over gorilla/websocket.
type WSDialer struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWSDialer(cfg WSConfig, logger *slog.Logger) *WSDialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.AudioIn.SampleRate <= 0 {
		cfg.AudioIn = pcm.Format{SampleRate: 16000, Channels: 1}
	}
	if cfg.AudioOut.SampleRate <= 0 {
		cfg.AudioOut = pcm.Format{SampleRate: 24000, Channels: 1}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		logger: logger,
	}
}

func (d *WSDialer) Open(ctx context.Context, desc types.Descriptor) (Session, error) {
	if strings.TrimSpace(d.cfg.Endpoint) == "" {
		return nil, core.NewInvalidRequestError("websocket endpoint is required")
	}
	setup := protocol.ClientSetup{
		Type:              "setup",
		ProtocolVersion:   protocol.ProtocolVersion1,
		SessionID:         desc.ID,
		Model:             desc.Model,
		Voice:             protocol.SetupVoice{Name: desc.Voice.Name, Language: desc.Voice.Language},
		SystemInstruction: desc.SystemInstruction,
		Tools:             desc.Tools,
		AudioIn:           audioFormat(d.cfg.AudioIn),
		AudioOut:          audioFormat(d.cfg.AudioOut),
	}
	if err := protocol.ValidateSetup(setup); err != nil {
		return nil, core.NewInvalidRequestError(err.Error())
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := d.dialer.DialContext(dialCtx, d.cfg.Endpoint, d.cfg.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, core.NewRateLimitError("endpoint rejected dial", fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, Classify(err)
	}

	deadline, _ := dialCtx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, Classify(fmt.Errorf("send setup: %w", err))
	}
	_ = conn.SetWriteDeadline(time.Time{})

	// ReadMessage ignores ctx; an expired read deadline unblocks it on cancel.
	stop := context.AfterFunc(dialCtx, func() { _ = conn.SetReadDeadline(time.Now()) })
	_ = conn.SetReadDeadline(deadline)
	messageType, payload, err := conn.ReadMessage()
	stop()
	if err != nil {
		_ = conn.Close()
		if dialCtx.Err() != nil {
			return nil, core.NewTimeoutError("setup not acknowledged", dialCtx.Err())
		}
		return nil, Classify(fmt.Errorf("read setup_complete: %w", err))
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, core.NewTransportError(fmt.Sprintf("unexpected first frame type %d", messageType), nil)
	}

	first, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, core.NewTransportError("decode first frame", err)
	}
	switch msg := first.(type) {
	case protocol.ServerSetupComplete:
		id := msg.SessionID
		if id == "" {
			id = desc.ID
		}
		s := &wsSession{
			id:      id,
			conn:    conn,
			cfg:     d.cfg,
			logger:  d.logger.With("session_id", id),
			events:  make(chan Event, eventBuffer),
			closing: make(chan struct{}),
			done:    make(chan struct{}),
		}
		s.events <- Opened{SessionID: id}
		s.wg.Add(1)
		go s.pingLoop()
		go s.readLoop()
		return s, nil
	case protocol.ServerError:
		_ = conn.Close()
		return nil, serverError(msg)
	default:
		_ = conn.Close()
		return nil, core.NewTransportError(fmt.Sprintf("unexpected first frame %T", first), nil)
	}
}

func audioFormat(f pcm.Format) protocol.AudioFormat {
	return protocol.AudioFormat{Encoding: protocol.EncodingPCM16LE, SampleRateHz: f.SampleRate, Channels: f.Channels}
}

func serverError(msg protocol.ServerError) *core.Error {
	var e *core.Error
	switch {
	case msg.Code == protocol.CodeRateLimited || msg.Code == protocol.CodeQuota || IsRateLimitText(msg.Message):
		e = core.NewRateLimitError(msg.Message, nil)
	case msg.Code == protocol.CodeUnauthorized:
		e = core.NewPermissionError("endpoint", errors.New(msg.Message))
	default:
		e = core.NewTransportError(msg.Message, nil)
	}
	e.Code = msg.Code
	return e
}

type wsSession struct {
	id     string
	conn   *websocket.Conn
	cfg    WSConfig
	logger *slog.Logger

	events  chan Event
	closing chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	goAway    atomic.Bool
	seq       atomic.Int64
}

func (s *wsSession) ID() string           { return s.id }
func (s *wsSession) Events() <-chan Event { return s.events }

func (s *wsSession) SendAudio(data []byte) error {
	frame := protocol.ClientAudioFrame{
		Type:    "audio_frame",
		Seq:     s.seq.Add(1),
		DataB64: base64.StdEncoding.EncodeToString(data),
	}
	return s.sendJSON(frame)
}

func (s *wsSession) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return core.NewInvalidRequestError("text must not be empty")
	}
	return s.sendJSON(protocol.ClientText{Type: "text", Text: text})
}

func (s *wsSession) SendToolResult(result types.ToolResult) error {
	return s.sendJSON(protocol.ClientToolResponse{
		Type:    "tool_response",
		Results: []protocol.ToolResultPayload{{ID: result.ID, Name: result.Name, Result: result.Result}},
	})
}

func (s *wsSession) sendJSON(v any) error {
	if s.closed.Load() {
		return core.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		return Classify(err)
	}
	return nil
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	s.wg.Wait()
	return nil
}

func (s *wsSession) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("keepalive ping failed", "err", err)
				return
			}
		}
	}
}

func (s *wsSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			if stop := s.handleText(data); stop {
				_ = s.conn.Close()
				return
			}
		case websocket.BinaryMessage:
			if len(data) > 0 {
				s.emit(AudioChunk{Data: append([]byte(nil), data...)})
			}
		}
	}
}

// handleText dispatches one server frame. It reports true when the frame
// terminated the session.
func (s *wsSession) handleText(data []byte) bool {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		s.logger.Warn("dropping malformed server frame", "err", err)
		return false
	}
	switch m := msg.(type) {
	case protocol.ServerAudioChunk:
		raw, err := base64.StdEncoding.DecodeString(m.DataB64)
		if err != nil {
			s.logger.Warn("dropping audio chunk with bad base64", "seq", m.Seq, "err", err)
			return false
		}
		s.emit(AudioChunk{Data: raw})
	case protocol.ServerTranscriptDelta:
		s.emit(TranscriptDelta{Role: types.Role(m.Role), Text: m.Text})
	case protocol.ServerToolCall:
		invocations := make([]types.ToolInvocation, 0, len(m.Calls))
		for _, call := range m.Calls {
			invocations = append(invocations, types.ToolInvocation{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		}
		s.emit(ToolCall{Invocations: invocations})
	case protocol.ServerTurnComplete:
		s.emit(TurnComplete{})
	case protocol.ServerInterrupted:
		s.emit(Interrupted{})
	case protocol.ServerGoAway:
		s.goAway.Store(true)
		s.logger.Info("endpoint sent go_away", "time_left_ms", m.TimeLeftMS)
	case protocol.ServerError:
		e := serverError(m)
		s.emitFinal(Error{Message: e.Error(), Kind: e.Kind, Err: e})
		return true
	case protocol.ServerSetupComplete:
		s.logger.Debug("ignoring repeated setup_complete")
	}
	return false
}

func (s *wsSession) finish(err error) {
	if s.closed.Load() {
		s.emitFinal(Closed{Reason: ReasonClientClosed, Code: websocket.CloseNormalClosure})
		return
	}
	s.emitFinal(terminalEvent(err, s.goAway.Load()))
}

// emit blocks until the consumer takes ev or the session is closed locally.
func (s *wsSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// emitFinal never blocks after a local Close; nobody is required to drain
// the stream at that point.
func (s *wsSession) emitFinal(ev Event) {
	if !s.closed.Load() {
		s.emit(ev)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event buffer full, dropping terminal event", "event", EventName(ev))
	}
}
