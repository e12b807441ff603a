package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

const defaultGenAIModel = "gemini-2.0-flash-live-001"

// GenAIConfig configures the Gemini Live transport.
type GenAIConfig struct {
	APIKey         string
	Model          string
	ConnectTimeout time.Duration
	InputRate      int
}

// GenAIDialer opens sessions on the Gemini Live API.
type GenAIDialer struct {
	client *genai.Client
	cfg    GenAIConfig
	logger *slog.Logger
}

func NewGenAIDialer(ctx context.Context, cfg GenAIConfig, logger *slog.Logger) (*GenAIDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewInvalidRequestError("genai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGenAIModel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = 16000
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIDialer{client: client, cfg: cfg, logger: logger}, nil
}

type receiveResult struct {
	msg *genai.LiveServerMessage
	err error
}

func (d *GenAIDialer) Open(ctx context.Context, desc types.Descriptor) (Session, error) {
	model := desc.Model
	if model == "" {
		model = d.cfg.Model
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	live, err := d.client.Live.Connect(dialCtx, model, liveConnectConfig(desc))
	if err != nil {
		return nil, Classify(fmt.Errorf("live connect: %w", err))
	}

	// Receive takes no context, so the first read races the connect deadline.
	first := make(chan receiveResult, 1)
	go func() {
		msg, err := live.Receive()
		first <- receiveResult{msg: msg, err: err}
	}()
	select {
	case r := <-first:
		if r.err != nil {
			_ = live.Close()
			return nil, Classify(fmt.Errorf("await setup_complete: %w", r.err))
		}
		if r.msg == nil || r.msg.SetupComplete == nil {
			_ = live.Close()
			return nil, core.NewTransportError("first live message was not setup_complete", nil)
		}
	case <-dialCtx.Done():
		_ = live.Close()
		<-first
		return nil, core.NewTimeoutError("setup not acknowledged", dialCtx.Err())
	}

	s := &genaiSession{
		id:      desc.ID,
		live:    live,
		mime:    fmt.Sprintf("audio/pcm;rate=%d", d.cfg.InputRate),
		logger:  d.logger.With("session_id", desc.ID),
		events:  make(chan Event, eventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.events <- Opened{SessionID: desc.ID}
	go s.readLoop()
	return s, nil
}

func liveConnectConfig(desc types.Descriptor) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        genai.NewContentFromText(desc.SystemInstruction, genai.RoleUser),
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if desc.Voice.Name != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			LanguageCode: desc.Voice.Language,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: desc.Voice.Name},
			},
		}
	}
	if len(desc.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(desc.Tools))
		for _, tool := range desc.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  genaiSchema(tool.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func genaiSchema(s *types.JSONSchema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(s.Type)),
		Description: s.Description,
		Required:    append([]string(nil), s.Required...),
		Enum:        append([]string(nil), s.Enum...),
		Items:       genaiSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = genaiSchema(&prop)
		}
	}
	return out
}

type genaiSession struct {
	id     string
	live   *genai.Session
	mime   string
	logger *slog.Logger

	events  chan Event
	closing chan struct{}
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	goAway    atomic.Bool
}

func (s *genaiSession) ID() string           { return s.id }
func (s *genaiSession) Events() <-chan Event { return s.events }

func (s *genaiSession) SendAudio(data []byte) error {
	return s.send(func() error {
		return s.live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: data, MIMEType: s.mime},
		})
	})
}

func (s *genaiSession) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return core.NewInvalidRequestError("text must not be empty")
	}
	return s.send(func() error {
		return s.live.SendRealtimeInput(genai.LiveRealtimeInput{Text: text})
	})
}

func (s *genaiSession) SendToolResult(result types.ToolResult) error {
	return s.send(func() error {
		return s.live.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       result.ID,
				Name:     result.Name,
				Response: result.Result,
			}},
		})
	})
}

func (s *genaiSession) send(fn func() error) error {
	if s.closed.Load() {
		return core.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := fn(); err != nil {
		return Classify(err)
	}
	return nil
}

func (s *genaiSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		s.writeMu.Lock()
		_ = s.live.Close()
		s.writeMu.Unlock()
	})
	<-s.done
	return nil
}

func (s *genaiSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.closed.Load() {
				select {
				case s.events <- Closed{Reason: ReasonClientClosed}:
				default:
				}
				return
			}
			s.emit(terminalEvent(err, s.goAway.Load()))
			return
		}
		s.dispatch(msg)
	}
}

func (s *genaiSession) dispatch(msg *genai.LiveServerMessage) {
	if msg == nil {
		return
	}
	if content := msg.ServerContent; content != nil {
		if content.InputTranscription != nil && content.InputTranscription.Text != "" {
			s.emit(TranscriptDelta{Role: types.RoleUser, Text: content.InputTranscription.Text})
		}
		if content.OutputTranscription != nil && content.OutputTranscription.Text != "" {
			s.emit(TranscriptDelta{Role: types.RoleAgent, Text: content.OutputTranscription.Text})
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				s.emit(AudioChunk{Data: part.InlineData.Data})
			}
		}
		if content.Interrupted {
			s.emit(Interrupted{})
		}
		if content.TurnComplete {
			s.emit(TurnComplete{})
		}
	}
	if call := msg.ToolCall; call != nil && len(call.FunctionCalls) > 0 {
		invocations := make([]types.ToolInvocation, 0, len(call.FunctionCalls))
		for _, fc := range call.FunctionCalls {
			if fc == nil {
				continue
			}
			invocations = append(invocations, types.ToolInvocation{ID: fc.ID, Name: fc.Name, Arguments: fc.Args})
		}
		s.emit(ToolCall{Invocations: invocations})
	}
	if msg.GoAway != nil {
		s.goAway.Store(true)
		s.logger.Info("endpoint sent go_away")
	}
}

func (s *genaiSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}
