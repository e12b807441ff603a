package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/internal/config"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/capture"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/playback"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/checkpoint"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/controller"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/tools"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/transport"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/metrics"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/recorder"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store/pgstore"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store/s3store"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store/sqlitestore"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/workspace"
)

const metricsShutdownTimeout = 5 * time.Second

type runOptions struct {
	profile     string
	transport   string
	endpoint    string
	model       string
	store       string
	storeDir    string
	dsn         string
	document    string
	metricsAddr string
	screenImage string
	cameraImage string
	noRecord    bool
}

func newRunCmd(g *globalOptions, s streams) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a conversation on the local microphone and speaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			applyFlags(&cfg, cmd.Flags().Changed, g, o)
			if err := cfg.Validate(); err != nil {
				return err
			}
			profile, err := config.LoadProfile(cfg.ProfilePath)
			if err != nil {
				return err
			}
			logger := newLogger(s.err, cfg.LogLevel, cfg.LogJSON)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStudio(ctx, cfg, profile, logger, s)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.profile, "profile", "", "session profile (YAML or JSON)")
	f.StringVar(&o.transport, "transport", "", "genai|ws")
	f.StringVar(&o.endpoint, "endpoint", "", "websocket endpoint for the ws transport")
	f.StringVar(&o.model, "model", "", "model name")
	f.StringVar(&o.store, "store", "", "memory|fs|sqlite|postgres|s3")
	f.StringVar(&o.storeDir, "store-dir", "", "directory for the fs store")
	f.StringVar(&o.dsn, "dsn", "", "sqlite path or postgres DSN")
	f.StringVar(&o.document, "document", "", "workspace document the agent may edit")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&o.screenImage, "screen-image", "", "PNG or JPEG composited as the recorded screen")
	f.StringVar(&o.cameraImage, "camera-image", "", "PNG or JPEG composited as the recorded camera")
	f.BoolVar(&o.noRecord, "no-record", false, "do not record the conversation")
	return cmd
}

// applyFlags overrides environment values with flags the user actually set.
func applyFlags(cfg *config.Config, changed func(string) bool, g *globalOptions, o *runOptions) {
	if changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if changed("log-json") {
		cfg.LogJSON = g.logJSON
	}
	if changed("profile") {
		cfg.ProfilePath = o.profile
	}
	if changed("transport") {
		cfg.Transport = config.TransportKind(strings.ToLower(o.transport))
	}
	if changed("endpoint") {
		cfg.Endpoint = o.endpoint
	}
	if changed("model") {
		cfg.Model = o.model
	}
	if changed("store") {
		cfg.Store = config.StoreKind(strings.ToLower(o.store))
	}
	if changed("store-dir") {
		cfg.StoreDir = o.storeDir
	}
	if changed("dsn") {
		switch cfg.Store {
		case config.StoreSQLite:
			cfg.SQLitePath = o.dsn
		default:
			cfg.PostgresDSN = o.dsn
		}
	}
	if changed("document") {
		cfg.DocumentPath = o.document
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if changed("screen-image") {
		cfg.ScreenImage = o.screenImage
	}
	if changed("camera-image") {
		cfg.CameraImage = o.cameraImage
	}
	if changed("no-record") {
		cfg.Record = !o.noRecord
	}
}

// attachVideo wires file-backed screen and camera sources into the
// recording. Live capture devices are left to whatever keeps those files
// fresh.
func attachVideo(rec *recorder.Recorder, cfg config.Config, logger *slog.Logger) error {
	for _, v := range []struct {
		name, path string
		set        func(recorder.VideoSource)
	}{
		{"screen", cfg.ScreenImage, rec.SetScreen},
		{"camera", cfg.CameraImage, rec.SetCamera},
	} {
		if v.path == "" {
			continue
		}
		src, err := recorder.NewImageFile(v.path)
		if err != nil {
			return fmt.Errorf("%s image: %w", v.name, err)
		}
		v.set(src)
		logger.Info("recording video source", "source", v.name, "path", src.Path())
	}
	return nil
}

func runStudio(ctx context.Context, cfg config.Config, profile config.Profile, logger *slog.Logger, s streams) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New("vai_studio")

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	doc, closeDoc, err := openDocument(cfg.DocumentPath, logger)
	if err != nil {
		return err
	}
	defer closeDoc()

	registry := tools.NewRegistry()
	saver, err := tools.RegisterBuiltins(registry, st, doc, logger)
	if err != nil {
		return err
	}
	bridge := tools.NewBridge(registry.Filter(profile.Tools), tools.Config{Timeout: cfg.ToolTimeout}, tools.Deps{
		Logger:  logger,
		Metrics: m,
		OnResult: func(inv types.ToolInvocation, result types.ToolResult, sendErr error) {
			logger.Info("tool call", "tool", inv.Name, "call_id", inv.ID, "error", result.IsError(), "delivered", sendErr == nil)
		},
	})

	dialer, err := newDialer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var rec *recorder.Recorder
	if cfg.Record {
		rec = recorder.New(recorder.Config{Orientation: orientation(profile.Orientation)}, recorder.Deps{
			Store:   st,
			Logger:  logger,
			Metrics: m,
		})
		if err := attachVideo(rec, cfg, logger); err != nil {
			return err
		}
	}

	out, closeOut := openSpeaker(logger)
	defer closeOut()
	pdeps := playback.Deps{Output: out, Logger: logger}
	if rec != nil {
		pdeps.Tap = rec.AddAgentAudio
	}
	player := playback.NewScheduler(playback.Config{}, pdeps)

	mic, closeMic := openMicrophone(logger)
	defer closeMic()

	deps := controller.Deps{
		Dialer:  dialer,
		Mic:     mic,
		Player:  player,
		Tools:   bridge,
		Logger:  logger,
		Metrics: m,
	}
	if rec != nil {
		deps.Recorder = rec
	}
	ctrl, err := controller.New(controllerConfig(cfg, profile), deps)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	eg.Go(func() error {
		defer cancel()
		return converse(egCtx, ctrl, s, logger)
	})
	err = eg.Wait()

	if saver != nil {
		saver.Wait()
	}
	return err
}

func controllerConfig(cfg config.Config, p config.Profile) controller.Config {
	cc := controller.Config{
		Model:             cfg.Model,
		Voice:             p.Voice,
		SystemInstruction: p.Instruction,
		Checkpoint: checkpoint.Builder{
			Window:        p.Checkpoint.Window,
			DenseWindow:   p.Checkpoint.DenseWindow,
			DenseMaxChars: p.Checkpoint.DenseMaxChars,
		},
		DenseCheckpoint:  p.Checkpoint.Dense,
		RotationInterval: cfg.RotationInterval,
		RotationJitter:   p.Rotation.Jitter.Std(),
		MaxRetries:       cfg.MaxRetries,
		CoolOff:          cfg.CoolOff,
		Holder:           p.Name,
	}
	if p.Model != "" {
		cc.Model = p.Model
	}
	if p.Rotation.Interval > 0 {
		cc.RotationInterval = p.Rotation.Interval.Std()
	}
	return cc
}

func orientation(raw string) recorder.Orientation {
	if strings.EqualFold(raw, "portrait") {
		return recorder.Portrait
	}
	return recorder.Landscape
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.Store {
	case config.StoreFS:
		st, err := store.NewFSStore(cfg.StoreDir)
		return st, noop, err
	case config.StoreSQLite:
		st, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return st, func() { _ = st.Close() }, nil
	case config.StorePostgres:
		st, err := pgstore.Open(ctx, cfg.PostgresDSN, cfg.Migrate)
		if err != nil {
			return nil, noop, err
		}
		return st, st.Close, nil
	case config.StoreS3:
		st, err := s3store.New(s3store.Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
		return st, noop, err
	default:
		return store.NewMemoryStore(), noop, nil
	}
}

func openDocument(path string, logger *slog.Logger) (workspace.Document, func(), error) {
	if path == "" {
		return workspace.NewMemoryDocument(""), func() {}, nil
	}
	doc, err := workspace.OpenFile(path, logger)
	if err != nil {
		return nil, func() {}, err
	}
	return doc, func() { _ = doc.Close() }, nil
}

func newDialer(ctx context.Context, cfg config.Config, logger *slog.Logger) (transport.Dialer, error) {
	switch cfg.Transport {
	case config.TransportWS:
		header := http.Header{}
		if cfg.APIKey != "" {
			header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
		return transport.NewWSDialer(transport.WSConfig{
			Endpoint:       cfg.Endpoint,
			Header:         header,
			ConnectTimeout: cfg.ConnectTimeout,
			PingInterval:   cfg.PingInterval,
		}, logger), nil
	default:
		return transport.NewGenAIDialer(ctx, transport.GenAIConfig{
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			ConnectTimeout: cfg.ConnectTimeout,
			InputRate:      capture.DefaultSampleRate,
		}, logger)
	}
}

// openSpeaker falls back to a silent mixer when no output device is usable.
func openSpeaker(logger *slog.Logger) (playback.Output, func()) {
	out, err := playback.NewOtoOutput(pcm.Format{SampleRate: playback.DefaultSampleRate, Channels: 1}, 0)
	if err != nil {
		logger.Warn("speaker unavailable, agent audio is muted", "err", err)
		return playback.NewMixer(pcm.Format{SampleRate: playback.DefaultSampleRate, Channels: 1}), func() {}
	}
	return out, func() { _ = out.Close() }
}

// unavailableMic reports the device failure on every Open, so the
// conversation lands in Idle with mic_denied instead of failing to start.
type unavailableMic struct{ err error }

func (m unavailableMic) Open(context.Context, pcm.Format) (capture.Stream, error) {
	return nil, m.err
}

func openMicrophone(logger *slog.Logger) (capture.Source, func()) {
	src, err := capture.NewMalgoSource(logger)
	if err != nil {
		logger.Warn("microphone unavailable", "err", err)
		return unavailableMic{err: err}, func() {}
	}
	return src, func() { _ = src.Close() }
}
