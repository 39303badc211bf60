// Package runtime assembles the persona service from configuration and runs
// its transports until shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-persona/internal/artifact"
	"github.com/loqalabs/loqa-persona/internal/audioconv"
	"github.com/loqalabs/loqa-persona/internal/bus"
	"github.com/loqalabs/loqa-persona/internal/command"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/eventstore"
	"github.com/loqalabs/loqa-persona/internal/llm"
	"github.com/loqalabs/loqa-persona/internal/natsserver"
	"github.com/loqalabs/loqa-persona/internal/persona"
	"github.com/loqalabs/loqa-persona/internal/pipeline"
	"github.com/loqalabs/loqa-persona/internal/profile"
	"github.com/loqalabs/loqa-persona/internal/session"
	"github.com/loqalabs/loqa-persona/internal/stt"
	"github.com/loqalabs/loqa-persona/internal/telegram"
	"github.com/loqalabs/loqa-persona/internal/tts"
)

const (
	sweepInterval = 15 * time.Minute
	pruneInterval = 6 * time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup

	telemetryClose func(context.Context) error
	metrics        http.Handler
	workspace      *artifact.Workspace
	events         *eventstore.Store
	nats           *natsserver.EmbeddedServer
	bus            *bus.Client
	pipeline       *pipeline.Pipeline
	commands       *command.Handler
	bot            *telegram.Bot
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves until ctx is cancelled, then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.build(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	var httpServer *http.Server
	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.logger.Info("http server listening", slog.String("addr", addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
	}

	if r.bot != nil {
		if err := r.bot.RegisterCommands(command.Specs()); err != nil {
			r.logger.Warn("failed to register bot commands", slog.String("error", err.Error()))
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.bot.Run(ctx); err != nil {
				r.logger.Error("telegram bot stopped", slog.String("error", err.Error()))
			}
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweepLoop(ctx)
	}()
	if r.events != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.events.RunPruner(ctx, pruneInterval)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("persona", r.cfg.Persona.Name),
		slog.Bool("telegram", r.bot != nil),
		slog.Bool("http", httpServer != nil),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close(shutdownCtx)
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg

	shutdownTelemetry, metrics, err := setupTelemetry(ctx, cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metrics

	r.workspace, err = artifact.NewWorkspace(cfg.Workspace.Dir, r.logger)
	if err != nil {
		return err
	}
	if _, err := r.workspace.ClearSamples(cfg.Voice.DefaultSample); err != nil {
		r.logger.Warn("failed to clear voice samples", slog.String("error", err.Error()))
	}
	r.sweep()

	p := persona.Load(cfg.Persona.Name, cfg.Persona.PromptPath, r.logger)
	profiles := profile.NewStore(profile.Defaults{
		SamplePath:   cfg.Voice.DefaultSample,
		Exaggeration: cfg.Voice.DefaultExaggeration,
		CFGWeight:    cfg.Voice.DefaultCFGWeight,
	}, r.logger)
	if profiles.DefaultSample() == "" {
		r.logger.Warn("default voice sample not found, the synthesizer will use its built-in voice",
			slog.String("path", cfg.Voice.DefaultSample))
	}

	var sinks journal
	if cfg.EventStore.Enabled {
		r.events, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		sinks = append(sinks, r.events)
	}
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		r.nats, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		if r.nats != nil {
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, r.bus)
	}

	recognizer, err := stt.New(cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("stt: %w", err)
	}
	generator, err := llm.New(cfg.LLM, r.logger)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	synth, err := tts.New(cfg.TTS, r.logger)
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}

	flags := session.NewFlags()
	deps := pipeline.Deps{
		Profiles:   profiles,
		Flags:      flags,
		Workspace:  r.workspace,
		Recognizer: recognizer,
		Generator:  generator,
		Synth:      synth,
		Recorder:   sinks.recorder(),
	}
	if cfg.STT.ConvertWAV {
		deps.Converter = audioconv.New(audioconv.DefaultSampleRate)
	}
	r.pipeline, err = pipeline.New(deps, pipeline.Options{
		Persona:       p,
		MaxInputChars: cfg.Workspace.MaxInputChars,
		MaxReplyChars: cfg.Workspace.MaxReplyChars,
		LLM:           llm.RequestFromConfig(cfg.LLM),
	}, r.logger)
	if err != nil {
		return err
	}
	r.commands = command.New(profiles, flags, p.Name, sinks.recorder(), r.logger)

	if cfg.Telegram.Enabled {
		client := &http.Client{Timeout: time.Duration(cfg.Telegram.PollTimeoutSec+30) * time.Second}
		r.bot, err = telegram.New(cfg.Telegram, r.pipeline, r.commands, client, r.logger)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	a := &api{
		messages:  r.pipeline,
		commands:  r.commands,
		maxUpload: int64(r.cfg.HTTP.MaxUploadMB) << 20,
		logger:    r.logger.With(slog.String("component", "http")),
	}
	a.register(mux)
	return mux
}

func (r *Runtime) sweep() {
	olderThan := time.Duration(r.cfg.Workspace.SweepOlderThan) * time.Minute
	if olderThan <= 0 {
		return
	}
	n, err := r.workspace.Sweep(olderThan)
	if err != nil {
		r.logger.Warn("workspace sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Info("removed stale artifacts", slog.Int("count", n))
	}
}

func (r *Runtime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Runtime) close(ctx context.Context) {
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
