// Command voicelink streams raw PCM16 audio to a realtime model endpoint and
// prints the text of each response turn.
//
// Audio is read from a file or stdin, gated and committed by the realtime
// engine, and every finished turn is written to stdout and to the transcript
// store. An optional HTTP listener serves /healthz, /readyz and /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/engine"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/realtime"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/internal/transcript"
	rt "github.com/MrWong99/voicelink/pkg/provider/realtime"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errInputDone ends the run once the input is exhausted and the linger period
// has passed.
var errInputDone = errors.New("input finished")

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicelink.yaml", "path to the YAML configuration file")
	inputPath := flag.String("input", "-", "raw PCM16 little-endian input file; - reads stdin")
	inputRate := flag.Int("input-rate", 0, "input sample rate in Hz (default: the session rate)")
	inputChannels := flag.Int("input-channels", 1, "input channel count (1 or 2)")
	frameSize := flag.Duration("frame", 20*time.Millisecond, "capture frame duration")
	paced := flag.Bool("paced", true, "submit frames at capture speed instead of as fast as possible")
	prompt := flag.String("text", "", "typed message to send once connected")
	linger := flag.Duration("linger", 5*time.Second, "how long to wait for responses after the input ends")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	if cfg.Realtime.Debug {
		level.Set(slog.LevelDebug)
	}
	logger := newLogger(os.Stderr, cfg.Server.LogFormat, &level)
	slog.SetDefault(logger)

	sessionID := uuid.NewString()
	logger.Info("voicelink starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"fallbacks", len(cfg.Fallbacks),
		"session_id", sessionID,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelProviders, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otelProviders.Meter)
	if err != nil {
		logger.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	provider, err := config.BuildProvider(cfg, config.DefaultRegistry(logger), logger,
		config.WithBreakerHook(func(name string, _, to resilience.State) {
			metrics.RecordBreakerTransition(ctx, name, to.String())
		}),
	)
	if err != nil {
		logger.Error("failed to build provider", "err", err)
		return 1
	}

	// ── Transcript store ──────────────────────────────────────────────────────
	store, checkers, closeStore, err := openStore(ctx, cfg.Transcript)
	if err != nil {
		logger.Error("failed to open transcript store", "err", err)
		return 1
	}
	defer closeStore()

	writer := transcript.NewWriter(transcript.WriterConfig{
		Store:     store,
		SessionID: sessionID,
		Logger:    logger,
		OnResult: func(err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			metrics.RecordTranscriptWrite(context.Background(), status)
		},
	})

	// ── Realtime session ──────────────────────────────────────────────────────
	var engineCfg atomic.Pointer[realtime.Config]
	ec := cfg.Realtime.EngineConfig()
	engineCfg.Store(&ec)

	rc := session.NewReconnector(session.ReconnectorConfig{
		Factory:    newFactory(provider, &engineCfg, metrics, logger),
		Callbacks:  newCallbacks(os.Stdout, writer, logger),
		MaxRetries: cfg.Reconnect.MaxRetries,
		Backoff:    cfg.Reconnect.Backoff,
		MaxBackoff: cfg.Reconnect.MaxBackoff,
		OnReconnect: func(_ engine.Backend, attempt int) {
			metrics.RecordReconnect(context.Background())
			logger.Info("realtime session re-established", "attempt", attempt)
		},
		Logger: logger,
	})
	if _, err := rc.Connect(ctx); err != nil {
		logger.Error("failed to connect", "provider", provider.Name(), "err", err)
		return 1
	}
	checkers = append([]health.Checker{health.StatusChecker("session", rc.Status)}, checkers...)

	// ── Config hot-reload ─────────────────────────────────────────────────────
	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, func(d config.ConfigDiff, next *config.Config) {
			applyReload(d, next, &level, &engineCfg, logger)
		}, config.WithWatchLogger(logger))
		if err != nil {
			logger.Warn("config watcher disabled", "err", err)
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run(context.WithoutCancel(ctx)) }()

	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.ListenAddr; addr != "" {
		handler := newHTTPHandler(metrics, checkers...)
		g.Go(func() error { return serveHTTP(gctx, addr, handler, logger) })
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		if !cfg.Reconnect.ReconnectEnabled() {
			return waitBackend(gctx, rc.Backend())
		}
		return rc.Run(gctx)
	})

	g.Go(func() error {
		src, closeInput, err := openInput(*inputPath)
		if err != nil {
			return err
		}
		defer closeInput()

		if *prompt != "" {
			if err := rc.SubmitText(*prompt); err != nil {
				logger.Warn("failed to send text", "err", err)
			}
		}

		in := ec.Format
		if *inputRate > 0 {
			in.SampleRate = *inputRate
		}
		in.Channels = *inputChannels
		p := newPump(src, in, ec.Format, *frameSize, *paced, rc, logger)
		st, err := p.Run(gctx)
		logger.Info("input finished", "frames", st.Frames, "dropped", st.Dropped, "bytes", st.Bytes)
		if err != nil {
			return err
		}
		if err := sleepCtx(gctx, *linger); err != nil {
			return nil
		}
		return errInputDone
	})

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down")
	if err := rc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown error", "err", err)
	}
	writer.Close()
	select {
	case <-writerDone:
	case <-shutdownCtx.Done():
		logger.Warn("transcript writer did not drain before the deadline")
	}

	if runErr != nil && !errors.Is(runErr, errInputDone) && !errors.Is(runErr, context.Canceled) {
		logger.Error("run error", "err", runErr)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// ── Wiring ────────────────────────────────────────────────────────────────────

// newFactory dials a realtime session with the current engine configuration.
// Every dial is traced and counted per provider.
func newFactory(p rt.Provider, cfg *atomic.Pointer[realtime.Config], m *observe.Metrics, logger *slog.Logger) engine.Factory {
	return func(ctx context.Context, cb engine.Callbacks) (engine.Backend, error) {
		ctx, span := observe.StartDial(ctx, p.Name())
		s, err := realtime.Dial(ctx, p, *cfg.Load(),
			realtime.WithCallbacks(cb),
			realtime.WithLogger(logger),
			realtime.WithRecorder(m.Recorder()),
		)
		observe.EndSpan(span, err)

		status := "ok"
		if err != nil {
			status = "error"
		}
		m.RecordProviderConnect(ctx, p.Name(), status)
		if err != nil {
			return nil, err
		}
		observe.WithTrace(ctx, logger).Info("realtime session connected", "session_id", s.ID(), "provider", p.Name())
		return s, nil
	}
}

// newCallbacks prints each finished turn to out and hands it to the
// transcript writer.
func newCallbacks(out io.Writer, w *transcript.Writer, logger *slog.Logger) engine.Callbacks {
	return engine.Callbacks{
		OnTextUpdate: func(partial string) {
			logger.Debug("text update", "chars", len(partial))
		},
		OnTextFinal: func(full string) {
			fmt.Fprintln(out, full)
			w.OnTextFinal(full)
		},
		OnStatus: func(s engine.Status) {
			logger.Info("session status", "status", s.String())
		},
		OnError: func(kind engine.ErrorKind, detail string) {
			logger.Warn("session error", "kind", kind.String(), "detail", detail)
		},
	}
}

// openStore returns the configured transcript store, the readiness checkers
// it contributes and a function releasing it.
func openStore(ctx context.Context, cfg config.TranscriptConfig) (transcript.Store, []health.Checker, func(), error) {
	if cfg.PostgresDSN == "" {
		if cfg.File != "" {
			return transcript.NewFileStore(cfg.File), nil, func() {}, nil
		}
		return &transcript.MemStore{}, nil, func() {}, nil
	}
	pg, err := transcript.OpenPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	return pg, []health.Checker{health.PingChecker("transcripts", pg.Ping)}, pg.Close, nil
}

// openInput opens path for reading; "-" is stdin.
func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// waitBackend returns when b stops on its own or ctx is done. It is used when
// automatic reconnection is disabled.
func waitBackend(ctx context.Context, b engine.Backend) error {
	if b == nil {
		return session.ErrNotConnected
	}
	select {
	case <-ctx.Done():
		return nil
	case <-b.Done():
		return errors.New("realtime session ended")
	}
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(d config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, engineCfg *atomic.Pointer[realtime.Config], logger *slog.Logger) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RealtimeChanged {
		ec := cfg.Realtime.EngineConfig()
		// The input pump converts to the format chosen at startup.
		ec.Format = engineCfg.Load().Format
		engineCfg.Store(&ec)
		logger.Info("realtime settings updated; they apply from the next session")
	}
	if len(d.RestartRequired) > 0 {
		logger.Warn("configuration changes need a restart", "sections", d.RestartRequired)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
