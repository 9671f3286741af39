package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/attempt"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/journal"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

// Runtime wires configuration, audio capture, recognition and the optional
// journal, bus and metrics endpoint around one run of the attempt loop.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	out        io.Writer
	mic        capture.Microphone
	engine     stt.Recognizer
	newRunID   func() string
	httpServer *http.Server
	bus        atomic.Pointer[bus.Client]
	ready      atomic.Bool
	wg         sync.WaitGroup
}

type Option func(*Runtime)

// WithOutput sends the console prompts to w instead of stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runtime) { r.out = w }
}

// WithMicrophone replaces the configured capture source.
func WithMicrophone(mic capture.Microphone) Option {
	return func(r *Runtime) { r.mic = mic }
}

// WithRecognizer replaces the Google recognizer.
func WithRecognizer(engine stt.Recognizer) Option {
	return func(r *Runtime) { r.engine = engine }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		out:      os.Stdout,
		newRunID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one run of the attempt loop and returns the process exit code.
// A non-nil error is fatal and always comes with exit code 1.
func (r *Runtime) Run(ctx context.Context) (int, error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return 1, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.Telemetry.MetricsBind != "" {
		r.startHTTP(metricsHandler)
		defer r.stopHTTP()
	}

	runID := r.newRunID()
	log := r.logger.With(slog.String("run_id", runID))

	observers, cleanup, err := r.setupObservers(ctx, runID, log)
	if err != nil {
		return 1, err
	}
	defer cleanup()

	rec, mic, err := r.setupRecognizer(ctx, log)
	if err != nil {
		return 1, err
	}

	if intro := r.cfg.Attempts.Intro; intro != "" {
		fmt.Fprintln(r.out, intro)
	}
	if err := sleepContext(ctx, millis(r.cfg.Attempts.IntroDelayMS)); err != nil {
		return 1, err
	}

	r.ready.Store(true)
	defer r.ready.Store(false)
	log.Info("run started",
		slog.String("language", rec.Language),
		slog.Int("max_attempts", r.cfg.Attempts.MaxAttempts))

	outcome, err := attempt.Run(ctx, rec, mic, attempt.Options{
		MaxAttempts: r.cfg.Attempts.MaxAttempts,
		Out:         r.out,
		Observer:    observers,
	})
	observers.finish(ctx, outcome, err)
	if err != nil {
		return 1, fmt.Errorf("attempt %d: %w", outcome.Attempts, err)
	}

	log.Info("run finished",
		slog.String("state", outcome.State.String()),
		slog.Int("attempts", outcome.Attempts))
	return attempt.Report(r.out, outcome), nil
}

func (r *Runtime) setupRecognizer(ctx context.Context, log *slog.Logger) (*attempt.Recognizer, capture.Microphone, error) {
	mic := r.mic
	if mic == nil {
		var err error
		mic, err = buildMicrophone(r.cfg.Capture, log)
		if err != nil {
			return nil, nil, fmt.Errorf("capture: %w", err)
		}
	}

	engine := r.engine
	if engine == nil {
		google, err := stt.NewGoogleRecognizer(ctx, stt.GoogleConfig{
			Endpoint:        r.cfg.STT.Endpoint,
			APIKey:          r.cfg.STT.APIKey,
			CredentialsFile: r.cfg.STT.CredentialsFile,
			Model:           r.cfg.STT.Model,
			Timeout:         millis(r.cfg.STT.TimeoutMS),
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("stt: %w", err)
		}
		engine = google
	}

	return &attempt.Recognizer{
		Listener:    capture.NewListener(listenerConfig(r.cfg.Capture), log),
		Engine:      engine,
		Language:    r.cfg.STT.Language,
		Calibration: millis(r.cfg.Capture.CalibrationMS),
	}, mic, nil
}

// runObservers is the attempt observer of one run plus what it needs to
// record the run's end.
type runObservers struct {
	attempt.Observers
	store *journal.Store
	runID string
	log   *slog.Logger
}

func (o *runObservers) finish(ctx context.Context, outcome attempt.Outcome, runErr error) {
	state := outcome.State.String()
	if runErr != nil {
		state = "error"
	}
	// The run context may already be cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := o.store.FinishRun(ctx, o.runID, state, outcome.Attempts); err != nil {
		o.log.Warn("journal finish run failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) setupObservers(ctx context.Context, runID string, log *slog.Logger) (*runObservers, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store, err := journal.Open(ctx, r.cfg.Journal, log)
	if err != nil {
		return nil, nil, fmt.Errorf("journal: %w", err)
	}
	closers = append(closers, func() {
		if err := store.Close(); err != nil {
			log.Warn("journal close failed", slog.String("error", err.Error()))
		}
	})
	if err := store.AppendRun(ctx, journal.Run{
		ID:          runID,
		Language:    r.cfg.STT.Language,
		MaxAttempts: r.cfg.Attempts.MaxAttempts,
		State:       attempt.StateRetry.String(),
	}); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("journal: %w", err)
	}

	obs := &runObservers{
		Observers: attempt.Observers{journal.NewRecorder(store, runID, log)},
		store:     store,
		runID:     runID,
		log:       log,
	}

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, log)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("bus: %w", err)
	}
	if embedded != nil {
		closers = append(closers, embedded.Shutdown)
		if len(busCfg.Servers) == 0 {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
	}
	if len(busCfg.Servers) > 0 {
		client, err := bus.Connect(ctx, busCfg, log)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("bus: %w", err)
		}
		closers = append(closers, client.Close)
		r.bus.Store(client)
		obs.Observers = append(obs.Observers,
			bus.NewPublisher(client, runID, r.cfg.STT.Language, r.cfg.Attempts.MaxAttempts))
	}

	return obs, cleanup, nil
}

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) startHTTP(metrics http.Handler) {
	r.httpServer = &http.Server{
		Addr:              r.cfg.Telemetry.MetricsBind,
		Handler:           r.routes(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics endpoint started", slog.String("addr", r.cfg.Telemetry.MetricsBind))
}

func (r *Runtime) stopHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready while the attempt loop runs and, when a bus is
// configured, its connection is up.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if client := r.bus.Load(); r.ready.Load() && (client == nil || client.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
