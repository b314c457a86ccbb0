package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/whisperworker/internal/audio"
	"github.com/obiente/translate/whisperworker/internal/config"
	serverhttp "github.com/obiente/translate/whisperworker/internal/http"
	"github.com/obiente/translate/whisperworker/internal/job"
	"github.com/obiente/translate/whisperworker/internal/metrics"
	"github.com/obiente/translate/whisperworker/internal/telemetry"
	"github.com/obiente/translate/whisperworker/internal/transcribe"
	"github.com/obiente/translate/whisperworker/internal/translation"
	"github.com/obiente/translate/whisperworker/internal/whisper"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	lvl := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		lvl = l
	}
	log.Logger = log.Level(lvl)
	zerolog.DefaultContextLogger = &log.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init failed")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	registry := whisper.NewRegistry(
		&whisper.Weights{
			Root:          cfg.DownloadRoot,
			BaseURL:       cfg.WeightsBaseURL,
			RequireCached: cfg.RequireCached,
		},
		whisper.WithThreads(cfg.Threads),
		whisper.WithMetrics(m),
	)
	acquirer := audio.NewAcquirer(audio.NewFetcher(cfg.FetchTimeout, cfg.MaxAudioBytes), cfg.MaxAudioBytes, "")
	invoker := transcribe.New(
		transcribe.Defaults{Language: cfg.Language, BeamSize: cfg.BeamSize, VADFilter: cfg.VADFilter},
		audio.NewDecoder(cfg.FFmpegPath),
		translation.New(cfg.TranslationBaseURL, cfg.TranslationTimeout),
		m,
	)
	handler := job.NewHandler(cfg.EngineKey(), registry, acquirer, invoker, m)

	if whisper.Backend == "stub" {
		log.Warn().Msg("built without the whisper_cpp tag; transcripts will be empty")
	}
	if cfg.WarmStart {
		go func() {
			if _, err := registry.Get(ctx, cfg.EngineKey()); err != nil {
				log.Warn().Err(err).Msg("warm start failed; the first job will retry the load")
			}
		}()
	}

	router := serverhttp.NewRouter(serverhttp.RouterConfig{
		Runner:  handler,
		Engines: registry,
		MaxBody: cfg.MaxAudioBytes,
	})
	// Request contexts derive from jobsCtx so shutdown can cancel HTTP jobs
	// that outlive the drain timeout.
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return jobsCtx },
	}

	drained := make(chan bool, 1)
	go func() {
		<-ctx.Done()
		drained <- shutdown(srv, router, handler, cancelJobs)
	}()

	log.Info().
		Str("addr", cfg.Addr).
		Str("backend", whisper.Backend).
		Str("model", cfg.EngineKey().String()).
		Bool("require_cached", cfg.RequireCached).
		Msg("whisper worker starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	// Engines are freed only once no job can still be decoding on them.
	if <-drained {
		if err := registry.Close(); err != nil {
			log.Warn().Err(err).Msg("closing engines")
		}
	} else {
		log.Warn().Msg("jobs still running; leaving engines to process exit")
	}
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(fctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}

// shutdown stops intake, lets running jobs finish within the grace period,
// then cancels the rest and waits for them to unwind. It reports whether
// every job returned.
func shutdown(srv *http.Server, router *serverhttp.Router, handler *job.Handler, cancelJobs context.CancelFunc) bool {
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := router.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("websocket shutdown")
	}
	cancelJobs()

	wctx, cancelWait := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWait()
	if err := handler.Wait(wctx); err != nil {
		log.Error().Err(err).Msg("jobs did not stop after cancellation")
		return false
	}
	return true
}
