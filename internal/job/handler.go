// Package job runs one host event end to end: input resolution, audio
// acquisition, engine lookup, transcription and response assembly.
package job

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/audio"
	"github.com/obiente/translate/whisperworker/internal/metrics"
	"github.com/obiente/translate/whisperworker/internal/telemetry"
	"github.com/obiente/translate/whisperworker/internal/transcribe"
	"github.com/obiente/translate/whisperworker/internal/whisper"
)

// Engines hands out loaded engines; *whisper.Registry implements it.
type Engines interface {
	Get(ctx context.Context, key whisper.Key) (whisper.Engine, error)
}

// Handler is shared by all transports and safe for concurrent use.
type Handler struct {
	key      whisper.Key
	engines  Engines
	acquirer *audio.Acquirer
	invoker  *transcribe.Invoker
	metrics  *metrics.Metrics

	inflight sync.WaitGroup
}

// NewHandler serves every job with the engine for key.
func NewHandler(key whisper.Key, engines Engines, acquirer *audio.Acquirer, invoker *transcribe.Invoker, m *metrics.Metrics) *Handler {
	return &Handler{key: key, engines: engines, acquirer: acquirer, invoker: invoker, metrics: m}
}

// NewID returns the id given, or a fresh one when it is blank.
func NewID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

// Handle runs ev and always returns a response; failures, panics included,
// become error responses. The staged audio is gone by the time Handle returns.
func (h *Handler) Handle(ctx context.Context, ev Event) (resp Response) {
	h.inflight.Add(1)
	defer h.inflight.Done()

	ev.ID = NewID(ev.ID)
	logger := log.With().Str("job_id", ev.ID).Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := telemetry.StartSpan(ctx, "job.handle", attribute.String("job.id", ev.ID))
	done := h.metrics.JobStarted()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("job: panic recovered")
			resp = Failure(apperr.New(apperr.KindTranscription, "internal error"))
		}
		var err error
		outcome := "ok"
		if resp.Failed() {
			outcome = string(resp.Error.Code)
			err = fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		took := time.Since(start)
		h.metrics.ObserveJob(outcome, took)
		done()
		telemetry.End(span, err)

		entry := logger.Info()
		if resp.Failed() {
			entry = logger.Warn()
			if !resp.Error.Code.ClientAttributable() {
				entry = logger.Error()
			}
			entry = entry.Str("code", outcome).Str("error", resp.Error.Message)
		}
		entry.Dur("took", took).Msg("job: finished")
	}()

	out, err := h.run(ctx, ev, &logger)
	if err != nil {
		return Failure(err)
	}
	return Success(out)
}

// Wait blocks until every running Handle call has returned, or ctx ends.
// Engines must not be closed before Wait returns nil.
func (h *Handler) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) run(ctx context.Context, ev Event, logger *zerolog.Logger) (transcribe.Output, error) {
	overrides, err := ev.Overrides()
	if err != nil {
		return transcribe.Output{}, err
	}
	plan, err := h.invoker.Plan(overrides)
	if err != nil {
		return transcribe.Output{}, err
	}
	in, err := audio.ResolveInput(ev.Candidates())
	if err != nil {
		return transcribe.Output{}, err
	}
	logger.Info().
		Str("source", in.Source.String()).
		Str("language", plan.Options.Language).
		Int("beam_size", plan.Options.BeamSize).
		Bool("vad_filter", plan.Options.VADFilter).
		Str("task", string(plan.Options.Task)).
		Msg("job: accepted")

	engine, err := h.engines.Get(ctx, h.key)
	if err != nil {
		return transcribe.Output{}, err
	}

	actx, span := telemetry.StartSpan(ctx, "job.acquire_audio", attribute.String("source", in.Source.String()))
	buf, err := h.acquirer.Acquire(actx, in)
	telemetry.End(span, err)
	if err != nil {
		return transcribe.Output{}, err
	}
	defer func() {
		if err := buf.Release(); err != nil {
			logger.Warn().Err(err).Str("path", buf.Path).Msg("job: could not remove staged audio")
		}
	}()
	h.metrics.ObserveAudio(in.Source.String(), buf.Size)
	logger.Debug().Int64("bytes", buf.Size).Str("mime", buf.MIME).Msg("job: audio staged")

	return h.invoker.Transcribe(ctx, engine, buf, plan)
}
