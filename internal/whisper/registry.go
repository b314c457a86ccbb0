package whisper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/metrics"
)

// fallbackComputeType is tried once when float16 is rejected by the backend.
const fallbackComputeType = "int8_float16"

// Registry owns the process-wide engines, one per Key. Lookups of a loaded
// key only take a read lock; a missing key is built by exactly one goroutine
// while concurrent callers for the same key wait for that result. Failed
// builds are not remembered, so a later call retries.
type Registry struct {
	weights   *Weights
	construct Constructor
	threads   int
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	engines map[Key]Engine
	group   singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithConstructor replaces the compiled-in NewEngine.
func WithConstructor(c Constructor) RegistryOption {
	return func(r *Registry) { r.construct = c }
}

// WithThreads sets the decoder thread count passed to constructors.
func WithThreads(n int) RegistryOption {
	return func(r *Registry) { r.threads = n }
}

// WithMetrics attaches prometheus metrics.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty registry resolving checkpoints through w.
func NewRegistry(w *Weights, opts ...RegistryOption) *Registry {
	r := &Registry{
		weights:   w,
		construct: NewEngine,
		engines:   make(map[Key]Engine),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the engine for key, building it on first use. If ctx ends while
// a build is in progress the caller returns early; the build itself carries on
// for the other waiters and is cached when it succeeds.
func (r *Registry) Get(ctx context.Context, key Key) (Engine, error) {
	if e, ok := r.lookup(key); ok {
		r.metrics.ObserveCacheHit()
		return e, nil
	}

	buildCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key.String(), func() (any, error) {
		if e, ok := r.lookup(key); ok {
			return e, nil
		}
		return r.build(buildCtx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Engine), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) lookup(key Key) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[key]
	return e, ok
}

func (r *Registry) build(ctx context.Context, key Key) (Engine, error) {
	start := time.Now()
	logger := log.With().Str("key", key.String()).Logger()
	logger.Info().Msg("whisper: cold start, loading engine")

	e, err := r.load(ctx, key)
	if err != nil && errors.Is(err, ErrUnsupportedComputeType) && key.ComputeType == "float16" {
		fallback := key
		fallback.ComputeType = fallbackComputeType
		logger.Warn().
			Str("compute_type", key.ComputeType).
			Str("fallback", fallback.ComputeType).
			Msg("whisper: requested compute type not supported on device; retrying")
		e, err = r.load(ctx, fallback)
	}
	if err != nil {
		r.metrics.ObserveEngineLoad("error", time.Since(start), r.Len())
		logger.Error().Err(err).Dur("took", time.Since(start)).Msg("whisper: engine load failed")
		if apperr.KindOf(err) == apperr.KindWeightsNotCached {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindEngineLoad, err, "load engine %s", key)
	}

	r.mu.Lock()
	r.engines[key] = e
	n := len(r.engines)
	r.mu.Unlock()

	r.metrics.ObserveEngineLoad("ok", time.Since(start), n)
	logger.Info().Dur("took", time.Since(start)).Int("engines", n).Msg("whisper: engine ready")
	return e, nil
}

func (r *Registry) load(ctx context.Context, key Key) (Engine, error) {
	path, err := r.weights.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.construct(ctx, path, key, r.threads)
}

// Len is the number of loaded engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Close releases every engine. The registry is empty afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[Key]Engine)
	r.mu.Unlock()

	var errs []error
	for k, e := range engines {
		if err := e.Close(); err != nil {
			errs = append(errs, apperr.Wrap(apperr.KindEngineLoad, err, "close %s", k))
		}
	}
	return errors.Join(errs...)
}
