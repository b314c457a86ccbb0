package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the worker. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Job metrics
	JobsTotal    *prometheus.CounterVec // by outcome: ok or error kind
	JobsInFlight prometheus.Gauge
	JobDuration  prometheus.Histogram

	// Audio metrics
	AudioSource *prometheus.CounterVec // by source
	AudioBytes  prometheus.Histogram
	AudioLength prometheus.Histogram

	// Engine metrics
	EngineCacheHits   prometheus.Counter
	EngineLoads       *prometheus.CounterVec // by outcome
	EngineLoadSeconds prometheus.Histogram
	EnginesLoaded     prometheus.Gauge

	// Transcription metrics
	TranscribeSeconds prometheus.Histogram
	SegmentsPerJob    prometheus.Histogram
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whisper_jobs_total",
			Help: "Total number of jobs handled, by outcome",
		}, []string{"outcome"}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "whisper_jobs_in_flight",
			Help: "Jobs currently being processed",
		}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisper_job_duration_seconds",
			Help:    "End-to-end job duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7 minutes
		}),

		AudioSource: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whisper_audio_source_total",
			Help: "Acquired audio by delivery source",
		}, []string{"source"}),
		AudioBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisper_audio_bytes",
			Help:    "Size of acquired audio payloads",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 9), // 16KB to ~1GB
		}),
		AudioLength: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisper_audio_length_seconds",
			Help:    "Duration of decoded audio",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13), // 1s to ~68 minutes
		}),

		EngineCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "whisper_engine_cache_hits_total",
			Help: "Engine lookups served from the process cache",
		}),
		EngineLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whisper_engine_loads_total",
			Help: "Engine constructions, by outcome",
		}, []string{"outcome"}),
		EngineLoadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisper_engine_load_duration_seconds",
			Help:    "Time spent constructing engines (cold starts)",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3 minutes
		}),
		EnginesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "whisper_engines_loaded",
			Help: "Engines resident in the process cache",
		}),

		TranscribeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisper_transcribe_duration_seconds",
			Help:    "Time spent decoding audio",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		SegmentsPerJob: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisper_segments_per_job",
			Help:    "Number of segments returned per job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(took.Seconds())
}

// JobStarted tracks an in-flight job; call the returned func when it ends.
func (m *Metrics) JobStarted() func() {
	if m == nil {
		return func() {}
	}
	m.JobsInFlight.Inc()
	return m.JobsInFlight.Dec
}

// ObserveAudio records an acquired payload.
func (m *Metrics) ObserveAudio(source string, bytes int64) {
	if m == nil {
		return
	}
	m.AudioSource.WithLabelValues(source).Inc()
	m.AudioBytes.Observe(float64(bytes))
}

// ObserveCacheHit records an engine served from cache.
func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.EngineCacheHits.Inc()
}

// ObserveEngineLoad records a construction attempt.
func (m *Metrics) ObserveEngineLoad(outcome string, took time.Duration, loaded int) {
	if m == nil {
		return
	}
	m.EngineLoads.WithLabelValues(outcome).Inc()
	m.EngineLoadSeconds.Observe(took.Seconds())
	m.EnginesLoaded.Set(float64(loaded))
}

// ObserveTranscription records a completed decode.
func (m *Metrics) ObserveTranscription(audioSeconds float64, took time.Duration, segments int) {
	if m == nil {
		return
	}
	m.AudioLength.Observe(audioSeconds)
	m.TranscribeSeconds.Observe(took.Seconds())
	m.SegmentsPerJob.Observe(float64(segments))
}
