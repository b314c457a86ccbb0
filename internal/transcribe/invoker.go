// Package transcribe runs one decoded job through an engine: it merges the
// caller's overrides with the process defaults, decodes the staged audio,
// invokes the engine and checks what comes back.
package transcribe

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/audio"
	"github.com/obiente/translate/whisperworker/internal/metrics"
	"github.com/obiente/translate/whisperworker/internal/telemetry"
	"github.com/obiente/translate/whisperworker/internal/translation"
	"github.com/obiente/translate/whisperworker/internal/whisper"
)

// Defaults are the per-process decoding parameters a request may override.
type Defaults struct {
	Language  string
	BeamSize  int
	VADFilter bool
}

// Overrides are the optional per-request parameters. Nil means "use the default".
type Overrides struct {
	Language        *string
	BeamSize        *int
	VADFilter       *bool
	Task            string
	TargetLanguages []string

	ChunkLength       *float64
	LogProbThreshold  *float64
	NoSpeechThreshold *float64
}

// DefaultChunkLength is the decoding window in seconds.
const DefaultChunkLength = 30

// Plan is a validated set of decoding parameters for one job.
type Plan struct {
	Options         whisper.Options
	TargetLanguages []string
	// ChunkLength is validated and traced only; whisper.cpp fixes its window at 30s.
	ChunkLength float64
}

// Output is a finished transcription.
type Output struct {
	whisper.Result
	Task         whisper.Task
	Translations map[string][]string
}

type plan struct {
	Language        string   `validate:"whisper_lang"`
	BeamSize        int      `validate:"min=1,max=32"`
	Task            string   `validate:"oneof=transcribe translate"`
	TargetLanguages []string `validate:"max=16,dive,min=2,max=16"`

	ChunkLength       float64  `validate:"gt=0,max=30"`
	NoSpeechThreshold float64  `validate:"min=0,max=1"`
	LogProbThreshold  *float64 `validate:"omitnil,max=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("whisper_lang", func(fl validator.FieldLevel) bool {
		return whisper.IsLanguage(fl.Field().String())
	})
	return v
}

// Invoker is shared by all jobs.
type Invoker struct {
	defaults   Defaults
	decoder    *audio.Decoder
	translator *translation.Client
	metrics    *metrics.Metrics
}

// New returns an invoker. translator and m may be nil.
func New(d Defaults, dec *audio.Decoder, translator *translation.Client, m *metrics.Metrics) *Invoker {
	return &Invoker{defaults: d, decoder: dec, translator: translator, metrics: m}
}

// Plan merges o over the defaults. Values outside the accepted ranges are an
// InvalidInputError naming the offending field.
func (inv *Invoker) Plan(o Overrides) (Plan, error) {
	p := plan{
		Language: inv.defaults.Language,
		BeamSize: inv.defaults.BeamSize,
		Task:     string(whisper.TaskTranscribe),

		ChunkLength:       DefaultChunkLength,
		NoSpeechThreshold: whisper.DefaultNoSpeechThreshold,
		LogProbThreshold:  o.LogProbThreshold,
	}
	vad := inv.defaults.VADFilter
	if o.ChunkLength != nil {
		p.ChunkLength = *o.ChunkLength
	}
	if o.NoSpeechThreshold != nil {
		p.NoSpeechThreshold = *o.NoSpeechThreshold
	}

	if o.Language != nil && strings.TrimSpace(*o.Language) != "" {
		p.Language = strings.ToLower(strings.TrimSpace(*o.Language))
	}
	if o.BeamSize != nil {
		p.BeamSize = *o.BeamSize
	}
	if o.VADFilter != nil {
		vad = *o.VADFilter
	}
	if t := strings.ToLower(strings.TrimSpace(o.Task)); t != "" {
		p.Task = t
	}
	for _, l := range o.TargetLanguages {
		if l = strings.TrimSpace(l); l != "" {
			p.TargetLanguages = append(p.TargetLanguages, l)
		}
	}

	if err := validate.Struct(p); err != nil {
		return Plan{}, invalidInput(err)
	}
	return Plan{
		Options: whisper.Options{
			Language:  whisper.NormalizeLanguage(p.Language),
			BeamSize:  p.BeamSize,
			VADFilter: vad,
			Task:      whisper.Task(p.Task),

			NoSpeechThreshold: p.NoSpeechThreshold,
			LogProbThreshold:  p.LogProbThreshold,
		},
		TargetLanguages: p.TargetLanguages,
		ChunkLength:     p.ChunkLength,
	}, nil
}

func invalidInput(err error) error {
	var fields []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields = append(fields, overrideName(fe.StructField()))
		}
	}
	if len(fields) == 0 {
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid overrides")
	}
	return apperr.Wrap(apperr.KindInvalidInput, err, "invalid %s", strings.Join(fields, ", "))
}

func overrideName(field string) string {
	switch field {
	case "Language":
		return "language"
	case "BeamSize":
		return "beam_size"
	case "Task":
		return "task"
	case "ChunkLength":
		return "chunk_length_s"
	case "NoSpeechThreshold":
		return "no_speech_threshold"
	case "LogProbThreshold":
		return "log_prob_threshold"
	default:
		return "target_languages"
	}
}

// Transcribe decodes buf and runs it through eng under p. Engine failures are
// TranscriptionErrors; translation failures are logged and leave the affected
// target out.
func (inv *Invoker) Transcribe(ctx context.Context, eng whisper.Engine, buf *audio.Buffer, p Plan) (Output, error) {
	logger := zerolog.Ctx(ctx)

	ctx, span := telemetry.StartSpan(ctx, "transcribe.decode_audio")
	samples, err := inv.decoder.Decode(ctx, buf)
	telemetry.End(span, err)
	if err != nil {
		return Output{}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	ctx, span = telemetry.StartSpan(ctx, "transcribe.engine",
		attribute.Int("beam_size", p.Options.BeamSize),
		attribute.Bool("vad_filter", p.Options.VADFilter),
		attribute.String("task", string(p.Options.Task)),
		attribute.Float64("chunk_length_s", p.ChunkLength),
		attribute.Float64("no_speech_threshold", p.Options.NoSpeechThreshold),
	)
	start := time.Now()
	res, err := eng.Transcribe(ctx, samples, p.Options)
	took := time.Since(start)
	if err != nil {
		telemetry.End(span, err)
		if cerr := ctx.Err(); cerr != nil {
			return Output{}, cerr
		}
		if apperr.KindOf(err) != apperr.KindTranscription {
			return Output{}, err
		}
		return Output{}, apperr.Wrap(apperr.KindTranscription, err, "transcribe")
	}
	span.SetAttributes(attribute.Int("segments", len(res.Segments)), attribute.String("language", res.Language))
	telemetry.End(span, nil)

	if res.Segments == nil {
		res.Segments = []whisper.Segment{}
	}
	if res.Duration == 0 {
		res.Duration = audio.Seconds(samples, audio.TargetRate)
	}
	res.LanguageProbability = clampProbability(res.LanguageProbability)
	for i := range res.Segments {
		res.Segments[i].ID = i
		res.Segments[i].Text = strings.TrimSpace(res.Segments[i].Text)
	}
	checkSegments(logger, res.Segments)

	inv.metrics.ObserveTranscription(res.Duration, took, len(res.Segments))
	logger.Info().
		Str("language", res.Language).
		Float64("language_probability", res.LanguageProbability).
		Int("segments", len(res.Segments)).
		Float64("audio_seconds", res.Duration).
		Dur("took", took).
		Msg("transcribe: done")

	out := Output{Result: res, Task: p.Options.Task}
	if len(p.TargetLanguages) > 0 && len(res.Segments) > 0 {
		out.Translations = inv.translate(ctx, res, p)
	}
	return out, nil
}

func (inv *Invoker) translate(ctx context.Context, res whisper.Result, p Plan) map[string][]string {
	logger := zerolog.Ctx(ctx)
	if !inv.translator.Enabled() {
		logger.Warn().Strs("targets", p.TargetLanguages).Msg("transcribe: target_languages set but translation is not configured")
		return nil
	}
	source := res.Language
	if p.Options.Task == whisper.TaskTranslate {
		source = "en"
	}
	texts := make([]string, len(res.Segments))
	for i, s := range res.Segments {
		texts[i] = s.Text
	}

	ctx, span := telemetry.StartSpan(ctx, "transcribe.translate", attribute.StringSlice("targets", p.TargetLanguages))
	out, errs := inv.translator.TranslateAll(ctx, texts, source, p.TargetLanguages)
	telemetry.End(span, nil)
	for tgt, err := range errs {
		logger.Warn().Err(err).Str("target", tgt).Msg("transcribe: translation failed; omitting target")
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clampProbability(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// checkSegments logs ordering or range defects in engine output. Segments are
// returned as produced; nothing is reordered or dropped.
func checkSegments(logger *zerolog.Logger, segs []whisper.Segment) {
	prev := math.Inf(-1)
	for i, s := range segs {
		if s.Start < 0 || s.End < 0 {
			logger.Error().Int("segment", i).Float64("start", s.Start).Float64("end", s.End).Msg("transcribe: negative timestamp from engine")
		}
		if s.End < s.Start {
			logger.Error().Int("segment", i).Float64("start", s.Start).Float64("end", s.End).Msg("transcribe: segment ends before it starts")
		}
		if s.Start < prev {
			logger.Error().Int("segment", i).Float64("start", s.Start).Float64("previous", prev).Msg("transcribe: segments out of order")
		}
		prev = s.Start
	}
}
