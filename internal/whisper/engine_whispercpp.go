//go:build whisper_cpp

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog/log"
)

// Backend names the compiled-in engine.
const Backend = "whisper.cpp"

// minTokenProb floors token probabilities before taking logs.
const minTokenProb = 1e-10

// engineCPP is the whisper.cpp-backed implementation of Engine.
type engineCPP struct {
	model   whisperpkg.Model
	key     Key
	threads uint
	mu      sync.Mutex // whisper.cpp contexts share the model state; decode one at a time
}

// NewEngine loads a ggml checkpoint. It is the registry's default Constructor
// when built with -tags whisper_cpp.
func NewEngine(ctx context.Context, weightsPath string, key Key, threads int) (Engine, error) {
	if err := CheckCompatible(key); err != nil {
		return nil, err
	}
	if key.Device == "cuda" && !gpuPresent() {
		return nil, fmt.Errorf("%w: no NVIDIA driver found for device cuda", ErrDeviceUnavailable)
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	m, err := whisperpkg.New(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	log.Info().
		Str("model", weightsPath).
		Str("key", key.String()).
		Int("threads", threads).
		Bool("multilingual", m.IsMultilingual()).
		Dur("took", time.Since(start)).
		Msg("whisper: model loaded successfully")
	return &engineCPP{model: m, key: key, threads: uint(threads)}, nil
}

func gpuPresent() bool {
	for _, p := range []string{"/dev/nvidiactl", "/proc/driver/nvidia/version"} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func (e *engineCPP) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

func (e *engineCPP) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	return decodeWithVAD(ctx, samples, opts, e.decode)
}

func (e *engineCPP) decode(ctx context.Context, samples []float32, opts Options) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = AutoLanguage
	}
	if !e.model.IsMultilingual() && lang != "en" && lang != AutoLanguage {
		return Result{}, fmt.Errorf("model %s is English-only, cannot decode %q", e.key.Size, lang)
	}
	wctx.SetThreads(e.threads)
	if err := wctx.SetLanguage(lang); err != nil {
		return Result{}, fmt.Errorf("set language %q: %w", lang, err)
	}
	wctx.SetTranslate(opts.Task == TaskTranslate)
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	wctx.SetSplitOnWord(true)
	wctx.SetMaxSegmentLength(0)
	wctx.SetMaxTokensPerSegment(0)
	wctx.SetAudioCtx(0)

	// whisper.cpp aborts the run when the encoder-begin callback returns false.
	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		log.Error().Err(err).Int("samples", len(samples)).Msg("whisper: process failed")
		return Result{}, fmt.Errorf("process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Segments: []Segment{}}
	var probSum float64
	var probN int
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Result{}, fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		var logSum float64
		var logN int
		for _, tok := range seg.Tokens {
			if wctx.IsText(tok) {
				probSum += float64(tok.P)
				probN++
				logSum += math.Log(max(float64(tok.P), minTokenProb))
				logN++
			}
		}
		var avgLogprob float64
		if logN > 0 {
			avgLogprob = logSum / float64(logN)
		}
		// whisper.cpp starts every window at temperature 0 and the binding
		// does not report fallbacks; no-speech probability is not exposed.
		res.Segments = append(res.Segments, Segment{
			ID:         len(res.Segments),
			Start:      seg.Start.Seconds(),
			End:        seg.End.Seconds(),
			Text:       text,
			AvgLogprob: avgLogprob,
		})
	}

	if opts.Language != "" {
		res.Language = opts.Language
		res.LanguageProbability = 1
	} else {
		res.Language = wctx.DetectedLanguage()
		// The binding does not expose the language-detection distribution; the
		// mean text-token probability stands in as the confidence.
		if probN > 0 {
			res.LanguageProbability = probSum / float64(probN)
		}
	}

	log.Debug().
		Str("lang", res.Language).
		Int("segments", len(res.Segments)).
		Int("samples", len(samples)).
		Msg("whisper: transcription complete")
	return res, nil
}
