package whisper

import (
	"context"

	"github.com/obiente/translate/whisperworker/internal/vad"
)

// decodeFunc runs the model over samples that are already filtered.
type decodeFunc func(ctx context.Context, samples []float32, opts Options) (Result, error)

// decodeWithVAD drops non-speech audio when opts.VADFilter is set, decodes the
// remainder, and moves segment timestamps back onto the original timeline.
func decodeWithVAD(ctx context.Context, samples []float32, opts Options, decode decodeFunc) (Result, error) {
	duration := float64(len(samples)) / SampleRate
	if !opts.VADFilter {
		res, err := decode(ctx, samples, opts)
		if err != nil {
			return Result{}, err
		}
		res.Segments = dropSilent(res.Segments, opts)
		res.Duration = duration
		return res, nil
	}

	regions := vad.Detect(samples, SampleRate, vad.DefaultParams())
	if len(regions) == 0 {
		res := Result{Language: opts.Language, Duration: duration, Segments: []Segment{}}
		if opts.Language != "" {
			res.LanguageProbability = 1
		}
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	speech, timeline := vad.Collect(samples, SampleRate, regions)
	res, err := decode(ctx, speech, opts)
	if err != nil {
		return Result{}, err
	}
	for i := range res.Segments {
		res.Segments[i].Start = timeline.Restore(res.Segments[i].Start, false)
		res.Segments[i].End = timeline.Restore(res.Segments[i].End, true)
	}
	res.Segments = dropSilent(res.Segments, opts)
	res.Duration = duration
	return res, nil
}

// dropSilent removes segments the backend flags as probable silence: no-speech
// probability over the threshold and, when a log-prob threshold is set, an
// average log-probability under it. Segments without a no-speech estimate are kept.
func dropSilent(segs []Segment, opts Options) []Segment {
	if opts.NoSpeechThreshold <= 0 || segs == nil {
		return segs
	}
	out := segs[:0]
	for _, s := range segs {
		silent := s.NoSpeechProb != nil && *s.NoSpeechProb > opts.NoSpeechThreshold
		if silent && opts.LogProbThreshold != nil && s.AvgLogprob > *opts.LogProbThreshold {
			silent = false
		}
		if !silent {
			out = append(out, s)
		}
	}
	return out
}

// CheckCompatible reports whether the backend can run key's precision on key's
// device. Half precision needs a GPU; every quantized type runs everywhere.
func CheckCompatible(key Key) error {
	if key.Device == "cpu" && key.ComputeType == "float16" {
		return ErrUnsupportedComputeType
	}
	return nil
}
