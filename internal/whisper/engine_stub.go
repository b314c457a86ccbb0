//go:build !whisper_cpp

package whisper

import "context"

// Backend names the compiled-in engine.
const Backend = "stub"

// Default stub (no cgo) so the project builds without whisper_cpp tag.
// It loads nothing and reports no speech.
type stubEngine struct{}

func NewEngine(ctx context.Context, weightsPath string, key Key, threads int) (Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckCompatible(key); err != nil {
		return nil, err
	}
	return &stubEngine{}, nil
}

func (e *stubEngine) Close() error { return nil }

func (e *stubEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	return decodeWithVAD(ctx, samples, opts, func(ctx context.Context, _ []float32, opts Options) (Result, error) {
		res := Result{Language: opts.Language, Segments: []Segment{}}
		if opts.Language != "" {
			res.LanguageProbability = 1
		}
		return res, ctx.Err()
	})
}
