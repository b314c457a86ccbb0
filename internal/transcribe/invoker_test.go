package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/audio"
	"github.com/obiente/translate/whisperworker/internal/translation"
	"github.com/obiente/translate/whisperworker/internal/whisper"
)

type scriptedEngine struct {
	res  whisper.Result
	err  error
	opts whisper.Options
	n    int
}

func (e *scriptedEngine) Transcribe(ctx context.Context, samples []float32, opts whisper.Options) (whisper.Result, error) {
	e.opts, e.n = opts, len(samples)
	return e.res, e.err
}

func (e *scriptedEngine) Close() error { return nil }

func silenceBuffer(t *testing.T, seconds float64) *audio.Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "silence.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, int(seconds*16000)),
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return &audio.Buffer{Path: path, MIME: "audio/wav", Source: audio.SourceInline}
}

func ptr[T any](v T) *T { return &v }

func newInvoker(tr *translation.Client) *Invoker {
	return New(Defaults{Language: "de", BeamSize: 5, VADFilter: true}, audio.NewDecoder(""), tr, nil)
}

func TestPlanDefaultsAndOverrides(t *testing.T) {
	inv := newInvoker(nil)

	p, err := inv.Plan(Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	want := whisper.Options{Language: "de", BeamSize: 5, VADFilter: true, Task: whisper.TaskTranscribe, NoSpeechThreshold: 0.6}
	if p.Options != want {
		t.Fatalf("defaults = %+v, want %+v", p.Options, want)
	}
	if p.ChunkLength != 30 {
		t.Fatalf("chunk length = %v, want 30", p.ChunkLength)
	}

	p, err = inv.Plan(Overrides{
		Language:  ptr("FR"),
		BeamSize:  ptr(1),
		VADFilter: ptr(false),
		Task:      "translate",

		ChunkLength:       ptr(15.0),
		NoSpeechThreshold: ptr(0.8),
	})
	if err != nil {
		t.Fatal(err)
	}
	want = whisper.Options{Language: "fr", BeamSize: 1, VADFilter: false, Task: whisper.TaskTranslate, NoSpeechThreshold: 0.8}
	if p.Options != want || p.ChunkLength != 15 {
		t.Fatalf("overrides = %+v chunk %v, want %+v chunk 15", p.Options, p.ChunkLength, want)
	}

	p, err = inv.Plan(Overrides{LogProbThreshold: ptr(-1.0)})
	if err != nil || p.Options.LogProbThreshold == nil || *p.Options.LogProbThreshold != -1 {
		t.Fatalf("log_prob_threshold = %v, %v", p.Options.LogProbThreshold, err)
	}

	p, err = inv.Plan(Overrides{Language: ptr("auto")})
	if err != nil || p.Options.Language != "" {
		t.Fatalf("auto override = %q, %v; want detection", p.Options.Language, err)
	}
	p, err = inv.Plan(Overrides{Language: ptr("")})
	if err != nil || p.Options.Language != "de" {
		t.Fatalf("empty override = %q, %v; want default", p.Options.Language, err)
	}
}

func TestPlanRejectsInvalidOverrides(t *testing.T) {
	inv := newInvoker(nil)
	tests := []struct {
		name  string
		o     Overrides
		field string
	}{
		{"beam zero", Overrides{BeamSize: ptr(0)}, "beam_size"},
		{"beam negative", Overrides{BeamSize: ptr(-3)}, "beam_size"},
		{"unknown language", Overrides{Language: ptr("klingon")}, "language"},
		{"unknown task", Overrides{Task: "summarize"}, "task"},
		{"bad target", Overrides{TargetLanguages: []string{"x"}}, "target_languages"},
		{"chunk zero", Overrides{ChunkLength: ptr(0.0)}, "chunk_length_s"},
		{"chunk over window", Overrides{ChunkLength: ptr(45.0)}, "chunk_length_s"},
		{"no speech above one", Overrides{NoSpeechThreshold: ptr(1.5)}, "no_speech_threshold"},
		{"positive log prob", Overrides{LogProbThreshold: ptr(0.5)}, "log_prob_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := inv.Plan(tt.o)
			if !apperr.IsKind(err, apperr.KindInvalidInput) {
				t.Fatalf("err = %v, want InvalidInputError", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("err = %q, want it to name %s", err, tt.field)
			}
		})
	}
}

func TestTranscribeShapesResult(t *testing.T) {
	inv := newInvoker(nil)
	eng := &scriptedEngine{res: whisper.Result{
		Language:            "en",
		LanguageProbability: 1.4,
		Segments: []whisper.Segment{
			{ID: 7, Start: 0, End: 1, Text: " hello "},
			{ID: 9, Start: 1, End: 1.5, Text: "world"},
		},
	}}
	p, _ := inv.Plan(Overrides{})

	out, err := inv.Transcribe(context.Background(), eng, silenceBuffer(t, 2), p)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if eng.n != 32000 {
		t.Errorf("engine got %d samples, want 32000", eng.n)
	}
	if out.LanguageProbability != 1 {
		t.Errorf("probability = %v, want clamped to 1", out.LanguageProbability)
	}
	if out.Duration != 2 {
		t.Errorf("duration = %v, want 2", out.Duration)
	}
	if out.Segments[0].ID != 0 || out.Segments[1].ID != 1 || out.Segments[0].Text != "hello" {
		t.Errorf("segments = %+v", out.Segments)
	}
	if out.Task != whisper.TaskTranscribe || out.Translations != nil {
		t.Errorf("task = %s translations = %v", out.Task, out.Translations)
	}
}

func TestTranscribeSilenceHasEmptySegments(t *testing.T) {
	inv := newInvoker(nil)
	eng := &scriptedEngine{res: whisper.Result{Language: "de", LanguageProbability: 1}}
	p, _ := inv.Plan(Overrides{})

	out, err := inv.Transcribe(context.Background(), eng, silenceBuffer(t, 1), p)
	if err != nil {
		t.Fatal(err)
	}
	if out.Segments == nil || len(out.Segments) != 0 {
		t.Fatalf("segments = %#v, want empty non-nil", out.Segments)
	}
}

func TestTranscribeEngineFailure(t *testing.T) {
	inv := newInvoker(nil)
	eng := &scriptedEngine{err: errors.New("decoder exploded")}
	p, _ := inv.Plan(Overrides{})

	_, err := inv.Transcribe(context.Background(), eng, silenceBuffer(t, 1), p)
	if !apperr.IsKind(err, apperr.KindTranscription) {
		t.Fatalf("err = %v, want TranscriptionError", err)
	}
}

func TestTranscribeCanceled(t *testing.T) {
	inv := newInvoker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, _ := inv.Plan(Overrides{})

	_, err := inv.Transcribe(ctx, &scriptedEngine{}, silenceBuffer(t, 1), p)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTranscribeTranslatesSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Q      []string `json:"q"`
			Source string   `json:"source"`
			Target string   `json:"target"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Target == "ja" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		out := make([]string, len(req.Q))
		for i, q := range req.Q {
			out[i] = req.Source + ">" + req.Target + ":" + q
		}
		json.NewEncoder(w).Encode(map[string]any{"translatedText": out})
	}))
	defer srv.Close()

	inv := newInvoker(translation.New(srv.URL, time.Second))
	eng := &scriptedEngine{res: whisper.Result{
		Language:            "en",
		LanguageProbability: 0.9,
		Segments:            []whisper.Segment{{Start: 0, End: 1, Text: "hi"}},
	}}
	p, err := inv.Plan(Overrides{TargetLanguages: []string{"es", "ja"}})
	if err != nil {
		t.Fatal(err)
	}

	out, err := inv.Transcribe(context.Background(), eng, silenceBuffer(t, 1), p)
	if err != nil {
		t.Fatalf("translation failure must not fail the job: %v", err)
	}
	if got := out.Translations["es"]; len(got) != 1 || got[0] != "en>es:hi" {
		t.Fatalf("translations = %v", out.Translations)
	}
	if _, ok := out.Translations["ja"]; ok {
		t.Fatal("failed target should be omitted")
	}
}

func TestClampProbability(t *testing.T) {
	for in, want := range map[float64]float64{-0.2: 0, 0.3: 0.3, 2: 1} {
		if got := clampProbability(in); got != want {
			t.Errorf("clampProbability(%v) = %v, want %v", in, got, want)
		}
	}
}
