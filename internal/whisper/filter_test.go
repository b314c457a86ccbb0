package whisper

import (
	"context"
	"math"
	"reflect"
	"testing"
)

func toneAt(total, from, to float64) []float32 {
	out := make([]float32, int(total*SampleRate))
	for i := int(from * SampleRate); i < int(to*SampleRate) && i < len(out); i++ {
		out[i] = 0.5 * float32(math.Sin(2*math.Pi*220*float64(i)/SampleRate))
	}
	return out
}

func TestDecodeWithVADRestoresTimestamps(t *testing.T) {
	samples := toneAt(20, 10, 12)
	var decodedLen int
	decode := func(ctx context.Context, s []float32, opts Options) (Result, error) {
		decodedLen = len(s)
		return Result{
			Language:            "en",
			LanguageProbability: 0.9,
			Segments:            []Segment{{ID: 0, Start: 0.4, End: 2.4, Text: "hello"}},
		}, nil
	}

	res, err := decodeWithVAD(context.Background(), samples, Options{VADFilter: true}, decode)
	if err != nil {
		t.Fatalf("decodeWithVAD() error = %v", err)
	}
	if decodedLen >= len(samples) || decodedLen == 0 {
		t.Fatalf("decoded %d of %d samples; silence not removed", decodedLen, len(samples))
	}
	if res.Duration != 20 {
		t.Errorf("Duration = %v, want 20", res.Duration)
	}
	seg := res.Segments[0]
	if math.Abs(seg.Start-10) > 0.05 || math.Abs(seg.End-12) > 0.05 {
		t.Fatalf("segment = [%.2f, %.2f], want ~[10, 12]", seg.Start, seg.End)
	}
}

func TestDecodeWithVADSilenceSkipsEngine(t *testing.T) {
	called := false
	decode := func(ctx context.Context, s []float32, opts Options) (Result, error) {
		called = true
		return Result{}, nil
	}

	res, err := decodeWithVAD(context.Background(), make([]float32, 3*SampleRate), Options{VADFilter: true, Language: "en"}, decode)
	if err != nil {
		t.Fatalf("decodeWithVAD() error = %v", err)
	}
	if called {
		t.Fatal("engine invoked on pure silence")
	}
	if len(res.Segments) != 0 || res.Segments == nil {
		t.Fatalf("segments = %#v, want empty non-nil", res.Segments)
	}
	if res.LanguageProbability != 1 || res.Language != "en" {
		t.Fatalf("language = %s/%v", res.Language, res.LanguageProbability)
	}
}

func TestDecodeWithoutVADPassesEverything(t *testing.T) {
	samples := make([]float32, SampleRate)
	var got int
	decode := func(ctx context.Context, s []float32, opts Options) (Result, error) {
		got = len(s)
		return Result{Segments: []Segment{}}, nil
	}
	res, err := decodeWithVAD(context.Background(), samples, Options{}, decode)
	if err != nil {
		t.Fatal(err)
	}
	if got != len(samples) || res.Duration != 1 {
		t.Fatalf("decoded %d samples, duration %v", got, res.Duration)
	}
}

// perSecond emits one segment per second of the audio it is handed.
func perSecond(ctx context.Context, s []float32, opts Options) (Result, error) {
	res := Result{Language: "en", LanguageProbability: 0.8, Segments: []Segment{}}
	total := float64(len(s)) / SampleRate
	for start := 0.0; start < total; start++ {
		res.Segments = append(res.Segments, Segment{
			ID:    len(res.Segments),
			Start: start,
			End:   math.Min(start+1, total),
			Text:  "word",
		})
	}
	return res, nil
}

func TestDecodeWithVADIsRepeatable(t *testing.T) {
	samples := make([]float32, 25*SampleRate)
	for _, r := range [][2]float64{{2, 4}, {8, 9.5}, {14, 17.2}, {21, 22}} {
		copy(samples[int(r[0]*SampleRate):], toneAt(r[1]-r[0], 0, r[1]-r[0]))
	}
	opts := Options{VADFilter: true, NoSpeechThreshold: DefaultNoSpeechThreshold}

	first, err := decodeWithVAD(context.Background(), samples, opts, perSecond)
	if err != nil {
		t.Fatal(err)
	}
	second, err := decodeWithVAD(context.Background(), samples, opts, perSecond)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("runs differ:\n%+v\n%+v", first.Segments, second.Segments)
	}
	if len(first.Segments) < 4 {
		t.Fatalf("got %d segments over four speech regions", len(first.Segments))
	}
	prev := math.Inf(-1)
	for i, seg := range first.Segments {
		if seg.End < seg.Start {
			t.Errorf("segment %d ends at %v before start %v", i, seg.End, seg.Start)
		}
		if seg.Start < prev {
			t.Errorf("segment %d starts at %v after %v", i, seg.Start, prev)
		}
		if seg.End > first.Duration {
			t.Errorf("segment %d ends at %v past duration %v", i, seg.End, first.Duration)
		}
		prev = seg.Start
	}
}

func TestDropSilentSegments(t *testing.T) {
	p := func(v float64) *float64 { return &v }
	segs := func() []Segment {
		return []Segment{
			{Text: "noise", NoSpeechProb: p(0.9), AvgLogprob: -1.5},
			{Text: "confident", NoSpeechProb: p(0.9), AvgLogprob: -0.2},
			{Text: "speech", NoSpeechProb: p(0.1), AvgLogprob: -1.5},
			{Text: "unknown", AvgLogprob: -3},
		}
	}
	texts := func(ss []Segment) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.Text)
		}
		return out
	}

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"disabled", Options{}, []string{"noise", "confident", "speech", "unknown"}},
		{"no speech only", Options{NoSpeechThreshold: 0.6}, []string{"speech", "unknown"}},
		{"log prob rescues", Options{NoSpeechThreshold: 0.6, LogProbThreshold: p(-1)}, []string{"confident", "speech", "unknown"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := texts(dropSilent(segs(), tt.opts)); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("kept %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStubEngine(t *testing.T) {
	if Backend != "stub" {
		t.Skip("compiled with a real backend")
	}
	if _, err := NewEngine(context.Background(), "", Key{Device: "cpu", ComputeType: "float16"}, 0); err != ErrUnsupportedComputeType {
		t.Fatalf("NewEngine(cpu/float16) err = %v", err)
	}
	e, err := NewEngine(context.Background(), "", Key{Device: "cpu", ComputeType: "int8"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Transcribe(context.Background(), make([]float32, SampleRate), Options{VADFilter: true})
	if err != nil || len(res.Segments) != 0 {
		t.Fatalf("stub Transcribe = %+v, %v", res, err)
	}
}
