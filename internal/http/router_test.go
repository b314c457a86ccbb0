package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/job"
	"github.com/obiente/translate/whisperworker/internal/metrics"
	"github.com/obiente/translate/whisperworker/internal/telemetry"
	"github.com/obiente/translate/whisperworker/internal/transcribe"
	"github.com/obiente/translate/whisperworker/internal/whisper"
)

type recordingRunner struct {
	last    job.Event
	traceID trace.TraceID
	fail    apperr.Kind
}

func (r *recordingRunner) Handle(ctx context.Context, ev job.Event) job.Response {
	r.last = ev
	r.traceID = trace.SpanContextFromContext(ctx).TraceID()
	if r.fail != "" {
		return job.Failure(apperr.New(r.fail, "scripted"))
	}
	return job.Success(transcribe.Output{Result: whisper.Result{Language: "en", LanguageProbability: 1, Segments: []whisper.Segment{}}})
}

type engineCount int

func (n engineCount) Len() int { return int(n) }

func newTestRouter(runner *recordingRunner) (http.Handler, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).ObserveCacheHit()
	return NewRouter(RouterConfig{Runner: runner, Engines: engineCount(2), Gatherer: reg, MaxBody: 1 << 20}), reg
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(&recordingRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusOK || body["ok"] != true || body["engines"] != float64(2) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body)
	}
}

func TestRunsyncEnvelope(t *testing.T) {
	runner := &recordingRunner{}
	h, _ := newTestRouter(runner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runsync",
		strings.NewReader(`{"id":"abc","input":{"file_url":"https://example.com/a.mp3","beam_size":2}}`)))

	var reply struct {
		ID     string         `json:"id"`
		Status string         `json:"status"`
		Output map[string]any `json:"output"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.ID != "abc" || reply.Status != "COMPLETED" || reply.Output["language"] != "en" {
		t.Fatalf("reply = %+v", reply)
	}
	if runner.last.Input.FileURL != "https://example.com/a.mp3" {
		t.Fatalf("event = %+v", runner.last)
	}

	runner.fail = apperr.KindFetch
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runsync", strings.NewReader(`{"input":{}}`)))
	json.Unmarshal(rec.Body.Bytes(), &reply)
	if reply.Status != "FAILED" || reply.ID == "" {
		t.Fatalf("failed reply = %+v", reply)
	}
}

func TestTranscribeMultipart(t *testing.T) {
	runner := &recordingRunner{}
	h, _ := newTestRouter(runner)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "clip.wav")
	fw.Write([]byte("RIFF-not-really"))
	mw.WriteField("language", "de")
	mw.WriteField("beam_size", "3")
	mw.WriteField("target_languages", "es, fr")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	ev := runner.last
	if ev.Files.File == nil || ev.Files.File.Name != "clip.wav" {
		t.Fatalf("upload not staged: %+v", ev.Files)
	}
	if got, _ := base64.StdEncoding.DecodeString(ev.Files.File.Content); string(got) != "RIFF-not-really" {
		t.Fatalf("content = %q", got)
	}
	if *ev.Input.Language != "de" || ev.Input.BeamSize != "3" || len(ev.Input.TargetLanguages) != 2 {
		t.Fatalf("input = %+v", ev.Input)
	}
}

func TestTranscribeMultipartInlineFile(t *testing.T) {
	runner := &recordingRunner{}
	h, _ := newTestRouter(runner)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("file", "UklGRg==")
	mw.WriteField("vad_filter", "false")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	ev := runner.last
	if rec.Code != http.StatusOK || ev.Files.File != nil {
		t.Fatalf("status = %d files = %+v", rec.Code, ev.Files)
	}
	if ev.Input.File != "UklGRg==" || ev.Input.VADFilter != "false" {
		t.Fatalf("input = %+v, want inline base64 from the file field", ev.Input)
	}
	if c := ev.Candidates(); c.Inline != "UklGRg==" {
		t.Fatalf("candidates = %+v", c)
	}
}

func TestInboundTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(telemetry.Propagator())
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	for _, path := range []string{"/runsync", "/transcribe"} {
		runner := &recordingRunner{}
		h, _ := newTestRouter(runner)
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"input":{}}`))
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		h.ServeHTTP(httptest.NewRecorder(), req)
		if runner.traceID.String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
			t.Errorf("%s: runner saw trace %s", path, runner.traceID)
		}
	}
}

func TestTranscribeStatusCodes(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindMissingInput, http.StatusUnprocessableEntity},
		{apperr.KindWeightsNotCached, http.StatusServiceUnavailable},
		{apperr.KindTranscription, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h, _ := newTestRouter(&recordingRunner{fail: tt.kind})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(`{"input":{}}`)))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.kind, rec.Code, tt.want)
		}
		var resp map[string]map[string]string
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["error"]["code"] != string(tt.kind) {
			t.Errorf("%s: body = %s", tt.kind, rec.Body)
		}
	}
}

func TestMalformedBody(t *testing.T) {
	h, _ := newTestRouter(&recordingRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(`{"input":`)))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), string(apperr.KindInvalidInput)) {
		t.Fatalf("malformed body = %d %s", rec.Code, rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(&recordingRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "whisper_engine_cache_hits_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body)
	}
}

func TestRouterShutdownWithoutSessions(t *testing.T) {
	rt := NewRouter(RouterConfig{Runner: &recordingRunner{}, Engines: engineCount(0), Gatherer: prometheus.NewRegistry()})
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
}
