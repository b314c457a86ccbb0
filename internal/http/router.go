package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/job"
	"github.com/obiente/translate/whisperworker/internal/telemetry"
	"github.com/obiente/translate/whisperworker/internal/ws"
)

// EngineCounter reports how many engines are resident; *whisper.Registry implements it.
type EngineCounter interface {
	Len() int
}

// RouterConfig wires the routes.
type RouterConfig struct {
	Runner   ws.Runner
	Engines  EngineCounter
	Gatherer prometheus.Gatherer // nil: prometheus.DefaultGatherer
	MaxBody  int64               // bound on request bodies, inline audio included
}

// runsyncReply mirrors the serverless host's synchronous run envelope.
type runsyncReply struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output job.Response `json:"output"`
}

// Router serves the worker's HTTP and websocket routes.
type Router struct {
	http.Handler
	ws *ws.Server
}

// Shutdown cancels jobs running on websocket sessions and waits for them.
// http.Server.Shutdown does not track hijacked connections.
func (rt *Router) Shutdown(ctx context.Context) error {
	return rt.ws.Shutdown(ctx)
}

func NewRouter(cfg RouterConfig) *Router {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	// Base64 inflates payloads by a third; leave room for the envelope.
	maxBody := cfg.MaxBody
	if maxBody > 0 {
		maxBody = maxBody/3*4 + 1<<20
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "engines": cfg.Engines.Len()})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /runsync", func(w http.ResponseWriter, r *http.Request) {
		ev, err := readEvent(w, r, maxBody)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, runsyncReply{Status: "FAILED", Output: job.Failure(err)})
			return
		}
		ev.ID = job.NewID(ev.ID)
		resp := cfg.Runner.Handle(telemetry.Extract(r.Context(), r.Header), ev)
		status := "COMPLETED"
		if resp.Failed() {
			status = "FAILED"
		}
		writeJSON(w, http.StatusOK, runsyncReply{ID: ev.ID, Status: status, Output: resp})
	})

	mux.HandleFunc("POST /transcribe", func(w http.ResponseWriter, r *http.Request) {
		ev, err := readEvent(w, r, maxBody)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, job.Failure(err))
			return
		}
		resp := cfg.Runner.Handle(telemetry.Extract(r.Context(), r.Header), ev)
		writeJSON(w, statusFor(resp), resp)
	})

	// Job submission over WebSocket
	wss := ws.NewServer(cfg.Runner, maxBody)
	mux.HandleFunc("GET /ws/jobs", wss.Handle)
	return &Router{Handler: mux, ws: wss}
}

func statusFor(resp job.Response) int {
	if !resp.Failed() {
		return http.StatusOK
	}
	switch code := resp.Error.Code; {
	case code == apperr.KindCanceled:
		return 499
	case code.ClientAttributable():
		return http.StatusUnprocessableEntity
	case code == apperr.KindWeightsNotCached:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readEvent accepts a JSON event, or a multipart form whose "file" part
// becomes files.file.content the way the host stages uploads.
func readEvent(w http.ResponseWriter, r *http.Request, maxBody int64) (job.Event, error) {
	if maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return readMultipart(r, maxBody)
	}

	var ev job.Event
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&ev); err != nil {
		return job.Event{}, bodyError(err)
	}
	return ev, nil
}

func readMultipart(r *http.Request, maxBody int64) (job.Event, error) {
	mem := int64(32 << 20)
	if maxBody > 0 && maxBody < mem {
		mem = maxBody
	}
	if err := r.ParseMultipartForm(mem); err != nil {
		return job.Event{}, bodyError(err)
	}
	defer r.MultipartForm.RemoveAll()

	var ev job.Event
	ev.ID = r.FormValue("id")
	if f, hdr, err := r.FormFile("file"); err == nil {
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return job.Event{}, bodyError(err)
		}
		ev.Files.File = &job.FileRef{Name: hdr.Filename, Content: base64.StdEncoding.EncodeToString(data)}
	} else if !errors.Is(err, http.ErrMissingFile) {
		return job.Event{}, bodyError(err)
	}

	in := &ev.Input
	// Without a file part, "file" may carry the audio inline as base64.
	in.File = firstForm(r, "audio_base64")
	if ev.Files.File == nil && in.File == "" {
		in.File = firstForm(r, "file")
	}
	in.FileURL = firstForm(r, "file_url", "audio_url", "url")
	if v, ok := r.MultipartForm.Value["language"]; ok && len(v) > 0 {
		lang := v[0]
		in.Language = &lang
	}
	if v := r.FormValue("beam_size"); v != "" {
		in.BeamSize = v
	}
	if v := r.FormValue("vad_filter"); v != "" {
		in.VADFilter = v
	}
	if v := r.FormValue("translate"); v != "" {
		in.Translate = v
	}
	in.Task = r.FormValue("task")
	for _, v := range r.MultipartForm.Value["target_languages"] {
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				in.TargetLanguages = append(in.TargetLanguages, l)
			}
		}
	}
	return ev, nil
}

func firstForm(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(r.FormValue(k)); v != "" {
			return v
		}
	}
	return ""
}

func bodyError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return apperr.Wrap(apperr.KindInvalidInput, err, "request body exceeds %d bytes", tooBig.Limit)
	}
	return apperr.Wrap(apperr.KindInvalidInput, err, "malformed request body")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("http: write response failed")
	}
}
