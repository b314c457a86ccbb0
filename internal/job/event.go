package job

import (
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/audio"
	"github.com/obiente/translate/whisperworker/internal/transcribe"
)

// Event is the job payload delivered by the host.
type Event struct {
	ID    string `json:"id,omitempty"`
	Input Input  `json:"input"`
	Files Files  `json:"files,omitzero"`
}

// Input carries the audio reference and optional decoding overrides. Numeric
// and boolean overrides are accepted as JSON strings too, since form posts and
// some hosts stringify everything.
type Input struct {
	File        string `json:"file,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	URL         string `json:"url,omitempty"`

	Language        *string  `json:"language,omitempty"`
	BeamSize        any      `json:"beam_size,omitempty"`
	VADFilter       any      `json:"vad_filter,omitempty"`
	Task            string   `json:"task,omitempty"`
	Translate       any      `json:"translate,omitempty"`
	TargetLanguages []string `json:"target_languages,omitempty"`

	ChunkLength       any `json:"chunk_length_s,omitempty"`
	LogProbThreshold  any `json:"log_prob_threshold,omitempty"`
	NoSpeechThreshold any `json:"no_speech_threshold,omitempty"`
}

// Files holds host-uploaded attachments.
type Files struct {
	File *FileRef `json:"file,omitempty"`
}

// FileRef is an uploaded file, base64 encoded.
type FileRef struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Candidates lists every audio source present on the event.
func (e Event) Candidates() audio.Candidates {
	var c audio.Candidates
	if e.Files.File != nil {
		c.Upload = e.Files.File.Content
	}
	c.Inline = firstNonEmpty(e.Input.File, e.Input.AudioBase64)
	c.URL = firstNonEmpty(e.Input.FileURL, e.Input.AudioURL, e.Input.URL)
	return c
}

// Overrides converts the loosely typed input fields. Numbers may arrive as
// JSON numbers or numeric strings, booleans as JSON booleans or boolean
// strings; anything else is an InvalidInputError.
func (e Event) Overrides() (transcribe.Overrides, error) {
	in := e.Input
	o := transcribe.Overrides{
		Language:        in.Language,
		Task:            in.Task,
		TargetLanguages: in.TargetLanguages,
	}
	var err error
	if o.BeamSize, err = intField("beam_size", in.BeamSize); err != nil {
		return o, err
	}
	if o.VADFilter, err = boolField("vad_filter", in.VADFilter); err != nil {
		return o, err
	}
	if o.ChunkLength, err = floatField("chunk_length_s", in.ChunkLength); err != nil {
		return o, err
	}
	if o.LogProbThreshold, err = floatField("log_prob_threshold", in.LogProbThreshold); err != nil {
		return o, err
	}
	if o.NoSpeechThreshold, err = floatField("no_speech_threshold", in.NoSpeechThreshold); err != nil {
		return o, err
	}
	translate, err := boolField("translate", in.Translate)
	if err != nil {
		return o, err
	}
	if translate != nil && *translate && strings.TrimSpace(o.Task) == "" {
		o.Task = "translate"
	}
	return o, nil
}

// intField accepts whole numbers only: 3, 3.0 and "3" pass; 2.7, "2.7" and true do not.
func intField(name string, v any) (*int, error) {
	if !present(v) {
		return nil, nil
	}
	var n int
	switch x := v.(type) {
	case float64:
		if math.Trunc(x) != x || math.IsInf(x, 0) || math.Abs(x) > math.MaxInt32 {
			return nil, apperr.New(apperr.KindInvalidInput, "%s must be a whole number, got %v", name, x)
		}
		n = int(x)
	case int:
		n = x
	case int64:
		n = int(x)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "%s must be a whole number", name)
		}
		n = parsed
	default:
		return nil, apperr.New(apperr.KindInvalidInput, "%s must be a whole number, got %T", name, v)
	}
	return &n, nil
}

// floatField accepts JSON numbers and numeric strings.
func floatField(name string, v any) (*float64, error) {
	if !present(v) {
		return nil, nil
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "%s must be a number", name)
		}
		f = parsed
	default:
		return nil, apperr.New(apperr.KindInvalidInput, "%s must be a number, got %T", name, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, apperr.New(apperr.KindInvalidInput, "%s must be finite", name)
	}
	return &f, nil
}

// boolField accepts a JSON boolean or a boolean string ("true", "0", "F"...).
// Numbers are rejected so 0.5 cannot pass as true.
func boolField(name string, v any) (*bool, error) {
	if !present(v) {
		return nil, nil
	}
	var b bool
	switch x := v.(type) {
	case bool:
		b = x
	case string:
		parsed, err := cast.ToBoolE(strings.ToLower(strings.TrimSpace(x)))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "%s must be a boolean", name)
		}
		b = parsed
	default:
		return nil, apperr.New(apperr.KindInvalidInput, "%s must be a boolean, got %T", name, v)
	}
	return &b, nil
}

func present(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
