package audio

import (
	"strings"

	"github.com/obiente/translate/whisperworker/internal/apperr"
)

// Source identifies how a job delivered its audio.
type Source int

const (
	SourceNone Source = iota
	SourceUpload
	SourceInline
	SourceURL
)

func (s Source) String() string {
	switch s {
	case SourceUpload:
		return "upload"
	case SourceInline:
		return "inline"
	case SourceURL:
		return "url"
	default:
		return "none"
	}
}

// Candidates are the raw source fields found on a job, any of which may be empty.
type Candidates struct {
	Upload string // files.file.content, base64
	Inline string // input.file, base64
	URL    string // input.file_url
}

// Input is the one source a job will be served from.
type Input struct {
	Source  Source
	Data    string   // base64 for upload and inline, the URL otherwise
	Ignored []Source // sources present on the job but outranked
}

// ResolveInput picks exactly one source: an upload beats inline base64, which
// beats a URL. No source at all is a MissingInputError.
func ResolveInput(c Candidates) (Input, error) {
	present := []struct {
		src Source
		val string
	}{
		{SourceUpload, strings.TrimSpace(c.Upload)},
		{SourceInline, strings.TrimSpace(c.Inline)},
		{SourceURL, strings.TrimSpace(c.URL)},
	}

	var in Input
	for _, p := range present {
		if p.val == "" {
			continue
		}
		if in.Source == SourceNone {
			in.Source, in.Data = p.src, p.val
			continue
		}
		in.Ignored = append(in.Ignored, p.src)
	}
	if in.Source == SourceNone {
		return Input{}, apperr.New(apperr.KindMissingInput,
			"provide files.file.content, input.file, or input.file_url")
	}
	return in, nil
}
