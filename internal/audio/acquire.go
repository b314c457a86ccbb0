package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/whisperworker/internal/apperr"
)

// Acquirer materializes a job's audio into a temp file.
type Acquirer struct {
	fetcher  *Fetcher
	maxBytes int64
	tempDir  string
}

// NewAcquirer returns an acquirer staging files under tempDir (os.TempDir when
// empty). maxBytes bounds every payload; zero disables the bound.
func NewAcquirer(fetcher *Fetcher, maxBytes int64, tempDir string) *Acquirer {
	return &Acquirer{fetcher: fetcher, maxBytes: maxBytes, tempDir: tempDir}
}

// Acquire stages in's payload and checks it looks like audio. On any failure
// nothing is left on disk.
func (a *Acquirer) Acquire(ctx context.Context, in Input) (*Buffer, error) {
	if len(in.Ignored) > 0 {
		ignored := make([]string, len(in.Ignored))
		for i, s := range in.Ignored {
			ignored[i] = s.String()
		}
		log.Ctx(ctx).Warn().
			Str("source", in.Source.String()).
			Strs("ignored", ignored).
			Msg("audio: multiple sources supplied; using highest precedence")
	}

	f, err := os.CreateTemp(a.tempDir, "whisper-audio-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "stage audio")
	}
	buf := &Buffer{Path: f.Name(), Source: in.Source}
	ok := false
	defer func() {
		if !ok {
			buf.Release()
		}
	}()

	switch in.Source {
	case SourceUpload, SourceInline:
		data, err := DecodeBase64(in.Data)
		if err != nil {
			f.Close()
			return nil, err
		}
		if a.maxBytes > 0 && int64(len(data)) > a.maxBytes {
			f.Close()
			return nil, apperr.New(apperr.KindInvalidInput,
				"%s audio is %d bytes, limit is %d", in.Source, len(data), a.maxBytes)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "stage audio")
		}
		buf.Size = int64(len(data))
	case SourceURL:
		n, err := a.fetcher.Fetch(ctx, in.Data, f)
		if err != nil {
			f.Close()
			return nil, err
		}
		buf.Size = n
	default:
		f.Close()
		return nil, apperr.New(apperr.KindMissingInput, "no audio source")
	}
	if err := f.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "stage audio")
	}
	if buf.Size == 0 {
		return nil, apperr.New(apperr.KindInvalidAudio, "%s audio is empty", in.Source)
	}

	mime, err := sniff(buf.Path)
	if err != nil {
		return nil, err
	}
	buf.MIME = mime
	ok = true
	return buf, nil
}

// sniff accepts any audio/* or video/* container, walking up the detected
// type's parents so e.g. a wav detected as a generic riff still passes.
func sniff(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidAudio, err, "read staged audio")
	}
	for m := mt; m != nil; m = m.Parent() {
		s := m.String()
		if strings.HasPrefix(s, "audio/") || strings.HasPrefix(s, "video/") {
			return mt.String(), nil
		}
	}
	return "", apperr.New(apperr.KindInvalidAudio, "payload is %s, not audio", mt.String())
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// DecodeBase64 decodes standard or url-safe base64, padded or not. A data URI
// prefix and embedded whitespace are tolerated.
func DecodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, apperr.New(apperr.KindInvalidEncoding, "empty base64 payload")
	}

	var firstErr error
	for _, enc := range base64Encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	var corrupt base64.CorruptInputError
	if errors.As(firstErr, &corrupt) {
		return nil, apperr.Wrap(apperr.KindInvalidEncoding, firstErr, "invalid base64 at byte %d", int64(corrupt))
	}
	return nil, apperr.Wrap(apperr.KindInvalidEncoding, firstErr, "invalid base64")
}
