package audio

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/obiente/translate/whisperworker/internal/apperr"
)

// Fetcher downloads remote audio. It never retries: a failed fetch is
// reported to the caller, who owns the retry policy.
type Fetcher struct {
	http     *http.Client
	timeout  time.Duration
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fetcher{
		http:     &http.Client{},
		timeout:  timeout,
		maxBytes: maxBytes,
	}
}

// Fetch streams rawURL into w and returns the byte count. Timeouts, non-2xx
// statuses, oversize bodies and transport failures are FetchErrors; a
// cancellation of ctx by the caller is returned as the context error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, apperr.New(apperr.KindFetch, "unsupported audio url %q", rawURL)
	}

	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindFetch, err, "build request")
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return 0, f.classify(ctx, err, u)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, apperr.New(apperr.KindFetch, "GET %s: http %d", u.Redacted(), resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return 0, apperr.New(apperr.KindFetch, "GET %s: content length %d exceeds limit of %d bytes",
			u.Redacted(), resp.ContentLength, f.maxBytes)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, f.classify(ctx, err, u)
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return n, apperr.New(apperr.KindFetch, "GET %s: body exceeds limit of %d bytes", u.Redacted(), f.maxBytes)
	}
	if n == 0 {
		return 0, apperr.New(apperr.KindFetch, "GET %s: empty body", u.Redacted())
	}
	return n, nil
}

func (f *Fetcher) classify(parent context.Context, err error, u *url.URL) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindFetch, err, "GET %s: timed out after %s", u.Redacted(), f.timeout)
	}
	return apperr.Wrap(apperr.KindFetch, err, "GET %s", u.Redacted())
}
