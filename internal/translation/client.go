package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	base string
	http *http.Client
}

// New returns a client for a LibreTranslate-compatible service at base. An
// empty base yields a nil client, which translates nothing.
func New(base string, timeout time.Duration) *Client {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a translation service is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.base != ""
}

// Translate renders texts into target in one request, using the batch form of
// the LibreTranslate payload (q as an array). The result is index-aligned with
// texts. An empty source means auto-detect.
func (c *Client) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	if !c.Enabled() || len(texts) == 0 {
		return make([]string, len(texts)), nil
	}

	src := strings.TrimSpace(source)
	if src == "" {
		src = "auto"
	}
	payload := map[string]any{
		"q":      texts,
		"source": src,
		"target": target,
		"format": "text",
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/translate", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("translation http %d for target %s", resp.StatusCode, target)
	}

	// Batch requests answer with translatedText as an array.
	var lr struct {
		TranslatedText []string `json:"translatedText"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("decode translation for %s: %w", target, err)
	}
	if len(lr.TranslatedText) != len(texts) {
		return nil, fmt.Errorf("translation for %s returned %d texts, want %d", target, len(lr.TranslatedText), len(texts))
	}
	out := make([]string, len(texts))
	for i, t := range lr.TranslatedText {
		out[i] = strings.TrimSpace(t)
	}
	return out, nil
}

// TranslateAll calls Translate once per target. Targets that fail are left
// out of the result and reported in errs keyed by target.
func (c *Client) TranslateAll(ctx context.Context, texts []string, source string, targets []string) (map[string][]string, map[string]error) {
	out := make(map[string][]string, len(targets))
	errs := map[string]error{}
	if !c.Enabled() {
		return out, errs
	}
	for _, tgt := range targets {
		tgt = strings.TrimSpace(tgt)
		if tgt == "" || tgt == source {
			continue
		}
		if _, done := out[tgt]; done {
			continue
		}
		got, err := c.Translate(ctx, texts, source, tgt)
		if err != nil {
			errs[tgt] = err
			continue
		}
		out[tgt] = got
	}
	return out, errs
}
