package whisper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/whisperworker/internal/apperr"
)

var sizeAliases = map[string]string{
	"turbo": "large-v3-turbo",
	"large": "large-v3",
}

// CanonicalSize resolves size aliases ("turbo", "large").
func CanonicalSize(size string) string {
	size = strings.ToLower(strings.TrimSpace(size))
	if v, ok := sizeAliases[size]; ok {
		return v
	}
	return size
}

// quantSuffix maps a compute type onto the ggml checkpoint variant that serves it.
func quantSuffix(computeType string) string {
	switch computeType {
	case "int8", "int8_float16", "int8_float32":
		return "-q8_0"
	case "int5":
		return "-q5_0"
	default:
		return ""
	}
}

// WeightsFile is the checkpoint file name for key, e.g. ggml-large-v3-turbo-q8_0.bin.
func WeightsFile(key Key) string {
	return "ggml-" + CanonicalSize(key.Size) + quantSuffix(key.ComputeType) + ".bin"
}

// isExplicitPath reports whether the model size names a checkpoint file directly.
func isExplicitPath(size string) bool {
	return strings.HasSuffix(size, ".bin") || strings.ContainsRune(size, os.PathSeparator)
}

// Weights locates checkpoints under a cache root and, when allowed, fetches
// missing ones.
type Weights struct {
	Root          string
	BaseURL       string
	RequireCached bool
	Client        *http.Client
}

// Path is where key's checkpoint lives (or would live) on disk.
func (w *Weights) Path(key Key) string {
	if isExplicitPath(key.Size) {
		return key.Size
	}
	return filepath.Join(w.Root, WeightsFile(key))
}

// Resolve returns the on-disk checkpoint for key. With RequireCached set a
// missing file fails with WeightsNotCachedError and no network access.
func (w *Weights) Resolve(ctx context.Context, key Key) (string, error) {
	path := w.Path(key)
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() && info.Size() > 0 {
		return path, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", apperr.Wrap(apperr.KindEngineLoad, err, "stat weights %s", path)
	}
	if w.RequireCached || isExplicitPath(key.Size) {
		return "", apperr.New(apperr.KindWeightsNotCached,
			"weights for %s not found at %s and downloads are disabled", key, path)
	}
	if err := w.download(ctx, key, path); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Weights) download(ctx context.Context, key Key, dst string) error {
	url := strings.TrimRight(w.BaseURL, "/") + "/" + WeightsFile(key)
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.Wrap(apperr.KindEngineLoad, err, "create weights dir")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindEngineLoad, err, "build download request")
	}

	log.Info().Str("url", url).Str("dst", dst).Msg("whisper: downloading weights")
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindEngineLoad, err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.KindEngineLoad, "download %s: http %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return apperr.Wrap(apperr.KindEngineLoad, err, "create temp weights file")
	}
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindEngineLoad, err, "write weights")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindEngineLoad, err, "install weights")
	}
	log.Info().Str("dst", dst).Int64("bytes", n).Dur("took", time.Since(start)).Msg("whisper: weights downloaded")
	return nil
}
