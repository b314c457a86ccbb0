package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/obiente/translate/whisperworker/internal/apperr"
	"github.com/obiente/translate/whisperworker/internal/whisper"
)

// Environment variable names.
const (
	EnvModelSize          = "MODEL_SIZE"
	EnvDevice             = "DEVICE"
	EnvComputeType        = "COMPUTE_TYPE"
	EnvBeamSize           = "BEAM_SIZE"
	EnvLanguage           = "LANGUAGE"
	EnvDownloadRoot       = "DOWNLOAD_ROOT"
	EnvRequireCached      = "REQUIRE_CACHED"
	EnvVADFilter          = "VAD_FILTER"
	EnvFetchTimeout       = "FETCH_TIMEOUT"
	EnvMaxAudioBytes      = "MAX_AUDIO_BYTES"
	EnvThreads            = "WHISPER_THREADS"
	EnvFFmpegPath         = "FFMPEG_PATH"
	EnvWeightsBaseURL     = "WEIGHTS_BASE_URL"
	EnvTranslationBaseURL = "TRANSLATION_BASE_URL"
	EnvTranslationTimeout = "TRANSLATION_TIMEOUT"
	EnvWarmStart          = "WARM_START"
	EnvAddr               = "WHISPER_GO_ADDR"
	EnvOTLPEndpoint       = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvLogLevel           = "LOG_LEVEL"
	EnvFile               = "ENV_FILE"
)

// Settings is resolved once at process start and shared read-only by all jobs.
type Settings struct {
	ModelSize     string `validate:"required"`
	Device        string `validate:"oneof=cuda cpu"`
	ComputeType   string `validate:"oneof=float16 float32 int8 int8_float16 int8_float32 int5"`
	BeamSize      int    `validate:"min=1"`
	Language      string `validate:"whisper_lang"` // empty means auto-detect
	DownloadRoot  string `validate:"required"`
	RequireCached bool
	VADFilter     bool

	FetchTimeout  time.Duration `validate:"gt=0"`
	MaxAudioBytes int64         `validate:"gt=0"`
	Threads       int           `validate:"min=0"`
	FFmpegPath    string        `validate:"required"`

	WeightsBaseURL     string `validate:"required,url"`
	TranslationBaseURL string `validate:"omitempty,url"`
	TranslationTimeout time.Duration

	WarmStart    bool
	Addr         string `validate:"required"`
	OTLPEndpoint string
	LogLevel     string
}

// DefaultWeightsBaseURL serves the ggml checkpoints.
const DefaultWeightsBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("whisper_lang", func(fl validator.FieldLevel) bool {
		return whisper.IsLanguage(fl.Field().String())
	})
	return v
}

// Load reads the process environment and returns validated settings. Any
// malformed value is a ConfigurationError; the caller is expected to exit.
func Load() (Settings, error) {
	if path := strings.TrimSpace(os.Getenv(EnvFile)); path != "" {
		if err := godotenv.Load(path); err != nil {
			return Settings{}, apperr.Wrap(apperr.KindConfiguration, err, "load %s", path)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(EnvModelSize, "turbo")
	v.SetDefault(EnvDevice, "cuda")
	v.SetDefault(EnvBeamSize, 5)
	v.SetDefault(EnvRequireCached, true)
	v.SetDefault(EnvVADFilter, true)
	v.SetDefault(EnvFetchTimeout, 60)
	v.SetDefault(EnvMaxAudioBytes, 256<<20)
	v.SetDefault(EnvThreads, 0)
	v.SetDefault(EnvFFmpegPath, "ffmpeg")
	v.SetDefault(EnvWeightsBaseURL, DefaultWeightsBaseURL)
	v.SetDefault(EnvTranslationTimeout, 8)
	v.SetDefault(EnvWarmStart, true)
	v.SetDefault(EnvAddr, ":8080")
	v.SetDefault(EnvLogLevel, "info")

	r := reader{v: v}
	s := Settings{
		ModelSize:          strings.TrimSpace(v.GetString(EnvModelSize)),
		Device:             strings.ToLower(strings.TrimSpace(v.GetString(EnvDevice))),
		ComputeType:        strings.ToLower(strings.TrimSpace(v.GetString(EnvComputeType))),
		BeamSize:           r.int(EnvBeamSize),
		Language:           whisper.NormalizeLanguage(v.GetString(EnvLanguage)),
		DownloadRoot:       strings.TrimSpace(v.GetString(EnvDownloadRoot)),
		RequireCached:      r.bool(EnvRequireCached),
		VADFilter:          r.bool(EnvVADFilter),
		FetchTimeout:       r.seconds(EnvFetchTimeout),
		MaxAudioBytes:      r.int64(EnvMaxAudioBytes),
		Threads:            r.int(EnvThreads),
		FFmpegPath:         strings.TrimSpace(v.GetString(EnvFFmpegPath)),
		WeightsBaseURL:     strings.TrimRight(strings.TrimSpace(v.GetString(EnvWeightsBaseURL)), "/"),
		TranslationBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString(EnvTranslationBaseURL)), "/"),
		TranslationTimeout: r.seconds(EnvTranslationTimeout),
		WarmStart:          r.bool(EnvWarmStart),
		Addr:               strings.TrimSpace(v.GetString(EnvAddr)),
		OTLPEndpoint:       strings.TrimSpace(v.GetString(EnvOTLPEndpoint)),
		LogLevel:           strings.ToLower(strings.TrimSpace(v.GetString(EnvLogLevel))),
	}
	if r.err != nil {
		return Settings{}, r.err
	}
	if s.ComputeType == "" {
		s.ComputeType = DefaultComputeType(s.Device)
	}
	if s.DownloadRoot == "" {
		s.DownloadRoot = defaultDownloadRoot()
	}
	if err := validate.Struct(s); err != nil {
		return Settings{}, apperr.Wrap(apperr.KindConfiguration, err, "invalid settings")
	}
	return s, nil
}

// DefaultComputeType picks the precision used when COMPUTE_TYPE is unset.
func DefaultComputeType(device string) string {
	if device == "cpu" {
		return "int8"
	}
	return "float16"
}

// EngineKey is the cache key of the default engine.
func (s Settings) EngineKey() whisper.Key {
	return whisper.Key{Size: s.ModelSize, Device: s.Device, ComputeType: s.ComputeType}
}

func defaultDownloadRoot() string {
	if v := os.Getenv("HF_HOME"); v != "" {
		return filepath.Join(v, "whisper")
	}
	if v := os.Getenv("XDG_CACHE_HOME"); v != "" {
		return filepath.Join(v, "whisper")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "whisper")
	}
	return filepath.Join(os.TempDir(), "whisper")
}

// reader converts raw values strictly and keeps the first failure.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) fail(key string, raw any, err error) {
	if r.err == nil {
		r.err = apperr.Wrap(apperr.KindConfiguration, err, "%s=%v", key, raw)
	}
}

func (r *reader) int(key string) int {
	raw := r.v.Get(key)
	n, err := cast.ToIntE(raw)
	if err != nil {
		r.fail(key, raw, err)
	}
	return n
}

func (r *reader) int64(key string) int64 {
	raw := r.v.Get(key)
	n, err := cast.ToInt64E(raw)
	if err != nil {
		r.fail(key, raw, err)
	}
	return n
}

func (r *reader) bool(key string) bool {
	raw := r.v.Get(key)
	if s, ok := raw.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		r.fail(key, raw, err)
	}
	return b
}

// seconds accepts a plain number of seconds or a Go duration string ("90s").
func (r *reader) seconds(key string) time.Duration {
	raw := r.v.Get(key)
	if n, err := cast.ToIntE(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	s := cast.ToString(raw)
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		r.fail(key, raw, err)
	}
	return d
}
