package audio

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/whisperworker/internal/apperr"
)

// TargetRate is the rate Decode resamples to.
const TargetRate = 16000

// Decoder turns a staged Buffer into 16 kHz mono PCM32F.
type Decoder struct {
	ffmpeg string
}

// NewDecoder uses the ffmpeg binary at path (looked up on PATH when bare) for
// anything that is not a plain WAV.
func NewDecoder(ffmpegPath string) *Decoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Decoder{ffmpeg: ffmpegPath}
}

// Decode reads b and returns samples at TargetRate.
func (d *Decoder) Decode(ctx context.Context, b *Buffer) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isWAV(b.MIME) {
		raw, err := os.ReadFile(b.Path)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidAudio, err, "read audio")
		}
		samples, rate, err := DecodeWAVToFloat32(raw)
		if err == nil {
			return ResampleLinear(samples, rate, TargetRate), nil
		}
		log.Ctx(ctx).Debug().Err(err).Msg("audio: wav decode failed; falling back to ffmpeg")
	}
	return d.convert(ctx, b.Path)
}

func isWAV(mime string) bool {
	return strings.Contains(mime, "wav")
}

func (d *Decoder) convert(ctx context.Context, path string) ([]float32, error) {
	bin, err := exec.LookPath(d.ffmpeg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidAudio, err, "audio is not wav and ffmpeg is unavailable")
	}
	cmd := exec.CommandContext(ctx, bin,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", path,
		"-ac", "1", "-ar", strconv.Itoa(TargetRate),
		"-f", "s16le", "-acodec", "pcm_s16le",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "ffmpeg failed"
		}
		return nil, apperr.Wrap(apperr.KindInvalidAudio, err, "decode audio: %s", msg)
	}

	samples, err := DecodePCM16LE(stdout.Bytes())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidAudio, err, "decode converted audio")
	}
	if len(samples) == 0 {
		return nil, apperr.New(apperr.KindInvalidAudio, "audio contains no samples")
	}
	return samples, nil
}
