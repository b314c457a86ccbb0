// Package vad removes non-speech regions from PCM audio before decoding and
// maps timestamps in the compacted audio back onto the original timeline.
//
// Detection is energy based: fixed windows whose RMS crosses a threshold are
// speech, short gaps are bridged and short bursts dropped, and every kept
// region is padded on both sides.
package vad

import (
	"math"
	"sort"
	"time"
)

// Params tune detection. Zero values are replaced by DefaultParams; a negative
// SpeechPad disables padding.
type Params struct {
	Threshold          float64       // RMS in [0,1] above which a window counts as speech
	Window             time.Duration // analysis window
	MinSpeechDuration  time.Duration // shorter speech bursts are dropped
	MinSilenceDuration time.Duration // shorter gaps are bridged
	SpeechPad          time.Duration // padding added around each region
}

// DefaultParams returns the detection parameters used by the worker.
func DefaultParams() Params {
	return Params{
		Threshold:          0.01,
		Window:             30 * time.Millisecond,
		MinSpeechDuration:  250 * time.Millisecond,
		MinSilenceDuration: 2 * time.Second,
		SpeechPad:          400 * time.Millisecond,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.MinSpeechDuration <= 0 {
		p.MinSpeechDuration = d.MinSpeechDuration
	}
	if p.MinSilenceDuration <= 0 {
		p.MinSilenceDuration = d.MinSilenceDuration
	}
	switch {
	case p.SpeechPad == 0:
		p.SpeechPad = d.SpeechPad
	case p.SpeechPad < 0:
		p.SpeechPad = 0 // negative disables padding
	}
	return p
}

// Region is a half-open sample range [Start, End).
type Region struct {
	Start int
	End   int
}

func (r Region) Len() int { return r.End - r.Start }

func samplesFor(d time.Duration, sampleRate int) int {
	return int(d.Seconds() * float64(sampleRate))
}

// Detect returns the speech regions of samples, sorted and non-overlapping.
func Detect(samples []float32, sampleRate int, p Params) []Region {
	if len(samples) == 0 || sampleRate <= 0 {
		return nil
	}
	p = p.withDefaults()
	win := samplesFor(p.Window, sampleRate)
	if win <= 0 {
		win = 1
	}

	var raw []Region
	inSpeech := false
	start := 0
	for off := 0; off < len(samples); off += win {
		end := off + win
		if end > len(samples) {
			end = len(samples)
		}
		voiced := rms(samples[off:end]) >= p.Threshold
		switch {
		case voiced && !inSpeech:
			inSpeech, start = true, off
		case !voiced && inSpeech:
			inSpeech = false
			raw = append(raw, Region{Start: start, End: off})
		}
	}
	if inSpeech {
		raw = append(raw, Region{Start: start, End: len(samples)})
	}

	minSilence := samplesFor(p.MinSilenceDuration, sampleRate)
	var bridged []Region
	for _, r := range raw {
		if n := len(bridged); n > 0 && r.Start-bridged[n-1].End < minSilence {
			bridged[n-1].End = r.End
			continue
		}
		bridged = append(bridged, r)
	}

	minSpeech := samplesFor(p.MinSpeechDuration, sampleRate)
	pad := samplesFor(p.SpeechPad, sampleRate)
	var out []Region
	for _, r := range bridged {
		if r.Len() < minSpeech {
			continue
		}
		r.Start = max(0, r.Start-pad)
		r.End = min(len(samples), r.End+pad)
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

func rms(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(window)))
}

// Timeline maps offsets in collected audio back to the source audio.
type Timeline struct {
	sampleRate int
	chunks     []chunk
}

type chunk struct {
	source    int // first sample in the source audio
	collected int // first sample in the collected audio
	length    int
}

// Collect concatenates the regions of samples and returns the compacted audio
// together with its timeline.
func Collect(samples []float32, sampleRate int, regions []Region) ([]float32, *Timeline) {
	tl := &Timeline{sampleRate: sampleRate}
	total := 0
	for _, r := range regions {
		total += r.Len()
	}
	out := make([]float32, 0, total)
	for _, r := range regions {
		tl.chunks = append(tl.chunks, chunk{source: r.Start, collected: len(out), length: r.Len()})
		out = append(out, samples[r.Start:r.End]...)
	}
	return out, tl
}

// Restore converts a time in seconds within the collected audio into the
// source timeline. A segment end that lands exactly on a chunk boundary
// belongs to the earlier chunk, so pass isEnd for end timestamps.
func (t *Timeline) Restore(seconds float64, isEnd bool) float64 {
	if t == nil || len(t.chunks) == 0 || t.sampleRate <= 0 {
		return seconds
	}
	pos := int(math.Round(seconds * float64(t.sampleRate)))
	i := sort.Search(len(t.chunks), func(i int) bool {
		c := t.chunks[i]
		if isEnd {
			return c.collected+c.length >= pos
		}
		return c.collected+c.length > pos
	})
	if i == len(t.chunks) {
		i = len(t.chunks) - 1
	}
	c := t.chunks[i]
	off := pos - c.collected
	if off < 0 {
		off = 0
	}
	if off > c.length {
		off = c.length
	}
	return float64(c.source+off) / float64(t.sampleRate)
}
