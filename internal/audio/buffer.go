package audio

import (
	"errors"
	"os"
	"sync"
)

// Buffer is acquired audio staged in a temp file. It belongs to one job and
// must be released when the job ends, whatever the outcome.
type Buffer struct {
	Path   string
	Size   int64
	MIME   string
	Source Source

	once sync.Once
	err  error
}

// Release deletes the temp file. It is safe to call more than once.
func (b *Buffer) Release() error {
	if b == nil {
		return nil
	}
	b.once.Do(func() {
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.err = err
		}
	})
	return b.err
}

// Seconds estimates playback length from samples at rate.
func Seconds(samples []float32, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(len(samples)) / float64(rate)
}
