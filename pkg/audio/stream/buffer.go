// Package stream implements [audio.Source] for audio pushed over the
// network instead of captured locally.
//
// A [Buffer] keeps the most recent samples in a ring; [Handler] accepts a
// websocket and feeds PCM16 or Opus packets into it.
package stream

import (
	"sync"
	"time"

	"github.com/MrWong99/vocalis/pkg/audio"
)

// DefaultStaleAfter is how long a buffer keeps serving frames after the
// last write.
const DefaultStaleAfter = 500 * time.Millisecond

var _ audio.Source = (*Buffer)(nil)

// Option configures a [Buffer].
type Option func(*Buffer)

// WithFrameSize sets the length of the frames returned by TimeDomainFrame.
func WithFrameSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.frameSize = n
		}
	}
}

// WithStaleAfter sets how long after the last write frames are still
// served. Zero disables the check.
func WithStaleAfter(d time.Duration) Option {
	return func(b *Buffer) { b.staleAfter = max(d, 0) }
}

// WithClock injects the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// Buffer is a ring of mono float samples at a fixed rate. It is safe for
// concurrent use: one writer and any number of readers.
type Buffer struct {
	mu         sync.Mutex
	rate       int
	frameSize  int
	staleAfter time.Duration
	now        func() time.Time

	ring    []float32
	next    int
	filled  int
	written uint64
	last    time.Time
}

// NewBuffer returns an empty buffer for samples at rate Hz.
func NewBuffer(rate int, opts ...Option) *Buffer {
	b := &Buffer{
		rate:       rate,
		frameSize:  audio.FrameSize,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.ring = make([]float32, 2*b.frameSize)
	return b
}

// Write appends samples, overwriting the oldest ones once the ring is full.
func (b *Buffer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(samples) > len(b.ring) {
		samples = samples[len(samples)-len(b.ring):]
	}
	for len(samples) > 0 {
		n := copy(b.ring[b.next:], samples)
		samples = samples[n:]
		b.next = (b.next + n) % len(b.ring)
		b.filled = min(b.filled+n, len(b.ring))
		b.written += uint64(n)
	}
	b.last = b.now()
}

// TimeDomainFrame returns a copy of the newest frame, or nil until a full
// frame has arrived or once the stream has gone stale.
func (b *Buffer) TimeDomainFrame() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled < b.frameSize {
		return nil
	}
	if b.staleAfter > 0 && b.now().Sub(b.last) > b.staleAfter {
		return nil
	}
	out := make([]float32, b.frameSize)
	start := (b.next - b.frameSize + len(b.ring)) % len(b.ring)
	n := copy(out, b.ring[start:])
	copy(out[n:], b.ring)
	return out
}

// FrequencyDomainFrame always returns nil; the engine derives the spectrum
// with an [audio.Analyser].
func (b *Buffer) FrequencyDomainFrame() []float32 { return nil }

// SampleRate returns the buffer's sample rate.
func (b *Buffer) SampleRate() int { return b.rate }

// Written returns the total number of samples accepted so far.
func (b *Buffer) Written() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Reset drops all buffered samples.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.ring)
	b.next = 0
	b.filled = 0
	b.last = time.Time{}
}
