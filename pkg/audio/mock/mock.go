// Package mock provides an in-memory mock implementation of the [audio.Source]
// interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{TimeDomain: samples, Rate: 48000}
//	frame, err := audio.Pull(src, analyser, time.Now())
package mock

import (
	"sync"

	"github.com/MrWong99/vocalis/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source].
// Set the exported fields before use (or via [Source.Set]); inspect the
// CallCount* fields after.
type Source struct {
	mu sync.Mutex

	// TimeDomain is returned by [Source.TimeDomainFrame]. Nil means no data.
	TimeDomain []float32

	// FrequencyDomain is returned by [Source.FrequencyDomainFrame].
	FrequencyDomain []float32

	// Rate is returned by [Source.SampleRate].
	Rate int

	// CallCountTimeDomain records how many times TimeDomainFrame was called.
	CallCountTimeDomain int

	// CallCountFrequencyDomain records how many times FrequencyDomainFrame was called.
	CallCountFrequencyDomain int
}

// Set replaces both buffers atomically with respect to concurrent readers.
func (s *Source) Set(timeDomain, frequencyDomain []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TimeDomain = timeDomain
	s.FrequencyDomain = frequencyDomain
}

// TimeDomainFrame implements [audio.Source].
func (s *Source) TimeDomainFrame() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountTimeDomain++
	return s.TimeDomain
}

// FrequencyDomainFrame implements [audio.Source].
func (s *Source) FrequencyDomainFrame() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFrequencyDomain++
	return s.FrequencyDomain
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rate
}

// Calls returns the number of TimeDomainFrame calls so far.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountTimeDomain
}
