// Package events - a metrics sink for named scalars and images keyed by a
// monotonic training-step counter.
//
// The mask head only writes values and reads the current step to gate
// periodic publication; the surrounding training loop owns advancing the
// counter and draining the buffered history.
package events

import (
	"image"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// ScalarSample is one recorded scalar value.
type ScalarSample struct {
	Step  int
	Value float64
}

// ImageSample is one recorded named image.
type ImageSample struct {
	Step  int
	Name  string
	Image image.Image
}

// Storage buffers named scalar and image series. It is safe for concurrent
// use; the penalty builder's image workers may publish from goroutines.
type Storage struct {
	mu      sync.RWMutex
	step    int
	scalars map[string][]ScalarSample
	images  []ImageSample
}

// NewStorage creates an empty storage with the step counter at zero.
func NewStorage() *Storage {
	return &Storage{scalars: make(map[string][]ScalarSample)}
}

// Step returns the current training step.
func (s *Storage) Step() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.step
}

// SetStep sets the current training step. Called by the training loop once
// per iteration; the core never writes it.
func (s *Storage) SetStep(step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = step
}

// PutScalar records a named scalar at the current step.
func (s *Storage) PutScalar(name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalars[name] = append(s.scalars[name], ScalarSample{Step: s.step, Value: v})
}

// PutImage records a named image at the current step.
func (s *Storage) PutImage(name string, img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, ImageSample{Step: s.step, Name: name, Image: img})
}

// Scalars returns the recorded history for one scalar series.
func (s *Storage) Scalars(name string) []ScalarSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScalarSample, len(s.scalars[name]))
	copy(out, s.scalars[name])
	return out
}

// Images returns all recorded images.
func (s *Storage) Images() []ImageSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ImageSample, len(s.images))
	copy(out, s.images)
	return out
}

// LatestScalar returns the most recent value of a series, or 0 and false
// when nothing has been recorded under that name.
func (s *Storage) LatestScalar(name string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.scalars[name]
	if len(h) == 0 {
		return 0, false
	}
	return h[len(h)-1].Value, true
}

// SmoothedScalar returns the mean of the last window samples of a series,
// the usual presentation for noisy per-step training metrics. A window
// larger than the history uses everything recorded so far.
func (s *Storage) SmoothedScalar(name string, window int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.scalars[name]
	if len(h) == 0 || window <= 0 {
		return 0, false
	}
	if window > len(h) {
		window = len(h)
	}
	vals := make([]float64, 0, window)
	for _, sample := range h[len(h)-window:] {
		vals = append(vals, sample.Value)
	}
	return stat.Mean(vals, nil), true
}
