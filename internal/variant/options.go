// Package variant derives randomized transform parameters for uploaded media
// and renders batches of perturbed copies from them.
package variant

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	DefaultBatchSize = 5
	DefaultIntensity = 30
	MaxIntensity     = 100
)

// Transforms selects which perturbations are applied to each variant.
type Transforms struct {
	Contrast       bool
	Brightness     bool
	Rotate         bool
	Crop           bool
	FlipHorizontal bool
}

// Any reports whether at least one transform is enabled.
func (t Transforms) Any() bool {
	return t.Contrast || t.Brightness || t.Rotate || t.Crop || t.FlipHorizontal
}

// String lists the enabled transforms in application order.
func (t Transforms) String() string {
	var names []string
	if t.Contrast {
		names = append(names, "contrast")
	}
	if t.Brightness {
		names = append(names, "brightness")
	}
	if t.Rotate {
		names = append(names, "rotate")
	}
	if t.Crop {
		names = append(names, "crop")
	}
	if t.FlipHorizontal {
		names = append(names, "flip_horizontal")
	}
	return strings.Join(names, ",")
}

// Options configures one batch.
type Options struct {
	Transforms
	Intensity int
	BatchSize int
	// Seed makes parameter sampling reproducible when set.
	Seed *uint64
}

var ErrInvalidBatchSize = errors.New("invalid batch size")

// Normalize applies defaults, clamps the intensity to [0,100] and checks the
// batch size against maxBatch.
func (o Options) Normalize(maxBatch int) (Options, error) {
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize < 0 || (maxBatch > 0 && o.BatchSize > maxBatch) {
		return o, fmt.Errorf("%w: %d (allowed 1-%d)", ErrInvalidBatchSize, o.BatchSize, maxBatch)
	}
	o.Intensity = min(max(o.Intensity, 0), MaxIntensity)
	return o, nil
}

// Sampler draws intensity-scaled random values.
type Sampler struct {
	rng    *rand.Rand
	factor float64
}

// NewSampler returns a sampler for the given intensity. A nil seed draws from
// the runtime's random source.
func NewSampler(intensity int, seed *uint64) *Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Sampler{
		rng:    rand.New(src),
		factor: float64(min(max(intensity, 0), MaxIntensity)) / 100,
	}
}

// Scale returns a uniform value between lo*intensity/100 and hi*intensity/100.
func (s *Sampler) Scale(lo, hi float64) float64 {
	a, b := lo*s.factor, hi*s.factor
	return a + s.rng.Float64()*(b-a)
}

// Coin returns true with probability one half.
func (s *Sampler) Coin() bool {
	return s.rng.Float64() > 0.5
}
