package variant

import (
	"errors"
	"testing"
)

func TestOptionsNormalize(t *testing.T) {
	tests := []struct {
		name      string
		in        Options
		max       int
		wantBatch int
		wantInt   int
		wantErr   bool
	}{
		{name: "defaults", in: Options{}, max: 50, wantBatch: DefaultBatchSize, wantInt: 0},
		{name: "clamp high intensity", in: Options{BatchSize: 3, Intensity: 250}, max: 50, wantBatch: 3, wantInt: 100},
		{name: "clamp negative intensity", in: Options{BatchSize: 3, Intensity: -4}, max: 50, wantBatch: 3, wantInt: 0},
		{name: "batch above max", in: Options{BatchSize: 51}, max: 50, wantErr: true},
		{name: "negative batch", in: Options{BatchSize: -1}, max: 50, wantErr: true},
		{name: "no max", in: Options{BatchSize: 500, Intensity: 30}, max: 0, wantBatch: 500, wantInt: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize(tt.max)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBatchSize) {
					t.Fatalf("err = %v, want ErrInvalidBatchSize", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.BatchSize != tt.wantBatch || got.Intensity != tt.wantInt {
				t.Fatalf("got batch=%d intensity=%d, want %d/%d", got.BatchSize, got.Intensity, tt.wantBatch, tt.wantInt)
			}
		})
	}
}

func TestSamplerScaleBounds(t *testing.T) {
	seed := uint64(42)
	s := NewSampler(50, &seed)
	for i := 0; i < 1000; i++ {
		v := s.Scale(-0.1, 0.1)
		if v < -0.05 || v > 0.05 {
			t.Fatalf("value %f outside [-0.05, 0.05]", v)
		}
	}
}

func TestSamplerZeroIntensity(t *testing.T) {
	s := NewSampler(0, nil)
	for i := 0; i < 10; i++ {
		if v := s.Scale(-5, 5); v != 0 {
			t.Fatalf("zero intensity produced %f", v)
		}
	}
}

func TestSamplerSeedIsReproducible(t *testing.T) {
	seed := uint64(7)
	a := NewSampler(100, &seed)
	b := NewSampler(100, &seed)
	for i := 0; i < 20; i++ {
		if x, y := a.Scale(0, 1), b.Scale(0, 1); x != y {
			t.Fatalf("draw %d differs: %f != %f", i, x, y)
		}
	}
}

func TestTransformsString(t *testing.T) {
	tr := Transforms{Contrast: true, Crop: true, FlipHorizontal: true}
	if got := tr.String(); got != "contrast,crop,flip_horizontal" {
		t.Fatalf("String() = %q", got)
	}
	if (Transforms{}).Any() {
		t.Fatal("empty transforms should report none enabled")
	}
}
