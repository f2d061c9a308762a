package speaker

import (
	"math"
	"math/rand"
	"testing"
)

func unit(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func TestCosineDistanceSymmetricAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(64)
		v1 := make([]float32, n)
		v2 := make([]float32, n)
		for j := 0; j < n; j++ {
			v1[j] = float32(rng.NormFloat64())
			v2[j] = float32(rng.NormFloat64())
		}
		d12 := CosineDistance(v1, v2)
		d21 := CosineDistance(v2, v1)
		if d12 != d21 {
			t.Fatalf("distance not symmetric: %v vs %v", d12, d21)
		}
		if d12 < 0 || d12 > 2 {
			t.Fatalf("distance out of bounds: %v", d12)
		}
	}
}

func TestCosineDistanceKnownValues(t *testing.T) {
	cases := []struct {
		name string
		v1   []float32
		v2   []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 1},
	}
	for _, tc := range cases {
		got := CosineDistance(tc.v1, tc.v2)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestFirstSpeakerIsAlwaysNew(t *testing.T) {
	g := NewGate(DefaultThreshold)
	if !g.Classify([]float32{0.1, 0.2, 0.3}) {
		t.Fatal("expected first embedding to report a change")
	}
	if g.Reference() == nil {
		t.Fatal("expected reference to be stored")
	}
}

func TestThresholdBoundaryIsStrict(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	g := NewGate(1.0)
	g.Classify(a)
	if g.Classify(b) {
		t.Fatal("distance equal to threshold must not report a change")
	}

	g = NewGate(math.Nextafter(1.0, 0))
	g.Classify(a)
	if !g.Classify(b) {
		t.Fatal("distance above threshold must report a change")
	}
}

func TestZeroEmbeddingIsMaximalUncertainty(t *testing.T) {
	g := NewGate(DefaultThreshold)
	g.Classify([]float32{1, 1})
	if !g.Classify([]float32{0, 0}) {
		t.Fatal("zero vector should compare at distance 1.0 and exceed 0.4")
	}
}

func TestSpeakerSequence(t *testing.T) {
	a, b, c := unit(1), unit(0.7), unit(0.4)
	g := NewGate(DefaultThreshold)

	if !g.Classify(a) {
		t.Fatal("expected A to be a new speaker")
	}
	if d := CosineDistance(a, b); math.Abs(d-0.3) > 1e-6 {
		t.Fatalf("fixture: expected distance 0.3, got %v", d)
	}
	if g.Classify(b) {
		t.Fatal("expected B (distance 0.3) to be the same speaker")
	}
	if ref := g.Reference(); ref[0] != a[0] || ref[1] != a[1] {
		t.Fatalf("expected reference to remain A, got %v", ref)
	}
	if d := CosineDistance(a, c); math.Abs(d-0.6) > 1e-6 {
		t.Fatalf("fixture: expected distance 0.6, got %v", d)
	}
	if !g.Classify(c) {
		t.Fatal("expected C (distance 0.6) to be a speaker change")
	}
	if ref := g.Reference(); ref[0] != c[0] || ref[1] != c[1] {
		t.Fatalf("expected reference to become C, got %v", ref)
	}
}

func TestResetForgetsReference(t *testing.T) {
	g := NewGate(DefaultThreshold)
	g.Classify(unit(1))
	g.Reset()
	if !g.Classify(unit(1)) {
		t.Fatal("expected first embedding after reset to report a change")
	}
}
