// Package speaker flags when the acoustic identity behind consecutive final
// results drifts. It keeps a single rolling reference embedding; it does not
// track speaker identities.
package speaker

import "math"

// DefaultThreshold is the cosine distance above which a speaker is considered changed.
const DefaultThreshold = 0.4

// CosineDistance returns 1 - cos(v1, v2). Vectors with zero norm, or of
// different lengths, cannot be compared and yield 1.0.
func CosineDistance(v1, v2 []float32) float64 {
	if len(v1) != len(v2) || len(v1) == 0 {
		return 1.0
	}
	var dot, n1, n2 float64
	for i := range v1 {
		a, b := float64(v1[i]), float64(v2[i])
		dot += a * b
		n1 += a * a
		n2 += b * b
	}
	if n1 == 0 || n2 == 0 {
		return 1.0
	}
	d := 1.0 - dot/(math.Sqrt(n1)*math.Sqrt(n2))
	// Rounding can push identical or opposite vectors just outside [0, 2].
	return math.Min(2, math.Max(0, d))
}

// Gate classifies embeddings against the last reference. It is not safe for
// concurrent use; the consumption loop is its only caller.
type Gate struct {
	threshold float64
	reference []float32
}

func NewGate(threshold float64) *Gate {
	return &Gate{threshold: threshold}
}

// Classify reports whether embedding belongs to a different speaker than the
// reference. The first embedding always counts as a change. The reference is
// replaced only when a change is reported.
func (g *Gate) Classify(embedding []float32) bool {
	if g.reference == nil {
		g.reference = clone(embedding)
		return true
	}
	if CosineDistance(g.reference, embedding) > g.threshold {
		g.reference = clone(embedding)
		return true
	}
	return false
}

// Reference returns a copy of the current reference embedding, or nil.
func (g *Gate) Reference() []float32 {
	return clone(g.reference)
}

func (g *Gate) Threshold() float64 {
	return g.threshold
}

// Reset forgets the reference so the next embedding counts as a new speaker.
func (g *Gate) Reset() {
	g.reference = nil
}

func clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	return append(make([]float32, 0, len(v)), v...)
}
