package datasets

import "math/rand"

// Blobs generates n samples around one random centre per class. The same
// arguments always produce the same set.
func Blobs(n, classes, dims int, spread float64, seed int64) []Sample {
	r := rand.New(rand.NewSource(seed))
	centres := make([][]float32, classes)
	for c := range centres {
		centres[c] = make([]float32, dims)
		for d := range centres[c] {
			centres[c][d] = float32(r.NormFloat64())
		}
	}
	out := make([]Sample, n)
	for i := range out {
		c := i % classes
		x := make([]float32, dims)
		for d := range x {
			x[d] = centres[c][d] + float32(r.NormFloat64()*spread)
		}
		out[i] = Sample{Input: x, Label: c}
	}
	return out
}
