package retrieval

import (
	"hash/fnv"
	"math"
	"strings"

	"github.com/zen-systems/carepath/pkg/guideline"
)

// Dimensions of the hashed embedding space.
const Dimensions = 512

// Vector is an L2-normalized embedding.
type Vector []float32

// Embed maps text onto a hashed bag of unigrams and bigrams.
func Embed(text string) Vector {
	v := make(Vector, Dimensions)
	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(v, tok, 1)
		if i > 0 {
			addFeature(v, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(v)
	return v
}

func addFeature(v Vector, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := sum % Dimensions
	// The high bit picks a sign so unrelated collisions tend to cancel.
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

func normalize(v Vector) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
}

// Cosine returns the cosine similarity of two normalized vectors.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func tokenize(text string) []string {
	return guideline.ExtractKeywords(strings.ToLower(text))
}
