package retrieval

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDims is the embedding width used by the inventory stores.
const DefaultDims = 512

const longTokenLen = 6

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit. Single-character tokens are dropped.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// Embed returns a deterministic hashed bag-of-tokens vector. Each token is
// hashed with 32-bit FNV-1a into a bucket; even hashes add, odd hashes
// subtract; tokens of six or more characters weigh 1.5. The result is
// L2-normalized, or all zeros for text without tokens.
func Embed(text string, dims int) []float64 {
	if dims <= 0 {
		dims = DefaultDims
	}
	vec := make([]float64, dims)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()

		weight := 1.0
		if len([]rune(tok)) >= longTokenLen {
			weight = 1.5
		}
		if sum%2 == 1 {
			weight = -weight
		}
		vec[sum%uint32(dims)] += weight
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
