package memory

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Embedding vectors are persisted as a 4-byte little-endian dimension
// header followed by the float32 values, little-endian. The header is
// redundant with the blob length but lets a reader reject a truncated or
// mislabeled row before touching the payload.
const vectorHeaderLen = 4

// EncodeVector serializes an embedding into its storage blob. Empty
// vectors and non-finite values are rejected; a row that decodes must be
// usable in similarity math.
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}

	blob := make([]byte, vectorHeaderLen+4*len(vector))
	binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
	for i, v := range vector {
		if !finite(float64(v)) {
			return nil, fmt.Errorf("encode vector: non-finite value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[vectorHeaderLen+4*i:], math.Float32bits(v))
	}
	return blob, nil
}

// DecodeVector parses a storage blob back into an embedding.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorHeaderLen {
		return nil, fmt.Errorf("decode vector: blob too short: %d bytes", len(blob))
	}

	dim := int(binary.LittleEndian.Uint32(blob))
	if dim <= 0 {
		return nil, fmt.Errorf("decode vector: bad dimension %d", dim)
	}
	payload := len(blob) - vectorHeaderLen
	if payload != 4*dim {
		return nil, fmt.Errorf("decode vector: dimension %d does not match %d payload bytes", dim, payload)
	}

	vector := make([]float32, dim)
	for i := range vector {
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[vectorHeaderLen+4*i:]))
		if !finite(float64(v)) {
			return nil, fmt.Errorf("decode vector: non-finite value at index %d", i)
		}
		vector[i] = v
	}
	return vector, nil
}

// CosineSimilarity scores two embeddings in [-1, 1]. Both vectors must
// share a dimension and carry a non-zero norm.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if !finite(x) || !finite(y) {
			return 0, fmt.Errorf("cosine similarity: non-finite value at index %d", i)
		}
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero-norm vector")
	}

	// Float rounding can push the ratio a hair outside [-1, 1].
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, score)), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
