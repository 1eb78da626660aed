package memory

import (
	"math"
	"strings"
	"testing"
)

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	original := []float32{1.5, -2.25, 0, 3.75}

	encoded, err := EncodeVector(original)
	if err != nil {
		t.Fatalf("EncodeVector error: %v", err)
	}
	if len(encoded) != vectorHeaderLen+4*len(original) {
		t.Fatalf("blob length=%d, want %d", len(encoded), vectorHeaderLen+4*len(original))
	}

	decoded, err := DecodeVector(encoded)
	if err != nil {
		t.Fatalf("DecodeVector error: %v", err)
	}
	if len(decoded) != len(original) {
		t.Fatalf("decoded length=%d, want %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Fatalf("decoded[%d]=%v, want %v", i, decoded[i], original[i])
		}
	}
}

func TestEncodeVectorRejectsInvalidInput(t *testing.T) {
	if _, err := EncodeVector(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
	if _, err := EncodeVector([]float32{1, float32(math.NaN())}); err == nil {
		t.Fatal("expected error for NaN value")
	}
}

func TestDecodeVectorMalformedPayload(t *testing.T) {
	t.Run("truncated header", func(t *testing.T) {
		_, err := DecodeVector([]byte{0x01, 0x02, 0x03})
		if err == nil {
			t.Fatal("expected error for truncated blob")
		}
		if !strings.Contains(err.Error(), "blob too short") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("header disagrees with payload", func(t *testing.T) {
		// Header declares two values, payload carries one.
		blob := []byte{
			0x02, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x80, 0x3f,
		}
		_, err := DecodeVector(blob)
		if err == nil {
			t.Fatal("expected error for short payload")
		}
		if !strings.Contains(err.Error(), "does not match") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("zero dimension", func(t *testing.T) {
		if _, err := DecodeVector([]byte{0, 0, 0, 0}); err == nil {
			t.Fatal("expected error for zero dimension")
		}
	})
}

func TestCosineSimilarity(t *testing.T) {
	identical, err := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	if err != nil {
		t.Fatalf("CosineSimilarity error: %v", err)
	}
	if math.Abs(identical-1) > 1e-9 {
		t.Errorf("identical vectors similarity=%v, want 1", identical)
	}

	orthogonal, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil {
		t.Fatalf("CosineSimilarity error: %v", err)
	}
	if math.Abs(orthogonal) > 1e-9 {
		t.Errorf("orthogonal vectors similarity=%v, want 0", orthogonal)
	}

	opposite, err := CosineSimilarity([]float32{1, 1}, []float32{-1, -1})
	if err != nil {
		t.Fatalf("CosineSimilarity error: %v", err)
	}
	if math.Abs(opposite+1) > 1e-9 {
		t.Errorf("opposite vectors similarity=%v, want -1", opposite)
	}
}

func TestCosineSimilarityRejectsInvalidInput(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatal("expected error for dimension mismatch")
	}
	if _, err := CosineSimilarity([]float32{0, 0}, []float32{1, 2}); err == nil {
		t.Fatal("expected error for zero-norm vector")
	}
	if _, err := CosineSimilarity(nil, []float32{1}); err == nil {
		t.Fatal("expected error for empty vector")
	}
}
