package compositor

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/secondly/face-ai/internal/analyzer"
	"github.com/secondly/face-ai/internal/backend"
)

// Emap projects recognition embeddings into the swap generator's latent
// space. It ships alongside the generator weights as a raw little-endian
// float32 matrix.
type Emap [analyzer.EmbeddingDim][analyzer.EmbeddingDim]float32

// LoadEmap reads the projection matrix from disk.
func LoadEmap(path string) (*Emap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrModelMissing, path)
		}
		return nil, fmt.Errorf("failed to read emap file: %w", err)
	}

	want := analyzer.EmbeddingDim * analyzer.EmbeddingDim * 4
	if len(data) != want {
		return nil, fmt.Errorf("emap file size mismatch: expected %d bytes, got %d", want, len(data))
	}

	var emap Emap
	for i := 0; i < analyzer.EmbeddingDim; i++ {
		for j := 0; j < analyzer.EmbeddingDim; j++ {
			offset := (i*analyzer.EmbeddingDim + j) * 4
			emap[i][j] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset : offset+4]))
		}
	}
	return &emap, nil
}

// Project computes latent = normalize(embedding x emap).
func (e *Emap) Project(embedding *analyzer.Embedding) *analyzer.Embedding {
	var latent analyzer.Embedding
	for j := 0; j < analyzer.EmbeddingDim; j++ {
		var sum float32
		for i := 0; i < analyzer.EmbeddingDim; i++ {
			sum += embedding[i] * e[i][j]
		}
		latent[j] = sum
	}
	latent.Normalize()
	return &latent
}
