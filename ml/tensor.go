// Package ml defines the tensor surface of the prompt assembler. Embeddings
// are opaque [1, sequence, hidden] activations produced by a model backend;
// this package only concatenates them and measures their sequence axis.
package ml

import (
	"fmt"

	"github.com/pdevine/tensor"
)

// Embedding is a [1, sequence, hidden] activation.
type Embedding = tensor.Tensor

// Rows returns the sequence length of an embedding, or 0 for nil.
func Rows(e Embedding) int {
	if e == nil {
		return 0
	}

	shape := e.Shape()
	if len(shape) != 3 {
		return 0
	}

	return shape[1]
}

// Concat joins embeddings along the sequence axis. Zero inputs yield a nil
// embedding; a single input is returned unchanged.
func Concat(embeddings ...Embedding) (Embedding, error) {
	switch len(embeddings) {
	case 0:
		return nil, nil
	case 1:
		return embeddings[0], nil
	}

	e, err := tensor.Concat(1, embeddings[0], embeddings[1:]...)
	if err != nil {
		return nil, fmt.Errorf("concatenating %d embeddings: %w", len(embeddings), err)
	}

	return e, nil
}
