package chat

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/olekukonko/tablewriter"

	"github.com/allenapplehead/jetson-containers/ml"
)

// ErrNoVisionModel is returned when image content reaches a model without a
// vision encoder.
var ErrNoVisionModel = errors.New("this model is missing data required for image input")

// Model is the embedding surface the assembler needs from an inference
// backend. Calls are blocking and must be serialized by the caller.
type Model interface {
	// EmbedText returns the [1, tokens, hidden] embedding of text. When
	// useCache is set the backend may serve token embeddings from its own
	// embedding cache.
	EmbedText(text string, useCache bool) (ml.Embedding, error)

	// EmbedImage projects an image into the token embedding space, e.g.
	// through a CLIP encoder plus projection layers.
	EmbedImage(image any) (ml.Embedding, error)

	// HasVision reports whether the backend can embed images.
	HasVision() bool

	// Name is the model identity string used for template auto-detection.
	Name() string
}

// VisionStatser is implemented by backends that report vision encoder
// timings. Stats are rendered at debug level after each image embedding.
type VisionStatser interface {
	VisionStats() [][]string
}

func logVisionStats(m Model) {
	vs, ok := m.(VisionStatser)
	if !ok || !slog.Default().Enabled(context.TODO(), slog.LevelDebug) {
		return
	}

	var b bytes.Buffer
	table := tablewriter.NewWriter(&b)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(vs.VisionStats())
	table.Render()

	slog.Debug("vision encoder stats\n" + b.String())
}
