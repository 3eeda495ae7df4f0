package chat

import (
	"github.com/pdevine/tensor"

	"github.com/allenapplehead/jetson-containers/ml"
)

// fakeImageRows is the sequence length the fake vision encoder produces for
// every image.
const fakeImageRows = 4

type embedCall struct {
	text     string
	useCache bool
}

// fakeModel embeds text as one row per rune plus one, so tests can predict
// sequence lengths, and records every text embedding call.
type fakeModel struct {
	name   string
	vision bool
	hidden int

	calls  []embedCall
	images int
}

func newFakeModel(name string) *fakeModel {
	return &fakeModel{name: name, hidden: 2}
}

func newEmbedding(rows, hidden int) ml.Embedding {
	return tensor.New(tensor.WithShape(1, rows, hidden), tensor.WithBacking(make([]float32, rows*hidden)))
}

func textRows(text string) int {
	return len([]rune(text)) + 1
}

func (m *fakeModel) EmbedText(text string, useCache bool) (ml.Embedding, error) {
	m.calls = append(m.calls, embedCall{text: text, useCache: useCache})
	return newEmbedding(textRows(text), m.hidden), nil
}

func (m *fakeModel) EmbedImage(image any) (ml.Embedding, error) {
	m.images++
	return newEmbedding(fakeImageRows, m.hidden), nil
}

func (m *fakeModel) HasVision() bool {
	return m.vision
}

func (m *fakeModel) Name() string {
	return m.name
}

func (m *fakeModel) texts() []string {
	texts := make([]string, len(m.calls))
	for i, c := range m.calls {
		texts[i] = c.text
	}

	return texts
}
