package chat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allenapplehead/jetson-containers/ml"
)

func TestAssemble(t *testing.T) {
	m := newFakeModel("vicuna-13b-v1.5")
	h, err := NewHistory(m, nil, "")
	require.NoError(t, err)
	require.Equal(t, "vicuna-v1", h.Template().Name)

	_, err = h.AddEntry("user", "hello")
	require.NoError(t, err)

	emb, pos, err := h.Assemble(true)
	require.NoError(t, err)
	require.Zero(t, pos)

	system := h.SystemPrompt() + "\n\n"
	require.Equal(t, []string{system, "USER: hello\n"}, m.texts())
	require.Equal(t, textRows(system)+textRows("USER: hello\n"), ml.Rows(emb))

	_, err = h.AddEntry("bot", "hi there")
	require.NoError(t, err)

	emb, pos, err = h.Assemble(true)
	require.NoError(t, err)

	// the bot turn is already in the model's decode cache, so nothing new
	// is emitted but the position advances past it
	require.Nil(t, emb)
	total := textRows(system) + textRows("USER: hello\n") + textRows("ASSISTANT: hi there</s>\n")
	require.Equal(t, total, pos)
	require.Equal(t, "ASSISTANT: hi there</s>\n", m.calls[len(m.calls)-1].text)
	require.Equal(t, total, h.CachePosition())

	// nothing new added: the next pass is a no-op with the same position
	calls := len(m.calls)
	emb, pos, err = h.Assemble(true)
	require.NoError(t, err)
	require.Nil(t, emb)
	require.Equal(t, total, pos)
	require.Len(t, m.calls, calls)
}

func TestAssembleFullRecompute(t *testing.T) {
	build := func(m *fakeModel, incremental bool) *History {
		h, err := NewHistory(m, nil, "")
		require.NoError(t, err)

		for _, turn := range []struct{ role, text string }{
			{"user", "hello"},
			{"bot", "hi there"},
			{"user", "tell me a story"},
		} {
			_, err = h.AddEntry(turn.role, turn.text)
			require.NoError(t, err)

			if incremental {
				_, _, err = h.Assemble(true)
				require.NoError(t, err)
			}
		}

		return h
	}

	ma := newFakeModel("vicuna-13b-v1.5")
	a := build(ma, true)

	callsBefore := len(ma.calls)
	embA, pos, err := a.Assemble(false)
	require.NoError(t, err)
	require.Zero(t, pos)
	require.Len(t, ma.calls, callsBefore, "full recompute should reuse cached embeddings")

	mb := newFakeModel("vicuna-13b-v1.5")
	b := build(mb, false)

	embB, pos, err := b.Assemble(false)
	require.NoError(t, err)
	require.Zero(t, pos)

	require.Equal(t, ml.Rows(embB), ml.Rows(embA))
}

func TestAssembleFirstTurnOverride(t *testing.T) {
	m := newFakeModel("llama-2-7b-chat")
	h, err := NewNamedHistory(m, "llama-2", "")
	require.NoError(t, err)

	_, err = h.AddEntry("user", "hi")
	require.NoError(t, err)

	_, pos, err := h.Assemble(true)
	require.NoError(t, err)
	require.Zero(t, pos)

	system := "<s>[INST] <<SYS>>\nAnswer the questions.\n<</SYS>>\n\n"
	require.Equal(t, []string{system, "hi [/INST]"}, m.texts())

	_, err = h.AddEntry("bot", "hello!")
	require.NoError(t, err)
	_, err = h.AddEntry("user", "how are you?")
	require.NoError(t, err)

	emb, pos, err := h.Assemble(true)
	require.NoError(t, err)

	// the second user turn gets the full user template, not "first"
	require.Equal(t, "<s>[INST] how are you? [/INST]", m.calls[len(m.calls)-1].text)
	require.Equal(t, textRows("<s>[INST] how are you? [/INST]"), ml.Rows(emb))
	require.Equal(t, textRows(system)+textRows("hi [/INST]")+textRows(" hello!"), pos)
}

func TestAssembleImageSplit(t *testing.T) {
	m := newFakeModel("llava-v1.5-13b")
	m.vision = true

	h, err := NewHistory(m, nil, "")
	require.NoError(t, err)
	require.Equal(t, "llava-v1", h.Template().Name)

	_, err = h.AddEntry("user", "photo.jpg")
	require.NoError(t, err)
	_, err = h.AddEntry("user", "what is in this photo?")
	require.NoError(t, err)

	emb, pos, err := h.Assemble(true)
	require.NoError(t, err)
	require.Zero(t, pos)
	require.Equal(t, 1, m.images)

	// the user template splits around the image: prefix as text, image
	// features, newline, then the suffix closing out the turn
	system := h.SystemPrompt() + "\n\n"
	require.Equal(t, []string{system, "USER: ", "\n", "what is in this photo?\n"}, m.texts())
	require.True(t, m.calls[1].useCache)
	require.True(t, m.calls[2].useCache)

	imageRows := textRows("USER: ") + fakeImageRows + textRows("\n")
	total := textRows(system) + imageRows + textRows("what is in this photo?\n")
	require.Equal(t, total, ml.Rows(emb))

	// a cached pass must not re-emit or re-count the split prefix
	calls := len(m.calls)
	emb, pos, err = h.Assemble(true)
	require.NoError(t, err)
	require.Nil(t, emb)
	require.Equal(t, total, pos)
	require.Len(t, m.calls, calls)
}

func TestAssembleVisionRequired(t *testing.T) {
	m := newFakeModel("llava-v1.5-13b")
	h, err := NewHistory(m, nil, "")
	require.NoError(t, err)

	_, err = h.AddEntry("user", "photo.png")
	require.NoError(t, err)

	_, _, err = h.Assemble(true)
	require.ErrorIs(t, err, ErrNoVisionModel)

	// the failure left the cached system embedding intact; fixing the
	// condition lets a retry pick up where it left off
	m.vision = true
	emb, pos, err := h.Assemble(true)
	require.NoError(t, err)
	require.NotNil(t, emb)
	require.Equal(t, textRows(h.SystemPrompt()+"\n\n"), pos)
}

func TestAssembleMissingRoleTemplate(t *testing.T) {
	m := newFakeModel("vicuna-13b-v1.5")
	h, err := NewHistory(m, nil, "")
	require.NoError(t, err)

	_, err = h.AddEntry("wizard", "abracadabra")
	require.NoError(t, err)

	_, _, err = h.Assemble(true)
	require.ErrorIs(t, err, ErrMissingRoleTemplate)
}

func TestAssembleSystemPromptChange(t *testing.T) {
	m := newFakeModel("vicuna-13b-v1.5")
	h, err := NewHistory(m, nil, "")
	require.NoError(t, err)

	_, err = h.AddEntry("user", "hello")
	require.NoError(t, err)

	_, _, err = h.Assemble(true)
	require.NoError(t, err)

	h.SetSystemPrompt("You are a pirate.")
	require.Equal(t, 1, h.Len())
	require.Zero(t, h.CachePosition())

	emb, pos, err := h.Assemble(true)
	require.NoError(t, err)
	require.Zero(t, pos)
	require.Equal(t, "You are a pirate.\n\n", m.calls[len(m.calls)-1].text)
	require.Equal(t, textRows("You are a pirate.\n\n"), ml.Rows(emb))
}

func TestAssembleEmptyHistory(t *testing.T) {
	m := newFakeModel("vicuna-13b-v1.5")
	h, err := NewHistory(m, nil, "")
	require.NoError(t, err)
	h.Reset(false)

	emb, pos, err := h.Assemble(true)
	require.NoError(t, err)
	require.Nil(t, emb)
	require.Zero(t, pos)
}
