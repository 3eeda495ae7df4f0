package chat

import (
	"github.com/google/uuid"

	"github.com/allenapplehead/jetson-containers/template"
)

// History is an ordered multimodal conversation that assembles itself into
// a single embedding tensor for the model. Entries may mix text, images and
// other registered content; each piece embeds through its registered
// function and the result is cached on the entry so later passes only emit
// what the model's incremental decode cache doesn't already hold.
//
// A History is not safe for concurrent use; callers must serialize access.
type History struct {
	model      Model
	template   *template.Template
	dispatcher *Dispatcher

	entries       []*Entry
	cachePosition int
}

// NewHistory creates a chat history for a model. A nil tmpl is
// auto-detected from the model name. A non-empty systemPrompt overrides the
// template default; the override applies to a private copy of the template.
func NewHistory(m Model, tmpl *template.Template, systemPrompt string) (*History, error) {
	if tmpl == nil {
		var err error
		tmpl, err = template.Detect(m.Name())
		if err != nil {
			return nil, err
		}
	} else {
		tmpl = tmpl.Copy()
	}

	if systemPrompt != "" {
		tmpl.SystemPrompt = systemPrompt
	}

	h := &History{model: m, template: tmpl, dispatcher: NewDispatcher(m)}
	h.Reset(true)
	return h, nil
}

// NewNamedHistory creates a chat history using a registered template name.
func NewNamedHistory(m Model, name, systemPrompt string) (*History, error) {
	tmpl, err := template.Named(name)
	if err != nil {
		return nil, err
	}

	return NewHistory(m, tmpl, systemPrompt)
}

// Dispatcher returns the history's embedding dispatcher, e.g. to register
// custom content types.
func (h *History) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Template returns the history's active template.
func (h *History) Template() *template.Template {
	return h.template
}

// Len returns the number of entries in the conversation.
func (h *History) Len() int {
	return len(h.entries)
}

// Entry returns the i-th entry in conversation order.
func (h *History) Entry(i int) *Entry {
	return h.entries[i]
}

// CachePosition returns the number of embedding positions the model's
// incremental decode cache already held after the most recent cached
// assembly pass.
func (h *History) CachePosition() int {
	return h.cachePosition
}

// CreateEntry builds an entry without appending it. Contents passed
// explicitly keep their order and precede the auto-typed input content.
func (h *History) CreateEntry(role string, input any, contents ...*Content) (*Entry, error) {
	entry := &Entry{ID: uuid.New(), Role: role, Contents: contents}

	if input != nil {
		t, err := h.dispatcher.ResolveType(input)
		if err != nil {
			return nil, err
		}

		entry.Contents = append(entry.Contents, &Content{Type: t, Value: input})
	}

	return entry, nil
}

// AddEntry appends a conversation turn of text, image, or other registered
// content. The input's content type is resolved automatically; additional
// typed contents can be passed alongside it.
func (h *History) AddEntry(role string, input any, contents ...*Content) (*Entry, error) {
	entry, err := h.CreateEntry(role, input, contents...)
	if err != nil {
		return nil, err
	}

	h.entries = append(h.entries, entry)
	return entry, nil
}

// Reset clears the conversation and the cache position. When
// addSystemPrompt is set, a fresh system entry carrying the template's
// system prompt starts the new conversation.
func (h *History) Reset(addSystemPrompt bool) {
	h.entries = nil
	h.cachePosition = 0

	if addSystemPrompt {
		h.entries = append(h.entries, &Entry{
			ID:       uuid.New(),
			Role:     "system",
			Contents: []*Content{{Type: TypeText, Value: h.template.SystemPrompt}},
		})
	}
}

// SystemPrompt returns the current system prompt instruction.
func (h *History) SystemPrompt() string {
	return h.template.SystemPrompt
}

// SetSystemPrompt changes the system prompt and resets the conversation.
// The reset is required for correctness: cached entry embeddings assume the
// old prompt at position zero and are stale once it changes.
func (h *History) SetSystemPrompt(instruction string) {
	h.template.SystemPrompt = instruction
	h.Reset(true)
}
