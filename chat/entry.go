package chat

import (
	"github.com/google/uuid"

	"github.com/allenapplehead/jetson-containers/ml"
)

// ContentType tags a piece of entry content with the embedding function
// that applies to it.
type ContentType string

const (
	TypeText  ContentType = "text"
	TypeImage ContentType = "image"
	TypeDict  ContentType = "dict"
)

// Content is one typed piece of a chat entry plus its lazily computed
// embedding. The embedding is computed at most once, on the first assembly
// pass that reaches the content, and is discarded only by a history reset.
type Content struct {
	Type  ContentType
	Value any

	embedding ml.Embedding
	rows      int

	// role format string in effect when the embedding was computed
	embeddedWith string
}

// Embedding returns the cached embedding and its sequence length, if an
// assembly pass has computed it.
func (c *Content) Embedding() (ml.Embedding, int, bool) {
	return c.embedding, c.rows, c.embedding != nil
}

func (c *Content) setEmbedding(e ml.Embedding, roleTemplate string) {
	c.embedding = e
	c.rows = ml.Rows(e)
	c.embeddedWith = roleTemplate
}

// Dict is an ordered multimodal payload whose items are embedded back to
// back under a single role template.
type Dict []DictItem

type DictItem struct {
	Type  ContentType
	Value any
}

// Entry is one conversation turn. Contents keep their declared order; that
// order is the order their embeddings appear in the assembled prompt.
type Entry struct {
	ID       uuid.UUID
	Role     string
	Contents []*Content
}

// Content returns the entry's content of the given type.
func (e *Entry) Content(t ContentType) (*Content, bool) {
	for _, c := range e.Contents {
		if c.Type == t {
			return c, true
		}
	}

	return nil, false
}

// Text returns the entry's text content, if any.
func (e *Entry) Text() (string, bool) {
	c, ok := e.Content(TypeText)
	if !ok {
		return "", false
	}

	s, ok := c.Value.(string)
	return s, ok
}
