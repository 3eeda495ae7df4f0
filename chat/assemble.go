package chat

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/allenapplehead/jetson-containers/logutil"
	"github.com/allenapplehead/jetson-containers/ml"
	"github.com/allenapplehead/jetson-containers/template"
)

// ErrMissingRoleTemplate is returned when an entry's role has no format
// string in the active template.
var ErrMissingRoleTemplate = errors.New("chat template has no entry for role")

// assembly accumulates the state of one pass over the conversation.
type assembly struct {
	out      []ml.Embedding
	position int

	// user text segments processed so far, to detect the first user turn
	userTurns int

	// the previous segment was an image emitted inside a user turn whose
	// template is still open; the next segment uses only the template
	// suffix from the placeholder on
	openUserTurn bool

	// no segment has needed fresh emission yet; flips false for the rest
	// of the pass once one does, since the decode cache only grows
	// contiguously
	cacheable bool
}

// Assemble walks the conversation and concatenates the embeddings of every
// segment the model hasn't already consumed, returning the new embedding
// (nil when everything was cached) and the sequence position at which it
// should be appended to the model's decode state.
//
// With useCache false the entire conversation is re-emitted and the
// returned position is 0. Freshly computed embeddings are cached on their
// entries either way.
func (h *History) Assemble(useCache bool) (ml.Embedding, int, error) {
	st := assembly{cacheable: useCache}

	for i, entry := range h.entries {
		for _, content := range entry.Contents {
			if content.Value == nil || !h.dispatcher.Registered(content.Type) {
				continue
			}

			roleTemplate, err := h.roleTemplate(entry, &st)
			if err != nil {
				return nil, 0, err
			}

			logutil.Trace("processing chat entry", "entry", i, "id", entry.ID, "role", entry.Role,
				"type", content.Type, "template", roleTemplate, "cacheable", st.cacheable)

			if err := h.assembleContent(entry, content, roleTemplate, &st); err != nil {
				return nil, 0, err
			}

			if entry.Role == "user" && content.Type == TypeText {
				st.userTurns++
			}
		}
	}

	out, err := ml.Concat(st.out...)
	if err != nil {
		return nil, 0, err
	}

	if useCache {
		h.cachePosition = st.position
	}

	slog.Debug("assembled chat embedding", "entries", len(h.entries), "segments", len(st.out),
		"rows", ml.Rows(out), "position", st.position)
	return out, st.position, nil
}

// roleTemplate selects the format string for the segment being processed:
// the first user turn may use the template's "first" override, and a user
// turn left open by an image continues with only the template suffix.
func (h *History) roleTemplate(entry *Entry, st *assembly) (string, error) {
	if first, ok := h.template.Role("first"); ok && entry.Role == "user" && st.userTurns == 0 {
		return first, nil
	}

	roleTemplate, ok := h.template.Role(entry.Role)
	if !ok {
		return "", fmt.Errorf("%w: template %q, role %q", ErrMissingRoleTemplate, h.template.Name, entry.Role)
	}

	if st.openUserTurn {
		roleTemplate = template.Suffix(roleTemplate)
		st.openUserTurn = false
	}

	return roleTemplate, nil
}

func (h *History) assembleContent(entry *Entry, content *Content, roleTemplate string, st *assembly) error {
	embedding, rows, cached := content.Embedding()

	if st.cacheable {
		if cached {
			// the model already holds these positions
			st.position += rows
			return nil
		}

		fresh, err := h.dispatcher.Embed(content.Value, content.Type, roleTemplate)
		if err != nil {
			return err
		}
		content.setEmbedding(fresh, roleTemplate)

		if entry.Role == "bot" {
			// bot output came out of the model, so its decode cache holds
			// these positions even though they are never emitted
			st.position += content.rows
			return nil
		}

		st.out = append(st.out, fresh)
		st.cacheable = false
		if content.Type == TypeImage {
			st.openUserTurn = true
		}

		return nil
	}

	if !cached {
		fresh, err := h.dispatcher.Embed(content.Value, content.Type, roleTemplate)
		if err != nil {
			return err
		}
		content.setEmbedding(fresh, roleTemplate)
		embedding = fresh

		if content.Type == TypeImage {
			st.openUserTurn = true
		}
	}

	st.out = append(st.out, embedding)
	return nil
}
