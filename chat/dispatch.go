package chat

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/allenapplehead/jetson-containers/logutil"
	"github.com/allenapplehead/jetson-containers/ml"
	"github.com/allenapplehead/jetson-containers/template"
)

var (
	ErrUnresolvedType   = errors.New("couldn't resolve embedding type, specify the content type explicitly")
	ErrUnregisteredType = errors.New("no embedding function registered for content type")
	ErrEmptyDict        = errors.New("dict contains no values with a registered embedding type")
)

// imageExtensions are the file suffixes that make a string resolve as
// image content rather than text.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".webp"}

// EmbedFunc computes the embedding of one piece of content. Functions
// registered as Plain are called with an empty role template.
type EmbedFunc func(input any, roleTemplate string) (ml.Embedding, error)

// TemplateMode records at registration time whether an embedding function
// consumes the active role template.
type TemplateMode int

const (
	Plain TemplateMode = iota
	TemplateAware
)

type embedder struct {
	fn   EmbedFunc
	mode TemplateMode
}

// Dispatcher routes content to the embedding function registered for its
// type. The built-in text, image and dict embedders call into the model
// collaborator.
type Dispatcher struct {
	model     Model
	embedders map[ContentType]embedder
}

func NewDispatcher(m Model) *Dispatcher {
	d := &Dispatcher{model: m, embedders: make(map[ContentType]embedder)}
	d.Register(TypeText, TemplateAware, d.embedText)
	d.Register(TypeImage, TemplateAware, d.embedImage)
	d.Register(TypeDict, TemplateAware, d.embedDict)
	return d
}

// Register adds an embedding function for a content type, replacing any
// previous registration.
func (d *Dispatcher) Register(t ContentType, mode TemplateMode, fn EmbedFunc) {
	d.embedders[t] = embedder{fn: fn, mode: mode}
}

// Registered reports whether a content type has an embedding function.
func (d *Dispatcher) Registered(t ContentType) bool {
	_, ok := d.embedders[t]
	return ok
}

// ResolveType determines the content type of an arbitrary input: strings
// ending in an image file extension are images, other strings and non-empty
// string slices are text, raw image payloads are images, and Dict values
// are dicts.
func (d *Dispatcher) ResolveType(input any) (ContentType, error) {
	switch v := input.(type) {
	case string:
		for _, ext := range imageExtensions {
			if strings.HasSuffix(strings.ToLower(v), ext) {
				return TypeImage, nil
			}
		}

		return TypeText, nil
	case []string:
		if len(v) > 0 {
			return TypeText, nil
		}
	case image.Image, []byte:
		return TypeImage, nil
	case Dict:
		return TypeDict, nil
	}

	return "", fmt.Errorf("%w: %T", ErrUnresolvedType, input)
}

// Embed dispatches input to the embedding function registered for its type.
func (d *Dispatcher) Embed(input any, t ContentType, roleTemplate string) (ml.Embedding, error) {
	e, ok := d.embedders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredType, t)
	}

	if e.mode == Plain {
		roleTemplate = ""
	}

	return e.fn(input, roleTemplate)
}

func (d *Dispatcher) embedText(input any, roleTemplate string) (ml.Embedding, error) {
	return d.EmbedText(input, roleTemplate, false)
}

// EmbedText embeds input as text after substituting it into the role format
// string. useCache lets the backend serve the token embeddings from its own
// cache.
func (d *Dispatcher) EmbedText(input any, roleTemplate string, useCache bool) (ml.Embedding, error) {
	var text string
	switch v := input.(type) {
	case string:
		text = v
	case []string:
		text = strings.Join(v, "\n")
	default:
		return nil, fmt.Errorf("%w: %T is not text", ErrUnresolvedType, input)
	}

	if roleTemplate != "" {
		text = template.Apply(roleTemplate, text)
	}

	embedding, err := d.model.EmbedText(text, useCache)
	if err != nil {
		return nil, err
	}

	logutil.Trace("embedded text", "rows", ml.Rows(embedding), "text", text)
	return embedding, nil
}

// embedImage emits the role template's opening half as text, then the
// image's visual features, then a trailing newline.
func (d *Dispatcher) embedImage(input any, roleTemplate string) (ml.Embedding, error) {
	if !d.model.HasVision() {
		return nil, ErrNoVisionModel
	}

	var embeddings []ml.Embedding

	if roleTemplate != "" {
		prefix := template.Prefix(roleTemplate)
		e, err := d.EmbedText(prefix, "", true)
		if err != nil {
			return nil, err
		}

		embeddings = append(embeddings, e)
		logutil.Trace("image template prefix", "prefix", prefix)
	}

	e, err := d.model.EmbedImage(input)
	if err != nil {
		return nil, err
	}
	embeddings = append(embeddings, e)

	newline, err := d.EmbedText("\n", "", true)
	if err != nil {
		return nil, err
	}
	embeddings = append(embeddings, newline)

	out, err := ml.Concat(embeddings...)
	if err != nil {
		return nil, err
	}

	logVisionStats(d.model)
	slog.Debug("embedded image", "rows", ml.Rows(out))
	return out, nil
}

// embedDict embeds each typed item of a Dict with the same role template
// and concatenates the results in their stored order.
func (d *Dispatcher) embedDict(input any, roleTemplate string) (ml.Embedding, error) {
	dict, ok := input.(Dict)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a dict", ErrUnresolvedType, input)
	}

	var embeddings []ml.Embedding
	for _, item := range dict {
		if item.Value == nil || !d.Registered(item.Type) {
			continue
		}

		e, err := d.Embed(item.Value, item.Type, roleTemplate)
		if err != nil {
			return nil, err
		}

		embeddings = append(embeddings, e)
	}

	if len(embeddings) == 0 {
		return nil, ErrEmptyDict
	}

	return ml.Concat(embeddings...)
}
