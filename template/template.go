// Package template holds the chat templates that wrap each conversation turn
// in the special tokens a model architecture expects. A template maps role
// names (system, user, bot, optionally first) to format strings containing a
// single ${MESSAGE} placeholder, plus a default system prompt.
package template

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"golang.org/x/exp/maps"
)

// Placeholder marks where the message body is substituted into a role
// format string.
const Placeholder = "${MESSAGE}"

var (
	ErrUnknownTemplate = errors.New("unknown chat template")

	// ErrAmbiguousTemplate is returned when a model name matches no known
	// template family and the caller must supply a template explicitly.
	ErrAmbiguousTemplate = errors.New("couldn't determine chat template from model name")
)

//go:embed index.json
var indexBytes []byte

//go:embed *.json
var templatesFS embed.FS

var templatesOnce = sync.OnceValues(func() (map[string]*Template, error) {
	var index []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(indexBytes, &index); err != nil {
		return nil, err
	}

	templates := make(map[string]*Template, len(index))
	for _, entry := range index {
		bts, err := templatesFS.ReadFile(entry.Name + ".json")
		if err != nil {
			return nil, err
		}

		// normalize line endings
		bts = bytes.ReplaceAll(bts, []byte("\r\n"), []byte("\n"))

		var t Template
		if err := json.Unmarshal(bts, &t); err != nil {
			return nil, fmt.Errorf("parsing template %q: %w", entry.Name, err)
		}

		t.Name = entry.Name
		templates[entry.Name] = &t
	}

	return templates, nil
})

// Template is a named set of per-role format strings plus the default
// system prompt for models of that family.
type Template struct {
	Name         string            `json:"-"`
	SystemPrompt string            `json:"system_prompt"`
	Roles        map[string]string `json:"roles"`
}

// Named returns an independent copy of a registered template. Callers may
// override the copy's system prompt without mutating the registry.
func Named(name string) (*Template, error) {
	templates, err := templatesOnce()
	if err != nil {
		return nil, err
	}

	t, ok := templates[name]
	if !ok {
		if closest := closestName(name, maps.Keys(templates)); closest != "" {
			return nil, fmt.Errorf("%w: %q (did you mean %q?)", ErrUnknownTemplate, name, closest)
		}

		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	return t.Copy(), nil
}

// Detect maps a model identity string to a registered template by substring
// matching on the known model families.
func Detect(modelName string) (*Template, error) {
	name := strings.ToLower(modelName)

	var tmpl string
	switch {
	case strings.Contains(name, "llama-2"):
		if strings.Contains(name, "llava") {
			tmpl = "llava-llama-2"
		} else {
			tmpl = "llama-2"
		}
	case strings.Contains(name, "vicuna"):
		if strings.Contains(name, "v1") {
			tmpl = "vicuna-v1"
		} else {
			tmpl = "vicuna-v0"
		}
	case strings.Contains(name, "llava"):
		if strings.Contains(name, "v1") {
			tmpl = "llava-v1"
		} else {
			tmpl = "llava-v0"
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrAmbiguousTemplate, modelName)
	}

	slog.Info("using chat template", "template", tmpl, "model", modelName)
	return Named(tmpl)
}

// Templates lists the registered template names in sorted order.
func Templates() ([]string, error) {
	templates, err := templatesOnce()
	if err != nil {
		return nil, err
	}

	names := maps.Keys(templates)
	slices.Sort(names)
	return names, nil
}

func closestName(name string, names []string) string {
	score := math.MaxInt
	var closest string
	for _, n := range names {
		if s := levenshtein.ComputeDistance(name, n); s < score {
			score = s
			closest = n
		}
	}

	if score <= 5 {
		return closest
	}

	return ""
}

// Copy returns a deep copy that shares no state with the receiver.
func (t *Template) Copy() *Template {
	return &Template{
		Name:         t.Name,
		SystemPrompt: t.SystemPrompt,
		Roles:        maps.Clone(t.Roles),
	}
}

// Role returns the format string for a role.
func (t *Template) Role(role string) (string, bool) {
	s, ok := t.Roles[role]
	return s, ok
}

// Apply substitutes the message body into a role format string. The body is
// inserted verbatim, no escaping.
func Apply(roleTemplate, message string) string {
	return strings.ReplaceAll(roleTemplate, Placeholder, message)
}

// Prefix returns the portion of a role format string before the placeholder,
// e.g. the leading tokens emitted as text ahead of an image's features.
func Prefix(roleTemplate string) string {
	prefix, _, _ := strings.Cut(roleTemplate, Placeholder)
	return prefix
}

// Suffix returns the portion of a role format string from the placeholder
// onward. It closes out a user turn whose opening half was already emitted
// ahead of an image.
func Suffix(roleTemplate string) string {
	if i := strings.Index(roleTemplate, Placeholder); i >= 0 {
		return roleTemplate[i:]
	}

	return roleTemplate
}
