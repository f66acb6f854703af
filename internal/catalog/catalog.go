// Package catalog holds the set of models the gateway advertises and the
// lookup policy both protocol adapters use to resolve a requested model id.
package catalog

import (
	"strings"
	"time"
)

// Model describes one advertised model.
type Model struct {
	ID            string `json:"id"`
	Family        string `json:"-"`
	Name          string `json:"name"`
	OwnedBy       string `json:"owned_by"`
	ContextWindow int    `json:"context_window"`
	Created       int64  `json:"created"`
}

// Registry is an ordered, read-only model list. Order matters: Resolve
// returns the first match in discovery order, with no further disambiguation.
type Registry struct {
	models []Model
}

// NewRegistry creates a Registry over models. The slice is not copied; the
// caller must not mutate it afterwards.
func NewRegistry(models []Model) *Registry {
	return &Registry{models: models}
}

// List returns the models in discovery order.
func (r *Registry) List() []Model {
	return r.models
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	return len(r.models)
}

// Resolve finds the model for a requested id. Match priority:
//
//  1. exact id
//  2. id contains the requested string
//  3. family equals the requested string
//  4. display name contains the requested string (case-insensitive)
//
// Within each tier the first model in discovery order wins.
func (r *Registry) Resolve(requested string) (Model, bool) {
	if requested == "" {
		return Model{}, false
	}

	for _, m := range r.models {
		if m.ID == requested {
			return m, true
		}
	}
	for _, m := range r.models {
		if strings.Contains(m.ID, requested) {
			return m, true
		}
	}
	for _, m := range r.models {
		if m.Family == requested {
			return m, true
		}
	}
	lower := strings.ToLower(requested)
	for _, m := range r.models {
		if strings.Contains(strings.ToLower(m.Name), lower) {
			return m, true
		}
	}
	return Model{}, false
}

// Defaults returns the built-in model list for a backend name. Unknown
// backends get an empty registry; deployments are expected to override the
// list via configuration in that case.
func Defaults(backend string) []Model {
	switch backend {
	case "anthropic":
		return []Model{
			{ID: "claude-sonnet-4-5", Family: "claude", Name: "Claude Sonnet 4.5", OwnedBy: "anthropic", ContextWindow: 200000, Created: 1758931200},
			{ID: "claude-opus-4-5", Family: "claude", Name: "Claude Opus 4.5", OwnedBy: "anthropic", ContextWindow: 200000, Created: 1763942400},
			{ID: "claude-haiku-4-5", Family: "claude", Name: "Claude Haiku 4.5", OwnedBy: "anthropic", ContextWindow: 200000, Created: 1760486400},
		}
	case "openai":
		return []Model{
			{ID: "gpt-4o", Family: "gpt-4o", Name: "GPT-4o", OwnedBy: "openai", ContextWindow: 128000, Created: 1715367049},
			{ID: "gpt-4o-mini", Family: "gpt-4o", Name: "GPT-4o mini", OwnedBy: "openai", ContextWindow: 128000, Created: 1721172741},
			{ID: "o3-mini", Family: "o3", Name: "o3-mini", OwnedBy: "openai", ContextWindow: 200000, Created: 1738010400},
		}
	case "gemini":
		return []Model{
			{ID: "gemini-2.5-pro", Family: "gemini", Name: "Gemini 2.5 Pro", OwnedBy: "google", ContextWindow: 1048576, Created: 1743465600},
			{ID: "gemini-2.5-flash", Family: "gemini", Name: "Gemini 2.5 Flash", OwnedBy: "google", ContextWindow: 1048576, Created: 1743465600},
		}
	}
	return nil
}

// FromIDs builds a catalog from explicitly configured model ids. An id that
// matches one of the backend's defaults inherits its metadata; unknown ids
// are served as-is with the backend name as owner and the id's first
// dash-separated segment as family.
func FromIDs(ids []string, backend string) []Model {
	defaults := Defaults(backend)
	out := make([]Model, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		matched := false
		for _, m := range defaults {
			if m.ID == id {
				out = append(out, m)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		family := id
		if i := strings.IndexByte(id, '-'); i > 0 {
			family = id[:i]
		}
		out = append(out, Model{
			ID:      id,
			Family:  family,
			Name:    id,
			OwnedBy: backend,
			Created: time.Now().Unix(),
		})
	}
	return out
}
