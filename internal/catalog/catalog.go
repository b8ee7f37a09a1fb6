// Package catalog holds the immutable table of known providers, models, and
// cross-provider model mappings used to resolve a client-supplied model
// identifier into a set of candidate endpoints.
//
// A Catalog is built once at startup (or config reload) via Load and never
// mutated afterward; callers hold it through an atomic pointer swap the same
// way internal/router holds its registry snapshot.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// EndpointType distinguishes the API surface a request targets. The balancer
// keeps independent pools and strategies per type.
type EndpointType int

const (
	Chat EndpointType = iota
	Completion
	Embedding
)

func (t EndpointType) String() string {
	switch t {
	case Chat:
		return "chat"
	case Completion:
		return "completion"
	case Embedding:
		return "embedding"
	default:
		return "unknown"
	}
}

// Endpoint is a single (provider, model) dispatch target.
type Endpoint struct {
	Provider string
	Model    string
}

// ID returns the canonical "<provider>/<model>" identifier used as the
// wire-format model ID and as the balancer's per-endpoint weight key. Health
// feedback is tracked per bare provider (health.EndpointID(e.Provider)),
// matching the granularity failover.go actually observes and acts on.
func (e Endpoint) ID() string { return e.Provider + "/" + e.Model }

// Pricing holds static per-token cost, used by the cost balancer strategy.
// Costs are USD per 1000 tokens; zero means "unknown", which the cost
// strategy treats as worst-case (sorted last).
type Pricing struct {
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// Provider describes one upstream LLM provider and the models it serves.
type Provider struct {
	Name   string
	Models map[string]Pricing // model name -> pricing; empty Pricing if unknown
}

// Catalog is the immutable, validated table of providers and model mappings.
type Catalog struct {
	providers map[string]Provider
	// modelIndex maps a bare model name to the provider that natively serves
	// it, a nested view of providers.ModelAliases keyed per-provider.
	modelIndex map[string]string
	// mappings declares cross-provider equivalence classes for fallback, e.g.
	// "gpt-4o" -> ["openai/gpt-4o", "groq/llama-3.3-70b-versatile"].
	mappings map[string][]Endpoint
}

// ProviderSpec is the config-time description of one provider entry.
type ProviderSpec struct {
	Name   string
	Models map[string]Pricing
}

// Load validates specs and mappings and builds an immutable Catalog.
// Every endpoint referenced by a mapping must resolve to a known
// (provider, model) pair; Load fails fast otherwise so misconfiguration
// surfaces at startup rather than mid-request.
func Load(specs []ProviderSpec, mappings map[string][]string) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("catalog: at least one provider must be configured")
	}

	c := &Catalog{
		providers:  make(map[string]Provider, len(specs)),
		modelIndex: make(map[string]string),
		mappings:   make(map[string][]Endpoint, len(mappings)),
	}

	ambiguous := map[string]bool{}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("catalog: provider with empty name")
		}
		if _, exists := c.providers[spec.Name]; exists {
			return nil, fmt.Errorf("catalog: duplicate provider %q", spec.Name)
		}
		p := Provider{Name: spec.Name, Models: spec.Models}
		c.providers[spec.Name] = p
		for model := range spec.Models {
			// A bare model name listed by more than one provider is
			// ambiguous and gets no default alias, so Resolve rejects it.
			if _, taken := c.modelIndex[model]; taken {
				ambiguous[model] = true
				delete(c.modelIndex, model)
			} else if !ambiguous[model] {
				c.modelIndex[model] = spec.Name
			}
		}
	}

	for alias, refs := range mappings {
		endpoints := make([]Endpoint, 0, len(refs))
		for _, ref := range refs {
			ep, err := c.parseEndpointRef(ref)
			if err != nil {
				return nil, fmt.Errorf("catalog: model mapping %q: %w", alias, err)
			}
			endpoints = append(endpoints, ep)
		}
		c.mappings[alias] = endpoints
	}

	return c, nil
}

func (c *Catalog) parseEndpointRef(ref string) (Endpoint, error) {
	provider, model, ok := strings.Cut(ref, "/")
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint reference %q must be <provider>/<model>", ref)
	}
	p, exists := c.providers[provider]
	if !exists {
		return Endpoint{}, fmt.Errorf("unknown provider %q in reference %q", provider, ref)
	}
	if _, exists := p.Models[model]; !exists {
		return Endpoint{}, fmt.Errorf("provider %q has no model %q", provider, model)
	}
	return Endpoint{Provider: provider, Model: model}, nil
}

// Resolve turns a client-supplied model identifier into a candidate set.
//
//   - "<provider>/<model>" resolves to exactly that endpoint if it exists.
//   - a bare model name that is a declared mapping alias resolves to the
//     mapping's endpoint list (used for cross-provider fallback pools).
//   - a bare model name that matches exactly one provider's catalog resolves
//     to that single endpoint.
//   - anything else is ErrUnknownModel.
func (c *Catalog) Resolve(model string) ([]Endpoint, error) {
	if provider, name, ok := strings.Cut(model, "/"); ok {
		p, exists := c.providers[provider]
		if !exists {
			return nil, fmt.Errorf("%w: unknown provider %q", ErrUnknownModel, provider)
		}
		if _, exists := p.Models[name]; !exists {
			return nil, fmt.Errorf("%w: provider %q has no model %q", ErrUnknownModel, provider, name)
		}
		return []Endpoint{{Provider: provider, Model: name}}, nil
	}

	if endpoints, ok := c.mappings[model]; ok {
		return endpoints, nil
	}

	if provider, ok := c.modelIndex[model]; ok {
		return []Endpoint{{Provider: provider, Model: model}}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// Pricing returns the static cost of an endpoint, or the zero value if unknown.
func (c *Catalog) Pricing(e Endpoint) Pricing {
	p, ok := c.providers[e.Provider]
	if !ok {
		return Pricing{}
	}
	return p.Models[e.Model]
}

// Providers returns the configured provider names in stable sorted order.
func (c *Catalog) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoints returns every (provider, model) pair in the catalog. Used to seed
// a router's candidate pool from the full catalog rather than a hand-picked
// mapping alias.
func (c *Catalog) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(c.providers))
	for name, p := range c.providers {
		for model := range p.Models {
			out = append(out, Endpoint{Provider: name, Model: model})
		}
	}
	return out
}

// ErrUnknownModel is returned by Resolve when a model identifier cannot be
// mapped to any configured endpoint.
var ErrUnknownModel = fmt.Errorf("catalog: unknown model")
