package catalog

import "github.com/riftgate/gateway/internal/providers"

// DefaultProviderSpecs derives the catalog's default provider table from the
// flat model-alias maps carried over from the original single-router
// dispatch code. Pricing is left at the zero value for models where no cost
// data is configured; the cost balancer strategy treats that as worst-case.
func DefaultProviderSpecs() []ProviderSpec {
	byProvider := make(map[string]map[string]Pricing)
	for model, provider := range providers.ModelAliases {
		models, ok := byProvider[provider]
		if !ok {
			models = make(map[string]Pricing)
			byProvider[provider] = models
		}
		models[model] = Pricing{}
	}
	for model, provider := range providers.EmbeddingModelAliases {
		models, ok := byProvider[provider]
		if !ok {
			models = make(map[string]Pricing)
			byProvider[provider] = models
		}
		if _, exists := models[model]; !exists {
			models[model] = Pricing{}
		}
	}

	specs := make([]ProviderSpec, 0, len(byProvider))
	for name, models := range byProvider {
		specs = append(specs, ProviderSpec{Name: name, Models: models})
	}
	return specs
}

// DefaultFallbackOrder re-exports the original provider failover sequence so
// callers that only need an ordering (not full catalog resolution) don't have
// to depend on internal/providers directly.
var DefaultFallbackOrder = providers.DefaultFallbackOrder

// DefaultPoolsByType splits the flat alias maps back into per-EndpointType
// pools, restricted to providers actually present in cat (i.e. the ones with
// a configured API key). Chat and completion share the same chat-model alias
// map since both dispatch through the same provider resolution path.
func DefaultPoolsByType(cat *Catalog) map[EndpointType][]Endpoint {
	configured := make(map[string]bool)
	for _, name := range cat.Providers() {
		configured[name] = true
	}

	pools := map[EndpointType][]Endpoint{}
	seen := map[EndpointType]map[Endpoint]bool{Chat: {}, Completion: {}, Embedding: {}}

	for model, provider := range providers.ModelAliases {
		if !configured[provider] {
			continue
		}
		ep := Endpoint{Provider: provider, Model: model}
		if !seen[Chat][ep] {
			seen[Chat][ep] = true
			pools[Chat] = append(pools[Chat], ep)
		}
		if !seen[Completion][ep] {
			seen[Completion][ep] = true
			pools[Completion] = append(pools[Completion], ep)
		}
	}
	for model, provider := range providers.EmbeddingModelAliases {
		if !configured[provider] {
			continue
		}
		ep := Endpoint{Provider: provider, Model: model}
		if !seen[Embedding][ep] {
			seen[Embedding][ep] = true
			pools[Embedding] = append(pools[Embedding], ep)
		}
	}
	return pools
}
