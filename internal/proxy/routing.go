package proxy

import (
	"strings"

	"github.com/riftgate/gateway/internal/providers"
)

// resolveProvider returns the provider name for the given chat/completion
// model. A client can force a specific provider with the catalog's
// "<provider>/<model>" convention (e.g. "groq/llama-3.3-70b-versatile")
// instead of relying on the alias table. Callers that dispatch the request
// upstream should also call stripProviderPrefix so the provider sees its own
// native model name. Falls back to "openai" if the (possibly prefixed) model
// is unknown.
func resolveProvider(model string) string {
	if provider, _, ok := splitExplicitProvider(model); ok {
		return provider
	}
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}

// resolveEmbeddingProvider returns the provider name for the given embedding
// model. It honors an explicit "<provider>/<model>" prefix first, then
// checks EmbeddingModelAliases, then ModelAliases (a caller might pass a
// chat model name; resolving it lets the provider API return a clear error
// instead of the gateway guessing), and finally falls back to "openai".
func resolveEmbeddingProvider(model string) string {
	if provider, _, ok := splitExplicitProvider(model); ok {
		return provider
	}
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}

// splitExplicitProvider splits a "<provider>/<model>" identifier, mirroring
// catalog.Endpoint.ID's wire format. Returns ok=false for a bare model name
// or one containing an org-namespaced slash that isn't a routing override
// (e.g. Together/Nebius HuggingFace-style IDs like "meta-llama/Llama-3.3").
func splitExplicitProvider(model string) (provider, bareModel string, ok bool) {
	idx := strings.IndexByte(model, '/')
	if idx <= 0 || idx == len(model)-1 {
		return "", "", false
	}
	candidate := model[:idx]
	for _, alias := range providers.ModelAliases {
		if alias == candidate {
			return candidate, model[idx+1:], true
		}
	}
	return "", "", false
}

// stripProviderPrefix strips a client's explicit "<provider>/<model>"
// override, if present, so the upstream call carries the provider's own
// native model name rather than the routing-only wire form. Model names that
// don't carry a recognized provider prefix (including org-namespaced IDs
// like "meta-llama/Llama-3.3-70B-Instruct-Turbo") pass through unchanged.
func stripProviderPrefix(model string) string {
	if _, bareModel, ok := splitExplicitProvider(model); ok {
		return bareModel
	}
	return model
}
