package router

import (
	"testing"

	"github.com/riftgate/gateway/internal/balancer"
	"github.com/riftgate/gateway/internal/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load([]catalog.ProviderSpec{
		{Name: "openai", Models: map[string]catalog.Pricing{"gpt-4o": {}}},
		{Name: "anthropic", Models: map[string]catalog.Pricing{"claude-3-opus": {}}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func testSpecs() []Spec {
	return []Spec{
		{
			Name: "default",
			Pools: map[catalog.EndpointType][]catalog.Endpoint{
				catalog.Chat: {{Provider: "openai", Model: "gpt-4o"}},
			},
			Strategies: map[catalog.EndpointType]balancer.Config{
				catalog.Chat: {Kind: balancer.Weighted, Weights: map[string]int{"openai/gpt-4o": 1}},
			},
		},
		{
			Name: "premium",
			Pools: map[catalog.EndpointType][]catalog.Endpoint{
				catalog.Chat: {{Provider: "anthropic", Model: "claude-3-opus"}},
			},
			Strategies: map[catalog.EndpointType]balancer.Config{
				catalog.Chat: {Kind: balancer.Weighted, Weights: map[string]int{"anthropic/claude-3-opus": 1}},
			},
		},
	}
}

func TestNewRegistry_RejectsUnknownDefault(t *testing.T) {
	cat := testCatalog(t)
	if _, err := NewRegistry(testSpecs(), cat, "missing"); err == nil {
		t.Error("expected error for unknown default router")
	}
}

func TestNewRegistry_RejectsEmptySpecs(t *testing.T) {
	cat := testCatalog(t)
	if _, err := NewRegistry(nil, cat, "default"); err == nil {
		t.Error("expected error for empty spec list")
	}
}

func TestNewRegistry_RejectsDuplicateNames(t *testing.T) {
	cat := testCatalog(t)
	specs := testSpecs()
	specs = append(specs, specs[0])
	if _, err := NewRegistry(specs, cat, "default"); err == nil {
		t.Error("expected error for duplicate router name")
	}
}

func TestResolve_LegacyFlatPath(t *testing.T) {
	cat := testCatalog(t)
	reg, err := NewRegistry(testSpecs(), cat, "default")
	if err != nil {
		t.Fatal(err)
	}
	r, epType, err := reg.Resolve("/v1/chat/completions")
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "default" {
		t.Errorf("expected default router, got %s", r.Name)
	}
	if epType != catalog.Chat {
		t.Errorf("expected Chat, got %v", epType)
	}
}

func TestResolve_AIPathUsesDefaultRouter(t *testing.T) {
	cat := testCatalog(t)
	reg, err := NewRegistry(testSpecs(), cat, "default")
	if err != nil {
		t.Fatal(err)
	}
	r, epType, err := reg.Resolve("/ai/embeddings")
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "default" {
		t.Errorf("expected default router, got %s", r.Name)
	}
	if epType != catalog.Embedding {
		t.Errorf("expected Embedding, got %v", epType)
	}
}

func TestResolve_NamedRouterPath(t *testing.T) {
	cat := testCatalog(t)
	reg, err := NewRegistry(testSpecs(), cat, "default")
	if err != nil {
		t.Fatal(err)
	}
	r, epType, err := reg.Resolve("/router/premium/chat/completions")
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "premium" {
		t.Errorf("expected premium router, got %s", r.Name)
	}
	if epType != catalog.Chat {
		t.Errorf("expected Chat, got %v", epType)
	}
}

func TestResolve_UnknownRouterName(t *testing.T) {
	cat := testCatalog(t)
	reg, err := NewRegistry(testSpecs(), cat, "default")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := reg.Resolve("/router/nonexistent/chat/completions"); err == nil {
		t.Error("expected error for unknown router name")
	}
}

func TestResolve_UnrecognizedPath(t *testing.T) {
	cat := testCatalog(t)
	reg, err := NewRegistry(testSpecs(), cat, "default")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := reg.Resolve("/metrics"); err == nil {
		t.Error("expected error for unrecognized path shape")
	}
}

func TestReload_SwapsAtomically(t *testing.T) {
	cat := testCatalog(t)
	reg, err := NewRegistry(testSpecs(), cat, "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.List()) != 2 {
		t.Fatalf("expected 2 routers, got %d", len(reg.List()))
	}

	if err := reg.Reload(testSpecs()[:1], cat); err != nil {
		t.Fatal(err)
	}
	if len(reg.List()) != 1 {
		t.Errorf("expected 1 router after reload, got %d", len(reg.List()))
	}
}

func TestReload_RejectsMissingDefault(t *testing.T) {
	cat := testCatalog(t)
	reg, err := NewRegistry(testSpecs(), cat, "default")
	if err != nil {
		t.Fatal(err)
	}
	err = reg.Reload(testSpecs()[1:], cat)
	if err == nil {
		t.Error("expected error when reload drops the default router")
	}
	if len(reg.List()) != 2 {
		t.Error("failed reload must not mutate the live registry")
	}
}
