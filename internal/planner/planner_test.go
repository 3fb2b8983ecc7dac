package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

type fakeSource struct {
	routes []ModelRoute
}

func (f *fakeSource) ResolveModels(Request) ([]ModelRoute, error) {
	return f.routes, nil
}

func route(providerName string, providerPriority int, credID uint64, credPriority int) ModelRoute {
	return ModelRoute{
		Model:         store.Model{ID: credID + 100, GlobalModelID: 1},
		GlobalModel:   store.GlobalModel{ID: 1, Name: "gpt-4o"},
		Provider:      store.Provider{ID: credID + 200, Name: providerName, Priority: providerPriority},
		Endpoint:      store.ProviderEndpoint{ID: credID + 300, APIFamily: "openai", EndpointKind: "chat"},
		Credential:    store.ProviderAPIKey{ID: credID, InternalPriority: credPriority, MaxConcurrent: 10},
		ModelPriority: 100,
	}
}

func TestPlanOrdersByProviderPriority(t *testing.T) {
	src := &fakeSource{routes: []ModelRoute{
		route("slow-provider", 200, 1, 0),
		route("fast-provider", 50, 2, 0),
	}}
	p := New(src, health.NewManager(health.DefaultConfig()))

	cands, err := p.Plan(Request{RequestedModel: "gpt-4o"})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	require.Equal(t, "fast-provider", cands[0].ProviderName)
	require.Equal(t, "slow-provider", cands[1].ProviderName)
}

func TestPlanFiltersByAllowedProviders(t *testing.T) {
	src := &fakeSource{routes: []ModelRoute{
		route("a", 100, 1, 0),
		route("b", 100, 2, 0),
	}}
	p := New(src, health.NewManager(health.DefaultConfig()))

	cands, err := p.Plan(Request{RequestedModel: "gpt-4o", AllowedProviders: []string{"b"}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "b", cands[0].ProviderName)
}

func TestPlanExcludesOpenCircuitCredential(t *testing.T) {
	h := health.NewManager(health.DefaultConfig())
	h.RecordResult(1, health.FailureFatal)

	src := &fakeSource{routes: []ModelRoute{
		route("a", 100, 1, 0),
		route("b", 100, 2, 0),
	}}
	p := New(src, h)

	cands, err := p.Plan(Request{RequestedModel: "gpt-4o"})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, uint64(2), cands[0].CredentialID)
}

func TestPlanDispersionIsDeterministicPerAffinityKey(t *testing.T) {
	src := &fakeSource{routes: []ModelRoute{
		route("a", 100, 1, 0),
		route("a", 100, 2, 0),
		route("a", 100, 3, 0),
	}}
	p := New(src, health.NewManager(health.DefaultConfig()))

	cands1, err := p.Plan(Request{RequestedModel: "gpt-4o", AffinityKey: "key-A"})
	require.NoError(t, err)
	cands2, err := p.Plan(Request{RequestedModel: "gpt-4o", AffinityKey: "key-A"})
	require.NoError(t, err)

	require.Len(t, cands1, 3)
	require.ElementsMatch(t,
		[]uint64{cands1[0].CredentialID, cands1[1].CredentialID, cands1[2].CredentialID},
		[]uint64{1, 2, 3},
	)
	require.Equal(t, cands1[0].CredentialID, cands2[0].CredentialID)
	require.Equal(t, cands1[1].CredentialID, cands2[1].CredentialID)
	require.Equal(t, cands1[2].CredentialID, cands2[2].CredentialID)
}

func TestPlanNoCandidatesWhenAllExcluded(t *testing.T) {
	src := &fakeSource{routes: []ModelRoute{route("a", 100, 1, 0)}}
	p := New(src, health.NewManager(health.DefaultConfig()))

	cands, err := p.Plan(Request{RequestedModel: "gpt-4o", AllowedProviders: []string{"nonexistent"}})
	require.NoError(t, err)
	require.Empty(t, cands)
}

func TestPlanFiltersByAllowedEndpointsAndAPIFormats(t *testing.T) {
	src := &fakeSource{routes: []ModelRoute{route("a", 100, 1, 0)}}
	p := New(src, health.NewManager(health.DefaultConfig()))

	cands, err := p.Plan(Request{RequestedModel: "gpt-4o", AllowedEndpoints: []string{"claude:chat"}})
	require.NoError(t, err)
	require.Empty(t, cands, "route is openai:chat, which isn't in the allow-list")

	cands, err = p.Plan(Request{RequestedModel: "gpt-4o", AllowedEndpoints: []string{"openai:chat"}})
	require.NoError(t, err)
	require.Len(t, cands, 1)

	cands, err = p.Plan(Request{RequestedModel: "gpt-4o", AllowedAPIFormats: []string{"claude"}})
	require.NoError(t, err)
	require.Empty(t, cands)

	cands, err = p.Plan(Request{RequestedModel: "gpt-4o", AllowedAPIFormats: []string{"openai"}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestPlanFiltersByRequiredCapabilities(t *testing.T) {
	r := route("a", 100, 1, 0)
	r.GlobalModel.Capabilities = store.StringSlice{"function_calling"}
	src := &fakeSource{routes: []ModelRoute{r}}
	p := New(src, health.NewManager(health.DefaultConfig()))

	cands, err := p.Plan(Request{RequestedModel: "gpt-4o", RequiredCapabilities: []string{"vision"}})
	require.NoError(t, err)
	require.Empty(t, cands, "GlobalModel only declares function_calling, not vision")

	cands, err = p.Plan(Request{RequestedModel: "gpt-4o", RequiredCapabilities: []string{"function_calling"}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestPlanCapabilityOverrideReplacesGlobalModelDefault(t *testing.T) {
	r := route("a", 100, 1, 0)
	r.GlobalModel.Capabilities = store.StringSlice{"vision"}
	r.Model.CapabilityOverride = store.StringSlice{"function_calling"}
	src := &fakeSource{routes: []ModelRoute{r}}
	p := New(src, health.NewManager(health.DefaultConfig()))

	cands, err := p.Plan(Request{RequestedModel: "gpt-4o", RequiredCapabilities: []string{"vision"}})
	require.NoError(t, err)
	require.Empty(t, cands, "Model.CapabilityOverride replaces, not extends, the GlobalModel default")

	cands, err = p.Plan(Request{RequestedModel: "gpt-4o", RequiredCapabilities: []string{"function_calling"}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestResolveUpstreamNameScopesToEndpointSignature(t *testing.T) {
	r := ModelRoute{
		Model: store.Model{UpstreamNames: store.AlternateNames{
			{Name: "gpt-4o-claude-scoped", Priority: 0, Scopes: []string{"claude:chat"}},
			{Name: "gpt-4o-default", Priority: 1},
		}},
		GlobalModel: store.GlobalModel{Name: "gpt-4o"},
		Endpoint:    store.ProviderEndpoint{APIFamily: "openai", EndpointKind: "chat"},
	}

	require.Equal(t, "gpt-4o-default", resolveUpstreamName(r),
		"the claude:chat-scoped name must not be picked for an openai:chat endpoint")
}

func TestResolveUpstreamNamePicksHighestPriorityMatch(t *testing.T) {
	r := ModelRoute{
		Model: store.Model{UpstreamNames: store.AlternateNames{
			{Name: "low-priority", Priority: 5},
			{Name: "high-priority", Priority: 0},
		}},
		GlobalModel: store.GlobalModel{Name: "gpt-4o"},
		Endpoint:    store.ProviderEndpoint{APIFamily: "openai", EndpointKind: "chat"},
	}

	require.Equal(t, "high-priority", resolveUpstreamName(r))
}
