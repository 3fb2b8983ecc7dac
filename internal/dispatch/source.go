// Package dispatch implements the dispatch pipeline of spec §4.H: the
// store-backed request path that generalizes the teacher's simple,
// no-DB Gateway (internal/proxy) into the full multi-tenant model —
// authenticate, check quota, normalize, plan candidates, attempt in
// ranked order with a per-attempt ledger, then settle usage.
//
// internal/proxy's Gateway stays in the tree as the "simple mode"
// quick-start path for operators without a configured database (see
// DESIGN.md §4.H); this package is the spec-compliant path mounted
// whenever internal/store is configured.
package dispatch

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/nulpointcorp/llm-gateway/internal/planner"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// storeSource implements planner.Source against a live *store.Store,
// resolving a requested model name through ModelMapping aliases and
// Model.UpstreamNames to every (Model, GlobalModel, Provider, Endpoint,
// Credential) combination able to serve it.
type storeSource struct {
	st *store.Store
}

// NewSource builds a planner.Source backed by st.
func NewSource(st *store.Store) planner.Source {
	return &storeSource{st: st}
}

func (s *storeSource) ResolveModels(req planner.Request) ([]planner.ModelRoute, error) {
	ctx := context.Background()
	globalModelID, err := s.resolveGlobalModelID(ctx, req.RequestedModel)
	if err != nil {
		return nil, err
	}
	if globalModelID == 0 {
		return nil, nil
	}

	var models []store.Model
	if err := s.st.DB().WithContext(ctx).Where("global_model_id = ?", globalModelID).Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}

	var globalModel store.GlobalModel
	if err := s.st.DB().WithContext(ctx).First(&globalModel, globalModelID).Error; err != nil {
		return nil, err
	}

	var routes []planner.ModelRoute
	for _, m := range models {
		var provider store.Provider
		if err := s.st.DB().WithContext(ctx).First(&provider, m.ProviderID).Error; err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}

		var endpoints []store.ProviderEndpoint
		if err := s.st.DB().WithContext(ctx).
			Where("provider_id = ? AND api_family = ? AND endpoint_kind = ?", provider.ID, req.APIFamily, req.EndpointKind).
			Find(&endpoints).Error; err != nil {
			return nil, err
		}

		for _, ep := range endpoints {
			var creds []store.ProviderAPIKey
			if err := s.st.DB().WithContext(ctx).Where("provider_endpoint_id = ?", ep.ID).Find(&creds).Error; err != nil {
				return nil, err
			}
			for _, cred := range creds {
				if !modelAllowedForCredential(cred, req.RequestedModel) {
					continue
				}
				routes = append(routes, planner.ModelRoute{
					Model:         m,
					GlobalModel:   globalModel,
					Provider:      provider,
					Endpoint:      ep,
					Credential:    cred,
					ModelPriority: upstreamPriority(m, ep),
				})
			}
		}
	}
	return routes, nil
}

// resolveGlobalModelID follows ModelMapping aliases first, then falls
// back to an exact GlobalModel name match, mirroring the source's
// resolve-model-name step that runs before candidate expansion.
func (s *storeSource) resolveGlobalModelID(ctx context.Context, requestedModel string) (uint64, error) {
	var mapping store.ModelMapping
	err := s.st.DB().WithContext(ctx).Where("from_name = ?", requestedModel).First(&mapping).Error
	if err == nil {
		return mapping.ToGlobalModel, nil
	}
	if !isNotFound(err) {
		return 0, err
	}

	var gm store.GlobalModel
	err = s.st.DB().WithContext(ctx).Where("name = ?", requestedModel).First(&gm).Error
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return gm.ID, nil
}

// upstreamPriority picks the best-priority UpstreamNames entry scoped to
// ep's signature (or unscoped), lower is tried first.
func upstreamPriority(m store.Model, ep store.ProviderEndpoint) int {
	best := 1 << 30
	sig := ep.APIFamily + ":" + ep.EndpointKind
	for _, name := range m.UpstreamNames {
		if len(name.Scopes) > 0 && !contains(name.Scopes, sig) {
			continue
		}
		if name.Priority < best {
			best = name.Priority
		}
	}
	if best == 1<<30 {
		return 0
	}
	return best
}

func modelAllowedForCredential(cred store.ProviderAPIKey, model string) bool {
	for _, pattern := range cred.ModelDenyPatterns {
		if matchGlob(pattern, model) {
			return false
		}
	}
	if len(cred.ModelAllowPatterns) == 0 {
		return true
	}
	for _, pattern := range cred.ModelAllowPatterns {
		if matchGlob(pattern, model) {
			return true
		}
	}
	return false
}

// matchGlob supports a single trailing "*" wildcard, the only pattern
// shape spec §3's allow/deny lists use.
func matchGlob(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == s
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool { return err == gorm.ErrRecordNotFound }
