// Package planner implements the candidate planner of spec §4.F: it expands
// a requested model into a ranked list of (provider, endpoint, credential)
// triples the dispatch pipeline attempts in order, generalizing the
// teacher's flat provider-name failover list (internal/proxy/routing.go,
// failover.go: resolveProvider/buildCandidateList/DefaultFallbackOrder) into
// the full ranked-triple model the spec requires.
package planner

import (
	"sort"
	"strconv"

	"github.com/dgryski/go-rendezvous"

	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Candidate is one ranked attempt: a specific provider endpoint and
// credential capable of serving the resolved model.
type Candidate struct {
	ProviderID       uint64
	ProviderName     string
	ProviderType     string // e.g. "codex", "antigravity" — selects a convert.VariantHook
	EndpointID       uint64
	CredentialID     uint64
	ModelID          uint64
	GlobalModelID    uint64
	UpstreamModel    string
	APIFamily        string
	EndpointKind     string
	ProviderPriority int
	CredentialPriority int
	ModelPriority    int
	HealthScore      float64
}

// Request describes what the caller wants resolved.
type Request struct {
	RequestedModel    string
	APIFamily         string
	EndpointKind      string
	TaskType          string
	AllowedProviders  []string // empty = no restriction
	AllowedEndpoints  []string // empty = no restriction; matched against "family:kind"
	AllowedAPIFormats []string // empty = no restriction; matched against the endpoint's api_family
	AllowedModels     []string // empty = no restriction
	// RequiredCapabilities lists capability tags (e.g. "vision",
	// "function_calling", "extended_thinking") the request shape demands;
	// a candidate's effective capability set (Model override, else
	// GlobalModel default) must be a superset.
	RequiredCapabilities []string
	AffinityKey          string // e.g. api_key_id, used for hash dispersion tie-breaks
}

// Source supplies the candidate universe; implemented by internal/store in
// production and fakeable in tests.
type Source interface {
	// ResolveModels returns every (Model, GlobalModel, Provider, Endpoint,
	// Credential) combination that could serve req.RequestedModel. The
	// store-backed source leaves out credentials whose model allow/deny
	// patterns reject the model and applies no other enabled or expiry filter.
	ResolveModels(req Request) ([]ModelRoute, error)
}

// ModelRoute is one raw joined row the store hands back before ranking.
type ModelRoute struct {
	Model         store.Model
	GlobalModel   store.GlobalModel
	Provider      store.Provider
	Endpoint      store.ProviderEndpoint
	Credential    store.ProviderAPIKey
	ModelPriority int
}

// Planner ranks candidates for a request and filters out inadmissible
// credentials via the health manager.
type Planner struct {
	source Source
	health *health.Manager
}

func New(source Source, h *health.Manager) *Planner {
	return &Planner{source: source, health: h}
}

// Plan returns candidates in attempt order: highest-priority, healthiest
// first, with rendezvous-hash dispersion breaking ties between otherwise
// equivalent credentials so load spreads instead of pinning to one.
func (p *Planner) Plan(req Request) ([]Candidate, error) {
	routes, err := p.source.ResolveModels(req)
	if err != nil {
		return nil, err
	}

	allowedProviders := toSet(req.AllowedProviders)
	allowedEndpoints := toSet(req.AllowedEndpoints)
	allowedAPIFormats := toSet(req.AllowedAPIFormats)
	allowedModels := toSet(req.AllowedModels)

	candidates := make([]Candidate, 0, len(routes))
	for _, r := range routes {
		if len(allowedProviders) > 0 && !allowedProviders[r.Provider.Name] {
			continue
		}
		if len(allowedEndpoints) > 0 && !allowedEndpoints[r.Endpoint.APIFamily+":"+r.Endpoint.EndpointKind] {
			continue
		}
		if len(allowedAPIFormats) > 0 && !allowedAPIFormats[r.Endpoint.APIFamily] {
			continue
		}
		if len(allowedModels) > 0 && !allowedModels[req.RequestedModel] {
			continue
		}
		if !capabilitiesSatisfied(r, req.RequiredCapabilities) {
			continue
		}
		if p.health != nil && !p.health.Admissible(r.Credential.ID, r.Credential.MaxConcurrent, rpmFor(r.Credential)) {
			continue
		}

		healthScore := 1.0
		if p.health != nil {
			healthScore = healthScoreFor(p.health, r.Credential.ID)
		}

		candidates = append(candidates, Candidate{
			ProviderID:         r.Provider.ID,
			ProviderName:       r.Provider.Name,
			ProviderType:       r.Provider.ProviderType,
			EndpointID:         r.Endpoint.ID,
			CredentialID:       r.Credential.ID,
			ModelID:            r.Model.ID,
			GlobalModelID:      r.GlobalModel.ID,
			UpstreamModel:      resolveUpstreamName(r),
			APIFamily:          r.Endpoint.APIFamily,
			EndpointKind:       r.Endpoint.EndpointKind,
			ProviderPriority:   r.Provider.Priority,
			CredentialPriority: r.Credential.InternalPriority,
			ModelPriority:      r.ModelPriority,
			HealthScore:        healthScore,
		})
	}

	rank(candidates, req.AffinityKey)
	return candidates, nil
}

// rank sorts candidates by the lexicographic key of spec §4.F: model
// priority, provider priority, and credential priority ascending (lower
// number = tried earlier, matching Provider.Priority's convention), then
// health score descending, then disperses ties via rendezvous/HRW hashing
// keyed on the caller's affinity key so repeated identical requests don't
// always pin to the same credential among equals.
func rank(candidates []Candidate, affinityKey string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ModelPriority != b.ModelPriority {
			return a.ModelPriority < b.ModelPriority
		}
		if a.ProviderPriority != b.ProviderPriority {
			return a.ProviderPriority < b.ProviderPriority
		}
		if a.CredentialPriority != b.CredentialPriority {
			return a.CredentialPriority < b.CredentialPriority
		}
		if a.HealthScore != b.HealthScore {
			return a.HealthScore > b.HealthScore
		}
		return false // equal bucket: dispersion pass below decides
	})

	disperseTies(candidates, affinityKey)
}

// disperseTies finds runs of candidates that compared equal under rank's
// sort keys and reorders each run by rendezvous score against affinityKey,
// so the "first" candidate among equals varies by affinity key rather than
// staying fixed at insertion order.
func disperseTies(candidates []Candidate, affinityKey string) {
	if affinityKey == "" {
		return
	}
	start := 0
	for start < len(candidates) {
		end := start + 1
		for end < len(candidates) && sameBucket(candidates[start], candidates[end]) {
			end++
		}
		if end-start > 1 {
			disperseRun(candidates[start:end], affinityKey)
		}
		start = end
	}
}

func sameBucket(a, b Candidate) bool {
	return a.ModelPriority == b.ModelPriority &&
		a.ProviderPriority == b.ProviderPriority &&
		a.CredentialPriority == b.CredentialPriority &&
		a.HealthScore == b.HealthScore
}

func disperseRun(run []Candidate, affinityKey string) {
	nodes := make([]string, len(run))
	byNode := make(map[string]Candidate, len(run))
	for i, c := range run {
		key := strconv.FormatUint(c.CredentialID, 10)
		nodes[i] = key
		byNode[key] = c
	}

	hasher := func(s string) uint64 { return fnv64a(s) }
	rv := rendezvous.New(nodes, hasher)

	// Stable-sort the run by decreasing rendezvous score for affinityKey,
	// approximated by repeatedly picking the winning node and removing it.
	remaining := append([]string(nil), nodes...)
	ordered := make([]Candidate, 0, len(run))
	for len(remaining) > 0 {
		winner := rv.Lookup(affinityKey)
		ordered = append(ordered, byNode[winner])
		remaining = removeString(remaining, winner)
		rv = rendezvous.New(remaining, hasher)
	}
	copy(run, ordered)
}

func removeString(s []string, v string) []string {
	out := make([]string, 0, len(s))
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// resolveUpstreamName picks the highest-priority UpstreamNames entry scoped
// to r.Endpoint's (family, kind) signature (or unscoped), matching
// dispatch.upstreamPriority's scope filter exactly so the number used to
// rank a candidate and the name sent over the wire for that candidate agree.
// Ties (equal Priority) are broken by the same rendezvous hash-dispersion
// rule used elsewhere in this package, keyed on the candidate's credential.
func resolveUpstreamName(r ModelRoute) string {
	sig := r.Endpoint.APIFamily + ":" + r.Endpoint.EndpointKind

	best := 1 << 30
	var tied []string
	for _, alt := range r.Model.UpstreamNames {
		if len(alt.Scopes) > 0 && !contains(alt.Scopes, sig) {
			continue
		}
		switch {
		case alt.Priority < best:
			best = alt.Priority
			tied = []string{alt.Name}
		case alt.Priority == best:
			tied = append(tied, alt.Name)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	if len(tied) > 1 {
		return disperseNames(tied, strconv.FormatUint(r.Credential.ID, 10))
	}
	return r.GlobalModel.Name
}

// disperseNames picks among equal-priority name candidates by rendezvous
// score against key, the same dispersion primitive disperseRun uses for
// candidate ordering.
func disperseNames(names []string, key string) string {
	hasher := func(s string) uint64 { return fnv64a(s) }
	rv := rendezvous.New(names, hasher)
	return rv.Lookup(key)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// capabilitiesSatisfied checks that r's effective capability set — the
// Model's CapabilityOverride when non-empty, else the GlobalModel's
// Capabilities — is a superset of required, per spec §4.F ("honour both
// the GlobalModel defaults and the Model overrides").
func capabilitiesSatisfied(r ModelRoute, required []string) bool {
	if len(required) == 0 {
		return true
	}
	effective := r.Model.CapabilityOverride
	if len(effective) == 0 {
		effective = r.GlobalModel.Capabilities
	}
	have := toSet(effective)
	for _, capability := range required {
		if !have[capability] {
			return false
		}
	}
	return true
}

func rpmFor(cred store.ProviderAPIKey) float64 {
	if cred.RateMultiplier > 0 {
		return 600 * cred.RateMultiplier
	}
	return 600
}

func healthScoreFor(h *health.Manager, credentialID uint64) float64 {
	switch h.StateLabel(credentialID) {
	case "open":
		return 0
	case "half_open":
		return 0.5
	default:
		return 1
	}
}
