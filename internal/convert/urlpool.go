package convert

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// OtterURLAvailability is the production URLAvailability backing the
// AntigravityEnvelope's "prioritised pool whose entries are demoted on
// 429/5xx and recover after a TTL" requirement (spec §4.G): MarkUnavailable
// writes a short-TTL demotion marker; MarkSuccess clears it early. Grounded
// on eugener-gandalf's internal/cache/memory.go otter wrapper — same
// W-TinyLFU cache, used here as a scored-demotion ledger instead of a
// response-body cache, per the §9 "global mutable singletons → explicit
// process-scoped services" redesign note.
type OtterURLAvailability struct {
	demoted *otter.Cache[string, time.Time]
	ttl     time.Duration
}

// NewOtterURLAvailability builds a pool that demotes a base URL for ttl
// after a 429/5xx/connection error. A zero ttl defaults to 60s.
func NewOtterURLAvailability(ttl time.Duration) *OtterURLAvailability {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	c := otter.Must(&otter.Options[string, time.Time]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, time.Time](ttl),
	})
	return &OtterURLAvailability{demoted: c, ttl: ttl}
}

func (p *OtterURLAvailability) MarkSuccess(baseURL string) {
	p.demoted.Invalidate(baseURL)
}

func (p *OtterURLAvailability) MarkUnavailable(baseURL string) {
	p.demoted.Set(baseURL, time.Now().Add(p.ttl))
}

// Available reports whether baseURL's demotion window has expired,
// letting a caller building the prioritised pool skip recently-failing
// entries without pre-emptively removing them (they recover on their own
// once the TTL lapses, matching the spec's "recover after a TTL" wording).
func (p *OtterURLAvailability) Available(baseURL string) bool {
	until, ok := p.demoted.GetIfPresent(baseURL)
	if !ok {
		return true
	}
	return time.Now().After(until)
}

// OtterSignatureCache is the production SignatureCache: remembers
// (model, text) -> thoughtSignature for Antigravity's reasoning replay,
// bounded and TTL'd the same way as the URL pool rather than growing
// unbounded for the life of the process.
type OtterSignatureCache struct {
	cache *otter.Cache[string, string]
}

func NewOtterSignatureCache(ttl time.Duration) *OtterSignatureCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c := otter.Must(&otter.Options[string, string]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
	})
	return &OtterSignatureCache{cache: c}
}

func (s *OtterSignatureCache) Cache(model, text, signature string) {
	s.cache.Set(model+"\x00"+text, signature)
}

// Lookup returns a previously cached signature for (model, text), if any.
func (s *OtterSignatureCache) Lookup(model, text string) (string, bool) {
	return s.cache.GetIfPresent(model + "\x00" + text)
}
