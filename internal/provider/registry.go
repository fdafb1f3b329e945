package provider

import "fmt"

// Record is one configured LLM provider — the provider-selection (C4)
// counterpart to config.ProviderConfig, resolved at startup from it.
// Unlike the Provider interface above (which wraps a live adapter for
// non-OpenAI dialects), Record is the plain data the selector and the
// egress filter reason about: endpoint, credentials, and default model.
type Record struct {
	Name      string // e.g. "openai", "google"
	Interface string // wire dialect: "openai", "google", "anthropic"
	AccessKey string
	Endpoint  string // base URL including scheme, e.g. "https://api.openai.com", or empty
	Port      int
	Model     string // default model for this provider
	Stream    bool
	Default   bool
}

// BaseURL returns the provider's dial target, including the port if one
// is configured (original_source's LlmProvider.port).
func (r Record) BaseURL() string {
	if r.Endpoint == "" {
		return ""
	}
	if r.Port == 0 {
		return r.Endpoint
	}
	return fmt.Sprintf("%s:%d", r.Endpoint, r.Port)
}

// Set is the ordered, process-wide collection of configured providers
// the selector resolves against. Declaration order matters: it's the
// final fallback in Select's resolution order, so Set preserves
// insertion order rather than being a bare map.
type Set struct {
	records []Record
	byName  map[string]int
}

// NewSet builds a Set from records, preserving their given order.
func NewSet(records []Record) *Set {
	s := &Set{records: records, byName: make(map[string]int, len(records))}
	for i, r := range records {
		s.byName[r.Name] = i
	}
	return s
}

// Select resolves exactly one provider per spec.md §4.4's three-step
// order: a hint naming a provider wins; else the provider flagged
// default; else the first by declaration order.
func (s *Set) Select(hint string) (Record, error) {
	if len(s.records) == 0 {
		return Record{}, fmt.Errorf("no providers configured")
	}
	if hint != "" {
		if i, ok := s.byName[hint]; ok {
			return s.records[i], nil
		}
	}
	for _, r := range s.records {
		if r.Default {
			return r, nil
		}
	}
	return s.records[0], nil
}

// Get looks up a provider by exact name, used when trusting an
// already-stamped routing header on ingress.
func (s *Set) Get(name string) (Record, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}
