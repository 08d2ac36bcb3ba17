// Package routing resolves a requested model identifier to a provider.
//
// Resolution order:
//  1. exact lookup in the configured model mapping;
//  2. lower-cased substring rules, first match wins (see Rules);
//  3. otherwise the model is unknown.
//
// The mapping can be replaced at runtime; resolution itself has no side
// effects.
package routing

import (
	"strings"
	"sync/atomic"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// Rule maps a lower-case substring of the model id to a provider.
type Rule struct {
	Substring string
	Provider  providers.ID
}

// rules is evaluated top to bottom. "azure-gpt-4o" contains "gpt" and so
// resolves to OpenAI unless the mapping says otherwise.
var rules = []Rule{
	{"claude", providers.Anthropic},
	{"gpt", providers.OpenAI},
	{"o1", providers.OpenAI},
	{"o3", providers.OpenAI},
	{"azure", providers.Azure},
	{"text-embedding", providers.OpenAI},
}

// Rules returns a copy of the heuristic rules in evaluation order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Router is safe for concurrent use.
type Router struct {
	mapping atomic.Pointer[map[string]providers.ID]
}

// New creates a Router with a private copy of mapping.
func New(mapping map[string]providers.ID) *Router {
	r := &Router{}
	r.Replace(mapping)
	return r
}

// Replace swaps the mapping atomically. In-flight resolutions keep using the
// previous table.
func (r *Router) Replace(mapping map[string]providers.ID) {
	m := make(map[string]providers.ID, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	r.mapping.Store(&m)
}

// Mapping returns a copy of the current mapping.
func (r *Router) Mapping() map[string]providers.ID {
	cur := *r.mapping.Load()
	out := make(map[string]providers.ID, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// Resolve returns the provider for model or a KindUnknownModel error.
func (r *Router) Resolve(model string) (providers.ID, error) {
	if strings.TrimSpace(model) == "" {
		return "", providers.UnknownModel("")
	}
	if id, ok := (*r.mapping.Load())[model]; ok {
		return id, nil
	}
	lower := strings.ToLower(model)
	for _, rule := range rules {
		if strings.Contains(lower, rule.Substring) {
			return rule.Provider, nil
		}
	}
	return "", providers.UnknownModel(model)
}
