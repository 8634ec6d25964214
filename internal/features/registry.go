package features

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// Registry is the static node catalogue. Registration happens during process
// init and is immutable afterwards; resolution and lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	providers map[string]*Node // feature name -> producing node
	order     []string         // registration order, for deterministic listing
}

// NewRegistry creates an empty feature registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:     make(map[string]*Node),
		providers: make(map[string]*Node),
	}
}

// MustRegister adds a node, panicking on duplicate names, duplicate feature
// providers, or missing fields. Called from init paths only.
func (r *Registry) MustRegister(n *Node) {
	if n == nil {
		panic("features: cannot register nil node")
	}
	if n.Name == "" {
		panic("features: node requires a name")
	}
	if len(n.Provides) == 0 {
		panic(fmt.Sprintf("features: node %q provides no features", n.Name))
	}
	if n.Run == nil {
		panic(fmt.Sprintf("features: node %q requires a body", n.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[n.Name]; exists {
		panic(fmt.Sprintf("features: node %q registered twice", n.Name))
	}
	for _, f := range n.Provides {
		if prev, exists := r.providers[f]; exists {
			panic(fmt.Sprintf("features: feature %q provided by both %q and %q", f, prev.Name, n.Name))
		}
	}
	r.nodes[n.Name] = n
	for _, f := range n.Provides {
		r.providers[f] = n
	}
	r.order = append(r.order, n.Name)
}

// Node looks up a node by name.
func (r *Registry) Node(name string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// Provider returns the node producing a feature.
func (r *Registry) Provider(feature string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.providers[feature]
	return n, ok
}

// Nodes returns all nodes in registration order.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.nodes[name])
	}
	return out
}

// Features returns every registered feature name, sorted.
func (r *Registry) Features() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for f := range r.providers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Expand resolves a requested feature list against the registry. Entries
// ending in "*" match every feature with that prefix ("git_*", or "*" for
// all). Exclusions are applied after expansion with the same matching rules.
// A concrete name with no provider is an error; a wildcard matching nothing
// expands to nothing.
func (r *Registry) Expand(requested, exclusions []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make(map[string]bool)
	for _, req := range requested {
		if prefix, ok := wildcardPrefix(req); ok {
			for f := range r.providers {
				if strings.HasPrefix(f, prefix) {
					selected[f] = true
				}
			}
			continue
		}
		if _, ok := r.providers[req]; !ok {
			return nil, ferrors.FeatureError("unknown feature").
				WithContext("feature", req).Build()
		}
		selected[req] = true
	}
	for _, excl := range exclusions {
		if prefix, ok := wildcardPrefix(excl); ok {
			for f := range selected {
				if strings.HasPrefix(f, prefix) {
					delete(selected, f)
				}
			}
			continue
		}
		delete(selected, excl)
	}

	out := make([]string, 0, len(selected))
	for f := range selected {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// Subset returns a registry restricted to the nodes whose name matches one of
// the patterns, using the same trailing-star rules as Expand. An empty pattern
// list keeps every node. A concrete name that matches no node is an error; a
// wildcard matching nothing keeps nothing. Subsetting does not pull in
// dependencies: a kept node whose required features lost their provider fails
// at plan time, which is where the misconfiguration should surface.
func (r *Registry) Subset(patterns []string) (*Registry, error) {
	if len(patterns) == 0 {
		return r, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	keep := make(map[string]bool)
	for _, pat := range patterns {
		if prefix, ok := wildcardPrefix(pat); ok {
			for name := range r.nodes {
				if strings.HasPrefix(name, prefix) {
					keep[name] = true
				}
			}
			continue
		}
		if _, ok := r.nodes[pat]; !ok {
			return nil, ferrors.FeatureError("unknown extraction node").
				WithContext("node", pat).Build()
		}
		keep[pat] = true
	}

	sub := NewRegistry()
	for _, name := range r.order {
		if keep[name] {
			sub.MustRegister(r.nodes[name])
		}
	}
	return sub, nil
}

// wildcardPrefix splits a trailing-star pattern into its literal prefix.
func wildcardPrefix(pattern string) (string, bool) {
	if strings.HasSuffix(pattern, "*") {
		return strings.TrimSuffix(pattern, "*"), true
	}
	return "", false
}
