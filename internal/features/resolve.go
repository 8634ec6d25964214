package features

import (
	"sort"
	"strings"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// Plan is a resolved execution plan: the selected nodes arranged into
// dependency levels, the features they will produce, and the transitive
// union of resources they require. Nodes within one level share no feature
// edges and may run concurrently.
type Plan struct {
	Levels    [][]*Node
	Features  []string
	Resources []string
}

// Nodes returns the planned nodes flattened in level order.
func (p *Plan) Nodes() []*Node {
	var out []*Node
	for _, level := range p.Levels {
		out = append(out, level...)
	}
	return out
}

// Empty reports whether the plan selects no nodes (a scan-only scenario).
func (p *Plan) Empty() bool { return len(p.Levels) == 0 }

// Resolve expands a requested feature set and plans its execution: the
// providers of every requested feature are selected, then the providers of
// their required features, recursively. The selected nodes are levelled by
// feature dependency; a dependency cycle is an error naming the nodes stuck
// on it.
func (r *Registry) Resolve(requested, exclusions []string) (*Plan, error) {
	feats, err := r.Expand(requested, exclusions)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Select providers transitively.
	selected := make(map[string]*Node)
	queue := make([]*Node, 0, len(feats))
	for _, f := range feats {
		queue = append(queue, r.providers[f])
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, done := selected[n.Name]; done {
			continue
		}
		selected[n.Name] = n
		for _, rf := range n.RequiresFeatures {
			p, ok := r.providers[rf]
			if !ok {
				return nil, ferrors.FeatureError("no provider for required feature").
					WithContext("node", n.Name).WithContext("feature", rf).Build()
			}
			queue = append(queue, p)
		}
	}

	// Edges between selected nodes, deduplicated per provider.
	indeg := make(map[string]int, len(selected))
	consumers := make(map[string][]*Node, len(selected))
	for _, n := range selected {
		deps := make(map[string]bool)
		for _, rf := range n.RequiresFeatures {
			p := r.providers[rf]
			if deps[p.Name] {
				continue
			}
			deps[p.Name] = true
			indeg[n.Name]++
			consumers[p.Name] = append(consumers[p.Name], n)
		}
	}

	// Kahn level peeling. Leftover nodes mean a cycle.
	var current []*Node
	for _, n := range selected {
		if indeg[n.Name] == 0 {
			current = append(current, n)
		}
	}
	sortNodes(current)

	plan := &Plan{}
	remaining := len(selected)
	for len(current) > 0 {
		plan.Levels = append(plan.Levels, current)
		var next []*Node
		for _, n := range current {
			remaining--
			for _, c := range consumers[n.Name] {
				indeg[c.Name]--
				if indeg[c.Name] == 0 {
					next = append(next, c)
				}
			}
		}
		sortNodes(next)
		current = next
	}
	if remaining > 0 {
		var stuck []string
		for name := range selected {
			if indeg[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, ferrors.FeatureError("feature dependency cycle").
			WithContext("nodes", strings.Join(stuck, ",")).Build()
	}

	// Produced features and the resource union.
	featSet := make(map[string]bool)
	resSet := make(map[string]bool)
	for _, n := range selected {
		for _, f := range n.Provides {
			featSet[f] = true
		}
		for _, res := range n.RequiresResources {
			resSet[res] = true
		}
	}
	plan.Features = sortedKeys(featSet)
	plan.Resources = sortedKeys(resSet)
	return plan, nil
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
