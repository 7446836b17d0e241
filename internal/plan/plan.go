// Package plan turns a schema into an ordered execution plan: which
// entities import in which wave, and which lookup fields must wait for a
// later pass because they sit on a dependency cycle.
//
// The graph has an edge X -> Y for every lookup-like field on X targeting
// Y. Strongly-connected components condense cycles; the condensation is
// topologically layered into tiers. Inside each cyclic component a
// deterministic member ordering decides which fields defer: every edge
// pointing forward in the ordering, and every self-reference, is written
// null first and filled in once its target exists.
package plan

import (
	"sort"
	"strings"

	"github.com/arkfield/shuttle/internal/schema"
)

// Group is a set of entities written as a unit. Cyclic groups list members
// in write order; running them sequentially keeps every non-deferred
// reference inside the group pointing at entities already written.
type Group struct {
	Entities []string
	Cyclic   bool
}

// Tier is one wave of the import. Groups in a tier have no edges between
// them and may run concurrently.
type Tier struct {
	Groups []Group
}

// Entities flattens the tier's groups, preserving group member order.
func (t Tier) Entities() []string {
	var out []string
	for _, g := range t.Groups {
		out = append(out, g.Entities...)
	}
	return out
}

// ExecutionPlan orders an import of one schema.
type ExecutionPlan struct {
	Tiers []Tier
	// DeferredFields maps entity logical name to the sorted field names
	// omitted at initial write and filled in afterwards.
	DeferredFields map[string][]string
	// M2M lists many-to-many relationship names, sorted.
	M2M []string
}

// EntityCount returns the number of entities the plan schedules.
func (p *ExecutionPlan) EntityCount() int {
	n := 0
	for _, t := range p.Tiers {
		for _, g := range t.Groups {
			n += len(g.Entities)
		}
	}
	return n
}

// DeferredFor returns the deferred field names for an entity, nil when the
// entity defers nothing.
func (p *ExecutionPlan) DeferredFor(entity string) []string {
	return p.DeferredFields[strings.ToLower(entity)]
}

// IsDeferred reports whether a field of an entity is deferred.
func (p *ExecutionPlan) IsDeferred(entity, field string) bool {
	field = strings.ToLower(field)
	for _, f := range p.DeferredFor(entity) {
		if f == field {
			return true
		}
	}
	return false
}

// Build computes the execution plan for a schema. Lookups targeting
// entities outside the schema do not constrain ordering; those records are
// assumed to exist on the target already.
func Build(s *schema.Schema) *ExecutionPlan {
	n := len(s.Entities)
	g := buildGraph(s)
	comps := stronglyConnected(n, g.adj)

	compOf := make([]int, n)
	for ci, comp := range comps {
		for _, v := range comp {
			compOf[v] = ci
		}
	}

	// Tarjan emits a component only after everything reachable from it,
	// so dependencies land before dependents and one pass layers the
	// condensation.
	tierOf := make([]int, len(comps))
	for ci, comp := range comps {
		tier := 0
		for _, v := range comp {
			for _, w := range g.adj[v] {
				if compOf[w] == ci {
					continue
				}
				if t := tierOf[compOf[w]] + 1; t > tier {
					tier = t
				}
			}
		}
		tierOf[ci] = tier
	}

	maxTier := 0
	for _, t := range tierOf {
		if t > maxTier {
			maxTier = t
		}
	}

	p := &ExecutionPlan{
		DeferredFields: make(map[string][]string),
		M2M:            relationshipNames(s),
	}
	if n == 0 {
		return p
	}
	p.Tiers = make([]Tier, maxTier+1)
	for ci, comp := range comps {
		grp := buildGroup(s, g, comp)
		p.Tiers[tierOf[ci]].Groups = append(p.Tiers[tierOf[ci]].Groups, grp)
		if grp.Cyclic {
			p.deferFields(s, g, compOf, ci, grp.Entities)
		}
	}
	for i := range p.Tiers {
		sort.Slice(p.Tiers[i].Groups, func(a, b int) bool {
			return p.Tiers[i].Groups[a].Entities[0] < p.Tiers[i].Groups[b].Entities[0]
		})
	}
	return p
}

type graph struct {
	adj      [][]int // deduplicated edges, entity index -> targets
	indegree []int
	selfEdge []bool
}

func buildGraph(s *schema.Schema) *graph {
	n := len(s.Entities)
	g := &graph{
		adj:      make([][]int, n),
		indegree: make([]int, n),
		selfEdge: make([]bool, n),
	}
	for i := range s.Entities {
		seen := make(map[int]bool)
		for _, f := range s.Entities[i].LookupFields() {
			j := s.Index(f.TargetEntity)
			if j < 0 {
				continue
			}
			if j == i {
				g.selfEdge[i] = true
				continue
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.adj[i] = append(g.adj[i], j)
			g.indegree[j]++
		}
	}
	return g
}

// stronglyConnected runs Tarjan's algorithm and returns components in
// reverse topological order of the condensation.
func stronglyConnected(n int, adj [][]int) [][]int {
	const unvisited = -1
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
	}
	var (
		stack []int
		next  int
		comps [][]int
	)

	var connect func(v int)
	connect = func(v int) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if index[w] == unvisited {
				connect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] != index[v] {
			return
		}
		var comp []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		comps = append(comps, comp)
	}

	for v := 0; v < n; v++ {
		if index[v] == unvisited {
			connect(v)
		}
	}
	return comps
}

func buildGroup(s *schema.Schema, g *graph, comp []int) Group {
	if len(comp) == 1 && !g.selfEdge[comp[0]] {
		return Group{Entities: []string{s.Entities[comp[0]].LogicalName}}
	}
	ordered := append([]int(nil), comp...)
	sort.Slice(ordered, func(a, b int) bool {
		return orderBefore(s, g, ordered[a], ordered[b])
	})
	names := make([]string, len(ordered))
	for i, v := range ordered {
		names[i] = s.Entities[v].LogicalName
	}
	return Group{Entities: names, Cyclic: true}
}

// orderBefore is the deterministic member ordering inside a cyclic group:
// ascending logical name, then descending in-degree.
func orderBefore(s *schema.Schema, g *graph, a, b int) bool {
	na, nb := s.Entities[a].LogicalName, s.Entities[b].LogicalName
	if na != nb {
		return na < nb
	}
	return g.indegree[a] > g.indegree[b]
}

// deferFields marks every field producing a self-edge or a forward
// intra-group edge as deferred on its owner.
func (p *ExecutionPlan) deferFields(s *schema.Schema, g *graph, compOf []int, ci int, ordered []string) {
	pos := make(map[string]int, len(ordered))
	for i, name := range ordered {
		pos[name] = i
	}
	for _, name := range ordered {
		ent, _ := s.Entity(name)
		var deferred []string
		for _, f := range ent.LookupFields() {
			j := s.Index(f.TargetEntity)
			if j < 0 || compOf[j] != ci {
				continue
			}
			target := s.Entities[j].LogicalName
			if target == name || pos[name] < pos[target] {
				deferred = append(deferred, f.LogicalName)
			}
		}
		if len(deferred) > 0 {
			sort.Strings(deferred)
			p.DeferredFields[name] = deferred
		}
	}
}

func relationshipNames(s *schema.Schema) []string {
	rels := s.ManyToMany()
	names := make([]string, len(rels))
	for i, r := range rels {
		names[i] = r.Name
	}
	return names
}
