package discovery

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"tradeloop-engine/internal/graph"
)

// refine breaks a large SCC into denser communities with a Louvain
// modularity pass and returns one unit per community of size ≥2 plus a
// cross-boundary unit covering the whole SCC. The random source is seeded
// deterministically so the partition is stable for a given input.
func refine(v *graph.View, members []string) []WorkUnit {
	idx := make(map[string]int64, len(members))
	for i, w := range members {
		idx[w] = int64(i)
	}

	// Louvain runs on the undirected projection of the trade graph;
	// direction does not matter for density.
	ug := simple.NewUndirectedGraph()
	for i := range members {
		ug.AddNode(simple.Node(int64(i)))
	}
	for _, w := range members {
		from := idx[w]
		for _, e := range v.OutEdges(w) {
			to, ok := idx[e.To]
			if !ok || to == from {
				continue
			}
			ug.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
		}
	}

	src := rand.NewPCG(0x7261646c, uint64(len(members)))
	reduced := community.Modularize(ug, 1.0, src)
	comms := reduced.Communities()

	cohesion := community.Q(ug, comms, 1.0)
	if cohesion < 0 {
		cohesion = 0
	} else if cohesion > 1 {
		cohesion = 1
	}

	communityOf := make(map[string]int, len(members))
	var units []WorkUnit
	for ci, comm := range comms {
		names := make([]string, 0, len(comm))
		for _, n := range comm {
			name := members[n.ID()]
			names = append(names, name)
			communityOf[name] = ci
		}
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		units = append(units, WorkUnit{Wallets: names, Cohesion: cohesion})
	}

	// Second pass for cycles that cross community boundaries.
	units = append(units, WorkUnit{
		Wallets:     members,
		Cohesion:    cohesion,
		CommunityOf: communityOf,
		CrossOnly:   true,
	})
	return units
}
