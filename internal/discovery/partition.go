package discovery

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"tradeloop-engine/internal/graph"
)

// WorkUnit is one independent unit of cycle enumeration: a set of wallets
// known to be mutually reachable (an SCC, or a community within one).
type WorkUnit struct {
	// Wallets is sorted ascending; enumeration iterates it in order.
	Wallets []string

	// Cohesion is the modularity score of the partition this unit came
	// from; zero when community refinement did not run.
	Cohesion float64

	// CommunityOf maps wallet → community index when this unit is the
	// cross-boundary pass over a refined SCC. Cycles whose wallets all
	// share one community are skipped there (the per-community units
	// already emitted them).
	CommunityOf map[string]int
	CrossOnly   bool
}

// PartitionOptions mirror the tenant's algorithm flags.
type PartitionOptions struct {
	UseSCC             bool
	CommunityDetection bool
	CommunityThreshold int
}

// Partition decomposes the wallet subset into work units. With SCC enabled
// it runs Tarjan over the condensed trade graph and drops singleton
// components, which cannot contain cycles. Large SCCs are optionally
// refined into denser communities. For the same input the same set of
// units comes back (order normalized by first wallet), which canonical
// identifiers depend on.
func Partition(v *graph.View, wallets []string, opts PartitionOptions) []WorkUnit {
	if wallets == nil {
		wallets = v.Wallets()
	} else {
		wallets = append([]string(nil), wallets...)
		sort.Strings(wallets)
	}
	if len(wallets) < 2 {
		return nil
	}

	if !opts.UseSCC {
		return []WorkUnit{{Wallets: wallets}}
	}

	idx := make(map[string]int64, len(wallets))
	for i, w := range wallets {
		idx[w] = int64(i)
	}

	dg := simple.NewDirectedGraph()
	for i := range wallets {
		dg.AddNode(simple.Node(int64(i)))
	}
	for _, w := range wallets {
		from := idx[w]
		seen := make(map[int64]struct{})
		for _, e := range v.OutEdges(w) {
			to, ok := idx[e.To]
			if !ok || to == from {
				continue
			}
			// Parallel NFT edges collapse to one reachability edge here;
			// the enumerator re-expands them.
			if _, dup := seen[to]; dup {
				continue
			}
			seen[to] = struct{}{}
			dg.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
		}
	}

	var units []WorkUnit
	for _, scc := range topo.TarjanSCC(dg) {
		if len(scc) < 2 {
			continue
		}
		members := make([]string, 0, len(scc))
		for _, n := range scc {
			members = append(members, wallets[n.ID()])
		}
		sort.Strings(members)

		if opts.CommunityDetection && opts.CommunityThreshold > 0 && len(members) > opts.CommunityThreshold {
			units = append(units, refine(v, members)...)
		} else {
			units = append(units, WorkUnit{Wallets: members})
		}
	}

	sort.Slice(units, func(i, j int) bool {
		if units[i].Wallets[0] != units[j].Wallets[0] {
			return units[i].Wallets[0] < units[j].Wallets[0]
		}
		return !units[i].CrossOnly && units[j].CrossOnly
	})
	return units
}
