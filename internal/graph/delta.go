package graph

import (
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"tradeloop-engine/internal/models"
)

// Affected is the delta detector's answer: the wallets and NFTs whose
// participation in any cycle could have changed after an event. Full means
// the closure blew past MaxCommunitySize and the caller should run a
// whole-graph pass instead.
type Affected struct {
	Wallets mapset.Set[string]
	NFTs    mapset.Set[string]
	Full    bool
}

// DeltaDetector computes affected communities: a breadth-first closure
// around the event's seed wallets, bounded by MaxDepth edges, over the
// undirected version of the trade graph.
type DeltaDetector struct {
	MaxDepth         int
	MaxCommunitySize int

	broadInvalidations atomic.Uint64
}

// BroadInvalidations returns how many times the detector degraded to a
// full-graph pass.
func (d *DeltaDetector) BroadInvalidations() uint64 {
	return d.broadInvalidations.Load()
}

// Affected computes the affected community for ev against the view.
func (d *DeltaDetector) Affected(v *View, ev models.GraphEvent) Affected {
	if ev.Kind == models.EventRediscover {
		d.broadInvalidations.Add(1)
		return Affected{Wallets: mapset.NewSet[string](), NFTs: mapset.NewSet[string](), Full: true}
	}

	seeds := mapset.NewSet[string]()
	nfts := mapset.NewSet[string]()

	seed := func(w string) {
		if w != "" {
			if _, ok := v.snap.Wallets[w]; ok {
				seeds.Add(w)
			}
		}
	}

	switch ev.Kind {
	case models.EventWalletRemoved:
		// The wallet is already gone from the snapshot, so its id seeds
		// cache invalidation directly. The removal cascade emits a
		// per-NFT and per-want event before this one, and those carry
		// the bounded closures around its former counterparties.
		seeds.Add(ev.Wallet)
	case models.EventNFTAdded, models.EventNFTRemoved:
		seed(ev.Wallet)
		seed(ev.PriorOwner)
		nfts.Add(ev.NFT)
		// Every wallet whose specific or collection want matches this NFT.
		for _, w := range v.snap.SpecificWanters[ev.NFT] {
			seed(w)
		}
		if ev.Collection != "" {
			for _, w := range v.snap.CollectionWanters[ev.Collection] {
				seed(w)
			}
		}
	case models.EventWantAdded, models.EventWantRemoved:
		seed(ev.Wallet)
		if ev.NFT != "" {
			nfts.Add(ev.NFT)
			if owner, ok := v.Owner(ev.NFT); ok {
				seed(owner)
			}
		}
		if ev.Collection != "" {
			for _, nft := range v.snap.ByCollection[ev.Collection] {
				nfts.Add(nft)
				if owner, ok := v.Owner(nft); ok {
					seed(owner)
				}
			}
		}
	}

	wallets := d.expand(v, seeds)
	if d.MaxCommunitySize > 0 && wallets.Cardinality() > d.MaxCommunitySize {
		d.broadInvalidations.Add(1)
		return Affected{Wallets: wallets, NFTs: nfts, Full: true}
	}

	// Pull in the NFTs owned by the affected wallets so cache
	// invalidation by NFT id catches every candidate loop.
	for w := range wallets.Iter() {
		if ws, ok := v.snap.Wallets[w]; ok {
			for _, nft := range ws.Owned {
				nfts.Add(nft)
			}
		}
	}
	return Affected{Wallets: wallets, NFTs: nfts}
}

// expand walks up to MaxDepth hops from the seed wallets, following trade
// edges in both directions.
func (d *DeltaDetector) expand(v *View, seeds mapset.Set[string]) mapset.Set[string] {
	visited := seeds.Clone()
	frontier := seeds.ToSlice()

	for depth := 0; depth < d.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, u := range frontier {
			// Forward: wallets that want something u owns.
			for _, e := range v.OutEdges(u) {
				if visited.Add(e.To) {
					next = append(next, e.To)
				}
			}
			// Backward: owners of NFTs u wants.
			for _, nft := range v.WantsOf(u) {
				if owner, ok := v.Owner(nft); ok {
					if visited.Add(owner) {
						next = append(next, owner)
					}
				}
			}
			if d.MaxCommunitySize > 0 && visited.Cardinality() > d.MaxCommunitySize {
				return visited
			}
		}
		frontier = next
	}
	return visited
}
