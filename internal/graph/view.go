package graph

import (
	"sort"
	"sync"
)

// Wanter is one resolved want edge target: the wallet, and the collection
// id when the match came from a collection want.
type Wanter struct {
	Wallet        string
	ViaCollection string
}

// Edge is a directed trade edge: To wants NFT, which From currently owns.
// Each distinct (From, To, NFT) triple is a separate parallel edge.
type Edge struct {
	From          string
	To            string
	NFT           string
	ViaCollection string
}

// View is the read-only projection the algorithms run against. It wraps a
// snapshot, resolves specific and collection wants transparently, and
// memoizes per-NFT wanter resolution for the lifetime of the snapshot.
// Safe for concurrent use by parallel work units.
type View struct {
	snap     *Snapshot
	resolver *CollectionResolver

	// collectionsEnabled short-circuits all collection-want paths when the
	// tenant's feature flag is off.
	collectionsEnabled bool

	mu      sync.RWMutex
	wanters map[string][]Wanter
}

// NewView builds a view over snap. resolver may be nil; collection wants
// then resolve against tenant-local collection membership only.
func NewView(snap *Snapshot, resolver *CollectionResolver, collectionsEnabled bool) *View {
	return &View{
		snap:               snap,
		resolver:           resolver,
		collectionsEnabled: collectionsEnabled,
		wanters:            make(map[string][]Wanter),
	}
}

// Generation returns the generation of the underlying snapshot.
func (v *View) Generation() uint64 { return v.snap.Generation }

// TenantID returns the tenant of the underlying snapshot.
func (v *View) TenantID() string { return v.snap.TenantID }

// Snapshot exposes the underlying snapshot for scoring lookups.
func (v *View) Snapshot() *Snapshot { return v.snap }

// Owner returns the current owner of the NFT.
func (v *View) Owner(nft string) (string, bool) {
	n, ok := v.snap.NFTs[nft]
	if !ok {
		return "", false
	}
	return n.Owner, true
}

// collectionOf resolves the NFT's collection, falling back to the shared
// resolver when the record itself carries none.
func (v *View) collectionOf(nft string) string {
	if n, ok := v.snap.NFTs[nft]; ok && n.Collection != "" {
		return n.Collection
	}
	if v.resolver != nil {
		if coll, ok := v.resolver.CollectionOf(nft); ok {
			return coll
		}
	}
	return ""
}

// Wanters returns every wallet that wants the NFT: the union of specific
// wanters and, when enabled, wallets whose collection want resolves to it.
// The owner is never included. Results are sorted by wallet id and
// memoized for the view's lifetime.
func (v *View) Wanters(nft string) []Wanter {
	v.mu.RLock()
	if cached, ok := v.wanters[nft]; ok {
		v.mu.RUnlock()
		return cached
	}
	v.mu.RUnlock()

	owner, _ := v.Owner(nft)

	seen := make(map[string]struct{})
	var out []Wanter
	for _, w := range v.snap.SpecificWanters[nft] {
		if w == owner {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, Wanter{Wallet: w})
	}

	if v.collectionsEnabled {
		if coll := v.collectionOf(nft); coll != "" {
			for _, w := range v.snap.CollectionWanters[coll] {
				if w == owner {
					continue
				}
				if _, dup := seen[w]; dup {
					continue
				}
				seen[w] = struct{}{}
				out = append(out, Wanter{Wallet: w, ViaCollection: coll})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })

	v.mu.Lock()
	v.wanters[nft] = out
	v.mu.Unlock()
	return out
}

// OutEdges returns the trade edges leaving the wallet, sorted by
// (to-wallet, nft) ascending. This ordering is what makes enumeration
// output stable across runs.
func (v *View) OutEdges(wallet string) []Edge {
	ws, ok := v.snap.Wallets[wallet]
	if !ok {
		return nil
	}
	var out []Edge
	for _, nft := range ws.Owned {
		for _, wanter := range v.Wanters(nft) {
			out = append(out, Edge{
				From:          wallet,
				To:            wanter.Wallet,
				NFT:           nft,
				ViaCollection: wanter.ViaCollection,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].NFT < out[j].NFT
	})
	return out
}

// Wallets returns every wallet id in the snapshot, sorted.
func (v *View) Wallets() []string {
	out := make([]string, 0, len(v.snap.Wallets))
	for id := range v.snap.Wallets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WantsOf returns the NFT ids a wallet's wants resolve to right now:
// specific wants plus, when enabled, every tenant NFT in its wanted
// collections that it does not own.
func (v *View) WantsOf(wallet string) []string {
	ws, ok := v.snap.Wallets[wallet]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, nft := range ws.WantsNFT {
		if _, dup := seen[nft]; !dup {
			seen[nft] = struct{}{}
			out = append(out, nft)
		}
	}
	if v.collectionsEnabled {
		owned := make(map[string]struct{}, len(ws.Owned))
		for _, nft := range ws.Owned {
			owned[nft] = struct{}{}
		}
		for _, coll := range ws.WantsCollection {
			for _, nft := range v.snap.ByCollection[coll] {
				if _, own := owned[nft]; own {
					continue
				}
				if _, dup := seen[nft]; !dup {
					seen[nft] = struct{}{}
					out = append(out, nft)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}
