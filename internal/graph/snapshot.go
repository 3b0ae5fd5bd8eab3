package graph

import (
	"sort"
	"time"

	"tradeloop-engine/internal/models"
)

// WalletSnap is the immutable per-wallet slice of a Snapshot. Slices are
// sorted so downstream iteration is deterministic.
type WalletSnap struct {
	ID              string                    `json:"id"`
	Owned           []string                  `json:"owned,omitempty"`
	WantsNFT        []string                  `json:"wants_nft,omitempty"`
	WantsCollection []string                  `json:"wants_collection,omitempty"`
	Prefs           *models.WalletPreferences `json:"prefs,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Snapshot is a point-in-time copy of a tenant graph, sufficient for the
// unified view and the discovery pipeline to run without further locking.
type Snapshot struct {
	TenantID   string    `json:"tenant_id"`
	Generation uint64    `json:"generation"`
	TakenAt    time.Time `json:"taken_at"`

	Wallets map[string]WalletSnap `json:"wallets"`
	NFTs    map[string]models.NFT `json:"nfts"`

	SpecificWanters   map[string][]string `json:"specific_wanters,omitempty"`
	CollectionWanters map[string][]string `json:"collection_wanters,omitempty"`
	ByCollection      map[string][]string `json:"by_collection,omitempty"`
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the live graph under a read lock. NFT metadata blobs are
// shared by reference; they are treated as immutable everywhere.
func (g *TenantGraph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := &Snapshot{
		TenantID:          g.tenantID,
		Generation:        g.generation,
		TakenAt:           time.Now(),
		Wallets:           make(map[string]WalletSnap, len(g.wallets)),
		NFTs:              make(map[string]models.NFT, len(g.nfts)),
		SpecificWanters:   make(map[string][]string, len(g.specificWanters)),
		CollectionWanters: make(map[string][]string, len(g.collectionWanters)),
		ByCollection:      make(map[string][]string, len(g.byCollection)),
	}
	for id, w := range g.wallets {
		s.Wallets[id] = WalletSnap{
			ID:              id,
			Owned:           sortedKeys(w.owned),
			WantsNFT:        sortedKeys(w.wantsNFT),
			WantsCollection: sortedKeys(w.wantsCollection),
			Prefs:           w.prefs,
			UpdatedAt:       w.updatedAt,
		}
	}
	for id, n := range g.nfts {
		s.NFTs[id] = *n
	}
	for nft, set := range g.specificWanters {
		s.SpecificWanters[nft] = sortedKeys(set)
	}
	for coll, set := range g.collectionWanters {
		s.CollectionWanters[coll] = sortedKeys(set)
	}
	for coll, set := range g.byCollection {
		s.ByCollection[coll] = sortedKeys(set)
	}
	return s
}

// RestoreSnapshot replaces the graph contents with the snapshot's. Used by
// the persistence collaborator; the generation counter is carried over so
// loops serialized alongside the graph stay valid.
func (g *TenantGraph) RestoreSnapshot(s *Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.generation = s.Generation
	g.wallets = make(map[string]*walletRecord, len(s.Wallets))
	g.nfts = make(map[string]*models.NFT, len(s.NFTs))
	g.specificWanters = make(map[string]map[string]struct{})
	g.collectionWanters = make(map[string]map[string]struct{})
	g.byCollection = make(map[string]map[string]struct{})

	for id, ws := range s.Wallets {
		w := &walletRecord{
			id:              id,
			owned:           make(map[string]struct{}, len(ws.Owned)),
			wantsNFT:        make(map[string]struct{}, len(ws.WantsNFT)),
			wantsCollection: make(map[string]struct{}, len(ws.WantsCollection)),
			prefs:           ws.Prefs,
			updatedAt:       ws.UpdatedAt,
		}
		for _, nft := range ws.Owned {
			w.owned[nft] = struct{}{}
		}
		for _, nft := range ws.WantsNFT {
			w.wantsNFT[nft] = struct{}{}
			set, ok := g.specificWanters[nft]
			if !ok {
				set = make(map[string]struct{})
				g.specificWanters[nft] = set
			}
			set[id] = struct{}{}
		}
		for _, coll := range ws.WantsCollection {
			w.wantsCollection[coll] = struct{}{}
			set, ok := g.collectionWanters[coll]
			if !ok {
				set = make(map[string]struct{})
				g.collectionWanters[coll] = set
			}
			set[id] = struct{}{}
		}
		g.wallets[id] = w
	}
	for id, n := range s.NFTs {
		rec := n
		g.nfts[id] = &rec
		if n.Collection != "" {
			set, ok := g.byCollection[n.Collection]
			if !ok {
				set = make(map[string]struct{})
				g.byCollection[n.Collection] = set
			}
			set[id] = struct{}{}
		}
	}
}
