package graph

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"tradeloop-engine/internal/models"
)

// Delimiter is reserved for canonical loop serialization and must not
// appear inside wallet, NFT, or collection identifiers.
const Delimiter = "→"

type walletRecord struct {
	id              string
	owned           map[string]struct{}
	wantsNFT        map[string]struct{}
	wantsCollection map[string]struct{}
	prefs           *models.WalletPreferences
	updatedAt       time.Time
}

func (w *walletRecord) empty() bool {
	return len(w.owned) == 0 && len(w.wantsNFT) == 0 && len(w.wantsCollection) == 0
}

// TenantGraph is the authoritative live state for one tenant: wallets,
// NFTs, specific and collection wants. A single-writer multi-reader lock
// guards all state; every successful mutation bumps the generation counter
// and returns the events it produced. Publishing those events is the
// caller's job (the engine owns the per-tenant channel), which keeps the
// graph free of channel backpressure concerns.
type TenantGraph struct {
	mu         sync.RWMutex
	tenantID   string
	generation uint64

	wallets map[string]*walletRecord
	nfts    map[string]*models.NFT

	// Reverse want indexes. specificWanters: nft id → wallets wanting it.
	// collectionWanters: collection id → wallets wanting any of it.
	specificWanters   map[string]map[string]struct{}
	collectionWanters map[string]map[string]struct{}

	// byCollection: collection id → nft ids in this tenant.
	byCollection map[string]map[string]struct{}
}

// NewTenantGraph creates an empty graph for the tenant.
func NewTenantGraph(tenantID string) *TenantGraph {
	return &TenantGraph{
		tenantID:          tenantID,
		wallets:           make(map[string]*walletRecord),
		nfts:              make(map[string]*models.NFT),
		specificWanters:   make(map[string]map[string]struct{}),
		collectionWanters: make(map[string]map[string]struct{}),
		byCollection:      make(map[string]map[string]struct{}),
	}
}

// Generation returns the tenant's monotonic mutation counter.
func (g *TenantGraph) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.generation
}

// Counts returns (wallets, nfts, wants) for status reporting.
func (g *TenantGraph) Counts() (int, int, int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	wants := 0
	for _, w := range g.wallets {
		wants += len(w.wantsNFT) + len(w.wantsCollection)
	}
	return len(g.wallets), len(g.nfts), wants
}

// ValidateID rejects empty identifiers and ones containing the reserved
// delimiter. Exposed so callers can validate a whole batch before
// applying any of it.
func ValidateID(kind, id string) error { return validateID(kind, id) }

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty %s identifier", models.ErrInvalidInput, kind)
	}
	if strings.Contains(id, Delimiter) {
		return fmt.Errorf("%w: %s identifier contains reserved delimiter", models.ErrInvalidInput, kind)
	}
	return nil
}

func (g *TenantGraph) walletLocked(id string) *walletRecord {
	w, ok := g.wallets[id]
	if !ok {
		w = &walletRecord{
			id:              id,
			owned:           make(map[string]struct{}),
			wantsNFT:        make(map[string]struct{}),
			wantsCollection: make(map[string]struct{}),
		}
		g.wallets[id] = w
	}
	return w
}

// gcWalletLocked drops a wallet that holds nothing and wants nothing.
func (g *TenantGraph) gcWalletLocked(id string) {
	if w, ok := g.wallets[id]; ok && w.empty() {
		delete(g.wallets, id)
	}
}

func (g *TenantGraph) eventLocked(kind models.EventKind) models.GraphEvent {
	return models.GraphEvent{
		Tenant:     g.tenantID,
		Generation: g.generation,
		Kind:       kind,
		At:         time.Now(),
	}
}

// AddNFT inserts or moves an NFT. When the NFT already exists under a
// different owner, the later submission wins: an explicit NFTRemoved for
// the prior owner precedes the NFTAdded, and displaced reports true so the
// caller can attach a warning to the response. Re-submitting an identical
// ownership is a no-op (no events, no generation bump); metadata and
// valuation are still refreshed in place. A same-owner resubmit under a
// different collection re-indexes the NFT and emits removed+added events.
func (g *TenantGraph) AddNFT(n models.NFT) (events []models.GraphEvent, displaced bool, err error) {
	if err := validateID("nft", n.ID); err != nil {
		return nil, false, err
	}
	if err := validateID("wallet", n.Owner); err != nil {
		return nil, false, err
	}
	if n.Collection != "" {
		if err := validateID("collection", n.Collection); err != nil {
			return nil, false, err
		}
	}
	if n.Valuation != nil && n.Valuation.Amount < 0 {
		return nil, false, fmt.Errorf("%w: negative valuation for nft %s", models.ErrInvalidInput, n.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	n.UpdatedAt = now

	if existing, ok := g.nfts[n.ID]; ok {
		if existing.Owner == n.Owner {
			// Same owner: refresh pass-through fields without an event.
			existing.Metadata = n.Metadata
			existing.PlatformData = n.PlatformData
			existing.Valuation = n.Valuation
			if existing.Collection == n.Collection {
				return nil, false, nil
			}

			// A collection change rewires collection-want edges, so it
			// must flow through the delta pipeline like any other
			// mutation. Both events share one generation.
			oldColl := existing.Collection
			g.setCollectionLocked(n.ID, oldColl, n.Collection)
			existing.Collection = n.Collection
			existing.UpdatedAt = now
			g.generation++

			ev := g.eventLocked(models.EventNFTRemoved)
			ev.NFT = n.ID
			ev.Wallet = n.Owner
			ev.Collection = oldColl
			events = append(events, ev)

			ev = g.eventLocked(models.EventNFTAdded)
			ev.NFT = n.ID
			ev.Wallet = n.Owner
			ev.Collection = n.Collection
			events = append(events, ev)
			return events, false, nil
		}

		// Ownership conflict: the later submission wins.
		prior := existing.Owner
		g.generation++
		ev := g.eventLocked(models.EventNFTRemoved)
		ev.NFT = n.ID
		ev.Wallet = prior
		ev.Collection = existing.Collection
		events = append(events, ev)

		if pw, ok := g.wallets[prior]; ok {
			delete(pw.owned, n.ID)
			pw.updatedAt = now
			g.gcWalletLocked(prior)
		}
		g.setCollectionLocked(n.ID, existing.Collection, n.Collection)

		rec := n
		g.nfts[n.ID] = &rec
		w := g.walletLocked(n.Owner)
		w.owned[n.ID] = struct{}{}
		w.updatedAt = now
		g.pruneOwnedWantLocked(n.Owner, n.ID)

		ev = g.eventLocked(models.EventNFTAdded)
		ev.NFT = n.ID
		ev.Wallet = n.Owner
		ev.PriorOwner = prior
		ev.Collection = n.Collection
		events = append(events, ev)
		return events, true, nil
	}

	g.generation++
	rec := n
	g.nfts[n.ID] = &rec
	if n.Collection != "" {
		g.setCollectionLocked(n.ID, "", n.Collection)
	}
	w := g.walletLocked(n.Owner)
	w.owned[n.ID] = struct{}{}
	w.updatedAt = now
	g.pruneOwnedWantLocked(n.Owner, n.ID)

	ev := g.eventLocked(models.EventNFTAdded)
	ev.NFT = n.ID
	ev.Wallet = n.Owner
	ev.Collection = n.Collection
	events = append(events, ev)
	return events, false, nil
}

// pruneOwnedWantLocked enforces the invariant that a wallet never wants an
// NFT it owns: any such specific want is silently pruned.
func (g *TenantGraph) pruneOwnedWantLocked(wallet, nft string) {
	if w, ok := g.wallets[wallet]; ok {
		delete(w.wantsNFT, nft)
	}
	if set, ok := g.specificWanters[nft]; ok {
		delete(set, wallet)
		if len(set) == 0 {
			delete(g.specificWanters, nft)
		}
	}
}

func (g *TenantGraph) setCollectionLocked(nft, oldColl, newColl string) {
	if oldColl != "" {
		if set, ok := g.byCollection[oldColl]; ok {
			delete(set, nft)
			if len(set) == 0 {
				delete(g.byCollection, oldColl)
			}
		}
	}
	if newColl != "" {
		set, ok := g.byCollection[newColl]
		if !ok {
			set = make(map[string]struct{})
			g.byCollection[newColl] = set
		}
		set[nft] = struct{}{}
	}
}

// RemoveNFT deletes an NFT from the tenant. Want edges pointing at it are
// retained (it may come back); unknown ids are a successful no-op.
func (g *TenantGraph) RemoveNFT(id string) ([]models.GraphEvent, error) {
	if err := validateID("nft", id); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.nfts[id]
	if !ok {
		return nil, nil
	}

	g.generation++
	if w, ok := g.wallets[existing.Owner]; ok {
		delete(w.owned, id)
		w.updatedAt = time.Now()
		g.gcWalletLocked(existing.Owner)
	}
	g.setCollectionLocked(id, existing.Collection, "")
	delete(g.nfts, id)

	ev := g.eventLocked(models.EventNFTRemoved)
	ev.NFT = id
	ev.Wallet = existing.Owner
	ev.Collection = existing.Collection
	return []models.GraphEvent{ev}, nil
}

// AddSpecificWant records that wallet wants the named NFT. Wanting an NFT
// the wallet owns is rejected; an already-present want is a silent no-op.
func (g *TenantGraph) AddSpecificWant(wallet, nft string) ([]models.GraphEvent, error) {
	if err := validateID("wallet", wallet); err != nil {
		return nil, err
	}
	if err := validateID("nft", nft); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if w, ok := g.wallets[wallet]; ok {
		if _, owns := w.owned[nft]; owns {
			return nil, fmt.Errorf("%w: wallet %s already owns nft %s", models.ErrInvalidInput, wallet, nft)
		}
		if _, has := w.wantsNFT[nft]; has {
			return nil, nil
		}
	}

	g.generation++
	w := g.walletLocked(wallet)
	w.wantsNFT[nft] = struct{}{}
	w.updatedAt = time.Now()
	set, ok := g.specificWanters[nft]
	if !ok {
		set = make(map[string]struct{})
		g.specificWanters[nft] = set
	}
	set[wallet] = struct{}{}

	ev := g.eventLocked(models.EventWantAdded)
	ev.Wallet = wallet
	ev.NFT = nft
	return []models.GraphEvent{ev}, nil
}

// AddCollectionWant records that wallet wants any NFT from the collection.
func (g *TenantGraph) AddCollectionWant(wallet, collection string) ([]models.GraphEvent, error) {
	if err := validateID("wallet", wallet); err != nil {
		return nil, err
	}
	if err := validateID("collection", collection); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if w, ok := g.wallets[wallet]; ok {
		if _, has := w.wantsCollection[collection]; has {
			return nil, nil
		}
	}

	g.generation++
	w := g.walletLocked(wallet)
	w.wantsCollection[collection] = struct{}{}
	w.updatedAt = time.Now()
	set, ok := g.collectionWanters[collection]
	if !ok {
		set = make(map[string]struct{})
		g.collectionWanters[collection] = set
	}
	set[wallet] = struct{}{}

	ev := g.eventLocked(models.EventWantAdded)
	ev.Wallet = wallet
	ev.Collection = collection
	return []models.GraphEvent{ev}, nil
}

// RemoveSpecificWant drops a specific want; absent wants are a no-op.
func (g *TenantGraph) RemoveSpecificWant(wallet, nft string) ([]models.GraphEvent, error) {
	if err := validateID("wallet", wallet); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.wallets[wallet]
	if !ok {
		return nil, nil
	}
	if _, has := w.wantsNFT[nft]; !has {
		return nil, nil
	}

	g.generation++
	delete(w.wantsNFT, nft)
	w.updatedAt = time.Now()
	if set, ok := g.specificWanters[nft]; ok {
		delete(set, wallet)
		if len(set) == 0 {
			delete(g.specificWanters, nft)
		}
	}
	g.gcWalletLocked(wallet)

	ev := g.eventLocked(models.EventWantRemoved)
	ev.Wallet = wallet
	ev.NFT = nft
	return []models.GraphEvent{ev}, nil
}

// RemoveCollectionWant drops a collection want; absent wants are a no-op.
func (g *TenantGraph) RemoveCollectionWant(wallet, collection string) ([]models.GraphEvent, error) {
	if err := validateID("wallet", wallet); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.wallets[wallet]
	if !ok {
		return nil, nil
	}
	if _, has := w.wantsCollection[collection]; !has {
		return nil, nil
	}

	g.generation++
	delete(w.wantsCollection, collection)
	w.updatedAt = time.Now()
	if set, ok := g.collectionWanters[collection]; ok {
		delete(set, wallet)
		if len(set) == 0 {
			delete(g.collectionWanters, collection)
		}
	}
	g.gcWalletLocked(wallet)

	ev := g.eventLocked(models.EventWantRemoved)
	ev.Wallet = wallet
	ev.Collection = collection
	return []models.GraphEvent{ev}, nil
}

// SetPreferences stores scoring hints for a wallet. Preferences influence
// scoring only, so no event is emitted and the generation is unchanged.
func (g *TenantGraph) SetPreferences(wallet string, prefs *models.WalletPreferences) error {
	if err := validateID("wallet", wallet); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.walletLocked(wallet)
	w.prefs = prefs
	return nil
}

// RemoveWallet cascades through the wallet's ownerships and wants. All
// emitted events share a single generation bump.
func (g *TenantGraph) RemoveWallet(wallet string) ([]models.GraphEvent, error) {
	if err := validateID("wallet", wallet); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.wallets[wallet]
	if !ok {
		return nil, nil
	}

	g.generation++
	var events []models.GraphEvent

	for nft := range w.owned {
		rec := g.nfts[nft]
		g.setCollectionLocked(nft, rec.Collection, "")
		delete(g.nfts, nft)
		ev := g.eventLocked(models.EventNFTRemoved)
		ev.NFT = nft
		ev.Wallet = wallet
		ev.Collection = rec.Collection
		events = append(events, ev)
	}
	for nft := range w.wantsNFT {
		if set, ok := g.specificWanters[nft]; ok {
			delete(set, wallet)
			if len(set) == 0 {
				delete(g.specificWanters, nft)
			}
		}
		ev := g.eventLocked(models.EventWantRemoved)
		ev.Wallet = wallet
		ev.NFT = nft
		events = append(events, ev)
	}
	for coll := range w.wantsCollection {
		if set, ok := g.collectionWanters[coll]; ok {
			delete(set, wallet)
			if len(set) == 0 {
				delete(g.collectionWanters, coll)
			}
		}
		ev := g.eventLocked(models.EventWantRemoved)
		ev.Wallet = wallet
		ev.Collection = coll
		events = append(events, ev)
	}
	delete(g.wallets, wallet)

	ev := g.eventLocked(models.EventWalletRemoved)
	ev.Wallet = wallet
	events = append(events, ev)
	return events, nil
}

// VerifyIntegrity checks the exactly-one-owner invariant in both
// directions. Violations return ErrInternalInconsistency.
func (g *TenantGraph) VerifyIntegrity() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, n := range g.nfts {
		w, ok := g.wallets[n.Owner]
		if !ok {
			return fmt.Errorf("%w: nft %s owned by unknown wallet %s", models.ErrInternalInconsistency, id, n.Owner)
		}
		if _, owns := w.owned[id]; !owns {
			return fmt.Errorf("%w: nft %s missing from owner %s", models.ErrInternalInconsistency, id, n.Owner)
		}
	}
	for wid, w := range g.wallets {
		for nft := range w.owned {
			rec, ok := g.nfts[nft]
			if !ok {
				return fmt.Errorf("%w: wallet %s owns unknown nft %s", models.ErrInternalInconsistency, wid, nft)
			}
			if rec.Owner != wid {
				return fmt.Errorf("%w: nft %s claimed by %s and %s", models.ErrInternalInconsistency, nft, rec.Owner, wid)
			}
		}
	}
	return nil
}
