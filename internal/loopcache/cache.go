// Package loopcache stores the currently-valid scored loops for a tenant,
// indexed for fast per-wallet and per-NFT retrieval.
package loopcache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeloop-engine/internal/models"
)

// Cache holds one tenant's active loops keyed by canonical identifier,
// with wallet and NFT secondary indexes kept transactionally consistent
// under a single lock.
type Cache struct {
	mu       sync.RWMutex
	loops    map[string]*models.TradeLoop
	byWallet map[string]map[string]struct{}
	byNFT    map[string]map[string]struct{}

	// generation is the snapshot generation of the last installed
	// discovery pass. Queries compare it against the live graph to decide
	// whether a catch-up pass is needed.
	generation uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		loops:    make(map[string]*models.TradeLoop),
		byWallet: make(map[string]map[string]struct{}),
		byNFT:    make(map[string]map[string]struct{}),
	}
}

// Generation returns the generation of the last installed pass.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// SetGeneration records that a discovery pass at gen was installed.
func (c *Cache) SetGeneration(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen > c.generation {
		c.generation = gen
	}
}

// Len returns the number of cached loops.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.loops)
}

// Insert adds a loop, idempotently by canonical identifier. An existing
// loop keeps its status and creation time; score and verification
// timestamp are refreshed. Returns true when the loop is new.
func (c *Cache) Insert(loop *models.TradeLoop) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.loops[loop.ID]; ok {
		existing.Score = loop.Score
		existing.ScoreVector = loop.ScoreVector
		existing.Generation = loop.Generation
		existing.LastVerifiedAt = loop.LastVerifiedAt
		return false
	}

	stored := loop.Clone()
	c.loops[stored.ID] = stored
	for _, w := range stored.Participants {
		c.indexAdd(c.byWallet, w, stored.ID)
	}
	for _, s := range stored.Steps {
		c.indexAdd(c.byNFT, s.NFT, stored.ID)
	}
	return true
}

func (c *Cache) indexAdd(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func (c *Cache) indexRemove(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func (c *Cache) removeLocked(loop *models.TradeLoop) {
	delete(c.loops, loop.ID)
	for _, w := range loop.Participants {
		c.indexRemove(c.byWallet, w, loop.ID)
	}
	for _, s := range loop.Steps {
		c.indexRemove(c.byNFT, s.NFT, loop.ID)
	}
}

// InvalidateByEntity removes every loop referencing the wallet or NFT and
// returns the removed loops (marked cancelled) so the caller can notify
// subscribers.
func (c *Cache) InvalidateByEntity(entity string) []*models.TradeLoop {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make(map[string]struct{})
	for id := range c.byWallet[entity] {
		ids[id] = struct{}{}
	}
	for id := range c.byNFT[entity] {
		ids[id] = struct{}{}
	}
	return c.removeIDsLocked(ids)
}

// InvalidateSet removes every loop whose participants or NFTs intersect
// the given sets.
func (c *Cache) InvalidateSet(wallets, nfts []string) []*models.TradeLoop {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make(map[string]struct{})
	for _, w := range wallets {
		for id := range c.byWallet[w] {
			ids[id] = struct{}{}
		}
	}
	for _, n := range nfts {
		for id := range c.byNFT[n] {
			ids[id] = struct{}{}
		}
	}
	return c.removeIDsLocked(ids)
}

// InvalidateAll clears the cache, returning the removed loops.
func (c *Cache) InvalidateAll() []*models.TradeLoop {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make(map[string]struct{}, len(c.loops))
	for id := range c.loops {
		ids[id] = struct{}{}
	}
	return c.removeIDsLocked(ids)
}

// PruneActive removes the active loops a fresh discovery pass no longer
// found. With non-nil wallets or nfts the sweep is restricted to loops
// touching those entities; nil/nil sweeps every active loop. Loops whose
// ids appear in keep survive with their status intact. Removed loops are
// returned cancelled, sorted by id.
func (c *Cache) PruneActive(wallets, nfts []string, keep map[string]struct{}) []*models.TradeLoop {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make(map[string]struct{})
	if wallets == nil && nfts == nil {
		for id, loop := range c.loops {
			if active(loop) {
				ids[id] = struct{}{}
			}
		}
	} else {
		for _, w := range wallets {
			for id := range c.byWallet[w] {
				if active(c.loops[id]) {
					ids[id] = struct{}{}
				}
			}
		}
		for _, n := range nfts {
			for id := range c.byNFT[n] {
				if active(c.loops[id]) {
					ids[id] = struct{}{}
				}
			}
		}
	}
	for id := range keep {
		delete(ids, id)
	}
	return c.removeIDsLocked(ids)
}

func (c *Cache) removeIDsLocked(ids map[string]struct{}) []*models.TradeLoop {
	if len(ids) == 0 {
		return nil
	}
	removed := make([]*models.TradeLoop, 0, len(ids))
	for id := range ids {
		loop, ok := c.loops[id]
		if !ok {
			continue
		}
		c.removeLocked(loop)
		loop.Status = models.LoopCancelled
		removed = append(removed, loop)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

// GetByID returns a copy of the loop, or nil.
func (c *Cache) GetByID(id string) *models.TradeLoop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if loop, ok := c.loops[id]; ok {
		return loop.Clone()
	}
	return nil
}

// active reports whether a loop should still be served by queries.
// Completed and cancelled loops linger only until compaction.
func active(loop *models.TradeLoop) bool {
	return loop.Status == models.LoopPending || loop.Status == models.LoopInProgress
}

// rankLess orders by aggregate score descending, then shorter length,
// then lexicographically smaller canonical id.
func rankLess(a, b *models.TradeLoop) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if len(a.Steps) != len(b.Steps) {
		return len(a.Steps) < len(b.Steps)
	}
	return a.ID < b.ID
}

// GetByWallet returns the loops a wallet participates in, best first.
func (c *Cache) GetByWallet(wallet string, limit int, minScore float64) []*models.TradeLoop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.TradeLoop
	for id := range c.byWallet[wallet] {
		loop := c.loops[id]
		if loop == nil || loop.Score < minScore || !active(loop) {
			continue
		}
		out = append(out, loop)
	}
	return c.rankAndClone(out, limit)
}

// Top returns the tenant's best loops.
func (c *Cache) Top(limit int, minScore float64) []*models.TradeLoop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.TradeLoop
	for _, loop := range c.loops {
		if loop.Score < minScore || !active(loop) {
			continue
		}
		out = append(out, loop)
	}
	return c.rankAndClone(out, limit)
}

func (c *Cache) rankAndClone(loops []*models.TradeLoop, limit int) []*models.TradeLoop {
	sort.Slice(loops, func(i, j int) bool { return rankLess(loops[i], loops[j]) })
	if limit > 0 && len(loops) > limit {
		loops = loops[:limit]
	}
	out := make([]*models.TradeLoop, len(loops))
	for i, loop := range loops {
		out[i] = loop.Clone()
	}
	return out
}

// All returns copies of every cached loop, optionally filtered by status.
func (c *Cache) All(statuses ...models.LoopStatus) []*models.TradeLoop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.TradeLoop
	for _, loop := range c.loops {
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if loop.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, loop.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateStatus applies an externally-driven state transition, rejecting
// any move the state machine does not allow.
func (c *Cache) UpdateStatus(id string, next models.LoopStatus) (*models.TradeLoop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loop, ok := c.loops[id]
	if !ok {
		return nil, fmt.Errorf("%w: loop %s not found", models.ErrInvalidInput, id)
	}
	if !loop.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: loop %s cannot move %s → %s", models.ErrInvalidInput, id, loop.Status, next)
	}
	loop.Status = next
	loop.LastVerifiedAt = time.Now()
	return loop.Clone(), nil
}

// Compact drops completed and cancelled loops older than the retention
// window and returns how many were removed.
func (c *Cache) Compact(retention time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, loop := range c.loops {
		if loop.Status != models.LoopCompleted && loop.Status != models.LoopCancelled {
			continue
		}
		if loop.LastVerifiedAt.Before(cutoff) {
			c.removeLocked(loop)
			removed++
		}
	}
	return removed
}

// Contains reports whether a canonical id is cached; used as the cache
// layer of the enumerator's duplicate filter.
func (c *Cache) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.loops[id]
	return ok
}
