package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeloop-engine/internal/discovery"
	"tradeloop-engine/internal/eventbus"
	"tradeloop-engine/internal/graph"
	"tradeloop-engine/internal/logger"
	"tradeloop-engine/internal/models"
	"tradeloop-engine/internal/score"
)

// compactInterval is how often finished loops past retention are purged.
const compactInterval = 5 * time.Minute

func (e *Engine) startWorker(rt *tenantRuntime) {
	ctx, cancel := context.WithCancel(e.rootCtx)
	rt.cancel = cancel
	go e.workerLoop(ctx, rt)
}

// workerLoop drains the tenant's event channel, turning each graph
// mutation into an incremental discovery pass.
func (e *Engine) workerLoop(ctx context.Context, rt *tenantRuntime) {
	defer close(rt.done)
	compact := time.NewTicker(compactInterval)
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rt.events:
			e.safeProcess(ctx, rt, ev)
		case <-compact.C:
			if n := rt.cache.Compact(rt.cfg.RetainCompleted); n > 0 {
				logger.For(ctx).WithField("tenant", rt.cfg.ID).WithField("removed", n).Debug("compacted finished loops")
			}
		}
	}
}

// safeProcess isolates a panic to the one event that caused it and
// queues a full rediscovery so the cache cannot silently diverge.
func (e *Engine) safeProcess(ctx context.Context, rt *tenantRuntime, ev models.GraphEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.For(ctx).WithField("tenant", rt.cfg.ID).WithField("panic", r).Error("discovery pass panicked")
			rt.setLastErr(fmt.Errorf("discovery panic: %v", r))
			e.requestRediscover(rt)
		}
	}()
	e.processEvent(ctx, rt, ev)
}

// requestRediscover queues a full pass without blocking; a full channel
// means pending events will trigger fresh passes anyway.
func (e *Engine) requestRediscover(rt *tenantRuntime) {
	ev := models.GraphEvent{
		Tenant:     rt.cfg.ID,
		Generation: rt.graph.Generation(),
		Kind:       models.EventRediscover,
		At:         time.Now(),
	}
	select {
	case rt.events <- ev:
	default:
	}
}

func (e *Engine) processEvent(ctx context.Context, rt *tenantRuntime, ev models.GraphEvent) {
	// A full pass at or past this generation already covered the event.
	if ev.Kind != models.EventRediscover && rt.lastFullGen.Load() >= ev.Generation {
		return
	}

	snap := rt.graph.Snapshot()
	view := graph.NewView(snap, e.resolver, rt.cfg.Flags.CollectionWants)
	aff := rt.detector.Affected(view, ev)

	if aff.Full {
		bounded, err := e.fullPass(ctx, rt)
		if err != nil {
			rt.setLastErr(err)
			return
		}
		if bounded {
			rt.timeBounded.Add(1)
		}
		rt.setLastErr(nil)
		return
	}

	rt.passMu.Lock()
	defer rt.passMu.Unlock()

	bounded, installed := e.runDiscovery(rt, view, aff.Wallets.ToSlice(), aff.NFTs.ToSlice(), false)
	if bounded {
		rt.timeBounded.Add(1)
	}
	if !installed {
		// The graph moved on while we enumerated; a fresh full pass
		// resynchronizes instead of installing stale results.
		rt.staleDrops.Add(1)
		e.requestRediscover(rt)
	}
	rt.setLastErr(nil)
}

// fullPass re-derives the whole cache from a fresh snapshot. It serves
// both full invalidations from the worker and synchronous catch-up from
// Discover.
func (e *Engine) fullPass(ctx context.Context, rt *tenantRuntime) (bool, error) {
	rt.passMu.Lock()
	defer rt.passMu.Unlock()

	snap := rt.graph.Snapshot()
	view := graph.NewView(snap, e.resolver, rt.cfg.Flags.CollectionWants)

	bounded, _ := e.runDiscovery(rt, view, nil, nil, true)
	rt.lastFullGen.Store(view.Generation())
	return bounded, nil
}

// runDiscovery partitions the (sub)graph, fans work units out to the
// shared enumeration pool, scores the candidates, and installs the result
// as a diff: loops found again keep their status, loops the pass covered
// but no longer found are cancelled and announced as lost. With full false
// the install is skipped when the graph has advanced past the view's
// generation, and the prune is scoped to the affected wallets and NFTs.
func (e *Engine) runDiscovery(rt *tenantRuntime, view *graph.View, wallets, nfts []string, full bool) (bounded, installed bool) {
	var subset []string
	if !full {
		subset = wallets
	}
	units := discovery.Partition(view, subset, discovery.PartitionOptions{
		UseSCC:             rt.cfg.Flags.SCC,
		CommunityDetection: rt.cfg.Flags.CommunityDetection,
		CommunityThreshold: rt.cfg.CommunityThreshold,
	})

	deadline := time.Now().Add(rt.cfg.DiscoveryTimeout)
	weights := rt.cfg.ScoreWeights

	var mu sync.Mutex
	var candidates []*models.TradeLoop

	var wg sync.WaitGroup
	for _, unit := range units {
		unit := unit
		wg.Add(1)
		e.pool.Submit(func() {
			defer wg.Done()
			opts := discovery.Options{
				MaxDepth: rt.cfg.MaxDepth,
				Deadline: deadline,
			}
			if rt.cfg.Flags.BloomDedup {
				opts.RunFilter = discovery.NewRunFilter(uint(len(unit.Wallets)) * 8)
			}
			res := discovery.Enumerate(view, unit, opts)

			now := time.Now()
			kept := res.Loops[:0]
			for _, loop := range res.Loops {
				vec, agg := score.Compute(score.Input{
					Steps:    loop.Steps,
					View:     view,
					MaxDepth: rt.cfg.MaxDepth,
					Cohesion: unit.Cohesion,
					Now:      now,
				}, weights)
				loop.ScoreVector = vec
				loop.Score = agg
				if agg >= rt.cfg.MinScore {
					kept = append(kept, loop)
				}
			}

			mu.Lock()
			candidates = append(candidates, kept...)
			if res.TimeBounded {
				bounded = true
			}
			mu.Unlock()
		})
	}
	wg.Wait()

	if !full && view.Generation() != rt.graph.Generation() {
		return bounded, false
	}

	found := make(map[string]struct{}, len(candidates))
	var gained []*models.TradeLoop
	for _, loop := range candidates {
		found[loop.ID] = struct{}{}
		if rt.cache.Insert(loop) {
			gained = append(gained, loop)
		}
	}

	// A time-bounded enumeration is partial: pruning against it would
	// drop loops the pass simply never reached.
	var lost []*models.TradeLoop
	if !bounded {
		if full {
			lost = rt.cache.PruneActive(nil, nil, found)
		} else {
			lost = rt.cache.PruneActive(wallets, nfts, found)
		}
	}
	rt.cache.SetGeneration(view.Generation())
	e.publishLoops(eventbus.TypeLoopLost, rt.cfg.ID, lost)
	e.publishLoops(eventbus.TypeLoopGained, rt.cfg.ID, gained)
	return bounded, true
}

func (e *Engine) publishLoops(eventType, tenant string, loops []*models.TradeLoop) {
	now := time.Now()
	for _, loop := range loops {
		e.bus.Publish(eventbus.Event{
			Type:      eventType,
			Tenant:    tenant,
			Loop:      loop,
			Timestamp: now,
		})
	}
}
