// Package engine composes the per-tenant graphs, delta detection,
// partitioned cycle enumeration, scoring, and the active loop cache into
// the single facade the API layer talks to.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"golang.org/x/time/rate"

	"tradeloop-engine/internal/config"
	"tradeloop-engine/internal/eventbus"
	"tradeloop-engine/internal/graph"
	"tradeloop-engine/internal/logger"
	"tradeloop-engine/internal/loopcache"
	"tradeloop-engine/internal/models"
	"tradeloop-engine/internal/score"
)

// tenantRuntime bundles everything owned by one tenant: its graph, its
// loop cache, its event channel and the worker draining it.
type tenantRuntime struct {
	cfg      models.TenantConfig
	graph    *graph.TenantGraph
	cache    *loopcache.Cache
	detector *graph.DeltaDetector
	limiter  *rate.Limiter

	events chan models.GraphEvent
	cancel context.CancelFunc
	done   chan struct{}

	// passMu serializes discovery passes for the tenant so a synchronous
	// catch-up never races an async worker pass.
	passMu sync.Mutex

	// lastFullGen is the generation of the newest full-graph pass; events
	// at or below it are already covered.
	lastFullGen atomic.Uint64

	timeBounded atomic.Uint64
	staleDrops  atomic.Uint64

	errMu   sync.Mutex
	lastErr string
}

func (rt *tenantRuntime) setLastErr(err error) {
	rt.errMu.Lock()
	defer rt.errMu.Unlock()
	if err == nil {
		rt.lastErr = ""
	} else {
		rt.lastErr = err.Error()
	}
}

func (rt *tenantRuntime) getLastErr() string {
	rt.errMu.Lock()
	defer rt.errMu.Unlock()
	return rt.lastErr
}

// Engine is the multi-tenant discovery engine.
type Engine struct {
	cfg      *config.Config
	bus      *eventbus.Bus
	resolver *graph.CollectionResolver

	// pool is the shared enumeration pool; work units from every tenant
	// compete for the same workers.
	pool *workerpool.WorkerPool

	mu      sync.RWMutex
	tenants map[string]*tenantRuntime

	rootCtx context.Context
	cancel  context.CancelFunc
}

// New builds an engine. Workers start per tenant as tenants are created.
func New(cfg *config.Config, bus *eventbus.Bus) (*Engine, error) {
	resolver, err := graph.NewCollectionResolver(cfg.ResolverCacheSize, cfg.ResolverTTL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		bus:      bus,
		resolver: resolver,
		pool:     workerpool.New(cfg.EnumWorkers),
		tenants:  make(map[string]*tenantRuntime),
		rootCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Resolver exposes the shared collection resolver for status reporting
// and external membership pushes.
func (e *Engine) Resolver() *graph.CollectionResolver { return e.resolver }

// applyTenantDefaults fills zero fields from the process defaults.
func (e *Engine) applyTenantDefaults(tc *models.TenantConfig) {
	def := e.cfg.TenantDefaults
	if tc.MaxDepth == 0 {
		tc.MaxDepth = def.MaxDepth
	}
	if tc.MinScore == 0 {
		tc.MinScore = def.MinScore
	}
	if tc.MaxLoopsPerRequest == 0 {
		tc.MaxLoopsPerRequest = def.MaxLoopsPerRequest
	}
	if tc.MaxCommunitySize == 0 {
		tc.MaxCommunitySize = def.MaxCommunitySize
	}
	if tc.CommunityThreshold == 0 {
		tc.CommunityThreshold = def.CommunityThreshold
	}
	if tc.IngestRPS == 0 {
		tc.IngestRPS = def.IngestRPS
	}
	if tc.IngestBurst == 0 {
		tc.IngestBurst = def.IngestBurst
	}
	if tc.EventBufferSize == 0 {
		tc.EventBufferSize = def.EventBufferSize
	}
	if tc.DiscoveryTimeout == 0 {
		tc.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if tc.RetainCompleted == 0 {
		tc.RetainCompleted = def.RetainCompleted
	}
}

// CreateTenant registers a tenant and starts its event worker. Creating
// an already-existing tenant is rejected.
func (e *Engine) CreateTenant(ctx context.Context, tc models.TenantConfig) error {
	if tc.ID == "" {
		return fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if tc.MaxDepth < 0 || tc.MaxDepth == 1 {
		return fmt.Errorf("%w: max_depth must be 0 or >= 2", models.ErrInvalidInput)
	}
	e.applyTenantDefaults(&tc)
	if tc.ScoreWeights != nil {
		if err := score.ValidateWeights(tc.ScoreWeights); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tenants[tc.ID]; exists {
		return fmt.Errorf("%w: tenant %s already exists", models.ErrInvalidInput, tc.ID)
	}

	rt := e.newRuntime(tc)
	e.tenants[tc.ID] = rt
	e.startWorker(rt)
	logger.For(ctx).WithField("tenant", tc.ID).Info("tenant created")
	return nil
}

func (e *Engine) newRuntime(tc models.TenantConfig) *tenantRuntime {
	return &tenantRuntime{
		cfg:      tc,
		graph:    graph.NewTenantGraph(tc.ID),
		cache:    loopcache.New(),
		detector: &graph.DeltaDetector{MaxDepth: tc.MaxDepth, MaxCommunitySize: tc.MaxCommunitySize},
		limiter:  rate.NewLimiter(rate.Limit(tc.IngestRPS), tc.IngestBurst),
		events:   make(chan models.GraphEvent, tc.EventBufferSize),
		done:     make(chan struct{}),
	}
}

// DeleteTenant stops the tenant's worker and drops all of its state.
func (e *Engine) DeleteTenant(ctx context.Context, tenant string) error {
	e.mu.Lock()
	rt, ok := e.tenants[tenant]
	if ok {
		delete(e.tenants, tenant)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrTenantUnknown, tenant)
	}
	rt.cancel()
	<-rt.done
	logger.For(ctx).WithField("tenant", tenant).Info("tenant deleted")
	return nil
}

// Tenants returns the registered tenant ids.
func (e *Engine) Tenants() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tenants))
	for id := range e.tenants {
		out = append(out, id)
	}
	return out
}

func (e *Engine) runtime(tenant string) (*tenantRuntime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.tenants[tenant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrTenantUnknown, tenant)
	}
	return rt, nil
}

// TenantConfig returns a tenant's effective configuration.
func (e *Engine) TenantConfig(tenant string) (models.TenantConfig, error) {
	rt, err := e.runtime(tenant)
	if err != nil {
		return models.TenantConfig{}, err
	}
	return rt.cfg, nil
}

// TenantStatus reports operational counters for a tenant.
func (e *Engine) TenantStatus(tenant string) (*models.TenantStatus, error) {
	rt, err := e.runtime(tenant)
	if err != nil {
		return nil, err
	}
	wallets, nfts, wants := rt.graph.Counts()
	return &models.TenantStatus{
		Tenant:             tenant,
		Wallets:            wallets,
		NFTs:               nfts,
		Wants:              wants,
		CachedLoops:        rt.cache.Len(),
		Generation:         rt.graph.Generation(),
		Backlog:            len(rt.events),
		BroadInvalidations: rt.detector.BroadInvalidations(),
		TimeBounded:        rt.timeBounded.Load(),
		StaleDrops:         rt.staleDrops.Load(),
		LastError:          rt.getLastErr(),
	}, nil
}

// admit applies the tenant's backpressure and rate limits before a
// mutation is attempted, so rejected calls leave no partial state.
func (e *Engine) admit(rt *tenantRuntime, n int) error {
	if n < 1 {
		n = 1
	}
	high := int(float64(cap(rt.events)) * e.cfg.BackpressureHighWater)
	if high > 0 && len(rt.events) >= high {
		return fmt.Errorf("%w: tenant %s event backlog is full", models.ErrTenantBusy, rt.cfg.ID)
	}
	if !rt.limiter.AllowN(time.Now(), n) {
		return fmt.Errorf("%w: tenant %s ingest rate exceeded", models.ErrTenantBusy, rt.cfg.ID)
	}
	return nil
}

// enqueue hands mutation events to the tenant worker. Admission ran
// before the mutation, so this only blocks under a transient spike.
func (e *Engine) enqueue(rt *tenantRuntime, events []models.GraphEvent) {
	for _, ev := range events {
		select {
		case rt.events <- ev:
		case <-e.rootCtx.Done():
			return
		}
	}
}

// SubmitInventory applies a batch of NFT ownership records for a wallet.
// Items may name a different owner via ownership.ownerId; the wallet path
// is the default. The call is partially-applied by design: each item
// succeeds or fails on its own.
func (e *Engine) SubmitInventory(ctx context.Context, tenant, wallet string, items []models.InventoryNFT) ([]models.SubmissionResult, error) {
	rt, err := e.runtime(tenant)
	if err != nil {
		return nil, err
	}
	if err := e.admit(rt, len(items)); err != nil {
		return nil, err
	}

	results := make([]models.SubmissionResult, 0, len(items))
	for _, item := range items {
		owner := item.Ownership.OwnerID
		if owner == "" {
			owner = wallet
		}
		events, displaced, err := rt.graph.AddNFT(models.NFT{
			ID:           item.ID,
			Collection:   item.Collection,
			Owner:        owner,
			Valuation:    item.Valuation,
			Metadata:     item.Metadata,
			PlatformData: item.PlatformData,
		})
		res := models.SubmissionResult{NFTID: item.ID, Accepted: err == nil}
		if err != nil {
			res.Reason = err.Error()
		} else {
			if displaced {
				res.Warning = "ownership conflict: prior owner displaced"
			}
			if item.Collection != "" {
				e.resolver.Learn(item.ID, item.Collection)
			}
			e.enqueue(rt, events)
		}
		results = append(results, res)
	}
	return results, nil
}

// WantsUpdate is the payload of a submit-wants call.
type WantsUpdate struct {
	NFTs        []string                  `json:"nfts,omitempty"`
	Collections []string                  `json:"collections,omitempty"`
	Preferences *models.WalletPreferences `json:"preferences,omitempty"`
	// Merge adds to the wallet's existing wants instead of replacing them.
	Merge bool `json:"merge,omitempty"`
}

// SubmitWants replaces (or, with Merge, extends) a wallet's want list.
// The whole update is validated against a snapshot before any of it is
// applied, so a rejected entry never leaves a half-applied want list.
func (e *Engine) SubmitWants(ctx context.Context, tenant, wallet string, upd WantsUpdate) error {
	rt, err := e.runtime(tenant)
	if err != nil {
		return err
	}
	if err := e.admit(rt, len(upd.NFTs)+len(upd.Collections)+1); err != nil {
		return err
	}

	if len(upd.Collections) > 0 && !rt.cfg.Flags.CollectionWants {
		return fmt.Errorf("%w: collection wants are disabled for tenant %s", models.ErrInvalidInput, tenant)
	}
	if err := graph.ValidateID("wallet", wallet); err != nil {
		return err
	}
	snap := rt.graph.Snapshot()
	owned := make(map[string]struct{})
	if ws, ok := snap.Wallets[wallet]; ok {
		for _, nft := range ws.Owned {
			owned[nft] = struct{}{}
		}
	}
	for _, nft := range upd.NFTs {
		if err := graph.ValidateID("nft", nft); err != nil {
			return err
		}
		if _, owns := owned[nft]; owns {
			return fmt.Errorf("%w: wallet %s already owns nft %s", models.ErrInvalidInput, wallet, nft)
		}
	}
	for _, coll := range upd.Collections {
		if err := graph.ValidateID("collection", coll); err != nil {
			return err
		}
	}

	if !upd.Merge {
		// Replace semantics: drop wants not present in the new lists.
		if ws, ok := snap.Wallets[wallet]; ok {
			keepNFT := make(map[string]struct{}, len(upd.NFTs))
			for _, id := range upd.NFTs {
				keepNFT[id] = struct{}{}
			}
			keepColl := make(map[string]struct{}, len(upd.Collections))
			for _, id := range upd.Collections {
				keepColl[id] = struct{}{}
			}
			for _, nft := range ws.WantsNFT {
				if _, keep := keepNFT[nft]; !keep {
					events, err := rt.graph.RemoveSpecificWant(wallet, nft)
					if err != nil {
						return err
					}
					e.enqueue(rt, events)
				}
			}
			for _, coll := range ws.WantsCollection {
				if _, keep := keepColl[coll]; !keep {
					events, err := rt.graph.RemoveCollectionWant(wallet, coll)
					if err != nil {
						return err
					}
					e.enqueue(rt, events)
				}
			}
		}
	}

	for _, nft := range upd.NFTs {
		events, err := rt.graph.AddSpecificWant(wallet, nft)
		if err != nil {
			return err
		}
		e.enqueue(rt, events)
	}
	for _, coll := range upd.Collections {
		events, err := rt.graph.AddCollectionWant(wallet, coll)
		if err != nil {
			return err
		}
		e.enqueue(rt, events)
	}
	if upd.Preferences != nil {
		if err := rt.graph.SetPreferences(wallet, upd.Preferences); err != nil {
			return err
		}
	}
	return nil
}

// RemoveWallet cascades the wallet out of the tenant graph.
func (e *Engine) RemoveWallet(ctx context.Context, tenant, wallet string) error {
	rt, err := e.runtime(tenant)
	if err != nil {
		return err
	}
	if err := e.admit(rt, 1); err != nil {
		return err
	}
	events, err := rt.graph.RemoveWallet(wallet)
	if err != nil {
		return err
	}
	e.enqueue(rt, events)
	return nil
}

// RemoveNFT removes an NFT; removing an unknown id succeeds quietly.
func (e *Engine) RemoveNFT(ctx context.Context, tenant, nft string) error {
	rt, err := e.runtime(tenant)
	if err != nil {
		return err
	}
	if err := e.admit(rt, 1); err != nil {
		return err
	}
	events, err := rt.graph.RemoveNFT(nft)
	if err != nil {
		return err
	}
	e.enqueue(rt, events)
	return nil
}

// Discover answers a loop query from the active loop cache. When the
// cache lags the live graph (pending worker backlog) a synchronous
// catch-up pass runs first, so callers always see results consistent
// with every mutation they have already been acknowledged for.
func (e *Engine) Discover(ctx context.Context, tenant string, opts models.DiscoverOptions) (*models.DiscoverResult, error) {
	rt, err := e.runtime(tenant)
	if err != nil {
		return nil, err
	}
	if opts.MaxDepth != 0 && (opts.MaxDepth < 2 || opts.MaxDepth > rt.cfg.MaxDepth) {
		return nil, fmt.Errorf("%w: max_depth must be between 2 and %d", models.ErrInvalidInput, rt.cfg.MaxDepth)
	}

	var bounded bool
	if rt.cache.Generation() < rt.graph.Generation() {
		bounded, err = e.fullPass(ctx, rt)
		if err != nil {
			return nil, err
		}
		if bounded {
			rt.timeBounded.Add(1)
		}
	}

	limit := opts.MaxResults
	if limit <= 0 || limit > rt.cfg.MaxLoopsPerRequest {
		limit = rt.cfg.MaxLoopsPerRequest
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = rt.cfg.MinScore
	}

	var loops []*models.TradeLoop
	if opts.Wallet != "" {
		loops = rt.cache.GetByWallet(opts.Wallet, limit, minScore)
	} else {
		loops = rt.cache.Top(limit, minScore)
	}
	if opts.MaxDepth != 0 {
		filtered := loops[:0]
		for _, l := range loops {
			if len(l.Steps) <= opts.MaxDepth {
				filtered = append(filtered, l)
			}
		}
		loops = filtered
	}
	return &models.DiscoverResult{
		Loops:       loops,
		Generation:  rt.cache.Generation(),
		TimeBounded: bounded,
	}, nil
}

// Lookup returns a loop by canonical id, or nil when no such loop is
// cached.
func (e *Engine) Lookup(tenant, id string) (*models.TradeLoop, error) {
	rt, err := e.runtime(tenant)
	if err != nil {
		return nil, err
	}
	return rt.cache.GetByID(id), nil
}

// UpdateLoopStatus drives the loop state machine. Terminal transitions
// publish loop.lost so subscribers stop offering the loop.
func (e *Engine) UpdateLoopStatus(ctx context.Context, tenant, id string, next models.LoopStatus) (*models.TradeLoop, error) {
	rt, err := e.runtime(tenant)
	if err != nil {
		return nil, err
	}
	loop, err := rt.cache.UpdateStatus(id, next)
	if err != nil {
		return nil, err
	}
	if next == models.LoopCompleted || next == models.LoopCancelled {
		e.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeLoopLost,
			Tenant:    tenant,
			Loop:      loop,
			Timestamp: time.Now(),
		})
	}
	return loop, nil
}

// VerifyTenant runs the graph integrity check, for the admin endpoint.
func (e *Engine) VerifyTenant(tenant string) error {
	rt, err := e.runtime(tenant)
	if err != nil {
		return err
	}
	return rt.graph.VerifyIntegrity()
}

// Close stops all tenant workers and drains the enumeration pool.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	tenants := make([]*tenantRuntime, 0, len(e.tenants))
	for _, rt := range e.tenants {
		tenants = append(tenants, rt)
	}
	e.mu.Unlock()
	for _, rt := range tenants {
		rt.cancel()
		<-rt.done
	}
	e.pool.StopWait()
}
