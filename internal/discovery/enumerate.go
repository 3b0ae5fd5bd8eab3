package discovery

import (
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"tradeloop-engine/internal/graph"
	"tradeloop-engine/internal/models"
)

// bloomFalsePositiveRate is the configured false-positive target for the
// run-level duplicate filter.
const bloomFalsePositiveRate = 1e-6

// Options bound one enumeration task.
type Options struct {
	// MaxDepth is the maximum cycle length (number of steps), inclusive.
	MaxDepth int

	// Deadline is the wall-clock budget; zero means unbounded. On
	// exhaustion the result is partial and marked TimeBounded.
	Deadline time.Time

	// RunFilter is the shared probabilistic duplicate filter for the
	// whole discovery run; nil disables the bloom layer. Task-local exact
	// dedup always applies.
	RunFilter *bloom.BloomFilter

	// SeenInCache, when non-nil, suppresses cycles already present in the
	// active loop cache.
	SeenInCache func(id string) bool
}

// NewRunFilter sizes a bloom filter for an expected cycle count.
func NewRunFilter(expected uint) *bloom.BloomFilter {
	if expected < 1024 {
		expected = 1024
	}
	return bloom.NewWithEstimates(expected, bloomFalsePositiveRate)
}

// Result carries the cycles found in one work unit.
type Result struct {
	Loops       []*models.TradeLoop
	TimeBounded bool
	// Expanded counts DFS edge expansions, for status metrics.
	Expanded int
}

type enumerator struct {
	view    *graph.View
	unit    WorkUnit
	opts    Options
	idx     map[string]int
	adj     [][]graph.Edge
	onPath  []bool
	path    []graph.Edge
	seen    map[string]struct{}
	result  Result
	stopped bool
}

// Enumerate finds every elementary directed cycle of length 2..MaxDepth
// within the work unit. Parallel NFT edges are distinct: each
// (from, to, nft) combination is emitted once. Iteration order is
// ascending wallet id, then ascending NFT id, so the pre-canonical
// sequence is stable across runs.
func Enumerate(v *graph.View, unit WorkUnit, opts Options) Result {
	n := len(unit.Wallets)
	if n < 2 || opts.MaxDepth < 2 {
		return Result{}
	}

	e := &enumerator{
		view:   v,
		unit:   unit,
		opts:   opts,
		idx:    make(map[string]int, n),
		adj:    make([][]graph.Edge, n),
		onPath: make([]bool, n),
		seen:   make(map[string]struct{}),
	}
	for i, w := range unit.Wallets {
		e.idx[w] = i
	}
	for i, w := range unit.Wallets {
		// OutEdges is already sorted by (to, nft); restrict to the unit.
		for _, edge := range v.OutEdges(w) {
			if _, ok := e.idx[edge.To]; ok {
				e.adj[i] = append(e.adj[i], edge)
			}
		}
	}

	// Johnson-style: every cycle is discovered exactly once, rooted at
	// its smallest wallet.
	for s := 0; s < n && !e.stopped; s++ {
		e.path = e.path[:0]
		e.dfs(s, s)
	}
	return e.result
}

func (e *enumerator) deadlineExceeded() bool {
	if e.stopped {
		return true
	}
	if !e.opts.Deadline.IsZero() && e.result.Expanded&0xff == 0 && time.Now().After(e.opts.Deadline) {
		e.stopped = true
		e.result.TimeBounded = true
	}
	return e.stopped
}

func (e *enumerator) dfs(root, u int) {
	e.onPath[u] = true
	for _, edge := range e.adj[u] {
		e.result.Expanded++
		if e.deadlineExceeded() {
			break
		}
		to := e.idx[edge.To]
		if to == root {
			if len(e.path) >= 1 {
				e.emit(append(e.path, edge))
			}
			continue
		}
		// Only visit wallets above the root so each vertex cycle has a
		// unique discovery root, and never revisit the current path.
		if to < root || e.onPath[to] {
			continue
		}
		if len(e.path)+1 >= e.opts.MaxDepth {
			continue
		}
		e.path = append(e.path, edge)
		e.dfs(root, to)
		e.path = e.path[:len(e.path)-1]
		if e.stopped {
			break
		}
	}
	e.onPath[u] = false
}

func (e *enumerator) emit(cycle []graph.Edge) {
	if e.unit.CrossOnly && e.unit.CommunityOf != nil && e.sameCommunity(cycle) {
		return
	}

	steps := make([]models.TradeStep, len(cycle))
	for i, edge := range cycle {
		steps[i] = models.TradeStep{
			From:          edge.From,
			To:            edge.To,
			NFT:           edge.NFT,
			ViaCollection: edge.ViaCollection,
		}
	}
	id, rotated := Canonicalize(steps)

	// Dedup layers: task-local exact set, run-wide bloom filter, then the
	// active loop cache.
	if _, dup := e.seen[id]; dup {
		return
	}
	e.seen[id] = struct{}{}
	if e.opts.RunFilter != nil && e.opts.RunFilter.TestOrAdd([]byte(id)) {
		return
	}
	if e.opts.SeenInCache != nil && e.opts.SeenInCache(id) {
		return
	}

	participants := make([]string, len(rotated))
	for i, s := range rotated {
		participants[i] = s.From
	}
	now := time.Now()
	e.result.Loops = append(e.result.Loops, &models.TradeLoop{
		ID:             id,
		Participants:   participants,
		Steps:          rotated,
		Status:         models.LoopPending,
		Generation:     e.view.Generation(),
		CreatedAt:      now,
		LastVerifiedAt: now,
	})
}

func (e *enumerator) sameCommunity(cycle []graph.Edge) bool {
	first, ok := e.unit.CommunityOf[cycle[0].From]
	if !ok {
		return false
	}
	for _, edge := range cycle[1:] {
		c, ok := e.unit.CommunityOf[edge.From]
		if !ok || c != first {
			return false
		}
	}
	return true
}
