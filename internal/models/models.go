package models

import (
	"encoding/json"
	"time"
)

// Valuation is an optional, currency-tagged price attached to an NFT by the
// submitting platform. Confidence is in [0,1]; 0 means "unpriced guess".
type Valuation struct {
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NFT is the engine's view of a token. Identifiers are tenant-opaque
// strings; the engine never decodes them as chain addresses. Metadata and
// PlatformData are pass-through blobs returned verbatim on queries.
type NFT struct {
	ID           string          `json:"id"`
	Collection   string          `json:"collection,omitempty"`
	Owner        string          `json:"owner"`
	Valuation    *Valuation      `json:"valuation,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	PlatformData json.RawMessage `json:"platform_data,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Ownership mirrors the ingestion payload shape: {"ownership":{"ownerId":...}}.
type Ownership struct {
	OwnerID string `json:"ownerId"`
}

// InventoryNFT is one entry of a submit-inventory call.
type InventoryNFT struct {
	ID           string          `json:"id"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Ownership    Ownership       `json:"ownership"`
	Collection   string          `json:"collection,omitempty"`
	Valuation    *Valuation      `json:"valuation,omitempty"`
	PlatformData json.RawMessage `json:"platformData,omitempty"`
}

// SubmissionResult is the per-NFT outcome of an inventory submission.
type SubmissionResult struct {
	NFTID    string `json:"nft_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// Warning is set when the submission was accepted but displaced a
	// previous owner (two-owner conflict resolved in favor of the later
	// submission).
	Warning string `json:"warning,omitempty"`
}

// WalletPreferences are per-wallet hints consumed by the scorer.
type WalletPreferences struct {
	MinTradeValue   float64 `json:"min_trade_value,omitempty"`
	MaxParticipants int     `json:"max_participants,omitempty"`
}

// EventKind enumerates graph mutation events.
type EventKind string

const (
	EventNFTAdded      EventKind = "nft.added"
	EventNFTRemoved    EventKind = "nft.removed"
	EventWantAdded     EventKind = "want.added"
	EventWantRemoved   EventKind = "want.removed"
	EventWalletRemoved EventKind = "wallet.removed"
	// EventRediscover requests a full re-discovery pass for the tenant.
	// Emitted after a worker panic or a stale-generation drop.
	EventRediscover EventKind = "rediscover"
)

// GraphEvent is emitted by the tenant graph on every mutation. Generation
// is the tenant's monotonic counter after the mutation was applied.
type GraphEvent struct {
	Tenant     string    `json:"tenant"`
	Generation uint64    `json:"generation"`
	Kind       EventKind `json:"kind"`
	Wallet     string    `json:"wallet,omitempty"`
	PriorOwner string    `json:"prior_owner,omitempty"`
	NFT        string    `json:"nft,omitempty"`
	Collection string    `json:"collection,omitempty"`
	At         time.Time `json:"at"`
}

// LoopStatus is the lifecycle state of a trade loop. Transitions are driven
// by external collaborators; the engine enforces the order.
type LoopStatus string

const (
	LoopPending    LoopStatus = "pending"
	LoopInProgress LoopStatus = "in_progress"
	LoopCompleted  LoopStatus = "completed"
	LoopCancelled  LoopStatus = "cancelled"
)

// CanTransition reports whether moving from s to next is a legal step of
// the loop state machine: pending → in_progress → completed|cancelled,
// with pending → cancelled also allowed.
func (s LoopStatus) CanTransition(next LoopStatus) bool {
	switch s {
	case LoopPending:
		return next == LoopInProgress || next == LoopCancelled
	case LoopInProgress:
		return next == LoopCompleted || next == LoopCancelled
	default:
		return false
	}
}

// TradeStep is one hand-off inside a loop: From gives NFT to To, who wants
// it either specifically or via the named collection.
type TradeStep struct {
	From string `json:"from"`
	To   string `json:"to"`
	NFT  string `json:"nft"`
	// ViaCollection is the collection id when the receiving wallet's want
	// was a collection want; empty for a specific want.
	ViaCollection string `json:"via_collection,omitempty"`
}

// TradeLoop is a closed barter cycle. ID is the rotation-invariant
// canonical identifier; Steps are stored in canonical rotation.
type TradeLoop struct {
	ID             string      `json:"id"`
	Participants   []string    `json:"participants"`
	Steps          []TradeStep `json:"steps"`
	Score          float64     `json:"score"`
	ScoreVector    []float64   `json:"score_vector,omitempty"`
	Status         LoopStatus  `json:"status"`
	Generation     uint64      `json:"generation"`
	CreatedAt      time.Time   `json:"created_at"`
	LastVerifiedAt time.Time   `json:"last_verified_at"`
}

// Clone returns a deep copy so cached loops can be handed to callers
// without aliasing the cache's backing slices.
func (l *TradeLoop) Clone() *TradeLoop {
	out := *l
	out.Participants = append([]string(nil), l.Participants...)
	out.Steps = append([]TradeStep(nil), l.Steps...)
	if l.ScoreVector != nil {
		out.ScoreVector = append([]float64(nil), l.ScoreVector...)
	}
	return &out
}

// TenantFlags gate optional algorithm layers per tenant.
type TenantFlags struct {
	CollectionWants    bool `json:"collection_wants" yaml:"collection_wants"`
	SCC                bool `json:"scc" yaml:"scc"`
	CommunityDetection bool `json:"community_detection" yaml:"community_detection"`
	BloomDedup         bool `json:"bloom_dedup" yaml:"bloom_dedup"`
}

// TenantConfig holds per-tenant algorithm limits and feature flags.
type TenantConfig struct {
	ID                 string      `json:"id" yaml:"id"`
	MaxDepth           int         `json:"max_depth" yaml:"max_depth"`
	MinScore           float64     `json:"min_score" yaml:"min_score"`
	MaxLoopsPerRequest int         `json:"max_loops_per_request" yaml:"max_loops_per_request"`
	MaxCommunitySize   int         `json:"max_community_size" yaml:"max_community_size"`
	CommunityThreshold int         `json:"community_threshold" yaml:"community_threshold"`
	Flags              TenantFlags `json:"flags" yaml:"flags"`
	// ScoreWeights, when non-nil, must have one weight per scoring metric
	// and sum to 1.0.
	ScoreWeights     []float64     `json:"score_weights,omitempty" yaml:"score_weights"`
	IngestRPS        float64       `json:"ingest_rps" yaml:"ingest_rps"`
	IngestBurst      int           `json:"ingest_burst" yaml:"ingest_burst"`
	EventBufferSize  int           `json:"event_buffer_size" yaml:"event_buffer_size"`
	DiscoveryTimeout time.Duration `json:"discovery_timeout" yaml:"discovery_timeout"`
	RetainCompleted  time.Duration `json:"retain_completed" yaml:"retain_completed"`
	APIKeyHash       string        `json:"api_key_hash,omitempty" yaml:"api_key_hash"`
}

// TenantStatus is the operational snapshot returned by get-tenant-status.
type TenantStatus struct {
	Tenant             string `json:"tenant"`
	Wallets            int    `json:"wallets"`
	NFTs               int    `json:"nfts"`
	Wants              int    `json:"wants"`
	CachedLoops        int    `json:"cached_loops"`
	Generation         uint64 `json:"generation"`
	Backlog            int    `json:"backlog"`
	BroadInvalidations uint64 `json:"broad_invalidations"`
	TimeBounded        uint64 `json:"time_bounded"`
	StaleDrops         uint64 `json:"stale_drops"`
	LastError          string `json:"last_error,omitempty"`
}

// DiscoverOptions narrow a discovery query. Zero values fall back to the
// tenant configuration; MaxDepth may only tighten the tenant's limit.
type DiscoverOptions struct {
	Wallet     string  `json:"wallet,omitempty"`
	MaxResults int     `json:"max_results,omitempty"`
	MaxDepth   int     `json:"max_depth,omitempty"`
	MinScore   float64 `json:"min_score,omitempty"`
}

// DiscoverResult is a query answer. TimeBounded marks that at least one
// work unit hit its wall-clock budget, so the set may be partial.
type DiscoverResult struct {
	Loops       []*TradeLoop `json:"loops"`
	Generation  uint64       `json:"generation"`
	TimeBounded bool         `json:"time_bounded,omitempty"`
}
