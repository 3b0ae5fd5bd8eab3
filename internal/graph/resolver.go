package graph

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type resolverEntry struct {
	collection string
	nfts       []string
	loadedAt   time.Time
}

// CollectionResolver is the shared nft↔collection mapping cache. It is
// read by every tenant but holds only tenant-opaque identifiers supplied
// by external collaborators (or learned from ingestion payloads). Entries
// are LRU-bounded and expire after a TTL; mutation is single-writer via
// the LRU's own lock.
type CollectionResolver struct {
	byNFT        *lru.Cache // nft id → resolverEntry{collection}
	byCollection *lru.Cache // collection id → resolverEntry{nfts}
	ttl          time.Duration
}

// NewCollectionResolver builds a resolver bounded to size entries per
// direction with the given TTL.
func NewCollectionResolver(size int, ttl time.Duration) (*CollectionResolver, error) {
	byNFT, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("resolver nft cache: %w", err)
	}
	byColl, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("resolver collection cache: %w", err)
	}
	return &CollectionResolver{byNFT: byNFT, byCollection: byColl, ttl: ttl}, nil
}

// Learn records a single nft→collection mapping, typically observed in an
// ingestion payload.
func (r *CollectionResolver) Learn(nft, collection string) {
	if nft == "" || collection == "" {
		return
	}
	r.byNFT.Add(nft, resolverEntry{collection: collection, loadedAt: time.Now()})
}

// SetMembership replaces the cached member list for a collection.
func (r *CollectionResolver) SetMembership(collection string, nfts []string) {
	if collection == "" {
		return
	}
	members := append([]string(nil), nfts...)
	r.byCollection.Add(collection, resolverEntry{nfts: members, loadedAt: time.Now()})
	for _, nft := range nfts {
		r.Learn(nft, collection)
	}
}

// CollectionOf returns the collection an NFT belongs to, if cached and
// fresh.
func (r *CollectionResolver) CollectionOf(nft string) (string, bool) {
	v, ok := r.byNFT.Get(nft)
	if !ok {
		return "", false
	}
	e := v.(resolverEntry)
	if r.expired(e) {
		r.byNFT.Remove(nft)
		return "", false
	}
	return e.collection, true
}

// NFTsInCollection returns the cached member list of a collection.
func (r *CollectionResolver) NFTsInCollection(collection string) ([]string, bool) {
	v, ok := r.byCollection.Get(collection)
	if !ok {
		return nil, false
	}
	e := v.(resolverEntry)
	if r.expired(e) {
		r.byCollection.Remove(collection)
		return nil, false
	}
	return append([]string(nil), e.nfts...), true
}

func (r *CollectionResolver) expired(e resolverEntry) bool {
	return r.ttl > 0 && time.Since(e.loadedAt) > r.ttl
}

// Len reports cached entry counts for status endpoints.
func (r *CollectionResolver) Len() (nfts int, collections int) {
	return r.byNFT.Len(), r.byCollection.Len()
}
