package webhooks

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeloop-engine/internal/models"
)

// Endpoint is a registered webhook subscriber for one tenant.
type Endpoint struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	URL         string    `json:"url"`
	Secret      string    `json:"-"`
	EventTypes  []string  `json:"event_types"`
	Parked      bool      `json:"parked"`
	Consecutive int       `json:"consecutive_failures"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the in-memory endpoint registry. Registration and parking
// state share one lock; delivery workers read through snapshots.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Endpoint
	byTenant  map[string]map[string]struct{}
	parkAfter int
}

// NewStore creates a registry that parks endpoints after parkAfter
// consecutive delivery failures.
func NewStore(parkAfter int) *Store {
	return &Store{
		byID:      make(map[string]*Endpoint),
		byTenant:  make(map[string]map[string]struct{}),
		parkAfter: parkAfter,
	}
}

// Register adds an endpoint and returns it with a generated id.
func (s *Store) Register(tenant, url, secret string, eventTypes []string) (*Endpoint, error) {
	if tenant == "" || url == "" {
		return nil, fmt.Errorf("%w: tenant and url are required", models.ErrInvalidInput)
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{"loop.gained", "loop.lost"}
	}
	ep := &Endpoint{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		URL:        url,
		Secret:     secret,
		EventTypes: append([]string(nil), eventTypes...),
		CreatedAt:  time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[ep.ID] = ep
	set, ok := s.byTenant[tenant]
	if !ok {
		set = make(map[string]struct{})
		s.byTenant[tenant] = set
	}
	set[ep.ID] = struct{}{}
	return ep.clone(), nil
}

// Remove deletes an endpoint; unknown ids are a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.byID[id]; ok {
		delete(s.byID, id)
		if set, ok := s.byTenant[ep.Tenant]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byTenant, ep.Tenant)
			}
		}
	}
}

// RemoveTenant drops every endpoint of a tenant.
func (s *Store) RemoveTenant(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byTenant[tenant] {
		delete(s.byID, id)
	}
	delete(s.byTenant, tenant)
}

// ListForTenant returns the tenant's endpoints sorted by creation time.
func (s *Store) ListForTenant(tenant string) []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Endpoint
	for id := range s.byTenant[tenant] {
		out = append(out, s.byID[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Matching returns active (non-parked) endpoints of the tenant subscribed
// to the event type.
func (s *Store) Matching(tenant, eventType string) []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Endpoint
	for id := range s.byTenant[tenant] {
		ep := s.byID[id]
		if ep.Parked {
			continue
		}
		for _, t := range ep.EventTypes {
			if t == eventType {
				out = append(out, ep.clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkResult records a delivery outcome. Endpoints accumulate consecutive
// failures and are parked once they reach the configured limit.
func (s *Store) MarkResult(id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, found := s.byID[id]
	if !found {
		return
	}
	if ok {
		ep.Consecutive = 0
		return
	}
	ep.Consecutive++
	if s.parkAfter > 0 && ep.Consecutive >= s.parkAfter {
		ep.Parked = true
	}
}

// Unpark clears the parked flag and failure counter.
func (s *Store) Unpark(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: endpoint %s not found", models.ErrInvalidInput, id)
	}
	ep.Parked = false
	ep.Consecutive = 0
	return nil
}

// Get returns an endpoint by id, or nil.
func (s *Store) Get(id string) *Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ep, ok := s.byID[id]; ok {
		return ep.clone()
	}
	return nil
}

func (e *Endpoint) clone() *Endpoint {
	out := *e
	out.EventTypes = append([]string(nil), e.EventTypes...)
	return &out
}
