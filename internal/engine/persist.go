package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradeloop-engine/internal/graph"
	"tradeloop-engine/internal/logger"
	"tradeloop-engine/internal/models"
)

// snapshotVersion is the only envelope version this build can restore.
const snapshotVersion = 1

// snapshotEnvelope is the durable form of one tenant: config, graph
// snapshot, and the active loop cache, versioned so incompatible dumps
// are rejected instead of half-loaded.
type snapshotEnvelope struct {
	Version int                 `json:"version"`
	Config  models.TenantConfig `json:"config"`
	Graph   *graph.Snapshot     `json:"graph"`
	Loops   []*models.TradeLoop `json:"loops"`
	SavedAt time.Time           `json:"saved_at"`
}

// SerializeTenant dumps the tenant's full state as a JSON envelope.
// Taken from live state, so it is consistent with some generation even
// while mutations continue.
func (e *Engine) SerializeTenant(tenant string) ([]byte, error) {
	rt, err := e.runtime(tenant)
	if err != nil {
		return nil, err
	}
	env := snapshotEnvelope{
		Version: snapshotVersion,
		Config:  rt.cfg,
		Graph:   rt.graph.Snapshot(),
		Loops:   rt.cache.All(),
		SavedAt: time.Now(),
	}
	return json.Marshal(env)
}

// RestoreTenant creates a tenant from a serialized envelope. The tenant
// must not already exist; the cache is rebuilt at the snapshot's
// generation so no rediscovery storm follows a restart.
func (e *Engine) RestoreTenant(ctx context.Context, data []byte) (string, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrIncompatibleSnapshot, err)
	}
	if env.Version != snapshotVersion {
		return "", fmt.Errorf("%w: snapshot version %d, want %d", models.ErrIncompatibleSnapshot, env.Version, snapshotVersion)
	}
	if env.Graph == nil || env.Config.ID == "" || env.Config.ID != env.Graph.TenantID {
		return "", fmt.Errorf("%w: malformed snapshot envelope", models.ErrIncompatibleSnapshot)
	}
	e.applyTenantDefaults(&env.Config)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tenants[env.Config.ID]; exists {
		return "", fmt.Errorf("%w: tenant %s already exists", models.ErrInvalidInput, env.Config.ID)
	}

	rt := e.newRuntime(env.Config)
	rt.graph.RestoreSnapshot(env.Graph)
	for _, loop := range env.Loops {
		rt.cache.Insert(loop)
	}
	rt.cache.SetGeneration(env.Graph.Generation)
	rt.lastFullGen.Store(env.Graph.Generation)

	e.tenants[env.Config.ID] = rt
	e.startWorker(rt)
	logger.For(ctx).WithField("tenant", env.Config.ID).
		WithField("generation", env.Graph.Generation).
		WithField("loops", len(env.Loops)).
		Info("tenant restored from snapshot")
	return env.Config.ID, nil
}
