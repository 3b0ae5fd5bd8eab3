// Package repository persists tenant snapshot envelopes in PostgreSQL.
// The engine is fully in-memory; the repository exists so restarts can
// rebuild tenants without replaying every submission.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	// Prevent stale connections from surviving across deployments.
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	repo := &Repository{db: pool}
	if err := repo.ensureSnapshotSchema(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure tenant_snapshots schema: %w", err)
	}
	return repo, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

func (r *Repository) ensureSnapshotSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS tenant_snapshots (
			tenant_id   TEXT NOT NULL,
			generation  BIGINT NOT NULL,
			version     INT NOT NULL DEFAULT 1,
			data        BYTEA NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, generation)
		);
		CREATE INDEX IF NOT EXISTS idx_tenant_snapshots_created
			ON tenant_snapshots (tenant_id, created_at DESC);
	`
	_, err := r.db.Exec(ctx, ddl)
	return err
}

// SaveSnapshot upserts one tenant's serialized envelope at a generation.
func (r *Repository) SaveSnapshot(ctx context.Context, tenantID string, generation uint64, data []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenant_snapshots (tenant_id, generation, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, generation)
		DO UPDATE SET data = EXCLUDED.data, created_at = NOW()
	`, tenantID, int64(generation), data)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", tenantID, err)
	}
	return nil
}

// LoadLatest returns the newest envelope for a tenant; (nil, nil) when
// the tenant has never been persisted.
func (r *Repository) LoadLatest(ctx context.Context, tenantID string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `
		SELECT data FROM tenant_snapshots
		WHERE tenant_id = $1
		ORDER BY generation DESC
		LIMIT 1
	`, tenantID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", tenantID, err)
	}
	return data, nil
}

// ListTenants returns every tenant id with at least one snapshot.
func (r *Repository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT tenant_id FROM tenant_snapshots ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshot tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PruneSnapshots keeps the newest keep snapshots per tenant and deletes
// the rest. Returns the number of rows removed.
func (r *Repository) PruneSnapshots(ctx context.Context, tenantID string, keep int) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM tenant_snapshots
		WHERE tenant_id = $1
		  AND generation NOT IN (
			SELECT generation FROM tenant_snapshots
			WHERE tenant_id = $1
			ORDER BY generation DESC
			LIMIT $2
		  )
	`, tenantID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots for %s: %w", tenantID, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTenant removes all snapshots of a tenant.
func (r *Repository) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM tenant_snapshots WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete snapshots for %s: %w", tenantID, err)
	}
	return nil
}
