// snapshot_backup dumps the latest persisted snapshot of a tenant (or of
// every tenant) to local JSON files, and can prune old snapshot rows.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradeloop-engine/internal/repository"
)

func main() {
	var (
		tenant = flag.String("tenant", "", "tenant id to back up (empty = all)")
		outDir = flag.String("out", ".", "directory for snapshot dumps")
		keep   = flag.Int("keep", 0, "prune, keeping the newest N snapshots per tenant (0 = no prune)")
	)
	flag.Parse()

	dbURL := strings.TrimSpace(os.Getenv("DB_URL"))
	if dbURL == "" {
		dbURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dbURL == "" {
		log.Fatal("missing DB_URL or DATABASE_URL")
	}

	repo, err := repository.NewRepository(dbURL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	tenants := []string{*tenant}
	if *tenant == "" {
		tenants, err = repo.ListTenants(ctx)
		if err != nil {
			log.Fatalf("list tenants: %v", err)
		}
	}

	for _, id := range tenants {
		data, err := repo.LoadLatest(ctx, id)
		if err != nil {
			log.Printf("load %s: %v", id, err)
			continue
		}
		if data == nil {
			log.Printf("no snapshot for %s", id)
			continue
		}
		path := filepath.Join(*outDir, fmt.Sprintf("%s-%s.json", id, time.Now().UTC().Format("20060102T150405Z")))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		log.Printf("wrote %s (%d bytes)", path, len(data))

		if *keep > 0 {
			removed, err := repo.PruneSnapshots(ctx, id, *keep)
			if err != nil {
				log.Printf("prune %s: %v", id, err)
				continue
			}
			log.Printf("pruned %d old snapshot(s) for %s", removed, id)
		}
	}
}
