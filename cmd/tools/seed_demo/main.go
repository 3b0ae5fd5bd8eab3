// seed_demo populates a running engine with a small demo tenant over the
// HTTP API: a handful of wallets whose wants close several loops, useful
// for smoke-testing discovery end to end.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type inventoryItem struct {
	ID        string `json:"id"`
	Ownership struct {
		OwnerID string `json:"ownerId"`
	} `json:"ownership"`
	Collection string `json:"collection,omitempty"`
	Valuation  *struct {
		Amount     float64 `json:"amount"`
		Currency   string  `json:"currency"`
		Confidence float64 `json:"confidence"`
	} `json:"valuation,omitempty"`
}

func main() {
	var (
		base   = flag.String("base", "http://localhost:8080", "engine base URL")
		tenant = flag.String("tenant", "demo", "tenant id to create and seed")
	)
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	post(client, *base+"/v1/tenants", map[string]any{"id": *tenant})

	// Three wallets whose specific wants form a 3-loop, plus a pair that
	// closes a 2-loop through a collection want.
	type holding struct{ wallet, nft, collection string }
	holdings := []holding{
		{"alice", "sword-1", "weapons"},
		{"bob", "shield-7", "armor"},
		{"carol", "helm-3", "armor"},
		{"dave", "bow-2", "weapons"},
		{"erin", "staff-9", "weapons"},
	}
	for _, h := range holdings {
		item := inventoryItem{ID: h.nft, Collection: h.collection}
		item.Ownership.OwnerID = h.wallet
		post(client, fmt.Sprintf("%s/v1/tenants/%s/wallets/%s/inventory", *base, *tenant, h.wallet),
			map[string]any{"nfts": []inventoryItem{item}})
	}

	wants := map[string]map[string]any{
		"alice": {"nfts": []string{"shield-7"}},
		"bob":   {"nfts": []string{"helm-3"}},
		"carol": {"nfts": []string{"sword-1"}},
		"dave":  {"collections": []string{"weapons"}},
		"erin":  {"nfts": []string{"bow-2"}},
	}
	for wallet, body := range wants {
		post(client, fmt.Sprintf("%s/v1/tenants/%s/wallets/%s/wants", *base, *tenant, wallet), body)
	}

	resp, err := client.Get(fmt.Sprintf("%s/v1/tenants/%s/loops", *base, *tenant))
	if err != nil {
		log.Fatalf("discover: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	log.Printf("discover response: %s", out)
}

func post(client *http.Client, url string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		out, _ := io.ReadAll(resp.Body)
		log.Printf("POST %s -> %d: %s", url, resp.StatusCode, out)
		return
	}
	log.Printf("POST %s -> %d", url, resp.StatusCode)
}
