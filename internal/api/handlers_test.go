package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"tradeloop-engine/internal/config"
	"tradeloop-engine/internal/engine"
	"tradeloop-engine/internal/eventbus"
	"tradeloop-engine/internal/models"
	"tradeloop-engine/internal/webhooks"
)

type testEnvelope struct {
	Meta  map[string]interface{} `json:"_meta"`
	Data  json.RawMessage        `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newTestServer(t *testing.T, adminSecret string) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.AdminSecret = adminSecret
	bus := eventbus.New()
	eng, err := engine.New(cfg, bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Close)

	s := NewServer(eng, webhooks.NewStore(cfg.WebhookParkAfter), nil, bus, cfg)
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) (int, testEnvelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env testEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, url, err)
	}
	return resp.StatusCode, env
}

func createTenant(t *testing.T, base, id string) {
	t.Helper()
	status, env := doJSON(t, "POST", base+"/v1/tenants", models.TenantConfig{
		ID:    id,
		Flags: models.TenantFlags{CollectionWants: true, SCC: true, BloomDedup: true},
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create tenant: %d %+v", status, env)
	}
}

func TestHealthAndStatus(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	createTenant(t, ts.URL, "t1")
	// The status payload is cached; a tenant created after the first hit
	// may be missing for up to the TTL, so hit it fresh.
	status, env := doJSON(t, "GET", ts.URL+"/status", nil, nil)
	if status != http.StatusOK || env.Data == nil {
		t.Errorf("status: %d %+v", status, env)
	}
}

func TestTenantLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, "")
	createTenant(t, ts.URL, "t1")

	status, env := doJSON(t, "GET", ts.URL+"/v1/tenants/t1", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("tenant status: %d %+v", status, env)
	}
	var st models.TenantStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatal(err)
	}
	if st.Tenant != "t1" {
		t.Errorf("status for wrong tenant: %+v", st)
	}

	if status, _ := doJSON(t, "GET", ts.URL+"/v1/tenants/ghost", nil, nil); status != http.StatusNotFound {
		t.Errorf("unknown tenant should 404, got %d", status)
	}
	if status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants", models.TenantConfig{ID: "t1"}, nil); status != http.StatusBadRequest {
		t.Errorf("duplicate tenant should 400, got %d", status)
	}

	if status, _ := doJSON(t, "DELETE", ts.URL+"/v1/tenants/t1", nil, nil); status != http.StatusOK {
		t.Errorf("delete tenant: %d", status)
	}
	if status, _ := doJSON(t, "GET", ts.URL+"/v1/tenants/t1", nil, nil); status != http.StatusNotFound {
		t.Errorf("deleted tenant should 404, got %d", status)
	}
}

func TestIngestAndDiscoverOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, "")
	createTenant(t, ts.URL, "t1")

	wallets := []string{"alice", "bob", "carol"}
	for _, w := range wallets {
		status, env := doJSON(t, "POST", ts.URL+"/v1/tenants/t1/wallets/"+w+"/inventory", map[string]interface{}{
			"nfts": []models.InventoryNFT{{ID: "nft-" + w}},
		}, nil)
		if status != http.StatusOK {
			t.Fatalf("inventory %s: %d %+v", w, status, env)
		}
		if env.Meta["accepted"].(float64) != 1 {
			t.Errorf("inventory meta: %+v", env.Meta)
		}
	}
	for i, w := range wallets {
		next := wallets[(i+1)%len(wallets)]
		status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants/t1/wallets/"+w+"/wants", engine.WantsUpdate{
			NFTs: []string{"nft-" + next},
		}, nil)
		if status != http.StatusOK {
			t.Fatalf("wants %s: %d", w, status)
		}
	}

	status, env := doJSON(t, "GET", ts.URL+"/v1/tenants/t1/loops", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("discover: %d %+v", status, env)
	}
	var loops []*models.TradeLoop
	if err := json.Unmarshal(env.Data, &loops); err != nil {
		t.Fatal(err)
	}
	if len(loops) != 1 || len(loops[0].Steps) != 3 {
		t.Fatalf("expected one 3-step loop, got %+v", loops)
	}
	if env.Meta["count"].(float64) != 1 {
		t.Errorf("discover meta: %+v", env.Meta)
	}

	// Single-loop fetch and the status transition endpoint.
	loopURL := ts.URL + "/v1/tenants/t1/loops/" + loops[0].ID
	if status, _ := doJSON(t, "GET", loopURL, nil, nil); status != http.StatusOK {
		t.Errorf("get loop: %d", status)
	}
	if status, _ := doJSON(t, "GET", ts.URL+"/v1/tenants/t1/loops/loopv1:ffffffffffffffff", nil, nil); status != http.StatusNotFound {
		t.Errorf("unknown loop should 404, got %d", status)
	}
	status, env = doJSON(t, "POST", loopURL+"/status", map[string]string{"status": "in_progress"}, nil)
	if status != http.StatusOK {
		t.Fatalf("loop status: %d %+v", status, env)
	}
	if status, _ := doJSON(t, "POST", loopURL+"/status", map[string]string{"status": "pending"}, nil); status != http.StatusBadRequest {
		t.Errorf("illegal transition should 400, got %d", status)
	}

	// Removing a loop NFT empties the cache.
	if status, _ := doJSON(t, "DELETE", ts.URL+"/v1/tenants/t1/nfts/nft-alice", nil, nil); status != http.StatusOK {
		t.Errorf("remove nft: %d", status)
	}
	status, env = doJSON(t, "GET", ts.URL+"/v1/tenants/t1/loops", nil, nil)
	if status != http.StatusOK {
		t.Fatal(status)
	}
	if err := json.Unmarshal(env.Data, &loops); err != nil {
		t.Fatal(err)
	}
	if len(loops) != 0 {
		t.Errorf("loops should be gone after NFT removal, got %d", len(loops))
	}
}

func TestDiscover_BadBodyAndParams(t *testing.T) {
	_, ts := newTestServer(t, "")
	createTenant(t, ts.URL, "t1")

	req, _ := http.NewRequest("POST", ts.URL+"/v1/tenants/t1/wallets/w1/inventory", bytes.NewReader([]byte("{not json")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body should 400, got %d", resp.StatusCode)
	}

	if status, _ := doJSON(t, "GET", ts.URL+"/v1/tenants/t1/loops?max_depth=20", nil, nil); status != http.StatusBadRequest {
		t.Errorf("out-of-range max_depth should 400, got %d", status)
	}
}

func TestWebhookCRUDOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, "")
	createTenant(t, ts.URL, "t1")

	status, env := doJSON(t, "POST", ts.URL+"/v1/tenants/t1/webhooks", map[string]interface{}{
		"url":    "http://example.com/hook",
		"secret": "shh",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register webhook: %d %+v", status, env)
	}
	var ep webhooks.Endpoint
	if err := json.Unmarshal(env.Data, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.ID == "" {
		t.Fatal("webhook should get an id")
	}

	status, env = doJSON(t, "GET", ts.URL+"/v1/tenants/t1/webhooks", nil, nil)
	if status != http.StatusOK {
		t.Fatal(status)
	}
	var list []webhooks.Endpoint
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != ep.ID {
		t.Errorf("webhook list: %+v", list)
	}

	if status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants/t1/webhooks/"+ep.ID+"/unpark", nil, nil); status != http.StatusOK {
		t.Errorf("unpark: %d", status)
	}
	if status, _ := doJSON(t, "DELETE", ts.URL+"/v1/tenants/t1/webhooks/"+ep.ID, nil, nil); status != http.StatusOK {
		t.Errorf("remove webhook: %d", status)
	}

	if status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants/t1/webhooks", map[string]string{"secret": "x"}, nil); status != http.StatusBadRequest {
		t.Errorf("webhook without url should 400, got %d", status)
	}
}

func TestAdminAuth(t *testing.T) {
	_, ts := newTestServer(t, "admin-secret")

	body := models.TenantConfig{ID: "t1"}
	if status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants", body, nil); status != http.StatusUnauthorized {
		t.Errorf("no token should 401, got %d", status)
	}

	badToken, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants", body, map[string]string{
		"Authorization": "Bearer " + badToken,
	}); status != http.StatusUnauthorized {
		t.Errorf("wrong-secret token should 401, got %d", status)
	}

	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("admin-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants", body, map[string]string{
		"Authorization": "Bearer " + token,
	}); status != http.StatusCreated {
		t.Errorf("valid token should 201, got %d", status)
	}
}

func TestTenantAPIKeyAuth(t *testing.T) {
	_, ts := newTestServer(t, "admin-secret")

	key := "letmein"
	hash := sha256.Sum256([]byte(key))
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("admin-secret"))
	if err != nil {
		t.Fatal(err)
	}
	adminHdr := map[string]string{"Authorization": "Bearer " + token}

	status, env := doJSON(t, "POST", ts.URL+"/v1/tenants", models.TenantConfig{
		ID:         "t1",
		APIKeyHash: hex.EncodeToString(hash[:]),
	}, adminHdr)
	if status != http.StatusCreated {
		t.Fatalf("create tenant: %d %+v", status, env)
	}

	url := ts.URL + "/v1/tenants/t1"
	if status, _ := doJSON(t, "GET", url, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("missing API key should 401, got %d", status)
	}
	if status, _ := doJSON(t, "GET", url, nil, map[string]string{"X-API-Key": "nope"}); status != http.StatusUnauthorized {
		t.Errorf("wrong API key should 401, got %d", status)
	}
	if status, _ := doJSON(t, "GET", url, nil, map[string]string{"X-API-Key": key}); status != http.StatusOK {
		t.Errorf("correct API key should 200, got %d", status)
	}
	// The admin token passes tenant routes too.
	if status, _ := doJSON(t, "GET", url, nil, adminHdr); status != http.StatusOK {
		t.Errorf("admin token on tenant route should 200, got %d", status)
	}
}

func TestSnapshotWithoutPersistence(t *testing.T) {
	_, ts := newTestServer(t, "")
	createTenant(t, ts.URL, "t1")
	if status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants/t1/snapshot", nil, nil); status != http.StatusConflict {
		t.Errorf("snapshot without a repository should 409, got %d", status)
	}
	if status, _ := doJSON(t, "POST", ts.URL+"/v1/tenants/t1/restore", nil, nil); status != http.StatusConflict {
		t.Errorf("restore without a repository should 409, got %d", status)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, "")
	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/tenants", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin header = %q", got)
	}
}
