package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"tradeloop-engine/internal/engine"
	"tradeloop-engine/internal/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "commit": BuildCommit})
}

// handleStatus returns per-tenant operational counters, cached briefly
// so dashboards polling it do not hammer every tenant graph.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	tenants := s.engine.Tenants()
	sort.Strings(tenants)
	statuses := make([]*models.TenantStatus, 0, len(tenants))
	for _, id := range tenants {
		if st, err := s.engine.TenantStatus(id); err == nil {
			statuses = append(statuses, st)
		}
	}
	nfts, collections := s.engine.Resolver().Len()
	payload, err := json.Marshal(apiEnvelope{
		Data: map[string]interface{}{
			"tenants": statuses,
			"resolver_cache": map[string]int{
				"nfts":        nfts,
				"collections": collections,
			},
		},
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var cfg models.TenantConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.engine.CreateTenant(r.Context(), cfg); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeAPIResponse(w, map[string]string{"tenant": cfg.ID}, nil, nil)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	if err := s.engine.DeleteTenant(r.Context(), tenant); err != nil {
		writeEngineError(w, err)
		return
	}
	s.hooks.RemoveTenant(tenant)
	writeAPIResponse(w, map[string]string{"tenant": tenant, "status": "deleted"}, nil, nil)
}

func (s *Server) handleVerifyTenant(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	if err := s.engine.VerifyTenant(tenant); err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, map[string]string{"tenant": tenant, "integrity": "ok"}, nil, nil)
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	if s.repo == nil {
		writeAPIError(w, http.StatusConflict, "persistence is not configured")
		return
	}
	data, err := s.engine.SerializeTenant(tenant)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	st, err := s.engine.TenantStatus(tenant)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.repo.SaveSnapshot(r.Context(), tenant, st.Generation, data); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIResponse(w, map[string]interface{}{
		"tenant":     tenant,
		"generation": st.Generation,
		"bytes":      len(data),
	}, nil, nil)
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	if s.repo == nil {
		writeAPIError(w, http.StatusConflict, "persistence is not configured")
		return
	}
	data, err := s.repo.LoadLatest(r.Context(), tenant)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		writeAPIError(w, http.StatusNotFound, "no snapshot for tenant "+tenant)
		return
	}
	id, err := s.engine.RestoreTenant(r.Context(), data)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, map[string]string{"tenant": id, "status": "restored"}, nil, nil)
}

func (s *Server) handleTenantStatus(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	st, err := s.engine.TenantStatus(tenant)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, st, nil, nil)
}

func (s *Server) handleSubmitInventory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		NFTs []models.InventoryNFT `json:"nfts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	results, err := s.engine.SubmitInventory(r.Context(), vars["tenant"], vars["wallet"], body.NFTs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	accepted := 0
	for _, res := range results {
		if res.Accepted {
			accepted++
		}
	}
	writeAPIResponse(w, results, map[string]interface{}{
		"submitted": len(results),
		"accepted":  accepted,
	}, nil)
}

func (s *Server) handleSubmitWants(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var upd engine.WantsUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.engine.SubmitWants(r.Context(), vars["tenant"], vars["wallet"], upd); err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, map[string]string{"wallet": vars["wallet"], "status": "accepted"}, nil, nil)
}

func (s *Server) handleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.engine.RemoveWallet(r.Context(), vars["tenant"], vars["wallet"]); err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, map[string]string{"wallet": vars["wallet"], "status": "removed"}, nil, nil)
}

func (s *Server) handleRemoveNFT(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.engine.RemoveNFT(r.Context(), vars["tenant"], vars["nft"]); err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, map[string]string{"nft": vars["nft"], "status": "removed"}, nil, nil)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	opts := models.DiscoverOptions{
		Wallet:     r.URL.Query().Get("wallet"),
		MaxResults: parseIntParam(r, "max_results", 0),
		MaxDepth:   parseIntParam(r, "max_depth", 0),
		MinScore:   parseFloatParam(r, "min_score", 0),
	}
	res, err := s.engine.Discover(r.Context(), tenant, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, res.Loops, map[string]interface{}{
		"generation":   res.Generation,
		"time_bounded": res.TimeBounded,
		"count":        len(res.Loops),
	}, nil)
}

func (s *Server) handleGetLoop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	loop, err := s.engine.Lookup(vars["tenant"], vars["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if loop == nil {
		writeAPIError(w, http.StatusNotFound, "loop "+vars["id"]+" not found")
		return
	}
	writeAPIResponse(w, loop, nil, nil)
}

func (s *Server) handleLoopStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Status models.LoopStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	loop, err := s.engine.UpdateLoopStatus(r.Context(), vars["tenant"], vars["id"], body.Status)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, loop, nil, nil)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	writeAPIResponse(w, s.hooks.ListForTenant(tenant), nil, nil)
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	var body struct {
		URL        string   `json:"url"`
		Secret     string   `json:"secret"`
		EventTypes []string `json:"event_types"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ep, err := s.hooks.Register(tenant, body.URL, body.Secret, body.EventTypes)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeAPIResponse(w, ep, nil, nil)
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.hooks.Remove(vars["id"])
	writeAPIResponse(w, map[string]string{"id": vars["id"], "status": "removed"}, nil, nil)
}

func (s *Server) handleUnparkWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.hooks.Unpark(vars["id"]); err != nil {
		writeEngineError(w, err)
		return
	}
	writeAPIResponse(w, map[string]string{"id": vars["id"], "status": "active"}, nil, nil)
}
