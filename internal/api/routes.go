package api

import "github.com/gorilla/mux"

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET", "OPTIONS")
}

func registerAdminRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/v1/tenants", s.auth.admin(s.handleCreateTenant)).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}", s.auth.admin(s.handleDeleteTenant)).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/verify", s.auth.admin(s.handleVerifyTenant)).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/snapshot", s.auth.admin(s.handleSaveSnapshot)).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/restore", s.auth.admin(s.handleRestoreSnapshot)).Methods("POST", "OPTIONS")
}

func registerTenantRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/v1/tenants/{tenant}", s.auth.tenant(s.handleTenantStatus)).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/wallets/{wallet}/inventory", s.auth.tenant(s.handleSubmitInventory)).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/wallets/{wallet}/wants", s.auth.tenant(s.handleSubmitWants)).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/wallets/{wallet}", s.auth.tenant(s.handleRemoveWallet)).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/nfts/{nft}", s.auth.tenant(s.handleRemoveNFT)).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/loops", s.auth.tenant(s.handleDiscover)).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/loops/{id}", s.auth.tenant(s.handleGetLoop)).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/loops/{id}/status", s.auth.tenant(s.handleLoopStatus)).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/webhooks", s.auth.tenant(s.handleListWebhooks)).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/webhooks", s.auth.tenant(s.handleRegisterWebhook)).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/webhooks/{id}", s.auth.tenant(s.handleRemoveWebhook)).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/v1/tenants/{tenant}/webhooks/{id}/unpark", s.auth.tenant(s.handleUnparkWebhook)).Methods("POST", "OPTIONS")
}
