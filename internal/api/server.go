package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaygate/internal/gateway"
	"relaygate/internal/ratelimit"
)

// SetupRoutes configures all HTTP and WebSocket routes.
func (h *Handler) SetupRoutes(gw *gateway.Gateway, rateLimiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/devices", h.ListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", h.DisconnectDevice).Methods("DELETE")
	api.HandleFunc("/instances/{userId}", h.StopInstance).Methods("DELETE")
	api.HandleFunc("/profiles/{userId}", h.DeleteProfile).Methods("DELETE")
	api.HandleFunc("/pool/stats", h.PoolStats).Methods("GET")

	// WebSocket endpoints. The launch path is rate limited per identity;
	// the device and CDP paths are not.
	launch := api.PathPrefix("/launch").Subrouter()
	launch.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))
	launch.HandleFunc("", gw.HandleLaunch).Methods("GET")

	api.HandleFunc("/device", gw.HandleDevice).Methods("GET")
	api.HandleFunc("/cdp", gw.HandleCDP).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
