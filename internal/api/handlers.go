package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"relaygate/internal/gateway"
	"relaygate/internal/pool"
	"relaygate/internal/profile"
	"relaygate/internal/registry"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	reg        *registry.Registry
	pool       *pool.Pool
	gw         *gateway.Gateway
	profiles   *profile.Store
	staleAfter time.Duration
}

// NewHandler creates a new HTTP handler.
func NewHandler(reg *registry.Registry, p *pool.Pool, gw *gateway.Gateway, profiles *profile.Store, staleAfter time.Duration) *Handler {
	return &Handler{
		reg:        reg,
		pool:       p,
		gw:         gw,
		profiles:   profiles,
		staleAfter: staleAfter,
	}
}

// ListDevices handles GET /v1/devices.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.reg.Snapshot(time.Now(), h.staleAfter)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(devices)
}

// DisconnectDevice handles DELETE /v1/devices/{id}. This is the manual
// disconnect: reconnection is suppressed and the device goes straight to
// disconnected.
func (h *Handler) DisconnectDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.gw.DisconnectDevice(id); err != nil {
		if errors.Is(err, gateway.ErrUnknownDevice) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// StopInstance handles DELETE /v1/instances/{userId}.
func (h *Handler) StopInstance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["userId"]

	if err := h.pool.Release(r.Context(), userID); err != nil {
		if errors.Is(err, pool.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PoolStats handles GET /v1/pool/stats.
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.pool.Stats())
}

// DeleteProfile handles DELETE /v1/profiles/{userId}, removing the user's
// saved browser profile so their next launch starts clean.
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["userId"]

	if !h.profiles.Has(userID) {
		http.Error(w, "no saved profile", http.StatusNotFound)
		return
	}
	if err := h.profiles.Delete(userID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
