package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"meshgate/pkg/alloc"
	"meshgate/pkg/engine"
	"meshgate/pkg/model"
	"meshgate/pkg/rules"
	"meshgate/pkg/store"
	"meshgate/pkg/version"
)

// RoutingEngine is the slice of the engine the HTTP layer drives.
type RoutingEngine interface {
	EnableRouting(ctx context.Context, peerAddr, endpointID string) (string, error)
	DisableRouting(ctx context.Context, peerAddr string) error
	Status() ([]engine.StatusEntry, error)
}

// PeerDirectory lists mesh members and controls the host's exit-node role.
type PeerDirectory interface {
	Peers(ctx context.Context) ([]model.Peer, error)
	ExitStatus(ctx context.Context) (string, bool, error)
	AdvertiseExitNode(ctx context.Context, enable bool) error
}

// EndpointFetcher pulls the provider's current region directory.
type EndpointFetcher interface {
	FetchEndpoints(ctx context.Context) ([]model.TunnelEndpoint, error)
}

// Controller wires routing operations onto the HTTP mux.
type Controller struct {
	Store      store.EnrollmentStore
	Engine     RoutingEngine
	Directory  PeerDirectory
	Provider   EndpointFetcher
	Hub        *EventHub
	Forwarding rules.ForwardingController // optional, surfaces sysctl state on healthz
	RequireJWT bool
}

type peerView struct {
	model.Peer
	State      model.EnrollmentState `json:"state,omitempty"`
	EndpointID string                `json:"endpointId,omitempty"`
}

type routingRequest struct {
	PeerAddr   string `json:"peerAddr"`
	EndpointID string `json:"endpointId,omitempty"`
}

func (c *Controller) RegisterRoutes(mux *http.ServeMux) {
	guard := func(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
		return AuthMiddleware(fn, c.RequireJWT)
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := c.Store.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		body := "ok"
		if c.Forwarding != nil {
			if on, err := c.Forwarding.ForwardingEnabled(); err == nil && !on {
				body = "ok (ip forwarding disabled)"
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})

	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.Build})
	})

	mux.HandleFunc("/api/v1/peers", guard(c.handlePeers))
	mux.HandleFunc("/api/v1/endpoints", guard(c.handleEndpoints))
	mux.HandleFunc("/api/v1/endpoints/refresh", guard(c.handleEndpointRefresh))
	mux.HandleFunc("/api/v1/routing/enable", guard(c.handleEnable))
	mux.HandleFunc("/api/v1/routing/disable", guard(c.handleDisable))
	mux.HandleFunc("/api/v1/routing/status", guard(c.handleStatus))
	mux.HandleFunc("/api/v1/events", guard(c.handleEvents))
	mux.HandleFunc("/api/v1/exit", guard(c.handleExit))
	mux.HandleFunc("/api/v1/settings", guard(c.handleSettings))
	if c.Hub != nil {
		mux.HandleFunc("/api/v1/ws/events", guard(c.Hub.HandleEvents))
	}
}

// handlePeers merges the mesh directory with enrollment state so the UI
// renders one row per peer.
func (c *Controller) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peers, err := c.Directory.Peers(r.Context())
	if err != nil {
		http.Error(w, "failed to list peers", http.StatusBadGateway)
		return
	}
	entries, err := c.Engine.Status()
	if err != nil {
		http.Error(w, "failed to read routing status", http.StatusInternalServerError)
		return
	}
	byAddr := make(map[string]engine.StatusEntry, len(entries))
	for _, e := range entries {
		byAddr[e.PeerAddress] = e
	}
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		v := peerView{Peer: p}
		if e, ok := byAddr[p.MeshAddr]; ok {
			v.State = e.State
			v.EndpointID = e.EndpointID
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Controller) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eps, err := c.Store.ListEndpoints()
	if err != nil {
		http.Error(w, "failed to list endpoints", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (c *Controller) handleEndpointRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if c.Provider == nil {
		http.Error(w, "no endpoint provider configured", http.StatusNotImplemented)
		return
	}
	eps, err := c.Provider.FetchEndpoints(r.Context())
	if err != nil {
		http.Error(w, "provider fetch failed", http.StatusBadGateway)
		return
	}
	if err := c.Store.ReplaceEndpoints(eps); err != nil {
		http.Error(w, "failed to persist endpoints", http.StatusInternalServerError)
		return
	}
	log.Printf("api: endpoint directory refreshed count=%d", len(eps))
	writeJSON(w, http.StatusOK, map[string]int{"count": len(eps)})
}

func (c *Controller) handleEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req routingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerAddr == "" || req.EndpointID == "" {
		http.Error(w, "peerAddr and endpointId are required", http.StatusBadRequest)
		return
	}
	id, err := c.Engine.EnableRouting(r.Context(), req.PeerAddr, req.EndpointID)
	switch {
	case errors.Is(err, engine.ErrEndpointUnavailable):
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	case errors.Is(err, alloc.ErrPoolExhausted):
		http.Error(w, "routing table pool exhausted", http.StatusConflict)
		return
	case err != nil:
		// Enrollment was recorded; the reconciler keeps retrying.
		writeJSON(w, http.StatusAccepted, map[string]string{
			"enrollmentId": id,
			"state":        string(model.StatePending),
			"error":        err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"enrollmentId": id,
		"state":        string(model.StateApplied),
	})
}

func (c *Controller) handleDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req routingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerAddr == "" {
		http.Error(w, "peerAddr is required", http.StatusBadRequest)
		return
	}
	err := c.Engine.DisableRouting(r.Context(), req.PeerAddr)
	switch {
	case errors.Is(err, engine.ErrNotEnrolled):
		http.Error(w, "peer not enrolled", http.StatusNotFound)
		return
	case err != nil:
		// Teardown left residue; the record stays and is retried.
		writeJSON(w, http.StatusAccepted, map[string]string{
			"state": string(model.StateFailing),
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := c.Engine.Status()
	if err != nil {
		http.Error(w, "failed to read routing status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (c *Controller) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := c.Store.ListEvents(limit)
	if err != nil {
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (c *Controller) handleExit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		addr, advertising, err := c.Directory.ExitStatus(r.Context())
		if err != nil {
			http.Error(w, "failed to read exit status", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"meshAddr":    addr,
			"advertising": advertising,
		})
	case http.MethodPost:
		var req struct {
			Advertise bool `json:"advertise"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := c.Directory.AdvertiseExitNode(ctx, req.Advertise); err != nil {
			http.Error(w, "failed to toggle exit node", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"advertising": req.Advertise})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Controller) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s, err := c.Store.GetSettings()
		if err != nil {
			http.Error(w, "failed to read settings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, s)
	case http.MethodPut, http.MethodPost:
		var s model.Settings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if err := c.Store.UpdateSettings(s); err != nil {
			http.Error(w, "failed to save settings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, s)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}
