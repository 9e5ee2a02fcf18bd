// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
	"github.com/aiku/meshtastic-matrix-bridge/pkg/store"
)

// EngineControl is the part of the engine the admin API exposes.
type EngineControl interface {
	Status() relay.Status
	LocalNodeID() string
	Evict(ctx context.Context) (relay.EvictResult, error)
}

// DeviceLink reports the state of the direct radio link.
type DeviceLink interface {
	Connected() bool
}

// NodeLister lists the node directory.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]*store.Node, error)
}

// AdminAPI serves metrics and a small operational API.
type AdminAPI struct {
	log    zerolog.Logger
	engine EngineControl
	device DeviceLink
	nodes  NodeLister
}

// NewAdminAPI creates the admin API. device may be nil when no radio is
// configured.
func NewAdminAPI(log zerolog.Logger, engine EngineControl, device DeviceLink, nodes NodeLister) *AdminAPI {
	return &AdminAPI{
		log:    log.With().Str("component", "admin").Logger(),
		engine: engine,
		device: device,
		nodes:  nodes,
	}
}

// Handler returns the routes of the admin API.
func (a *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/status", a.getStatus)
	mux.HandleFunc("POST /api/evict", a.postEvict)
	mux.HandleFunc("GET /api/nodes", a.getNodes)
	return mux
}

type statusResponse struct {
	relay.Status
	LocalNodeID     string `json:"local_node_id,omitempty"`
	DeviceEnabled   bool   `json:"device_enabled"`
	DeviceConnected bool   `json:"device_connected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *AdminAPI) getStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:      a.engine.Status(),
		LocalNodeID: a.engine.LocalNodeID(),
	}
	if a.device != nil {
		resp.DeviceEnabled = true
		resp.DeviceConnected = a.device.Connected()
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

func (a *AdminAPI) postEvict(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.Evict(r.Context())
	if err != nil {
		a.log.Err(err).Msg("Manual eviction failed")
		exhttp.WriteJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	a.log.Info().Int("removed", res.Removed()).Msg("Manual eviction finished")
	exhttp.WriteJSONResponse(w, http.StatusOK, res)
}

type nodeResponse struct {
	NodeID    string    `json:"node_id"`
	ShortName string    `json:"short_name,omitempty"`
	LongName  string    `json:"long_name,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

func (a *AdminAPI) getNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.nodes.ListNodes(r.Context())
	if err != nil {
		a.log.Err(err).Msg("Failed to list nodes")
		exhttp.WriteJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	resp := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		resp = append(resp, nodeResponse{
			NodeID:    n.NodeID,
			ShortName: n.ShortName,
			LongName:  n.LongName,
			LastSeen:  n.LastSeen,
		})
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}
