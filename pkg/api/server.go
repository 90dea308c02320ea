// Package api exposes the node to the external panel: a JSON HTTP surface,
// a websocket event stream, and the prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/meshd-io/meshd/pkg/cache"
	"github.com/meshd-io/meshd/pkg/routing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NodeAPI is the narrow surface the panel consumes.
type NodeAPI interface {
	SendUnicast(dstID, content string) error
	SendBroadcast(content string) error
	SendFile(ctx context.Context, dstID, path string) error
	ActiveRoutes() []routing.RouteView
	PendingFiles() map[string]cache.Progress
	Neighbors() []string
	MessageHistory() []HistoryEntry
	RequestDiscovery()
	RequestRoutingBroadcast()
	AddPeerManual(ip string) error
	SetGatewayMode(on bool) error
}

// Server binds the NodeAPI to HTTP.
type Server struct {
	listen string
	node   NodeAPI
	hub    *Hub
}

// NewServer builds a Server on the given listen address.
func NewServer(listen string, node NodeAPI, hub *Hub) *Server {
	return &Server{listen: listen, node: node, hub: hub}
}

// Routes builds the request router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/routes", s.getRoutes).Methods(http.MethodGet)
	r.HandleFunc("/v1/peers", s.getPeers).Methods(http.MethodGet)
	r.HandleFunc("/v1/peers", s.postPeer).Methods(http.MethodPost)
	r.HandleFunc("/v1/files", s.getFiles).Methods(http.MethodGet)
	r.HandleFunc("/v1/files", s.postFile).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages", s.getMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages", s.postMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/discover", s.postDiscover).Methods(http.MethodPost)
	r.HandleFunc("/v1/advertise", s.postAdvertise).Methods(http.MethodPost)
	r.HandleFunc("/v1/gateway", s.putGateway).Methods(http.MethodPut)
	r.HandleFunc("/v1/events", s.hub.ServeWS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run serves until the context is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logrus.Infof("Panel API listening on %s", s.listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) getRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.ActiveRoutes())
}

func (s *Server) getPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Neighbors())
}

func (s *Server) getFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.PendingFiles())
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.MessageHistory())
}

type messageRequest struct {
	Dst         string `json:"dst"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var err error
	if req.Dst == "" {
		err = s.node.SendBroadcast(req.Content)
	} else {
		err = s.node.SendUnicast(req.Dst, req.Content)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type fileRequest struct {
	Dst  string `json:"dst"`
	Path string `json:"path"`
}

func (s *Server) postFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// File transfers outlive the request; run them detached and let the
	// event stream report completion.
	go func() {
		if err := s.node.SendFile(context.Background(), req.Dst, req.Path); err != nil {
			logrus.Errorf("File transfer to %s failed: %v", req.Dst, err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

type peerRequest struct {
	IP string `json:"ip"`
}

func (s *Server) postPeer(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if net.ParseIP(req.IP) == nil {
		http.Error(w, "invalid ip", http.StatusBadRequest)
		return
	}
	if err := s.node.AddPeerManual(req.IP); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postDiscover(w http.ResponseWriter, r *http.Request) {
	s.node.RequestDiscovery()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postAdvertise(w http.ResponseWriter, r *http.Request) {
	s.node.RequestRoutingBroadcast()
	w.WriteHeader(http.StatusAccepted)
}

type gatewayRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) putGateway(w http.ResponseWriter, r *http.Request) {
	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.node.SetGatewayMode(req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("Failed to write API response: %v", err)
	}
}
