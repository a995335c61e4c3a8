package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainnet/p2p"
)

// poolStatus is the part of p2p.Server the admin endpoints read.
type poolStatus interface {
	Health() p2p.Health
	Peers() []p2p.PeerInfo
	AddressBook() *p2p.AddressBook
}

type addrBookView struct {
	Capacity int            `json:"capacity"`
	Size     int            `json:"size"`
	ByState  map[string]int `json:"by_state"`
}

type healthView struct {
	Status   string    `json:"status"`
	Ready    int       `json:"ready"`
	Total    int       `json:"total"`
	Degraded bool      `json:"degraded"`
	Since    time.Time `json:"since"`
}

type peerView struct {
	ID              string    `json:"id"`
	Direction       string    `json:"direction"`
	ProtocolVersion uint32    `json:"protocol_version"`
	Services        string    `json:"services"`
	UserAgent       string    `json:"user_agent"`
	StartHeight     int32     `json:"start_height"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastActivity    time.Time `json:"last_activity"`
	InFlight        int       `json:"in_flight"`
	Misbehavior     int       `json:"misbehavior"`
	Ready           bool      `json:"ready"`
}

func newAdminRouter(pool poolStatus, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := pool.Health()
		view := healthView{Status: "ok", Ready: h.Ready, Total: h.Total, Degraded: h.Degraded, Since: h.Since}
		status := http.StatusOK
		if h.Degraded {
			view.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, view, logger)
	})
	r.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
		peers := pool.Peers()
		out := make([]peerView, 0, len(peers))
		for _, p := range peers {
			// Endpoints stay out of the admin output, like the logs.
			out = append(out, peerView{
				ID:              p.ID,
				Direction:       p.Direction.String(),
				ProtocolVersion: p.ProtocolVersion,
				Services:        p.Services.String(),
				UserAgent:       p.UserAgent,
				StartHeight:     p.StartHeight,
				ConnectedAt:     p.ConnectedAt,
				LastActivity:    p.LastActivity,
				InFlight:        p.InFlight,
				Misbehavior:     p.Misbehavior,
				Ready:           p.Ready,
			})
		}
		writeJSON(w, http.StatusOK, out, logger)
	})
	r.Get("/addrbook", func(w http.ResponseWriter, _ *http.Request) {
		book := pool.AddressBook()
		entries := book.Snapshot()
		view := addrBookView{Capacity: book.Capacity(), Size: len(entries), ByState: make(map[string]int)}
		for _, e := range entries {
			view.ByState[e.State.String()]++
		}
		writeJSON(w, http.StatusOK, view, logger)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("Admin response write failed", slog.Any("error", err))
	}
}
