// Package net serves the hub's HTTP surface.
package net

import (
	"encoding/json"
	"errors"
	"log"
	nethttp "net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"glass-frontier/hub"
	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/contest"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/net/ws"
	"glass-frontier/hub/internal/observability"
	"glass-frontier/hub/internal/telemetry"
	"glass-frontier/hub/logging"
	"glass-frontier/hub/logging/sinks"
)

// DefaultTrackerLimit is used when /sessions/{id}/trackers has no limit.
const DefaultTrackerLimit = 50

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	// Router and Metrics feed /diagnostics when set.
	Router  *logging.Router
	Metrics *logging.Metrics
	Clock   clock.Clock
	WS      ws.HandlerConfig
}

type catalogResponse struct {
	HubID        string         `json:"hubId"`
	VersionStamp string         `json:"versionStamp"`
	LoadedAt     time.Time      `json:"loadedAt,omitzero"`
	Verbs        []catalog.Verb `json:"verbs"`
}

func NewHTTPHandler(h *hub.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	clk := clock.OrSystem(cfg.Clock)

	mux := nethttp.NewServeMux()

	mux.HandleFunc("GET /health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string               `json:"status"`
			ServerTime int64                `json:"serverTime"`
			Hub        hub.Diagnostics      `json:"hub"`
			Logging    *logging.RouterStats `json:"logging,omitempty"`
			Telemetry  map[string]uint64    `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			ServerTime: clk.Now().UnixMilli(),
			Hub:        h.Diagnostics(),
		}
		if cfg.Router != nil {
			stats := cfg.Router.Stats()
			payload.Logging = &stats
		}
		if cfg.Metrics != nil {
			payload.Telemetry = cfg.Metrics.Snapshot()
		}
		writeJSON(w, logger, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("GET /hubs/{hubId}/rooms/{roomId}/events", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var memory *sinks.MemorySink
		if cfg.Router != nil {
			memory, _ = cfg.Router.Sink("memory").(*sinks.MemorySink)
		}
		if memory == nil {
			httpError(w, "memory log sink is not enabled", nethttp.StatusNotFound)
			return
		}
		events := memory.EventsInRoom(logging.RoomRef{HubID: r.PathValue("hubId"), RoomID: r.PathValue("roomId")})
		writeJSON(w, logger, nethttp.StatusOK, struct {
			Events  []logging.Event `json:"events"`
			Evicted uint64          `json:"evicted"`
		}{Events: events, Evicted: memory.Evicted()})
	})

	wsCfg := cfg.WS
	if wsCfg.Logger == nil {
		wsCfg.Logger = logger
	}
	mux.HandleFunc("GET /ws", ws.NewHandler(h.Gateway(), wsCfg).Handle)

	mux.HandleFunc("GET /hubs/{hubId}/rooms/{roomId}/state", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		snapshot, err := h.RoomState(r.Context(), r.PathValue("hubId"), r.PathValue("roomId"))
		if err != nil {
			logger.Printf("room state lookup failed: %v", err)
			httpError(w, "failed to load room state", nethttp.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, nethttp.StatusOK, snapshot)
	})

	mux.HandleFunc("POST /hubs/{hubId}/rooms/{roomId}/contests/{contestId}/resolve", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var resolution contest.Resolution
		if r.Body != nil {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&resolution); err != nil {
				httpError(w, "invalid payload", nethttp.StatusBadRequest)
				return
			}
		}
		record, err := h.ResolveContest(r.Context(), r.PathValue("hubId"), r.PathValue("roomId"), r.PathValue("contestId"), resolution)
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeContestNotActive {
				httpError(w, err.Error(), nethttp.StatusNotFound)
				return
			}
			logger.Printf("contest resolution failed: %v", err)
			httpError(w, "failed to resolve contest", nethttp.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, nethttp.StatusOK, record)
	})

	mux.HandleFunc("GET /sessions/{sessionId}/trackers", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		limit := DefaultTrackerLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 {
				httpError(w, "limit must be a positive integer", nethttp.StatusBadRequest)
				return
			}
			limit = value
		}
		entries, err := h.Trackers(r.Context(), r.PathValue("sessionId"), limit)
		if err != nil {
			logger.Printf("tracker lookup failed: %v", err)
			httpError(w, "failed to load trackers", nethttp.StatusInternalServerError)
			return
		}
		payload := struct {
			SessionID string `json:"sessionId"`
			Trackers  any    `json:"trackers"`
		}{SessionID: r.PathValue("sessionId"), Trackers: entries}
		if entries == nil {
			payload.Trackers = []any{}
		}
		writeJSON(w, logger, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("GET /hubs/{hubId}/catalog", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		snapshot, err := h.Catalog(r.Context(), r.PathValue("hubId"))
		if err != nil {
			if errors.Is(err, hub.ErrCatalogUnavailable) {
				httpError(w, err.Error(), nethttp.StatusServiceUnavailable)
				return
			}
			logger.Printf("catalog lookup failed: %v", err)
			httpError(w, "failed to load catalog", nethttp.StatusInternalServerError)
			return
		}
		verbs := []catalog.Verb{}
		if snapshot.Catalog != nil {
			verbs = snapshot.Catalog.List()
		}
		writeJSON(w, logger, nethttp.StatusOK, catalogResponse{
			HubID:        snapshot.HubID,
			VersionStamp: snapshot.VersionStamp,
			LoadedAt:     snapshot.LoadedAt,
			Verbs:        verbs,
		})
	})

	if cfg.Observability.EnablePprofTrace {
		mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
