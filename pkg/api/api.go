// Package api exposes bootstrapd's checkin HTTP surface: plain JSON routes
// that accept DHCP/host events and enqueue them for asynchronous
// processing, replacing original_source's flask_restful + Celery front end
// (flaskapi.py) with a chi router backed by pkg/queue.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/metrics"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/orchestrator"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/queue"
)

// TaskKindDnsmasqCheckin and TaskKindHostCheckin are the queue.Task.Kind
// values this router enqueues; pkg/queue handlers for these kinds are
// registered by the caller (cmd/bootstrapd) against an Orchestrator.
const (
	TaskKindDnsmasqCheckin = "dnsmasq_checkin"
	TaskKindHostCheckin    = "host_checkin"
)

// Router builds bootstrapd's HTTP API.
func Router(q *queue.Queue) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "bootstrapd API"})
	})

	r.Get("/checkin", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "bootstrapd API checkin interface"})
	})

	r.Post("/checkin/dnsmasq", func(w http.ResponseWriter, req *http.Request) {
		handleCheckin(w, req, q, TaskKindDnsmasqCheckin)
	})

	r.Post("/checkin/host", func(w http.ResponseWriter, req *http.Request) {
		handleCheckin(w, req, q, TaskKindHostCheckin)
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

// handleCheckin defensively parses the request body and enqueues it; a
// malformed body is logged and acknowledged anyway, matching
// original_source's API_Checkin_DNSMasq/API_Checkin_Host, which always
// return 200 even on a JSON decode failure, so a confused bootstrap client
// never retries into a loop.
func handleCheckin(w http.ResponseWriter, req *http.Request, q *queue.Queue, kind string) {
	logger := log.WithComponent("api")

	var data map[string]any
	if err := json.NewDecoder(req.Body).Decode(&data); err != nil {
		logger.Warn().Err(err).Str("kind", kind).Msg("failed to decode checkin body")
		data = map[string]any{"action": nil}
	}
	logger.Info().Str("kind", kind).Interface("data", data).Msg("handling checkin")

	metrics.CheckinsTotal.WithLabelValues(kind).Inc()

	if _, err := q.Enqueue(kind, data); err != nil {
		logger.Error().Err(err).Str("kind", kind).Msg("failed to enqueue checkin")
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "received checkin"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// DnsmasqCheckinHandler adapts an Orchestrator into a queue.Handler for
// TaskKindDnsmasqCheckin tasks.
func DnsmasqCheckinHandler(o *orchestrator.Orchestrator) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var data orchestrator.DnsmasqCheckin
		if err := json.Unmarshal(task.Payload, &data); err != nil {
			return fmt.Errorf("decode dnsmasq checkin payload: %w", err)
		}
		return o.HandleDnsmasqCheckin(ctx, data)
	}
}

// HostCheckinHandler adapts an Orchestrator into a queue.Handler for
// TaskKindHostCheckin tasks.
func HostCheckinHandler(o *orchestrator.Orchestrator) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var data orchestrator.HostCheckin
		if err := json.Unmarshal(task.Payload, &data); err != nil {
			return fmt.Errorf("decode host checkin payload: %w", err)
		}
		return o.HandleHostCheckin(ctx, data)
	}
}
