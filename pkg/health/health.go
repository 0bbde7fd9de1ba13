// Package health implements the bridge's sole inbound HTTP surface: a
// connection-state reflector for liveness/readiness probes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tomquist/hame-relay/pkg/logger"
)

// Source reports the connection state of one cloud broker's pair of
// sessions. Implemented by *forwarder.Engine.
type Source interface {
	BrokerID() string
	LocalConnected() bool
	CloudConnected() bool
}

type status struct {
	Status    string          `json:"status"`
	Brokers   map[string]bool `json:"brokers"`
	Timestamp string          `json:"timestamp"`
}

// Reflector serves GET /health, returning the connection state of every
// Forwarder it was built with. All other paths return 404.
type Reflector struct {
	sources []Source
	log     logger.Logger
	server  *http.Server
}

// New builds a Reflector listening on addr (e.g. ":8080").
func New(addr string, sources []Source, log logger.Logger) *Reflector {
	r := &Reflector{sources: sources, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)

	r.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return r
}

func (r *Reflector) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/health" {
		w.WriteHeader(http.StatusNotFound)

		return
	}

	brokers := make(map[string]bool, len(r.sources)+1)
	localUp := true

	for _, s := range r.sources {
		brokers[s.BrokerID()] = s.CloudConnected()

		if !s.LocalConnected() {
			localUp = false
		}
	}

	brokers["local"] = localUp

	resp := status{
		Status:    "ok",
		Brokers:   brokers,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.log.Warn().Err(err).Msg("failed to encode health response")
	}
}

// Start runs the HTTP server until Stop is called. It returns once the
// listener closes.
func (r *Reflector) Start() error {
	r.log.Info().Str("addr", r.server.Addr).Msg("health reflector listening")

	if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop shuts the HTTP server down.
func (r *Reflector) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}
