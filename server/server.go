// Package server is the HTTP surface of the registry: routing, admission
// middleware, request validation, and the registration and discovery
// pipelines.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sage-x-project/sage-registry/config"
	"github.com/sage-x-project/sage-registry/logger"
	"github.com/sage-x-project/sage-registry/storage"
	"github.com/sage-x-project/sage-registry/types"
)

// MetadataStore is the relational store surface the handlers need.
type MetadataStore interface {
	UpsertAgent(ctx context.Context, a storage.AgentUpsert) error
	DeleteCapabilities(ctx context.Context, did string) error
	InsertCapability(ctx context.Context, c storage.CapabilityInsert) error
	FindAgentsByDIDs(ctx context.Context, dids []string) (map[string]*types.Agent, error)
	GetAgent(ctx context.Context, did string) (*types.Agent, error)
	SearchCapabilitiesByKeyword(ctx context.Context, pattern string) ([]storage.LexicalHit, error)
	UpdateReputation(ctx context.Context, did string, reputation float64) error
	UpdateAvailability(ctx context.Context, did string, availability float64, lastSeen time.Time) error
	GetCapabilityOutputSchema(ctx context.Context, capabilityID string) (json.RawMessage, error)
	IterateAllCapabilities(ctx context.Context, fn func(types.Capability) error) error
	Ping(ctx context.Context) error
}

// VectorStore is the vector index surface the handlers need.
type VectorStore interface {
	UpsertPoint(ctx context.Context, p storage.Point) error
	Search(ctx context.Context, vector []float32, limit int) ([]storage.SearchHit, error)
	DeleteByAgent(ctx context.Context, did string) error
	Ping(ctx context.Context) error
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// Broadcaster publishes registry events to interested clients.
type Broadcaster interface {
	Broadcast(ev types.Event)
}

// Server holds the handler dependencies and owns the middleware chain.
type Server struct {
	cfg     *config.EnvConfig
	log     *logger.Logger
	store   MetadataStore
	vector  VectorStore
	embed   Embedder
	events  Broadcaster
	limiter *RateLimiter
	schemas *requestSchemas

	now func() time.Time
}

// New wires a Server. events may be nil, in which case event publication is
// skipped. Request schemas are compiled here so a malformed schema fails
// startup, not the first request.
func New(cfg *config.EnvConfig, log *logger.Logger, store MetadataStore, vector VectorStore, embed Embedder, events Broadcaster) (*Server, error) {
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	window := time.Duration(cfg.RateLimitWindowMS) * time.Millisecond
	return &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		vector:  vector,
		embed:   embed,
		events:  events,
		limiter: NewRateLimiter(cfg.RateLimitMax, window),
		schemas: schemas,
		now:     time.Now,
	}, nil
}

// Router builds the full route table with the admission middleware applied.
// Order matters: request id first so every log line carries it, then the
// access log, CORS, body cap, the rate limiter, and last the API key guard.
func (s *Server) Router(eventsHandler http.Handler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/agent/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/agent/discovery", s.handleDiscovery).Methods(http.MethodPost)
	r.HandleFunc("/v1/agent/reputation", s.handleReputation).Methods(http.MethodPost)
	r.HandleFunc("/v1/agent/availability", s.handleAvailability).Methods(http.MethodPost)
	r.HandleFunc("/v1/agent/{did}", s.handleGetAgent).Methods(http.MethodGet)
	r.HandleFunc("/v1/capability/{id}/schema", s.handleCapabilitySchema).Methods(http.MethodGet)
	r.HandleFunc("/admin/reindex", s.handleReindex).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if eventsHandler != nil {
		r.Handle("/v1/events", eventsHandler).Methods(http.MethodGet)
	}
	// Preflight requests need a matching route so the CORS middleware can
	// answer them.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodyLimitMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.apiKeyMiddleware)

	return r
}

// publish sends an event when a broadcaster is configured.
func (s *Server) publish(eventType, did string) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(types.Event{Type: eventType, DID: did, At: s.now().UTC()})
}

// readBody drains the request body. A body over the transport cap surfaces
// as a 413 naming the limit; other read failures are 400s.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, types.NewPayloadTooLarge(fmt.Sprintf("request body exceeds %d bytes", mbe.Limit))
		}
		return nil, types.NewBadRequest("failed to read request body")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps any error onto the JSON error envelope. Errors that are not
// RegistryError become 500s with the underlying detail preserved.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *types.RegistryError
	if !errors.As(err, &re) {
		re = types.NewInternal("internal error", err)
	}
	if re.Status >= http.StatusInternalServerError {
		s.requestLogger(r).Error("request failed", err)
	}
	writeJSON(w, re.Status, re.Envelope())
}

// requestLogger returns the request-scoped logger placed by the request id
// middleware, falling back to the server logger.
func (s *Server) requestLogger(r *http.Request) *logger.Logger {
	if l, ok := r.Context().Value(loggerContextKey).(*logger.Logger); ok {
		return l
	}
	return s.log
}
