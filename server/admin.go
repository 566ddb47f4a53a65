package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sage-x-project/sage-registry/storage"
	"github.com/sage-x-project/sage-registry/types"
)

// handleHealth pings both stores. Failures report 503 with the failing
// store's detail; no admission checks apply.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ok": false, "error": fmt.Sprintf("postgres: %v", err),
		})
		return
	}
	if err := s.vector.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ok": false, "error": fmt.Sprintf("qdrant: %v", err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleReindex re-embeds every stored capability and upserts it into the
// vector index. Not transactional; re-running completes a partial pass.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count := 0
	err := s.store.IterateAllCapabilities(ctx, func(c types.Capability) error {
		schema := ""
		if len(c.OutputSchema) > 0 {
			schema = string(c.OutputSchema)
		}
		text := strings.TrimSpace(fmt.Sprintf("%s %s %s %s",
			c.CapabilityID, c.Description, schema, strings.Join(c.Tags, " ")))
		vec := s.embed.Embed(ctx, text)

		if err := s.vector.UpsertPoint(ctx, storage.Point{
			ID:     uuid.NewString(),
			Vector: vec,
			Payload: storage.PointPayload{
				AgentDID:     c.AgentDID,
				CapabilityID: c.CapabilityID,
				Description:  c.Description,
				Tags:         c.Tags,
			},
		}); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		s.writeError(w, r, types.NewInternal("reindex failed", err))
		return
	}
	s.requestLogger(r).Infof("reindexed %d capabilities", count)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "reindexed": count})
}

// handleReputation implements POST /v1/agent/reputation.
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateBody(s.schemas.reputation, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req types.ReputationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, types.NewBadRequest("invalid JSON body"))
		return
	}

	if err := s.store.UpdateReputation(r.Context(), req.DID, req.Reputation); err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			s.writeError(w, r, types.NewNotFound("agent not found"))
			return
		}
		s.writeError(w, r, types.NewInternal("failed to update reputation", err))
		return
	}
	s.publish("reputation", req.DID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleAvailability implements POST /v1/agent/availability. last_seen
// defaults to now when the client omits it.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateBody(s.schemas.availability, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req types.AvailabilityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, types.NewBadRequest("invalid JSON body"))
		return
	}

	lastSeen := s.now().UTC()
	if req.LastSeen != nil && *req.LastSeen != "" {
		t, err := time.Parse(time.RFC3339, *req.LastSeen)
		if err != nil {
			s.writeError(w, r, types.NewBadRequest("last_seen must be RFC3339"))
			return
		}
		lastSeen = t
	}

	if err := s.store.UpdateAvailability(r.Context(), req.DID, req.Availability, lastSeen); err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			s.writeError(w, r, types.NewNotFound("agent not found"))
			return
		}
		s.writeError(w, r, types.NewInternal("failed to update availability", err))
		return
	}
	s.publish("availability", req.DID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleGetAgent implements GET /v1/agent/{did}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	agent, err := s.store.GetAgent(r.Context(), did)
	if err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			s.writeError(w, r, types.NewNotFound("agent not found"))
			return
		}
		s.writeError(w, r, types.NewInternal("agent lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleCapabilitySchema implements GET /v1/capability/{id}/schema.
func (s *Server) handleCapabilitySchema(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	schema, err := s.store.GetCapabilityOutputSchema(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrCapabilityNotFound) {
			s.writeError(w, r, types.NewNotFound("capability not found"))
			return
		}
		s.writeError(w, r, types.NewInternal("schema lookup failed", err))
		return
	}
	var out json.RawMessage
	if len(schema) > 0 {
		out = schema
	} else {
		out = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capabilityId": id,
		"outputSchema": out,
	})
}
