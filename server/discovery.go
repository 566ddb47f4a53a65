package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/sage-x-project/sage-registry/types"
)

const defaultDiscoveryLimit = 5

// handleDiscovery implements POST /v1/agent/discovery: hybrid retrieval over
// the vector index and a lexical keyword fallback, joined with agent
// metadata and ranked by a weighted blend of similarity, reputation and
// availability.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateBody(s.schemas.discovery, body); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.DiscoveryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, types.NewBadRequest("invalid JSON body"))
		return
	}
	limit := defaultDiscoveryLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	minRep := s.cfg.MinRepDiscover
	if req.MinReputation != nil {
		minRep = *req.MinReputation
	}

	ctx := r.Context()

	// A vector-index outage degrades discovery to lexical-only; it never
	// fails the request.
	vec := s.embed.Embed(ctx, req.Query)
	vectorHits, err := s.vector.Search(ctx, vec, limit)
	if err != nil {
		s.requestLogger(r).Error("vector search failed, continuing with lexical hits only", err)
		vectorHits = nil
	}

	lexicalHits, err := s.store.SearchCapabilitiesByKeyword(ctx, req.Query)
	if err != nil {
		s.writeError(w, r, types.NewInternal("keyword search failed", err))
		return
	}

	// Merge vector first, lexical appended; dedupe on (agentDid,
	// capabilityId) keeping the first occurrence.
	type capKey struct{ did, capID string }
	seen := map[capKey]bool{}
	var merged []types.DiscoveryResult
	add := func(did, capID, description string, tags []string, score float64) {
		k := capKey{did, capID}
		if seen[k] {
			return
		}
		seen[k] = true
		if tags == nil {
			tags = []string{}
		}
		merged = append(merged, types.DiscoveryResult{
			VectorScore:  score,
			AgentDID:     did,
			CapabilityID: capID,
			Description:  description,
			Tags:         tags,
		})
	}
	for _, h := range vectorHits {
		add(h.Payload.AgentDID, h.Payload.CapabilityID, h.Payload.Description, h.Payload.Tags, h.Score)
	}
	for _, h := range lexicalHits {
		add(h.AgentDID, h.CapabilityID, h.Description, h.Tags, s.cfg.SearchLexicalScore)
	}

	dids := make([]string, 0, len(merged))
	didSeen := map[string]bool{}
	for i := range merged {
		if !didSeen[merged[i].AgentDID] {
			didSeen[merged[i].AgentDID] = true
			dids = append(dids, merged[i].AgentDID)
		}
	}
	agents, err := s.store.FindAgentsByDIDs(ctx, dids)
	if err != nil {
		s.writeError(w, r, types.NewInternal("agent lookup failed", err))
		return
	}

	now := s.now()
	ttl := time.Duration(s.cfg.HeartbeatTTLMS) * time.Millisecond

	results := make([]types.DiscoveryResult, 0, len(merged))
	for _, res := range merged {
		agent := agents[res.AgentDID]

		var rep float64
		var avail *float64 // nil until the agent has a heartbeat
		if agent != nil {
			rep = clamp01(agent.Reputation)
			if agent.LastSeen != nil {
				a := agent.AvailabilityScore
				if now.Sub(*agent.LastSeen) > 2*ttl {
					a = 0 // stale heartbeat
				}
				avail = &a
			}
			res.Agent = agent
		}

		availScore := 0.0
		if avail != nil {
			availScore = *avail
		}
		res.ReputationScore = rep
		res.AvailabilityScore = availScore
		res.Reputation = rep
		res.Score = s.cfg.SearchWeightSim*res.VectorScore +
			s.cfg.SearchWeightRep*rep +
			s.cfg.SearchWeightAvail*availScore

		// Known-dead agents and those under the reputation floor drop out.
		if avail != nil && *avail <= 0 {
			continue
		}
		if rep < minRep {
			continue
		}
		results = append(results, res)
	}

	// Stable sort keeps merge order for equal scores.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}

	searchDuration.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, types.DiscoveryResponse{Results: results})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
