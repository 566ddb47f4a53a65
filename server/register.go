package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/sage-x-project/sage-registry/card"
	"github.com/sage-x-project/sage-registry/storage"
	"github.com/sage-x-project/sage-registry/types"
)

// handleRegister implements POST /v1/agent/register: validate, verify the
// signed card when present, then atomically replace the agent's capability
// set in both stores.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateBody(s.schemas.register, body); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.RegisterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, types.NewBadRequest("invalid JSON body"))
		return
	}

	// Card and signature travel together.
	hasCard := req.Card != nil
	hasSig := req.CardSignature != nil && *req.CardSignature != ""
	if hasCard != hasSig {
		s.writeError(w, r, types.NewBadRequest("card and card_signature must both be present or both absent"))
		return
	}

	var (
		agentCard *card.Card
		publicKey *string
	)
	if hasCard {
		agentCard = &card.Card{}
		if err := json.Unmarshal(*req.Card, agentCard); err != nil {
			s.writeError(w, r, types.NewBadRequest("card is not a valid agent card"))
			return
		}
	}

	bodyEndpoint := ""
	if req.Endpoint != nil {
		bodyEndpoint = *req.Endpoint
	}
	endpoint := bodyEndpoint
	if endpoint == "" && agentCard != nil {
		endpoint = agentCard.Endpoint
	}
	endpoint = card.NormalizeEndpoint(endpoint)
	if endpoint == "" {
		s.writeError(w, r, types.NewBadRequest("endpoint is required"))
		return
	}

	if agentCard != nil {
		if agentCard.DID != req.DID {
			s.writeError(w, r, types.NewBadRequest("card.did does not match did"))
			return
		}
		if card.NormalizeEndpoint(agentCard.Endpoint) != endpoint {
			s.writeError(w, r, types.NewBadRequest("card.endpoint does not match endpoint"))
			return
		}
		if !card.Verify(agentCard, *req.CardSignature) {
			s.writeError(w, r, types.NewUnauthorized("card signature verification failed"))
			return
		}
		publicKey = &agentCard.PublicKey
	}

	// Resolve capability ids, minting UUIDs for missing ones, and check
	// membership against the signed card.
	cardCapIDs := map[string]bool{}
	if agentCard != nil {
		for _, c := range agentCard.Capabilities {
			cardCapIDs[c.ID] = true
		}
	}
	capIDs := make([]string, len(req.Capabilities))
	usedIDs := make(map[string]bool, len(req.Capabilities))
	for i := range req.Capabilities {
		id := req.Capabilities[i].ID()
		if id == "" {
			id = uuid.NewString()
		} else if agentCard != nil && !cardCapIDs[id] {
			s.writeError(w, r, types.NewBadRequest(fmt.Sprintf("capability %q is not listed in the signed card", id)))
			return
		}
		if usedIDs[id] {
			s.writeError(w, r, types.NewBadRequest(fmt.Sprintf("duplicate capability id %q", id)))
			return
		}
		usedIDs[id] = true
		capIDs[i] = id
	}

	var wallet *string
	if req.WalletAddress != nil {
		if !common.IsHexAddress(*req.WalletAddress) {
			s.writeError(w, r, types.NewBadRequest("walletAddress is not a valid address"))
			return
		}
		lowered := strings.ToLower(*req.WalletAddress)
		wallet = &lowered
	}

	upsert := storage.AgentUpsert{
		DID:           req.DID,
		Name:          req.Name,
		Endpoint:      endpoint,
		PublicKey:     publicKey,
		WalletAddress: wallet,
	}
	if agentCard != nil {
		version := agentCard.Version
		upsert.CardVersion = &version
		upsert.CardLineage = agentCard.Lineage
		upsert.CardSignature = req.CardSignature
		upsert.CardRaw = *req.Card
	}

	ctx := r.Context()
	if err := s.store.UpsertAgent(ctx, upsert); err != nil {
		s.writeError(w, r, types.NewInternal("failed to upsert agent", err))
		return
	}
	if err := s.store.DeleteCapabilities(ctx, req.DID); err != nil {
		s.writeError(w, r, types.NewInternal("failed to clear capabilities", err))
		return
	}
	if err := s.vector.DeleteByAgent(ctx, req.DID); err != nil {
		s.writeError(w, r, types.NewInternal("failed to clear vector points", err))
		return
	}

	for i := range req.Capabilities {
		c := &req.Capabilities[i]
		vec := s.embed.Embed(ctx, embeddingInput(capIDs[i], c))

		// Vector upsert precedes the relational insert: a crash here
		// leaves an orphan point that the next register's delete sweeps.
		err := s.vector.UpsertPoint(ctx, storage.Point{
			ID:     uuid.NewString(),
			Vector: vec,
			Payload: storage.PointPayload{
				AgentDID:     req.DID,
				CapabilityID: capIDs[i],
				Description:  c.Description,
				Tags:         c.Tags,
			},
		})
		if err != nil {
			s.writeError(w, r, types.NewInternal("failed to index capability", err))
			return
		}
		err = s.store.InsertCapability(ctx, storage.CapabilityInsert{
			AgentDID:     req.DID,
			CapabilityID: capIDs[i],
			Description:  c.Description,
			Tags:         c.Tags,
			OutputSchema: c.OutputSchema,
		})
		if err != nil {
			s.writeError(w, r, types.NewInternal("failed to store capability", err))
			return
		}
	}

	s.requestLogger(r).WithFields(map[string]interface{}{
		"did":          req.DID,
		"capabilities": len(req.Capabilities),
	}).Info("agent registered")
	s.publish("registered", req.DID)

	writeJSON(w, http.StatusOK, types.RegisterResponse{OK: true, Registered: len(req.Capabilities)})
}

// embeddingInput builds the text embedded for one capability: id,
// description, raw output schema and tags on one line.
func embeddingInput(id string, c *types.RegisterCapability) string {
	schema := ""
	if len(c.OutputSchema) > 0 {
		schema = string(c.OutputSchema)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s %s %s",
		id, c.Description, schema, strings.Join(c.Tags, " ")))
}
