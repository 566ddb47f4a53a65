package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sage-x-project/sage-registry/card"
	"github.com/sage-x-project/sage-registry/config"
	"github.com/sage-x-project/sage-registry/storage"
	"github.com/sage-x-project/sage-registry/types"
)

// Seed registers the configured seed agents through the same replacement
// pipeline the register endpoint uses. Seed agents are card-less.
func (s *Server) Seed(ctx context.Context, sc *config.SeedConfig) error {
	for _, agent := range sc.Agents {
		endpoint := card.NormalizeEndpoint(agent.Endpoint)
		if endpoint == "" {
			return fmt.Errorf("seed agent %s: empty endpoint after normalization", agent.DID)
		}

		var name *string
		if agent.Name != "" {
			name = &agent.Name
		}
		if err := s.store.UpsertAgent(ctx, storage.AgentUpsert{
			DID:      agent.DID,
			Name:     name,
			Endpoint: endpoint,
		}); err != nil {
			return fmt.Errorf("seed agent %s: %w", agent.DID, err)
		}
		if err := s.store.DeleteCapabilities(ctx, agent.DID); err != nil {
			return fmt.Errorf("seed agent %s: %w", agent.DID, err)
		}
		if err := s.vector.DeleteByAgent(ctx, agent.DID); err != nil {
			return fmt.Errorf("seed agent %s: %w", agent.DID, err)
		}

		for _, cp := range agent.Capabilities {
			id := cp.CapabilityID
			if id == "" {
				id = uuid.NewString()
			}
			rc := types.RegisterCapability{Description: cp.Description, Tags: cp.Tags}
			vec := s.embed.Embed(ctx, embeddingInput(id, &rc))

			if err := s.vector.UpsertPoint(ctx, storage.Point{
				ID:     uuid.NewString(),
				Vector: vec,
				Payload: storage.PointPayload{
					AgentDID:     agent.DID,
					CapabilityID: id,
					Description:  cp.Description,
					Tags:         cp.Tags,
				},
			}); err != nil {
				return fmt.Errorf("seed agent %s: %w", agent.DID, err)
			}
			if err := s.store.InsertCapability(ctx, storage.CapabilityInsert{
				AgentDID:     agent.DID,
				CapabilityID: id,
				Description:  cp.Description,
				Tags:         cp.Tags,
			}); err != nil {
				return fmt.Errorf("seed agent %s: %w", agent.DID, err)
			}
		}
		s.log.Infof("seeded agent %s with %d capabilities", agent.DID, len(agent.Capabilities))
	}
	return nil
}
