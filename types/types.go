package types

import (
	"encoding/json"
	"time"
)

// Agent is one registered agent row.
type Agent struct {
	DID               string          `json:"did"`
	Name              *string         `json:"name,omitempty"`
	Endpoint          string          `json:"endpoint"`
	PublicKey         *string         `json:"publicKey,omitempty"`
	WalletAddress     *string         `json:"walletAddress,omitempty"`
	Reputation        float64         `json:"reputation"`
	AvailabilityScore float64         `json:"availabilityScore"`
	LastSeen          *time.Time      `json:"lastSeen,omitempty"`
	CardVersion       *int            `json:"cardVersion,omitempty"`
	CardLineage       *string         `json:"cardLineage,omitempty"`
	CardSignature     *string         `json:"cardSignature,omitempty"`
	CardRaw           json.RawMessage `json:"cardRaw,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Capability is one capability row owned by an agent.
type Capability struct {
	ID           int64           `json:"id"`
	AgentDID     string          `json:"agentDid"`
	CapabilityID string          `json:"capabilityId"`
	Description  string          `json:"description"`
	Tags         []string        `json:"tags"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	PriceCents   int             `json:"priceCents"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// RegisterRequest is the body of POST /v1/agent/register.
type RegisterRequest struct {
	DID           string               `json:"did"`
	Name          *string              `json:"name,omitempty"`
	Endpoint      *string              `json:"endpoint,omitempty"`
	WalletAddress *string              `json:"walletAddress,omitempty"`
	Capabilities  []RegisterCapability `json:"capabilities"`
	Card          *json.RawMessage     `json:"card,omitempty"`
	CardSignature *string              `json:"card_signature,omitempty"`
}

// RegisterCapability is one submitted capability. The id may arrive in either
// camelCase or snake_case; missing ids are assigned fresh UUIDs.
type RegisterCapability struct {
	CapabilityID      *string         `json:"capabilityId,omitempty"`
	CapabilityIDSnake *string         `json:"capability_id,omitempty"`
	Description       string          `json:"description"`
	Tags              []string        `json:"tags,omitempty"`
	InputSchema       json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty"`
}

// ID resolves the submitted capability id, preferring the camelCase alias.
func (c *RegisterCapability) ID() string {
	if c.CapabilityID != nil && *c.CapabilityID != "" {
		return *c.CapabilityID
	}
	if c.CapabilityIDSnake != nil && *c.CapabilityIDSnake != "" {
		return *c.CapabilityIDSnake
	}
	return ""
}

// RegisterResponse is the body of a successful register call.
type RegisterResponse struct {
	OK         bool `json:"ok"`
	Registered int  `json:"registered"`
}

// DiscoveryRequest is the body of POST /v1/agent/discovery.
type DiscoveryRequest struct {
	Query         string   `json:"query"`
	Limit         *int     `json:"limit,omitempty"`
	MinReputation *float64 `json:"minReputation,omitempty"`
}

// DiscoveryResult is one ranked hit in a discovery response.
type DiscoveryResult struct {
	Score             float64  `json:"score"`
	VectorScore       float64  `json:"vectorScore"`
	ReputationScore   float64  `json:"reputationScore"`
	AvailabilityScore float64  `json:"availabilityScore"`
	AgentDID          string   `json:"agentDid"`
	CapabilityID      string   `json:"capabilityId"`
	Description       string   `json:"description"`
	Tags              []string `json:"tags"`
	Reputation        float64  `json:"reputation"`
	Agent             *Agent   `json:"agent"`
}

// DiscoveryResponse is the body of a discovery response.
type DiscoveryResponse struct {
	Results []DiscoveryResult `json:"results"`
}

// ReputationRequest is the body of POST /v1/agent/reputation.
type ReputationRequest struct {
	DID        string  `json:"did"`
	Reputation float64 `json:"reputation"`
}

// AvailabilityRequest is the body of POST /v1/agent/availability.
type AvailabilityRequest struct {
	DID          string  `json:"did"`
	Availability float64 `json:"availability"`
	LastSeen     *string `json:"last_seen,omitempty"`
}

// Event is one registry event broadcast on the websocket feed.
type Event struct {
	Type string    `json:"type"` // "registered", "reputation", "availability"
	DID  string    `json:"did"`
	At   time.Time `json:"at"`
}
