package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage-registry/storage"
	"github.com/sage-x-project/sage-registry/types"
)

func liveAgent(did string, reputation float64, lastSeen time.Time) *types.Agent {
	return &types.Agent{
		DID:               did,
		Endpoint:          "http://" + did,
		Reputation:        reputation,
		AvailabilityScore: 1.0,
		LastSeen:          &lastSeen,
	}
}

func TestDiscoveryHybridMerge(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.agents["a"] = liveAgent("a", 0.5, now)
	store.agents["b"] = liveAgent("b", 0.5, now)
	store.lexical = []storage.LexicalHit{
		{AgentDID: "a", CapabilityID: "cap1", Description: "echo"},
		{AgentDID: "b", CapabilityID: "cap2", Description: "echo twice"},
	}
	vec := &fakeVector{hits: []storage.SearchHit{
		{Score: 0.9, Payload: storage.PointPayload{AgentDID: "a", CapabilityID: "cap1", Description: "echo"}},
	}}
	s := newTestServer(t, nil, store, vec)
	s.now = func() time.Time { return now }

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "echo"}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)

	// The vector hit wins the dedupe; the lexical-only hit survives.
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].AgentDID)
	assert.Equal(t, "cap1", resp.Results[0].CapabilityID)
	assert.Equal(t, 0.9, resp.Results[0].VectorScore)
	assert.Equal(t, "b", resp.Results[1].AgentDID)
	assert.Equal(t, 0.45, resp.Results[1].VectorScore)
	require.NotNil(t, resp.Results[0].Agent)
	assert.Equal(t, "a", resp.Results[0].Agent.DID)
}

func TestDiscoveryNoDuplicatePairs(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.agents["a"] = liveAgent("a", 0.5, now)
	store.lexical = []storage.LexicalHit{
		{AgentDID: "a", CapabilityID: "cap1", Description: "echo"},
		{AgentDID: "a", CapabilityID: "cap1", Description: "echo"},
	}
	vec := &fakeVector{hits: []storage.SearchHit{
		{Score: 0.8, Payload: storage.PointPayload{AgentDID: "a", CapabilityID: "cap1", Description: "echo"}},
	}}
	s := newTestServer(t, nil, store, vec)
	s.now = func() time.Time { return now }

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "echo"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 0.8, resp.Results[0].VectorScore)
}

func TestDiscoveryScoreWeights(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.agents["a"] = liveAgent("a", 0.6, now)
	store.agents["a"].AvailabilityScore = 0.8
	vec := &fakeVector{hits: []storage.SearchHit{
		{Score: 0.9, Payload: storage.PointPayload{AgentDID: "a", CapabilityID: "cap1", Description: "echo"}},
	}}
	s := newTestServer(t, nil, store, vec)
	s.now = func() time.Time { return now }

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "echo"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 1)
	r := resp.Results[0]
	assert.InDelta(t, 0.7*0.9+0.25*0.6+0.2*0.8, r.Score, 1e-9)
	assert.Equal(t, 0.6, r.ReputationScore)
	assert.Equal(t, 0.8, r.AvailabilityScore)
}

func TestDiscoveryStaleAgentFiltered(t *testing.T) {
	now := time.Now()
	ttl := time.Duration(testConfig().HeartbeatTTLMS) * time.Millisecond
	store := newFakeStore()
	store.agents["a"] = liveAgent("a", 0.9, now.Add(-3*ttl))
	vec := &fakeVector{hits: []storage.SearchHit{
		{Score: 0.9, Payload: storage.PointPayload{AgentDID: "a", CapabilityID: "cap1", Description: "echo"}},
	}}
	s := newTestServer(t, nil, store, vec)
	s.now = func() time.Time { return now }

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "echo"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)
	assert.Empty(t, resp.Results)
}

func TestDiscoveryNoHeartbeatSurvives(t *testing.T) {
	// A freshly registered agent has no last_seen; it contributes zero
	// availability but is not filtered out.
	store := newFakeStore()
	store.agents["a"] = &types.Agent{DID: "a", Endpoint: "http://a", Reputation: 0.5}
	vec := &fakeVector{hits: []storage.SearchHit{
		{Score: 0.9, Payload: storage.PointPayload{AgentDID: "a", CapabilityID: "cap1", Description: "echo"}},
	}}
	s := newTestServer(t, nil, store, vec)

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "echo"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 0.0, resp.Results[0].AvailabilityScore)
}

func TestDiscoveryMinReputationFilter(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.agents["low"] = liveAgent("low", 0.2, now)
	store.agents["high"] = liveAgent("high", 0.8, now)
	vec := &fakeVector{hits: []storage.SearchHit{
		{Score: 0.9, Payload: storage.PointPayload{AgentDID: "low", CapabilityID: "cap1", Description: "echo"}},
		{Score: 0.9, Payload: storage.PointPayload{AgentDID: "high", CapabilityID: "cap2", Description: "echo"}},
	}}
	s := newTestServer(t, nil, store, vec)
	s.now = func() time.Time { return now }

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "echo", "minReputation": 0.5}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "high", resp.Results[0].AgentDID)
}

func TestDiscoveryVectorOutage(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.agents["a"] = liveAgent("a", 0.5, now)
	store.lexical = []storage.LexicalHit{
		{AgentDID: "a", CapabilityID: "cap1", Description: "echo"},
	}
	vec := &fakeVector{searchErr: assert.AnError}
	s := newTestServer(t, nil, store, vec)
	s.now = func() time.Time { return now }

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "echo"}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 0.45, resp.Results[0].VectorScore)
}

func TestDiscoveryOrderingNonIncreasing(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	for _, did := range []string{"a", "b", "c"} {
		store.agents[did] = liveAgent(did, 0.5, now)
	}
	vec := &fakeVector{hits: []storage.SearchHit{
		{Score: 0.3, Payload: storage.PointPayload{AgentDID: "a", CapabilityID: "c1", Description: "x"}},
		{Score: 0.95, Payload: storage.PointPayload{AgentDID: "b", CapabilityID: "c2", Description: "x"}},
		{Score: 0.6, Payload: storage.PointPayload{AgentDID: "c", CapabilityID: "c3", Description: "x"}},
	}}
	s := newTestServer(t, nil, store, vec)
	s.now = func() time.Time { return now }

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "x"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 3)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestDiscoveryLimitValidation(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{1, http.StatusOK},
		{50, http.StatusOK},
		{51, http.StatusBadRequest},
		{0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		s := newTestServer(t, nil, newFakeStore(), &fakeVector{})
		rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
			map[string]interface{}{"query": "echo", "limit": tt.limit}, nil)
		assert.Equal(t, tt.want, rec.Code, "limit %d", tt.limit)
	}
}

func TestDiscoveryLimitTruncatesResults(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	hits := make([]storage.SearchHit, 0, 5)
	for _, did := range []string{"a", "b", "c", "d", "e"} {
		store.agents[did] = liveAgent(did, 0.5, now)
		hits = append(hits, storage.SearchHit{
			Score:   0.9,
			Payload: storage.PointPayload{AgentDID: did, CapabilityID: "cap", Description: "x"},
		})
	}
	vec := &fakeVector{hits: hits}
	s := newTestServer(t, nil, store, vec)
	s.now = func() time.Time { return now }

	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{"query": "x", "limit": 2}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.DiscoveryResponse
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Results, 2)
}

func TestDiscoveryMissingQueryRejected(t *testing.T) {
	s := newTestServer(t, nil, newFakeStore(), &fakeVector{})
	rec := doJSON(t, s.Router(nil), http.MethodPost, "/v1/agent/discovery",
		map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
