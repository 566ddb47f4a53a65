package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage-registry/config"
	"github.com/sage-x-project/sage-registry/logger"
	"github.com/sage-x-project/sage-registry/storage"
	"github.com/sage-x-project/sage-registry/types"
)

// In-memory fakes for the store interfaces. Handler tests exercise the
// pipelines against these.

type fakeStore struct {
	agents     map[string]*types.Agent
	caps       []storage.CapabilityInsert
	upserts    []storage.AgentUpsert
	capDeletes []string
	lexical    []storage.LexicalHit
	lexicalErr error
	pingErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{agents: make(map[string]*types.Agent)}
}

func (f *fakeStore) UpsertAgent(_ context.Context, a storage.AgentUpsert) error {
	f.upserts = append(f.upserts, a)
	if _, ok := f.agents[a.DID]; !ok {
		f.agents[a.DID] = &types.Agent{DID: a.DID, Endpoint: a.Endpoint, CreatedAt: time.Now()}
	}
	return nil
}

func (f *fakeStore) DeleteCapabilities(_ context.Context, did string) error {
	f.capDeletes = append(f.capDeletes, did)
	kept := f.caps[:0]
	for _, c := range f.caps {
		if c.AgentDID != did {
			kept = append(kept, c)
		}
	}
	f.caps = kept
	return nil
}

func (f *fakeStore) InsertCapability(_ context.Context, c storage.CapabilityInsert) error {
	f.caps = append(f.caps, c)
	return nil
}

func (f *fakeStore) FindAgentsByDIDs(_ context.Context, dids []string) (map[string]*types.Agent, error) {
	out := make(map[string]*types.Agent)
	for _, did := range dids {
		if a, ok := f.agents[did]; ok {
			out[did] = a
		}
	}
	return out, nil
}

func (f *fakeStore) GetAgent(_ context.Context, did string) (*types.Agent, error) {
	if a, ok := f.agents[did]; ok {
		return a, nil
	}
	return nil, storage.ErrAgentNotFound
}

func (f *fakeStore) SearchCapabilitiesByKeyword(_ context.Context, _ string) ([]storage.LexicalHit, error) {
	return f.lexical, f.lexicalErr
}

func (f *fakeStore) UpdateReputation(_ context.Context, did string, reputation float64) error {
	a, ok := f.agents[did]
	if !ok {
		return storage.ErrAgentNotFound
	}
	a.Reputation = reputation
	return nil
}

func (f *fakeStore) UpdateAvailability(_ context.Context, did string, availability float64, lastSeen time.Time) error {
	a, ok := f.agents[did]
	if !ok {
		return storage.ErrAgentNotFound
	}
	a.AvailabilityScore = availability
	a.LastSeen = &lastSeen
	return nil
}

func (f *fakeStore) GetCapabilityOutputSchema(_ context.Context, capabilityID string) (json.RawMessage, error) {
	for _, c := range f.caps {
		if c.CapabilityID == capabilityID {
			return c.OutputSchema, nil
		}
	}
	return nil, storage.ErrCapabilityNotFound
}

func (f *fakeStore) IterateAllCapabilities(_ context.Context, fn func(types.Capability) error) error {
	for i, c := range f.caps {
		err := fn(types.Capability{
			ID:           int64(i + 1),
			AgentDID:     c.AgentDID,
			CapabilityID: c.CapabilityID,
			Description:  c.Description,
			Tags:         c.Tags,
			OutputSchema: c.OutputSchema,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

type fakeVector struct {
	points     []storage.Point
	hits       []storage.SearchHit
	searchErr  error
	upsertErr  error
	delByAgent []string
	pingErr    error
}

func (f *fakeVector) UpsertPoint(_ context.Context, p storage.Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points = append(f.points, p)
	return nil
}

func (f *fakeVector) Search(_ context.Context, _ []float32, _ int) ([]storage.SearchHit, error) {
	return f.hits, f.searchErr
}

func (f *fakeVector) DeleteByAgent(_ context.Context, did string) error {
	f.delByAgent = append(f.delByAgent, did)
	kept := f.points[:0]
	for _, p := range f.points {
		if p.Payload.AgentDID != did {
			kept = append(kept, p)
		}
	}
	f.points = kept
	return nil
}

func (f *fakeVector) Ping(_ context.Context) error { return f.pingErr }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) []float32 {
	v := make([]float32, storage.VectorDim)
	v[0] = 1
	return v
}

func agentUpsertFixture(did string) storage.AgentUpsert {
	return storage.AgentUpsert{DID: did, Endpoint: "http://" + did}
}

func testConfig() *config.EnvConfig {
	return &config.EnvConfig{
		Port:               3001,
		RateLimitMax:       1000,
		RateLimitWindowMS:  60000,
		SearchWeightSim:    0.7,
		SearchWeightRep:    0.25,
		SearchWeightAvail:  0.2,
		SearchLexicalScore: 0.45,
		HeartbeatTTLMS:     60000,
		CORSOrigin:         "*",
	}
}

func quietLogger() *logger.Logger {
	log := logger.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestServer(t *testing.T, cfg *config.EnvConfig, store MetadataStore, vector VectorStore) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s, err := New(cfg, quietLogger(), store, vector, fakeEmbedder{}, nil)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}
