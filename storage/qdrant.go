package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// CollectionName is the single Qdrant collection holding capability vectors.
const CollectionName = "capabilities"

// VectorDim must match the embedder's output dimension.
const VectorDim = 384

// PointPayload is the payload stored with every capability vector.
type PointPayload struct {
	AgentDID     string
	CapabilityID string
	Description  string
	Tags         []string
}

// Point is one vector upsert.
type Point struct {
	ID      string // fresh UUID per upsert; never reused across registrations
	Vector  []float32
	Payload PointPayload
}

// SearchHit is one ANN result.
type SearchHit struct {
	Score   float64
	Payload PointPayload
}

// VectorIndex is the Qdrant adapter.
type VectorIndex struct {
	client     *qdrant.Client
	collection string
}

// NewVectorIndex connects to Qdrant. The URL names the HTTP endpoint
// (e.g. http://localhost:6333); the REST port 6333 maps to the gRPC port
// 6334, any other explicit port is dialed as given.
func NewVectorIndex(url string) (*VectorIndex, error) {
	host, port := parseQdrantURL(url)
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &VectorIndex{client: client, collection: CollectionName}, nil
}

func parseQdrantURL(url string) (string, int) {
	hostPort := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	hostPort = strings.TrimSuffix(hostPort, "/")
	host, portStr, found := strings.Cut(hostPort, ":")
	if host == "" {
		host = "localhost"
	}
	if found {
		if p, err := strconv.Atoi(portStr); err == nil {
			// The URL names the REST endpoint; gRPC listens one port up.
			if p == 6333 {
				return host, 6334
			}
			return host, p
		}
	}
	return host, 6334
}

// EnsureCollection creates the capabilities collection when absent. Creation
// pins size 384 and cosine distance; when the collection already exists its
// parameters are identical, so the call is idempotent.
func (v *VectorIndex) EnsureCollection(ctx context.Context) error {
	collections, err := v.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collections {
		if name == v.collection {
			return nil
		}
	}

	err = v.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(VectorDim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// UpsertPoint inserts or replaces one point.
func (v *VectorIndex) UpsertPoint(ctx context.Context, p Point) error {
	tags := make([]interface{}, len(p.Payload.Tags))
	for i, t := range p.Payload.Tags {
		tags[i] = t
	}
	points := []*qdrant.PointStruct{
		{
			Id:      &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: p.ID}},
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"agentDid":     p.Payload.AgentDID,
				"capabilityId": p.Payload.CapabilityID,
				"description":  p.Payload.Description,
				"tags":         tags,
			}),
		},
	}
	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: v.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

// Search returns up to limit hits with cosine similarity scores.
func (v *VectorIndex) Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	points, err := v.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: v.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	hits := make([]SearchHit, 0, len(points))
	for _, point := range points {
		if point.Payload == nil {
			continue
		}
		hits = append(hits, SearchHit{
			Score:   float64(point.Score),
			Payload: payloadFromValues(point.Payload),
		})
	}
	return hits, nil
}

// DeleteByAgent removes every point whose payload matches agentDid == did.
func (v *VectorIndex) DeleteByAgent(ctx context.Context, did string) error {
	_, err := v.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: v.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: "agentDid",
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: did},
									},
								},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete failed: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (v *VectorIndex) Ping(ctx context.Context) error {
	_, err := v.client.HealthCheck(ctx)
	return err
}

// Close tears down the gRPC connection.
func (v *VectorIndex) Close() error {
	return v.client.Close()
}

func payloadFromValues(values map[string]*qdrant.Value) PointPayload {
	p := PointPayload{
		AgentDID:     stringValue(values, "agentDid"),
		CapabilityID: stringValue(values, "capabilityId"),
		Description:  stringValue(values, "description"),
	}
	if list := values["tags"].GetListValue(); list != nil {
		for _, v := range list.Values {
			if s := v.GetStringValue(); s != "" {
				p.Tags = append(p.Tags, s)
			}
		}
	}
	return p
}

func stringValue(values map[string]*qdrant.Value, key string) string {
	if val, ok := values[key]; ok {
		return val.GetStringValue()
	}
	return ""
}
