// Package embedder turns text into fixed-dimension unit vectors. The primary
// path is a sentence-embedding model reached through langchaingo; when the
// model cannot be loaded the process latches onto a deterministic SHA-256
// fallback and never switches back.
package embedder

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/sage-x-project/sage-registry/logger"
)

// Dim is the vector dimension of every stored embedding.
const Dim = 384

type path int

const (
	pathUnset path = iota
	pathModel
	pathFallback
)

// Embedder produces Dim-length unit vectors.
type Embedder struct {
	mu        sync.Mutex
	modelName string
	state     path
	model     embeddings.Embedder
	log       *logger.Logger
}

// New creates an embedder. modelName names the embedding model ("" disables
// the model path entirely); the model loads lazily on first use.
func New(modelName string, log *logger.Logger) *Embedder {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Embedder{modelName: modelName, log: log}
}

// Embed converts text into a Dim-length unit vector. Empty input (after
// trimming) returns the zero vector. The fallback path is deterministic.
func (e *Embedder) Embed(ctx context.Context, text string) []float32 {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return make([]float32, Dim)
	}

	if e.ensureModel() {
		vec, err := e.model.EmbedQuery(ctx, text)
		if err == nil {
			return fitDimension(vec)
		}
		// A failed call does not unlatch the model path; the operator
		// restarts the process to recover.
		e.log.Error("model embedding failed, serving fallback for this call", err)
	}
	return hashEmbed(text)
}

// UsingModel reports whether the model path is active.
func (e *Embedder) UsingModel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == pathModel
}

// ensureModel loads the model exactly once. Concurrent callers share the
// load; on failure the embedder latches onto the fallback permanently.
func (e *Embedder) ensureModel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case pathModel:
		return true
	case pathFallback:
		return false
	}

	if e.modelName == "" {
		e.state = pathFallback
		return false
	}

	llm, err := openai.New(openai.WithEmbeddingModel(e.modelName))
	if err != nil {
		e.log.Error("embedding model unavailable, latching hash fallback", err)
		e.state = pathFallback
		return false
	}
	model, err := embeddings.NewEmbedder(llm)
	if err != nil {
		e.log.Error("embedding model unavailable, latching hash fallback", err)
		e.state = pathFallback
		return false
	}

	e.model = model
	e.state = pathModel
	e.log.Infof("embedding model loaded: %s", e.modelName)
	return true
}

// hashEmbed spreads a SHA-256 digest of the input across Dim components and
// L2-normalizes the result.
func hashEmbed(text string) []float32 {
	h := sha256.Sum256([]byte(text))
	v := make([]float32, Dim)
	for i := 0; i < Dim; i++ {
		v[i] = float32(h[i%32])/127.5 - 1
	}
	return normalize(v)
}

// fitDimension truncates or zero-pads a model vector to Dim and
// re-normalizes.
func fitDimension(vec []float32) []float32 {
	out := make([]float32, Dim)
	copy(out, vec)
	return normalize(out)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}
