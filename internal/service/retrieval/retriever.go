// Package retrieval embeds a query, searches the vector index and assembles
// the matching passages into the context block of the system prompt.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
)

// Provider names used in errors and metrics.
const (
	ProviderEmbedding    = "embedding"
	ProviderVectorSearch = "vector_search"
)

// DefaultTopK is used when a caller asks for a non-positive topK.
const DefaultTopK = 2

// ErrEmptyEmbedding is returned when the embedding provider answers without a vector.
var ErrEmptyEmbedding = errors.New("embedding provider returned no vector")

// EmbeddingProvider turns text into a vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one nearest neighbour returned by the vector index.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// VectorIndex answers nearest-neighbour queries, best match first.
type VectorIndex interface {
	Query(ctx context.Context, vector []float32, topK int, includeMetadata bool) ([]Match, error)
}

// Passage is a retrieved record that carried a text title.
type Passage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Retriever runs embed then search then assembly for one query.
type Retriever struct {
	embedder EmbeddingProvider
	index    VectorIndex
	timeout  time.Duration
	metrics  *observability.Metrics
}

// NewRetriever wires the embedding provider and vector index. A zero timeout
// leaves provider calls bounded only by the caller's context.
func NewRetriever(embedder EmbeddingProvider, index VectorIndex, timeout time.Duration, metrics *observability.Metrics) *Retriever {
	return &Retriever{
		embedder: embedder,
		index:    index,
		timeout:  timeout,
		metrics:  metrics,
	}
}

// Retrieve returns the formatted context for query. The result is empty when
// no match qualifies.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) (string, error) {
	passages, err := r.Passages(ctx, query, topK)
	if err != nil {
		return "", err
	}
	return FormatContext(passages), nil
}

// Passages returns the qualifying passages in the order the index ranked them.
func (r *Retriever) Passages(ctx context.Context, query string, topK int) ([]Passage, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vector, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := r.search(ctx, vector, topK)
	if err != nil {
		return nil, err
	}

	passages := make([]Passage, 0, len(matches))
	for _, match := range matches {
		passage, ok := PassageFromMatch(match)
		if !ok {
			log.Debug().Str("component", "retrieval").Str("match_id", match.ID).Msg("dropping match without text title")
			continue
		}
		passages = append(passages, passage)
	}

	log.Debug().
		Str("component", "retrieval").
		Int("matches", len(matches)).
		Int("passages", len(passages)).
		Msg("retrieved context")
	return passages, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	callCtx, cancel := r.bound(ctx)
	defer cancel()

	started := time.Now()
	vector, err := r.embedder.Embed(callCtx, query)
	if err == nil && len(vector) == 0 {
		err = ErrEmptyEmbedding
	}
	r.metrics.ObserveProvider(ProviderEmbedding, started, err)
	if err != nil {
		return nil, apperr.Upstream(ProviderEmbedding, errors.Wrap(err, "embed query"))
	}
	return vector, nil
}

func (r *Retriever) search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	callCtx, cancel := r.bound(ctx)
	defer cancel()

	started := time.Now()
	matches, err := r.index.Query(callCtx, vector, topK, true)
	r.metrics.ObserveProvider(ProviderVectorSearch, started, err)
	if err != nil {
		return nil, apperr.Upstream(ProviderVectorSearch, errors.Wrap(err, "query vector index"))
	}
	return matches, nil
}

func (r *Retriever) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// PassageFromMatch keeps a match only when its metadata title is a string.
func PassageFromMatch(match Match) (Passage, bool) {
	if match.Metadata == nil {
		return Passage{}, false
	}
	title, ok := lookup(match.Metadata, "title", "Title").(string)
	if !ok {
		return Passage{}, false
	}
	body, _ := lookup(match.Metadata, "text", "Text").(string)
	return Passage{Title: title, Body: body}, true
}

// FormatContext renders passages as "Title: ..., Content: ..." blocks
// separated by a blank line.
func FormatContext(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(passages))
	for _, p := range passages {
		blocks = append(blocks, fmt.Sprintf("Title: %s, Content: %s", p.Title, p.Body))
	}
	return strings.Join(blocks, "\n\n")
}

func lookup(metadata map[string]any, keys ...string) any {
	for _, key := range keys {
		if value, ok := metadata[key]; ok {
			return value
		}
	}
	return nil
}
