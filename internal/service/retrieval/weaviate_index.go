package retrieval

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// DefaultClass is the Weaviate class holding the ingested passages.
const DefaultClass = "Passage"

// NewWeaviateClient builds a client from a service URL such as
// "http://weaviate:8080". apiKey may be empty for anonymous access.
func NewWeaviateClient(rawURL, apiKey string) (*weaviate.Client, error) {
	parsed, err := url.Parse(strings.Trim(rawURL, "\"' "))
	if err != nil {
		return nil, errors.Wrap(err, "parse weaviate url")
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.Errorf("weaviate url %q needs a scheme and host", rawURL)
	}

	cfg := weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	}
	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create weaviate client")
	}
	return client, nil
}

// WeaviateIndex implements VectorIndex with a nearVector GraphQL query.
type WeaviateIndex struct {
	client *weaviate.Client
	class  string
}

// NewWeaviateIndex searches class, defaulting to DefaultClass.
func NewWeaviateIndex(client *weaviate.Client, class string) *WeaviateIndex {
	if class == "" {
		class = DefaultClass
	}
	return &WeaviateIndex{client: client, class: class}
}

// Query returns up to topK matches ordered by certainty.
func (w *WeaviateIndex) Query(ctx context.Context, vector []float32, topK int, includeMetadata bool) ([]Match, error) {
	fields := []graphql.Field{
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}
	if includeMetadata {
		fields = append(fields, graphql.Field{Name: "title"}, graphql.Field{Name: "text"})
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	resp, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "weaviate nearVector query")
	}
	return parseMatches(resp, w.class)
}

type getResponse struct {
	Get map[string][]map[string]any `json:"Get"`
}

func parseMatches(resp *models.GraphQLResponse, class string) ([]Match, error) {
	if resp == nil {
		return nil, errors.New("nil graphql response")
	}
	if len(resp.Errors) > 0 {
		messages := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				messages = append(messages, e.Message)
			}
		}
		return nil, errors.Errorf("graphql errors: %s", strings.Join(messages, "; "))
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, errors.Wrap(err, "marshal graphql data")
	}
	var parsed getResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "unmarshal graphql data")
	}

	items := parsed.Get[class]
	matches := make([]Match, 0, len(items))
	for _, item := range items {
		match := Match{Metadata: make(map[string]any, len(item))}
		for key, value := range item {
			if key == "_additional" {
				continue
			}
			match.Metadata[key] = value
		}
		if additional, ok := item["_additional"].(map[string]any); ok {
			match.ID, _ = additional["id"].(string)
			match.Score, _ = additional["certainty"].(float64)
		}
		matches = append(matches, match)
	}
	return matches, nil
}
