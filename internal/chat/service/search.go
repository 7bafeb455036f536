package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
)

var ErrEmptyPhrase = errors.New("empty_phrase")

// EmbeddingClient calls an OpenAI-compatible /embeddings endpoint.
type EmbeddingClient struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func (c *EmbeddingClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Embed returns one vector per input text.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": c.Model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.BaseURL, "/")+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, &ProviderError{Message: "failed to reach embedding provider", ErrorType: "transport_error"}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return nil, &ProviderError{
			Message:    "embedding provider error: " + truncate(string(raw), 200),
			StatusCode: resp.StatusCode,
		}
	}

	var payload struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &ProviderError{Message: "malformed embeddings response", ErrorType: "protocol_error"}
	}

	out := make([][]float32, len(payload.Data))
	for i, d := range payload.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// SearchMatch is one thread hit with its similarity score.
type SearchMatch struct {
	ThreadID   string
	Similarity float64
}

// SearchResultSet reports the matches together with the thresholds that
// produced them, so clients can explain weak results.
type SearchResultSet struct {
	Matches             []SearchMatch
	BestSimilarity      *float64
	SimilarityThreshold *float64
	BestDistance        *float64
	DistanceThreshold   *float64
	MinSimilarity       float64
}

// SearchService scores stored thread embeddings against a phrase embedding.
type SearchService struct {
	Store      store.Store
	Embeddings *EmbeddingClient

	// MinSimilarity drops clearly unrelated threads before the relative
	// distance cut is applied.
	MinSimilarity float64
}

// IndexThread refreshes the thread's search embedding from its latest
// exchange. The user and assistant texts are embedded together so a search
// can hit either side of the conversation.
func (s *SearchService) IndexThread(ctx context.Context, thread domain.Thread, messages ...domain.Message) error {
	var parts []string
	if strings.TrimSpace(thread.Title) != "" {
		parts = append(parts, thread.Title)
	}
	for _, m := range messages {
		if strings.TrimSpace(m.Text) != "" {
			parts = append(parts, m.Text)
		}
	}
	if len(parts) == 0 {
		return nil
	}

	vectors, err := s.Embeddings.Embed(ctx, []string{strings.Join(parts, "\n")})
	if err != nil {
		return err
	}
	if len(vectors) == 0 {
		return nil
	}

	return s.Store.Embeddings().UpsertEmbedding(ctx, domain.ThreadEmbedding{
		ThreadID: thread.ID,
		ModelID:  s.Embeddings.Model,
		Vector:   vectors[0],
	})
}

// SearchThreads embeds the phrase and ranks the owner's threads by cosine
// similarity. Matches below MinSimilarity are dropped, then a relative cut
// keeps only threads within 25% of the best distance.
func (s *SearchService) SearchThreads(ctx context.Context, ownerID, phrase, modelID string, limit int) (SearchResultSet, error) {
	result := SearchResultSet{MinSimilarity: s.MinSimilarity}

	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return result, ErrEmptyPhrase
	}
	if limit < 1 {
		limit = 10
	}

	vectors, err := s.Embeddings.Embed(ctx, []string{phrase})
	if err != nil {
		return result, err
	}
	if len(vectors) == 0 {
		return result, nil
	}
	query := vectors[0]

	stored, err := s.Store.Embeddings().ListEmbeddingsByOwner(ctx, ownerID, modelID)
	if err != nil {
		return result, err
	}

	matches := make([]SearchMatch, 0, len(stored))
	for _, e := range stored {
		sim := cosineSimilarity(query, e.Vector)
		if sim < s.MinSimilarity {
			continue
		}
		matches = append(matches, SearchMatch{ThreadID: e.ThreadID, Similarity: sim})
	}
	if len(matches) == 0 {
		return result, nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}

	bestDistance := 1.0 - matches[0].Similarity
	distanceThreshold := bestDistance * 1.25
	filtered := matches[:0]
	for _, m := range matches {
		if 1.0-m.Similarity <= distanceThreshold {
			filtered = append(filtered, m)
		}
	}
	matches = filtered

	result.BestDistance = &bestDistance
	result.DistanceThreshold = &distanceThreshold
	if len(matches) == 0 {
		return result, nil
	}

	best := matches[0].Similarity
	simThreshold := math.Max(0, 1.0-distanceThreshold)
	result.Matches = matches
	result.BestSimilarity = &best
	result.SimilarityThreshold = &simThreshold
	return result, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
