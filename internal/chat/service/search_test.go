package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/stretchr/testify/require"
)

// embeddingStore satisfies store.Store for the single method SearchThreads
// touches; everything else panics if reached.
type embeddingStore struct {
	store.Store
	embeddings []domain.ThreadEmbedding
}

func (s *embeddingStore) Embeddings() store.Embeddings { return fixedEmbeddings(s.embeddings) }

type fixedEmbeddings []domain.ThreadEmbedding

func (e fixedEmbeddings) UpsertEmbedding(context.Context, domain.ThreadEmbedding) error { return nil }

func (e fixedEmbeddings) ListEmbeddingsByOwner(context.Context, string, string) ([]domain.ThreadEmbedding, error) {
	return e, nil
}

// newEmbeddingServer answers /embeddings with a fixed vector per request.
func newEmbeddingServer(t *testing.T, vector []float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vector}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	require.Zero(t, cosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}), "length mismatch scores zero")
	require.Zero(t, cosineSimilarity(nil, nil))
	require.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 0}), "zero vector scores zero")
}

func TestSearchThreads(t *testing.T) {
	t.Parallel()

	t.Run("ranks by similarity and applies both cuts", func(t *testing.T) {
		t.Parallel()

		srv := newEmbeddingServer(t, []float32{1, 0})

		svc := &SearchService{
			// Unit vectors, so each similarity is exactly the first
			// component: best 0.90 gives a distance threshold of 0.125.
			Store: &embeddingStore{embeddings: []domain.ThreadEmbedding{
				{ThreadID: "thread-close", Vector: []float32{0.88, 0.47497}},
				{ThreadID: "thread-best", Vector: []float32{0.90, 0.43589}},
				{ThreadID: "thread-far", Vector: []float32{0.50, 0.86603}}, // passes MinSimilarity, fails the relative cut
				{ThreadID: "thread-noise", Vector: []float32{0, 1}},        // below MinSimilarity
			}},
			Embeddings:    &EmbeddingClient{BaseURL: srv.URL, Model: "embed-test"},
			MinSimilarity: 0.3,
		}

		result, err := svc.SearchThreads(t.Context(), "owner-1", "saving plans", "", 10)
		require.NoError(t, err)

		require.Len(t, result.Matches, 2)
		require.Equal(t, "thread-best", result.Matches[0].ThreadID)
		require.Equal(t, "thread-close", result.Matches[1].ThreadID)
		require.GreaterOrEqual(t, result.Matches[0].Similarity, result.Matches[1].Similarity)

		require.NotNil(t, result.BestSimilarity)
		require.InDelta(t, 0.90, *result.BestSimilarity, 1e-3)
		require.NotNil(t, result.BestDistance)
		require.NotNil(t, result.DistanceThreshold)
		require.InDelta(t, *result.BestDistance*1.25, *result.DistanceThreshold, 1e-9)
		require.Equal(t, 0.3, result.MinSimilarity)
	})

	t.Run("empty phrase is rejected before any network call", func(t *testing.T) {
		t.Parallel()

		svc := &SearchService{
			Store:      &embeddingStore{},
			Embeddings: &EmbeddingClient{BaseURL: "http://embeddings.invalid"},
		}
		_, err := svc.SearchThreads(t.Context(), "owner-1", "   ", "", 10)
		require.ErrorIs(t, err, ErrEmptyPhrase)
	})

	t.Run("no embeddings above the floor yields an empty result", func(t *testing.T) {
		t.Parallel()

		srv := newEmbeddingServer(t, []float32{1, 0})

		svc := &SearchService{
			Store: &embeddingStore{embeddings: []domain.ThreadEmbedding{
				{ThreadID: "thread-noise", Vector: []float32{0, 1}},
			}},
			Embeddings:    &EmbeddingClient{BaseURL: srv.URL, Model: "embed-test"},
			MinSimilarity: 0.3,
		}

		result, err := svc.SearchThreads(t.Context(), "owner-1", "anything", "", 10)
		require.NoError(t, err)
		require.Empty(t, result.Matches)
		require.Nil(t, result.BestSimilarity)
	})

	t.Run("limit caps the match set", func(t *testing.T) {
		t.Parallel()

		srv := newEmbeddingServer(t, []float32{1, 0})

		svc := &SearchService{
			Store: &embeddingStore{embeddings: []domain.ThreadEmbedding{
				{ThreadID: "t1", Vector: []float32{0.90, 0.43589}},
				{ThreadID: "t2", Vector: []float32{0.89, 0.45596}},
				{ThreadID: "t3", Vector: []float32{0.88, 0.47497}},
			}},
			Embeddings:    &EmbeddingClient{BaseURL: srv.URL, Model: "embed-test"},
			MinSimilarity: 0.3,
		}

		result, err := svc.SearchThreads(t.Context(), "owner-1", "anything", "", 2)
		require.NoError(t, err)
		require.Len(t, result.Matches, 2)
	})
}
