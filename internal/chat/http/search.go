package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/slogx"
)

// SearchHandler serves semantic thread search.
type SearchHandler struct {
	SearchService *service.SearchService
	ThreadService *service.ThreadService
}

type searchRequest struct {
	Phrase  string `json:"phrase"`
	ModelID string `json:"model_id"`
	Limit   int    `json:"limit"`
}

type searchResultItem struct {
	Thread     ThreadResponse `json:"thread"`
	Similarity float64        `json:"similarity"`
}

type searchResponse struct {
	Items               []searchResultItem `json:"items"`
	Pagination          Pagination         `json:"pagination"`
	BestSimilarity      *float64           `json:"best_similarity"`
	SimilarityThreshold *float64           `json:"similarity_threshold"`
	BestDistance        *float64           `json:"best_distance"`
	DistanceThreshold   *float64           `json:"distance_threshold"`
	MinSimilarity       float64            `json:"min_similarity"`
}

func (h *SearchHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)
	ownerID := httpx.UserIDFromCtx(ctx)

	if h.SearchService == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "Search is not configured")
		return
	}

	var req searchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Phrase) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "phrase is required")
		return
	}

	result, err := h.SearchService.SearchThreads(ctx, ownerID, req.Phrase, req.ModelID, req.Limit)
	if err != nil {
		if errors.Is(err, service.ErrEmptyPhrase) {
			httpx.WriteError(w, http.StatusBadRequest, "phrase is required")
			return
		}
		log.Error("thread search failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	items := make([]searchResultItem, 0, len(result.Matches))
	for _, match := range result.Matches {
		thread, terr := h.ThreadService.GetThread(ctx, ownerID, match.ThreadID)
		if terr != nil {
			// Embedding rows can outlive their thread briefly after a delete.
			if errors.Is(terr, service.ErrThreadNotFound) {
				continue
			}
			log.Error("failed to load matched thread", "thread_id", match.ThreadID, "err", terr)
			httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		items = append(items, searchResultItem{
			Thread:     buildThreadResponse(thread),
			Similarity: match.Similarity,
		})
	}

	httpx.WriteJSON(w, http.StatusOK, searchResponse{
		Items: items,
		Pagination: Pagination{
			Total:   len(items),
			Page:    1,
			Limit:   max(len(items), 1),
			HasMore: false,
		},
		BestSimilarity:      result.BestSimilarity,
		SimilarityThreshold: result.SimilarityThreshold,
		BestDistance:        result.BestDistance,
		DistanceThreshold:   result.DistanceThreshold,
		MinSimilarity:       result.MinSimilarity,
	})
}
