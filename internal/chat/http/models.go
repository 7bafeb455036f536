package http

import (
	"net/http"

	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/slogx"
)

// ModelsHandler lists the models the provider offers. When the provider
// listing fails or comes back empty the configured fallback set is returned
// so the UI always has something to pick from.
type ModelsHandler struct {
	Provider *service.ProviderClient
	Fallback []service.ModelCard
}

type modelListResponse struct {
	Items []service.ModelCard `json:"items"`
}

func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	models, err := h.Provider.ListModels(ctx)
	if err != nil {
		log.Warn("provider model listing failed, serving fallback", "err", err)
		models = nil
	}
	if len(models) == 0 {
		models = h.Fallback
	}
	if models == nil {
		models = []service.ModelCard{}
	}

	httpx.WriteJSON(w, http.StatusOK, modelListResponse{Items: models})
}
