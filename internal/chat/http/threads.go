package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/slogx"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ThreadsHandler serves the owner-scoped thread CRUD endpoints.
type ThreadsHandler struct {
	ThreadService *service.ThreadService
	ChatService   *service.ChatService
}

type threadCreateRequest struct {
	Title    string         `json:"title"`
	Summary  string         `json:"summary"`
	Metadata map[string]any `json:"metadata"`
}

func (h *ThreadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req threadCreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	thread, err := h.ThreadService.CreateThread(ctx, httpx.UserIDFromCtx(ctx), req.Title, req.Summary, req.Metadata)
	if err != nil {
		log.Error("failed to create thread", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, buildThreadResponse(thread))
}

type threadListResponse struct {
	Items      []ThreadResponse `json:"items"`
	Pagination Pagination       `json:"pagination"`
}

func (h *ThreadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	page := pageFromQuery(r)
	threads, total, err := h.ThreadService.ListThreads(ctx, httpx.UserIDFromCtx(ctx), page)
	if err != nil {
		log.Error("failed to list threads", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	items := make([]ThreadResponse, 0, len(threads))
	for _, t := range threads {
		items = append(items, buildThreadResponse(t))
	}
	httpx.WriteJSON(w, http.StatusOK, threadListResponse{
		Items:      items,
		Pagination: buildPagination(page, total),
	})
}

func (h *ThreadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	thread, err := h.ThreadService.GetThread(ctx, httpx.UserIDFromCtx(ctx), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "Thread not found")
			return
		}
		log.Error("failed to load thread", "thread_id", r.PathValue("id"), "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildThreadResponse(thread))
}

type threadUpdateRequest struct {
	Title    *string        `json:"title"`
	Summary  *string        `json:"summary"`
	Metadata map[string]any `json:"metadata"`
}

func (h *ThreadsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req threadUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	thread, err := h.ThreadService.UpdateThread(ctx, httpx.UserIDFromCtx(ctx), r.PathValue("id"), service.ThreadPatch{
		Title:    req.Title,
		Summary:  req.Summary,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "Thread not found")
			return
		}
		log.Error("failed to update thread", "thread_id", r.PathValue("id"), "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildThreadResponse(thread))
}

func (h *ThreadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	err := h.ThreadService.DeleteThread(ctx, httpx.UserIDFromCtx(ctx), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "Thread not found")
			return
		}
		log.Error("failed to delete thread", "thread_id", r.PathValue("id"), "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleExport serves the thread and its messages as a markdown download.
func (h *ThreadsHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" {
		httpx.WriteError(w, http.StatusBadRequest, "Unsupported export format")
		return
	}

	export, err := h.ChatService.ExportThreadMarkdown(ctx, httpx.UserIDFromCtx(ctx), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "Thread not found")
			return
		}
		log.Error("failed to export thread", "thread_id", r.PathValue("id"), "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", exportDisposition(export.Filename+".md", export.Title+".md"))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, export.Markdown)
}

// exportDisposition pairs a plain ASCII filename with the RFC 5987 UTF-8
// variant so clients that understand the latter keep the original title.
func exportDisposition(ascii, utf8Name string) string {
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", ascii, url.PathEscape(utf8Name))
}

// pageFromQuery reads ?page= and ?limit= with sane bounds.
func pageFromQuery(r *http.Request) store.Page {
	page := store.Page{Number: 1, Limit: defaultPageLimit}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v >= 1 {
		page.Number = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v >= 1 {
		page.Limit = min(v, maxPageLimit)
	}
	return page
}
