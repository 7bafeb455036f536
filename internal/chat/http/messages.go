package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/slogx"
)

const heartbeatInterval = 10 * time.Second

// MessagesHandler serves message listing and the streaming send endpoint.
type MessagesHandler struct {
	ChatService   *service.ChatService
	ThreadService *service.ThreadService
}

type messageListResponse struct {
	Items      []MessageResponse `json:"items"`
	Pagination Pagination        `json:"pagination"`
}

func (h *MessagesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	page := pageFromQuery(r)
	messages, total, err := h.ChatService.ListMessages(ctx, httpx.UserIDFromCtx(ctx), r.PathValue("id"), page)
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "Thread not found")
			return
		}
		log.Error("failed to list messages", "thread_id", r.PathValue("id"), "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	items := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		items = append(items, buildMessageResponse(m, h.ChatService.DownloadURL))
	}
	httpx.WriteJSON(w, http.StatusOK, messageListResponse{
		Items:      items,
		Pagination: buildPagination(page, total),
	})
}

type messageUpdateRequest struct {
	Text        *string               `json:"text"`
	Status      *domain.MessageStatus `json:"status"`
	ErrorCode   *string               `json:"error_code"`
	TokensCount *int                  `json:"tokens_count"`
}

// HandleUpdate edits a persisted message. Absent fields are left alone.
func (h *MessagesHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)
	threadID := r.PathValue("id")
	messageID := r.PathValue("message_id")

	var req messageUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.ChatService.UpdateMessage(ctx, httpx.UserIDFromCtx(ctx), threadID, messageID, service.MessagePatch{
		Text:        req.Text,
		Status:      req.Status,
		ErrorCode:   req.ErrorCode,
		TokensCount: req.TokensCount,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrThreadNotFound):
			httpx.WriteError(w, http.StatusNotFound, "Thread not found")
		case errors.Is(err, service.ErrMessageNotFound):
			httpx.WriteError(w, http.StatusNotFound, "Message not found")
		case errors.Is(err, service.ErrEmptyMessageText):
			httpx.WriteError(w, http.StatusBadRequest, "Text must not be empty")
		case errors.Is(err, service.ErrInvalidMessageStatus):
			httpx.WriteError(w, http.StatusBadRequest, "Invalid message status")
		default:
			log.Error("failed to update message", "thread_id", threadID, "message_id", messageID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildMessageResponse(msg, h.ChatService.DownloadURL))
}

type attachmentUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	DataBase64  string `json:"data_base64"`
}

// streamRequest mirrors the send contract. sender_id and sender_type are
// accepted for wire compatibility but the authenticated user always wins.
type streamRequest struct {
	Text          string                    `json:"text"`
	Model         string                    `json:"model"`
	ModelLabel    string                    `json:"model_label"`
	CorrelationID string                    `json:"correlation_id"`
	Metadata      map[string]any            `json:"metadata"`
	Attachments   []attachmentUploadRequest `json:"attachments"`
	SenderID      string                    `json:"sender_id"`
	SenderType    string                    `json:"sender_type"`
	Status        string                    `json:"status"`
}

// HandleStream runs the send pipeline and relays it as a server-sent event
// stream. The response always carries an initial queued chunk, a running
// chunk repeated as a heartbeat while the provider call is in flight, the
// provider's own chunks verbatim, a synthetic terminal chunk, and a final
// "data: [DONE]" line. Failures after the stream has started are reported
// in-band as an error chunk rather than an HTTP status.
func (h *MessagesHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)
	threadID := r.PathValue("id")
	userID := httpx.UserIDFromCtx(ctx)

	var req streamRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Resolve the thread before committing to a stream so a bad thread ID is
	// still an ordinary 404.
	if _, err := h.ThreadService.GetThread(ctx, userID, threadID); err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "Thread not found")
			return
		}
		log.Error("failed to load thread", "thread_id", threadID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	input := service.SendInput{
		Text:          req.Text,
		Model:         req.Model,
		ModelLabel:    req.ModelLabel,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	}
	for _, a := range req.Attachments {
		input.Attachments = append(input.Attachments, service.AttachmentUpload{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			DataBase64:  a.DataBase64,
		})
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	chunks := make(chan []byte, 64)
	enqueue := func(b []byte) bool {
		select {
		case chunks <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(chunks)

		enqueue(statusChunk(threadID, "queued", nil))
		enqueue(statusChunk(threadID, "running", nil))

		// Heartbeat keeps proxies from timing the connection out while the
		// provider call is quiet.
		running := statusChunk(threadID, "running", nil)
		stopHeartbeat := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(heartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopHeartbeat:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case chunks <- running:
					case <-stopHeartbeat:
						return
					case <-ctx.Done():
						return
					}
				}
			}
		}()

		lastStatus := "running"
		_, _, err := h.ChatService.ProcessMessage(ctx, userID, threadID, input, func(chunk map[string]any) error {
			if status, ok := chunk["agent_status"].(string); ok {
				lastStatus = strings.ToLower(status)
			}
			b, merr := json.Marshal(chunk)
			if merr != nil {
				return merr
			}
			if !enqueue(b) {
				return ctx.Err()
			}
			return nil
		})

		close(stopHeartbeat)
		wg.Wait()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			message, errType := streamErrorDetail(err)
			if errType == "internal_error" {
				log.Error("message stream failed", "thread_id", threadID, "err", err)
			}
			enqueue(statusChunk(threadID, "failed", strPtr("error")))
			enqueue(errorChunk(message, errType))
			return
		}
		if lastStatus != "completed" && lastStatus != "interrupted" {
			enqueue(statusChunk(threadID, "completed", strPtr("stop")))
		}
	}()

	for b := range chunks {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// statusChunk builds a completion-chunk shaped lifecycle marker.
func statusChunk(threadID, agentStatus string, finishReason *string) []byte {
	var finish any
	if finishReason != nil {
		finish = *finishReason
	}
	b, _ := json.Marshal(map[string]any{
		"id":           threadID,
		"object":       "chat.completion.chunk",
		"agent_status": agentStatus,
		"choices": []map[string]any{
			{"delta": map[string]any{}, "finish_reason": finish},
		},
	})
	return b
}

func errorChunk(message, errType string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": errType},
	})
	return b
}

// streamErrorDetail maps a pipeline error onto the in-band error chunk shape.
func streamErrorDetail(err error) (message, errType string) {
	var perr *service.ProviderError
	switch {
	case errors.As(err, &perr):
		message = perr.Message
		if perr.ErrorCode != "" && !strings.Contains(message, perr.ErrorCode) {
			message = fmt.Sprintf("%s (code: %s)", message, perr.ErrorCode)
		}
		return message, "agent_error"
	case errors.Is(err, service.ErrModelRequired):
		return "Model is required to process the message", "agent_error"
	case errors.Is(err, service.ErrInvalidAttachment):
		return "Invalid attachment payload", "agent_error"
	default:
		return "Internal server error", "internal_error"
	}
}

func strPtr(s string) *string { return &s }
