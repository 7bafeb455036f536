package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/slogx"
)

// AttachmentsHandler serves raw attachment payloads by storage filename.
type AttachmentsHandler struct {
	AttachmentService *service.AttachmentService
}

func (h *AttachmentsHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)
	name := r.PathValue("name")

	record, body, err := h.AttachmentService.Open(ctx, name)
	if err != nil {
		if errors.Is(err, service.ErrAttachmentNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "Attachment not found")
			return
		}
		log.Error("failed to open attachment", "name", name, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer body.Close()

	contentType := record.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if record.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(record.SizeBytes, 10))
	}
	w.Header().Set("Content-Disposition", `inline; filename="`+record.Filename+`"`)

	if _, err := io.Copy(w, body); err != nil {
		log.Warn("attachment download interrupted", "name", name, "err", err)
	}
}
