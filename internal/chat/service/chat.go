package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/pkg/idx"
	"github.com/parleychat/parley/pkg/slogx"
)

var (
	ErrModelRequired     = errors.New("model_required")
	ErrInvalidAttachment = errors.New("invalid_attachment")

	ErrMessageNotFound      = errors.New("message_not_found")
	ErrEmptyMessageText     = errors.New("empty_message_text")
	ErrInvalidMessageStatus = errors.New("invalid_message_status")
)

const (
	defaultProvider    = "openai-compatible"
	defaultTitlePrefix = "Product"
	defaultUserText    = "Process as expected."

	titlePreviewLength = 32
)

// ChatService owns the message pipeline: persisting the user message,
// driving the provider completion, and persisting the assistant reply with
// any provider attachments.
type ChatService struct {
	Store    store.Store
	Threads  *ThreadService
	Provider *ProviderClient
	Search   *SearchService // optional, best effort

	// AttachmentsDir stores user-uploaded attachment payloads alongside the
	// provider ones.
	AttachmentsDir string
	// DownloadEndpoint prefixes attachment download URLs, e.g. "/attachments".
	DownloadEndpoint string
}

// AttachmentUpload is a user-supplied attachment on a send.
type AttachmentUpload struct {
	Filename    string
	ContentType string
	DataBase64  string
}

// SendInput is the user's message plus routing hints.
type SendInput struct {
	Text          string
	Model         string
	ModelLabel    string
	CorrelationID string
	Metadata      map[string]any
	Attachments   []AttachmentUpload
}

// ListMessages returns a thread's messages oldest first with attachments
// populated.
func (s *ChatService) ListMessages(ctx context.Context, ownerID, threadID string, page store.Page) ([]domain.Message, int, error) {
	if _, err := s.Threads.GetThread(ctx, ownerID, threadID); err != nil {
		return nil, 0, err
	}

	messages, total, err := s.Store.Messages().ListMessagesByThread(ctx, threadID, page)
	if err != nil {
		return nil, 0, err
	}

	if err := s.attachAttachments(ctx, messages); err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// MessagePatch carries the editable fields of a message. Nil fields are
// left unchanged.
type MessagePatch struct {
	Text        *string
	Status      *domain.MessageStatus
	ErrorCode   *string
	TokensCount *int
}

// UpdateMessage edits a message inside one of the owner's threads. A
// message belonging to another thread is indistinguishable from a missing
// one.
func (s *ChatService) UpdateMessage(ctx context.Context, ownerID, threadID, messageID string, patch MessagePatch) (domain.Message, error) {
	if _, err := s.Threads.GetThread(ctx, ownerID, threadID); err != nil {
		return domain.Message{}, err
	}
	if patch.Text != nil && strings.TrimSpace(*patch.Text) == "" {
		return domain.Message{}, ErrEmptyMessageText
	}
	if patch.Status != nil {
		switch *patch.Status {
		case domain.MessageQueued, domain.MessageProcessing, domain.MessageReady, domain.MessageError:
		default:
			return domain.Message{}, ErrInvalidMessageStatus
		}
	}

	m, err := s.Store.Messages().GetMessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Message{}, ErrMessageNotFound
		}
		return domain.Message{}, err
	}
	if m.ThreadID != threadID {
		return domain.Message{}, ErrMessageNotFound
	}

	changed := false
	if patch.Status != nil {
		m.Status = *patch.Status
		changed = true
	}
	if patch.ErrorCode != nil {
		m.ErrorCode = *patch.ErrorCode
		changed = true
	}
	if patch.Text != nil {
		m.Text = *patch.Text
		changed = true
	}
	if patch.TokensCount != nil {
		m.TokensCount = patch.TokensCount
		changed = true
	}

	if changed {
		if err := s.Store.Messages().UpdateMessage(ctx, m); err != nil {
			return domain.Message{}, err
		}
		if m, err = s.Store.Messages().GetMessageByID(ctx, messageID); err != nil {
			return domain.Message{}, err
		}
	}

	messages := []domain.Message{m}
	if err := s.attachAttachments(ctx, messages); err != nil {
		return domain.Message{}, err
	}
	return messages[0], nil
}

func (s *ChatService) attachAttachments(ctx context.Context, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	byMessage, err := s.Store.Attachments().ListAttachmentsByMessages(ctx, ids)
	if err != nil {
		return err
	}
	for i := range messages {
		messages[i].Attachments = byMessage[messages[i].ID]
	}
	return nil
}

// DownloadURL builds the authenticated download path for an attachment.
func (s *ChatService) DownloadURL(a domain.Attachment) string {
	return strings.TrimSuffix(s.DownloadEndpoint, "/") + "/" + a.StorageFilename
}

// ProcessMessage runs the full send pipeline against a thread. The user
// message is persisted first and tracks the provider call through its status
// (queued, processing, then ready or error). Provider chunks are forwarded
// to onChunk as they arrive; the accumulated reply is persisted as the
// assistant message. Returns both persisted messages.
func (s *ChatService) ProcessMessage(ctx context.Context, ownerID, threadID string, in SendInput, onChunk ChunkFunc) (domain.Message, domain.Message, error) {
	log := slogx.FromContext(ctx)

	thread, err := s.Threads.GetThread(ctx, ownerID, threadID)
	if err != nil {
		return domain.Message{}, domain.Message{}, err
	}

	model := strings.TrimSpace(in.Model)
	attributes := thread.Metadata
	if attributes == nil {
		attributes = map[string]any{}
	}
	if model == "" {
		model, _ = attributes["model"].(string)
	}
	if model == "" {
		return domain.Message{}, domain.Message{}, ErrModelRequired
	}
	attributes["model"] = model

	modelLabel := strings.TrimSpace(in.ModelLabel)
	if modelLabel == "" {
		modelLabel, _ = attributes["model_label"].(string)
	}
	if modelLabel == "" {
		modelLabel = model
	}
	attributes["model_label"] = modelLabel

	provider, _ := attributes["provider"].(string)
	if provider == "" {
		provider = defaultProvider
	}
	attributes["provider"] = provider
	thread.Metadata = attributes

	text := strings.TrimSpace(in.Text)
	if text == "" {
		text = defaultUserText
	}

	messageCount, err := s.Store.Messages().CountByThread(ctx, threadID)
	if err != nil {
		return domain.Message{}, domain.Message{}, err
	}
	if messageCount == 0 || strings.TrimSpace(thread.Title) == "" {
		thread.Title = buildAutoTitle(modelLabel, text)
	}
	if err := s.Store.Threads().UpdateThread(ctx, thread); err != nil {
		return domain.Message{}, domain.Message{}, err
	}

	state, err := s.Store.ProviderStates().GetProviderState(ctx, threadID, provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Message{}, domain.Message{}, err
	}
	conversationID := state.ConversationID

	now := time.Now().UTC()
	userMsg := domain.Message{
		ID:            idx.New().String(),
		ThreadID:      threadID,
		SenderID:      ownerID,
		SenderType:    domain.SenderUser,
		Status:        domain.MessageQueued,
		Text:          text,
		CorrelationID: in.CorrelationID,
		Metadata:      in.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.Messages().CreateMessage(ctx, userMsg); err != nil {
		return domain.Message{}, domain.Message{}, err
	}

	userAttachments, err := s.storeUserAttachments(ctx, userMsg.ID, in.Attachments)
	if err != nil {
		return domain.Message{}, domain.Message{}, err
	}
	userMsg.Attachments = userAttachments

	prompt, err := s.buildPromptHistory(ctx, threadID)
	if err != nil {
		return domain.Message{}, domain.Message{}, err
	}

	// Deduped by storage_filename so repeated metadata chunks don't persist
	// the same attachment twice.
	providerAttachments := map[string]map[string]any{}

	completion, err := s.Provider.StreamCompletion(ctx, CompletionRequest{
		Model:          model,
		Messages:       prompt,
		User:           ownerID,
		ConversationID: conversationID,
	}, func(chunk map[string]any) error {
		s.trackAgentStatus(ctx, &userMsg, chunk)
		collectProviderAttachments(providerAttachments, chunk)
		if onChunk != nil {
			return onChunk(chunk)
		}
		return nil
	})
	if err != nil {
		detail := err.Error()
		var perr *ProviderError
		if errors.As(err, &perr) {
			detail = perr.Message
			if perr.ErrorCode != "" && !strings.Contains(detail, perr.ErrorCode) {
				detail = fmt.Sprintf("%s (code: %s)", detail, perr.ErrorCode)
			}
		}
		log.Warn("provider completion failed",
			slog.String("thread_id", threadID),
			slog.String("model", model),
			slog.String("detail", detail),
		)

		userMsg.Status = domain.MessageError
		userMsg.ErrorCode = detail
		if uerr := s.Store.Messages().UpdateMessage(ctx, userMsg); uerr != nil {
			log.Warn("failed to mark message errored", slog.Any("err", uerr))
		}
		return domain.Message{}, domain.Message{}, err
	}

	userMsg.Status = domain.MessageReady
	userMsg.ErrorCode = ""
	if completion.Usage.PromptTokens != nil {
		userMsg.TokensCount = completion.Usage.PromptTokens
	}
	if completion.ResponseID != "" {
		userMsg.CorrelationID = completion.ResponseID
	}

	assistantText := completion.Content
	if strings.TrimSpace(assistantText) == "" {
		assistantText = "(no text content)"
	}
	assistantMsg := domain.Message{
		ID:            idx.New().String(),
		ThreadID:      threadID,
		SenderID:      "assistant",
		SenderType:    domain.SenderAssistant,
		Status:        domain.MessageReady,
		Text:          assistantText,
		CorrelationID: completion.ResponseID,
		TokensCount:   completion.Usage.CompletionTokens,
		Metadata:      completion.Metadata,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	// The final metadata may mention attachments no chunk carried.
	if completion.Metadata != nil {
		collectProviderAttachments(providerAttachments, map[string]any{"message_metadata": completion.Metadata})
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Messages().UpdateMessage(ctx, userMsg); err != nil {
			return err
		}
		if err := tx.Messages().CreateMessage(ctx, assistantMsg); err != nil {
			return err
		}
		for _, payload := range providerAttachments {
			record, ok := providerAttachmentRecord(assistantMsg.ID, payload)
			if !ok {
				continue
			}
			if err := tx.Attachments().CreateAttachment(ctx, record); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
				return err
			}
			assistantMsg.Attachments = append(assistantMsg.Attachments, record)
		}
		if completion.ConversationID != "" {
			stateUpsert := domain.ProviderThreadState{
				ID:             idx.New().String(),
				ThreadID:       threadID,
				Provider:       provider,
				ConversationID: completion.ConversationID,
				Payload: map[string]any{
					"model":       completion.Model,
					"model_label": modelLabel,
				},
			}
			if err := tx.ProviderStates().UpsertProviderState(ctx, stateUpsert); err != nil {
				return err
			}
		}
		return tx.Threads().UpdateThread(ctx, thread)
	})
	if err != nil {
		return domain.Message{}, domain.Message{}, err
	}

	if s.Search != nil {
		if ierr := s.Search.IndexThread(ctx, thread, userMsg, assistantMsg); ierr != nil {
			log.Warn("failed to index thread for search", slog.Any("err", ierr))
		}
	}

	log.Info("completion persisted",
		slog.String("thread_id", threadID),
		slog.String("response_id", completion.ResponseID),
		slog.String("conversation_id", completion.ConversationID),
	)
	return userMsg, assistantMsg, nil
}

// trackAgentStatus maps provider agent_status markers onto the user
// message's lifecycle while the stream is running.
func (s *ChatService) trackAgentStatus(ctx context.Context, userMsg *domain.Message, chunk map[string]any) {
	status, ok := chunk["agent_status"].(string)
	if !ok {
		return
	}

	var target domain.MessageStatus
	switch strings.ToLower(status) {
	case "queued":
		target = domain.MessageQueued
	case "running", "streaming", "completed":
		target = domain.MessageProcessing
	default:
		return
	}
	if userMsg.Status == target {
		return
	}

	userMsg.Status = target
	if err := s.Store.Messages().UpdateMessage(ctx, *userMsg); err != nil {
		slogx.FromContext(ctx).Warn("failed to update message status", slog.Any("err", err))
	}
}

// storeUserAttachments decodes uploads, writes payloads beside the provider
// attachments and records them against the message.
func (s *ChatService) storeUserAttachments(ctx context.Context, messageID string, uploads []AttachmentUpload) ([]domain.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}

	out := make([]domain.Attachment, 0, len(uploads))
	for _, upload := range uploads {
		binary, err := base64.StdEncoding.DecodeString(upload.DataBase64)
		if err != nil {
			return nil, ErrInvalidAttachment
		}

		contentType := upload.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		storageName := buildStorageFilename(upload.Filename)
		if err := os.WriteFile(filepath.Join(s.AttachmentsDir, storageName), binary, 0600); err != nil {
			return nil, fmt.Errorf("write attachment: %w", err)
		}

		record := domain.Attachment{
			ID:              idx.New().String(),
			MessageID:       messageID,
			Filename:        upload.Filename,
			StorageFilename: storageName,
			ContentType:     contentType,
			SizeBytes:       int64(len(binary)),
			CreatedAt:       time.Now().UTC(),
		}
		if err := s.Store.Attachments().CreateAttachment(ctx, record); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// buildPromptHistory loads the full thread history and renders it as
// provider prompt messages, inlining attachment payloads from disk.
func (s *ChatService) buildPromptHistory(ctx context.Context, threadID string) ([]PromptMessage, error) {
	history, _, err := s.Store.Messages().ListMessagesByThread(ctx, threadID, store.Page{Number: 1, Limit: 1000})
	if err != nil {
		return nil, err
	}
	if err := s.attachAttachments(ctx, history); err != nil {
		return nil, err
	}

	prompt := make([]PromptMessage, 0, len(history))
	for _, msg := range history {
		parts := []map[string]any{{"type": "text", "text": msg.Text}}
		for _, attachment := range msg.Attachments {
			part, err := s.promptPartForAttachment(ctx, attachment)
			if err != nil {
				slogx.FromContext(ctx).Warn("skipping attachment in prompt",
					slog.String("attachment_id", attachment.ID), slog.Any("err", err))
				continue
			}
			parts = append(parts, part)
		}

		var metadata map[string]any
		if len(msg.Metadata) > 0 {
			metadata = msg.Metadata
		}
		prompt = append(prompt, PromptMessage{
			Role:     string(msg.SenderType),
			Content:  parts,
			Metadata: metadata,
		})
	}
	return prompt, nil
}

func (s *ChatService) promptPartForAttachment(ctx context.Context, a domain.Attachment) (map[string]any, error) {
	binary, err := os.ReadFile(filepath.Join(s.AttachmentsDir, filepath.Base(a.StorageFilename)))
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(binary)

	if strings.HasPrefix(a.ContentType, "image/") {
		return map[string]any{
			"type":         "input_image",
			"image_base64": encoded,
			"media_type":   a.ContentType,
		}, nil
	}
	return map[string]any{
		"type":       "input_file",
		"data":       encoded,
		"media_type": a.ContentType,
		"filename":   a.Filename,
	}, nil
}

func collectProviderAttachments(buffer map[string]map[string]any, chunk map[string]any) {
	metadata, ok := chunk["message_metadata"].(map[string]any)
	if !ok {
		return
	}
	attachments, ok := metadata["attachments"].([]any)
	if !ok {
		return
	}
	for _, raw := range attachments {
		attachment, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		key, _ := attachment["storage_filename"].(string)
		if key == "" {
			name, _ := attachment["filename"].(string)
			key = fmt.Sprintf("%s:%d", name, len(buffer))
		}
		buffer[key] = attachment
	}
}

func providerAttachmentRecord(messageID string, payload map[string]any) (domain.Attachment, bool) {
	storageName, _ := payload["storage_filename"].(string)
	if storageName == "" {
		return domain.Attachment{}, false
	}

	filename, _ := payload["filename"].(string)
	if filename == "" {
		filename = storageName
	}
	contentType := attachmentContentType(payload)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var size int64
	switch v := payload["bytes"].(type) {
	case float64:
		size = int64(v)
	case int:
		size = int64(v)
	}

	return domain.Attachment{
		ID:              idx.New().String(),
		MessageID:       messageID,
		Filename:        filename,
		StorageFilename: storageName,
		ContentType:     contentType,
		SizeBytes:       size,
		CreatedAt:       time.Now().UTC(),
	}, true
}

func buildAutoTitle(modelLabel, userText string) string {
	label := sanitizeTitleFragment(modelLabel)
	if label == "" {
		label = defaultTitlePrefix
	}
	preview := userText
	if len(preview) > titlePreviewLength {
		preview = strings.TrimRight(preview[:titlePreviewLength], " ")
	}
	return label + ": " + sanitizeTitleFragment(preview)
}

func sanitizeTitleFragment(fragment string) string {
	fragment = strings.ReplaceAll(fragment, "[", "")
	fragment = strings.ReplaceAll(fragment, "]", "")
	return strings.TrimSpace(fragment)
}
