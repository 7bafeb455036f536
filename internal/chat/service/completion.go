package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/parleychat/parley/pkg/cryptox"
	"github.com/parleychat/parley/pkg/slogx"
)

// providerTimeout bounds the whole streaming call; individual reads are
// governed by the caller's context.
const providerTimeout = 10 * time.Minute

// ProviderError is a typed failure from the upstream completion provider.
type ProviderError struct {
	Message    string
	StatusCode int
	ErrorCode  string
	ErrorType  string
	RequestID  string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}

// PromptMessage is one entry of the prompt history sent upstream.
type PromptMessage struct {
	Role     string           `json:"role"`
	Content  []map[string]any `json:"content"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// CompletionRequest describes one streaming completion call.
type CompletionRequest struct {
	Model          string
	Messages       []PromptMessage
	User           string
	ConversationID string
}

// CompletionUsage carries provider token counts; nil means not reported.
type CompletionUsage struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// CompletionResult is the accumulated outcome of a streamed completion.
type CompletionResult struct {
	ResponseID     string
	Content        string
	Role           string
	Model          string
	ConversationID string
	Usage          CompletionUsage
	Metadata       map[string]any
	AgentStatus    string
}

// ModelCard describes one model offered by the provider.
type ModelCard struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ChunkFunc receives each decoded provider chunk, after any attachment data
// has been persisted and rewritten. Returning an error aborts the stream.
type ChunkFunc func(chunk map[string]any) error

// ProviderClient talks to an OpenAI-compatible chat completions endpoint.
// The provider here is the agent backend: besides standard delta chunks it
// sends agent_status markers, conversation_id handles and message_metadata
// carrying base64 attachments.
type ProviderClient struct {
	BaseURL string
	APIKey  string

	// AttachmentsDir is where provider attachment payloads are written.
	// Empty disables persistence and leaves chunks untouched.
	AttachmentsDir string
	// DownloadEndpoint prefixes rewritten attachment download URLs,
	// e.g. "/attachments".
	DownloadEndpoint string

	HTTPClient *http.Client
}

func (p *ProviderClient) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: providerTimeout}
}

func (p *ProviderClient) endpoint(path string) string {
	return strings.TrimSuffix(p.BaseURL, "/") + path
}

// StreamCompletion POSTs a streaming chat completion and accumulates the
// chunks into a CompletionResult. Every decoded chunk is handed to onChunk
// (when non-nil) so the caller can forward it downstream verbatim.
func (p *ProviderClient) StreamCompletion(ctx context.Context, req CompletionRequest, onChunk ChunkFunc) (*CompletionResult, error) {
	log := slogx.FromContext(ctx)

	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if req.User != "" {
		payload["user"] = req.User
	}
	if req.ConversationID != "" {
		payload["conversation_id"] = req.ConversationID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	log.Info("dispatching provider completion",
		slog.String("model", req.Model),
		slog.Int("messages", len(req.Messages)),
		slog.String("conversation_id", req.ConversationID),
	)

	resp, err := p.client().Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Message: "failed to reach completion provider", ErrorType: "transport_error"}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, p.extractError(resp)
	}

	acc := newCompletionAccumulator(req.Model)

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk map[string]any
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn("discarding malformed provider chunk", slog.String("data", truncate(data, 200)))
			continue
		}

		if err := p.persistChunkAttachments(ctx, chunk); err != nil {
			log.Warn("failed to persist provider attachment", slog.Any("err", err))
		}

		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return nil, err
			}
		}

		if err := acc.ingest(chunk); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ProviderError{Message: "provider stream interrupted: " + err.Error(), ErrorType: "transport_error"}
	}

	result := acc.result()
	log.Info("provider completion finished",
		slog.String("response_id", result.ResponseID),
		slog.String("conversation_id", result.ConversationID),
		slog.String("agent_status", result.AgentStatus),
	)
	return result, nil
}

// ListModels fetches the provider's model catalog. Both {"data":[...]} and
// {"models":[...]} shapes are accepted.
func (p *ProviderClient) ListModels(ctx context.Context) ([]ModelCard, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/models"), nil)
	if err != nil {
		return nil, err
	}
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client().Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Message: "failed to reach completion provider", ErrorType: "transport_error"}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, p.extractError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data   []ModelCard `json:"data"`
		Models []ModelCard `json:"models"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ProviderError{Message: "malformed models response", ErrorType: "protocol_error"}
	}

	cards := envelope.Data
	if len(cards) == 0 {
		cards = envelope.Models
	}
	if len(cards) == 0 {
		return nil, &ProviderError{Message: "provider returned no models", ErrorType: "empty_result"}
	}
	return cards, nil
}

// extractError pulls the most useful message out of an error response body,
// trying the OpenAI {"error":{...}} block then flat detail/message keys.
func (p *ProviderClient) extractError(resp *http.Response) *ProviderError {
	perr := &ProviderError{
		Message:    fmt.Sprintf("provider returned HTTP %d", resp.StatusCode),
		StatusCode: resp.StatusCode,
		RequestID:  strings.TrimSpace(resp.Header.Get("X-Request-Id")),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil || len(raw) == 0 {
		return perr
	}

	var payload struct {
		Error *struct {
			Message   string `json:"message"`
			Code      string `json:"code"`
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
		} `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		perr.Message = truncate(string(raw), 400)
		return perr
	}

	if payload.Error != nil {
		if m := strings.TrimSpace(payload.Error.Message); m != "" {
			perr.Message = m
		}
		perr.ErrorCode = payload.Error.Code
		perr.ErrorType = payload.Error.Type
		if payload.Error.RequestID != "" {
			perr.RequestID = payload.Error.RequestID
		}
		return perr
	}
	if m := strings.TrimSpace(payload.Detail); m != "" {
		perr.Message = m
	} else if m := strings.TrimSpace(payload.Message); m != "" {
		perr.Message = m
	}
	return perr
}

// persistChunkAttachments finds base64 attachment payloads under the chunk's
// message_metadata, writes them to disk and rewrites the entries with
// storage_filename / download_url instead of inline data.
func (p *ProviderClient) persistChunkAttachments(ctx context.Context, chunk map[string]any) error {
	if p.AttachmentsDir == "" {
		return nil
	}

	metadata := chunkMetadata(chunk)
	if metadata == nil {
		return nil
	}
	rawAttachments, ok := metadata["attachments"].([]any)
	if !ok || len(rawAttachments) == 0 {
		return nil
	}

	log := slogx.FromContext(ctx)
	stored := make([]any, 0, len(rawAttachments))
	for _, raw := range rawAttachments {
		attachment, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entry, err := p.storeAttachment(attachment)
		if err != nil {
			log.Warn("skipping provider attachment", slog.Any("err", err))
			continue
		}
		stored = append(stored, entry)
	}
	if len(stored) > 0 {
		metadata["attachments"] = stored
	}
	return nil
}

func (p *ProviderClient) storeAttachment(attachment map[string]any) (map[string]any, error) {
	sanitized := make(map[string]any, len(attachment))
	for k, v := range attachment {
		if k == "data" || k == "image_base64" {
			continue
		}
		sanitized[k] = v
	}

	dataB64, ok := attachment["data"].(string)
	if !ok {
		return sanitized, nil
	}
	binary, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return sanitized, fmt.Errorf("decode attachment payload: %w", err)
	}

	filename, _ := attachment["filename"].(string)
	if filename == "" {
		filename, _ = attachment["name"].(string)
	}
	if filename == "" {
		filename = "attachment.bin"
	}

	storageName := buildStorageFilename(filename)
	target := filepath.Join(p.AttachmentsDir, storageName)
	if err := os.WriteFile(target, binary, 0600); err != nil {
		return sanitized, fmt.Errorf("write attachment: %w", err)
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "file"
	}
	sanitized["filename"] = filename
	sanitized["bytes"] = len(binary)
	if ct := attachmentContentType(attachment); ct != "" {
		sanitized["content_type"] = ct
	}
	sanitized["storage_filename"] = storageName
	if p.DownloadEndpoint != "" {
		sanitized["download_url"] = strings.TrimSuffix(p.DownloadEndpoint, "/") + "/" + storageName
	}
	return sanitized, nil
}

func attachmentContentType(attachment map[string]any) string {
	for _, key := range []string{"content_type", "media_type", "mime_type"} {
		if v, ok := attachment[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// chunkMetadata locates message_metadata wherever the provider put it: at
// the top level, under message, or inside a choice's message.
func chunkMetadata(chunk map[string]any) map[string]any {
	if m, ok := chunk["message_metadata"].(map[string]any); ok {
		return m
	}
	if msg, ok := chunk["message"].(map[string]any); ok {
		for _, key := range []string{"metadata", "message_metadata"} {
			if m, ok := msg[key].(map[string]any); ok {
				return m
			}
		}
	}
	choices, ok := chunk["choices"].([]any)
	if !ok {
		return nil
	}
	for _, raw := range choices {
		choice, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"metadata", "message_metadata"} {
			if m, ok := msg[key].(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

var storageNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// buildStorageFilename derives a collision-free on-disk name from the
// original filename. The random suffix doubles as the download token.
func buildStorageFilename(original string) string {
	base := filepath.Base(original)
	if base == "." || base == "/" || base == "" {
		base = "attachment"
	}
	ext := filepath.Ext(base)
	stem := storageNameUnsafe.ReplaceAllString(strings.TrimSuffix(base, ext), "_")
	if stem == "" {
		stem = "attachment"
	}
	if len(stem) > 80 {
		stem = stem[:80]
	}
	safeExt := storageNameUnsafe.ReplaceAllString(strings.TrimPrefix(ext, "."), "")
	if len(safeExt) > 15 {
		safeExt = safeExt[:15]
	}
	name := stem + "_" + cryptox.MustGenerateToken(cryptox.TokenSize128)
	if safeExt != "" {
		name += "." + safeExt
	}
	return name
}

// completionAccumulator folds provider chunks into a final result, the
// streaming parser counterpart on the server side.
type completionAccumulator struct {
	defaultModel   string
	content        strings.Builder
	role           string
	model          string
	responseID     string
	conversationID string
	metadata       map[string]any
	usage          CompletionUsage
	finishReason   string
	lastStatus     string
}

func newCompletionAccumulator(defaultModel string) *completionAccumulator {
	return &completionAccumulator{
		defaultModel: defaultModel,
		role:         "assistant",
	}
}

func (a *completionAccumulator) ingest(chunk map[string]any) error {
	if errBlock, ok := chunk["error"].(map[string]any); ok {
		perr := &ProviderError{Message: "provider streaming error"}
		if m, ok := errBlock["message"].(string); ok && strings.TrimSpace(m) != "" {
			perr.Message = strings.TrimSpace(m)
		}
		if c, ok := errBlock["code"].(string); ok {
			perr.ErrorCode = strings.TrimSpace(c)
		}
		if t, ok := errBlock["type"].(string); ok {
			perr.ErrorType = strings.TrimSpace(t)
		}
		return perr
	}

	if status, ok := chunk["agent_status"].(string); ok {
		a.lastStatus = strings.ToLower(status)
	}
	if id, ok := chunk["id"].(string); ok {
		a.responseID = id
	}
	if model, ok := chunk["model"].(string); ok {
		a.model = model
	}
	if cid, ok := chunk["conversation_id"].(string); ok {
		a.conversationID = cid
	}
	if usage, ok := chunk["usage"].(map[string]any); ok {
		a.usage.PromptTokens = intField(usage, "prompt_tokens", a.usage.PromptTokens)
		a.usage.CompletionTokens = intField(usage, "completion_tokens", a.usage.CompletionTokens)
		a.usage.TotalTokens = intField(usage, "total_tokens", a.usage.TotalTokens)
	}

	if choices, ok := chunk["choices"].([]any); ok {
		for _, raw := range choices {
			choice, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"delta", "message"} {
				msg, ok := choice[key].(map[string]any)
				if !ok {
					continue
				}
				if role, ok := msg["role"].(string); ok && role != "" {
					a.role = role
				}
				a.ingestContent(msg["content"])
			}
			if reason, ok := choice["finish_reason"].(string); ok && reason != "" {
				a.finishReason = reason
			}
		}
	}

	if metadata, ok := chunk["message_metadata"].(map[string]any); ok {
		a.metadata = metadata
	}
	return nil
}

// ingestContent accepts plain strings and part lists ({"type":"text",...}).
func (a *completionAccumulator) ingestContent(content any) {
	switch v := content.(type) {
	case string:
		a.content.WriteString(v)
	case []any:
		for _, raw := range v {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				a.content.WriteString(text)
			}
		}
	}
}

func (a *completionAccumulator) result() *CompletionResult {
	model := a.model
	if model == "" {
		model = a.defaultModel
	}
	return &CompletionResult{
		ResponseID:     a.responseID,
		Content:        a.content.String(),
		Role:           a.role,
		Model:          model,
		ConversationID: a.conversationID,
		Usage:          a.usage,
		Metadata:       a.metadata,
		AgentStatus:    a.lastStatus,
	}
}

func intField(m map[string]any, key string, fallback *int) *int {
	if v, ok := m[key].(float64); ok {
		n := int(v)
		return &n
	}
	return fallback
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
