package chatsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// MessageStream is a lazy, finite, non-restartable sequence of partial
// assistant-message updates. Recv blocks for the next update and returns
// io.EOF after the terminal one; Close aborts the underlying transport.
//
// Chunks are processed strictly in arrival order. A malformed chunk is
// logged and skipped; an in-band error payload fails the whole stream with
// StreamRequestError; cancellation surfaces as context.Canceled and means
// no message was sent, not an error to display.
type MessageStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	body     io.ReadCloser
	reader   *bufio.Reader
	hydrator *Hydrator
	logger   *slog.Logger

	accumulated string
	role        string
	hasEmitted  bool
	finished    bool
	released    bool

	attKeys []string
	atts    map[string]streamAttachment
	attSeq  int

	pending []MessageUpdate
	err     error
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	MessageMetadata *struct {
		Attachments []map[string]any `json:"attachments"`
	} `json:"message_metadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Recv returns the next message update. After the stream terminates it
// returns io.EOF; after a failure it keeps returning the same error.
func (s *MessageStream) Recv() (MessageUpdate, error) {
	for {
		if len(s.pending) > 0 {
			update := s.pending[0]
			s.pending = s.pending[1:]
			return update, nil
		}
		if s.err != nil {
			return MessageUpdate{}, s.err
		}
		if s.finished {
			return MessageUpdate{}, io.EOF
		}

		lines, err := s.nextEvent()
		for _, line := range lines {
			if line == "[DONE]" {
				s.finish()
				break
			}
			var chunk streamChunk
			if uerr := json.Unmarshal([]byte(line), &chunk); uerr != nil {
				s.logger.Warn("skipping malformed stream chunk", "err", uerr)
				continue
			}
			if chunk.Error != nil {
				s.fail(&StreamRequestError{Message: chunk.Error.Message})
				break
			}
			s.applyChunk(chunk)
		}
		if s.err != nil || s.finished {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Reader exhaustion without [DONE] is still a normal end.
				s.finish()
				continue
			}
			if s.ctx.Err() != nil {
				s.fail(context.Canceled)
			} else {
				s.fail(&StreamRequestError{Message: err.Error()})
			}
		}
	}
}

// Close aborts the stream. Safe to call at any time, including after the
// stream has already terminated.
func (s *MessageStream) Close() error {
	s.cancel()
	s.release()
	if s.err == nil && !s.finished {
		s.err = context.Canceled
	}
	return nil
}

// nextEvent reads one event: every "data:" payload up to the blank-line
// delimiter. When the reader errors, whatever was collected is returned
// alongside the error.
func (s *MessageStream) nextEvent() ([]string, error) {
	var data []string
	for {
		line, err := s.reader.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed == "" {
				if len(data) > 0 {
					return data, nil
				}
			} else if payload, ok := strings.CutPrefix(trimmed, "data:"); ok {
				data = append(data, strings.TrimSpace(payload))
			}
		}
		if err != nil {
			return data, err
		}
	}
}

func (s *MessageStream) applyChunk(chunk streamChunk) {
	newText := false
	roleHint := false

	for _, choice := range chunk.Choices {
		if choice.Delta.Role != "" {
			if !s.hasEmitted {
				roleHint = true
			}
			// Last write wins for role hints after the first emission.
			s.role = choice.Delta.Role
		}
		if text := parseContentDelta(choice.Delta.Content); text != "" {
			s.accumulated += text
			newText = true
		}
	}

	newAttachments := false
	if chunk.MessageMetadata != nil {
		for _, entry := range chunk.MessageMetadata.Attachments {
			if s.mergeAttachment(entry) {
				newAttachments = true
			}
		}
	}

	if newText || newAttachments || roleHint {
		s.emit()
	}
}

// streamAttachment pairs a resolved ref with the source signature of the
// record that produced it, so a redelivered record can be recognized
// without resolving it again.
type streamAttachment struct {
	ref AttachmentRef
	sig string
}

// attachmentIdentity derives a record's dedupe key and source signature
// from the raw entry, before any resolution happens. The key prefers the
// record's id; without one the signature itself is the key. Both are empty
// for a record carrying no payload source at all.
func attachmentIdentity(entry map[string]any) (key, sig string) {
	if data, _ := entry["data"].(string); data != "" {
		sig = "data:" + data
	} else if data, _ := entry["image_base64"].(string); data != "" {
		sig = "data:" + data
	} else if u, _ := entry["download_url"].(string); u != "" {
		sig = "url:" + u
	}

	if id, _ := entry["id"].(string); id != "" {
		return "id:" + id, sig
	}
	return sig, sig
}

// mergeAttachment merges one attachment record into the map. Keys are
// computed from the record itself, never from the resolved src, so a
// redelivered record matches its earlier copy and is not resolved or
// fetched a second time. A keyed record whose payload genuinely changed is
// re-resolved in place and the superseded blob is released. Reports
// whether the set gained a new entry.
func (s *MessageStream) mergeAttachment(entry map[string]any) bool {
	key, sig := attachmentIdentity(entry)
	if key == "" {
		s.attSeq++
		key = fmt.Sprintf("attachment-%d", s.attSeq)
	}

	if prev, exists := s.atts[key]; exists {
		if prev.sig == sig {
			return false
		}
		ref, ok := s.resolveChunkAttachment(entry)
		if !ok {
			return false
		}
		s.hydrator.Release(prev.ref.Src)
		s.atts[key] = streamAttachment{ref: ref, sig: sig}
		return true
	}

	ref, ok := s.resolveChunkAttachment(entry)
	if !ok {
		return false
	}
	if s.atts == nil {
		s.atts = make(map[string]streamAttachment)
	}
	s.atts[key] = streamAttachment{ref: ref, sig: sig}
	s.attKeys = append(s.attKeys, key)
	return true
}

// resolveChunkAttachment turns a raw attachment record into a renderable
// ref: inline base64 becomes a data URI, a protected download URL goes
// through the hydrator. An unresolvable record is logged and dropped.
func (s *MessageStream) resolveChunkAttachment(entry map[string]any) (AttachmentRef, bool) {
	name, _ := entry["filename"].(string)
	contentType, _ := entry["content_type"].(string)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if data, ok := entry["data"].(string); ok && data != "" {
		return AttachmentRef{
			Name:         name,
			MimeCategory: categorize(contentType),
			Src:          "data:" + contentType + ";base64," + data,
		}, true
	}
	if data, ok := entry["image_base64"].(string); ok && data != "" {
		return AttachmentRef{
			Name:         name,
			MimeCategory: MimeImage,
			Src:          "data:" + contentType + ";base64," + data,
		}, true
	}

	downloadURL, _ := entry["download_url"].(string)
	if downloadURL == "" {
		return AttachmentRef{}, false
	}
	src, ok := s.hydrator.Resolve(s.ctx, downloadURL)
	if !ok {
		s.logger.Warn("dropping unresolvable stream attachment", "filename", name)
		return AttachmentRef{}, false
	}
	return AttachmentRef{
		Name:         name,
		MimeCategory: categorize(contentType),
		Src:          src,
	}, true
}

// parseContentDelta handles the three wire shapes of delta.content: a bare
// string, an array of strings and {text} objects, or absent.
func parseContentDelta(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range parts {
		var str string
		if err := json.Unmarshal(part, &str); err == nil {
			sb.WriteString(str)
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(part, &obj); err == nil {
			sb.WriteString(obj.Text)
		}
	}
	return sb.String()
}

func (s *MessageStream) emit() {
	s.pending = append(s.pending, MessageUpdate{
		Role:      s.role,
		Text:      s.accumulated,
		Files:     s.orderedFiles(),
		Overwrite: s.hasEmitted,
	})
	s.hasEmitted = true
}

func (s *MessageStream) orderedFiles() []AttachmentRef {
	if len(s.attKeys) == 0 {
		return nil
	}
	files := make([]AttachmentRef, 0, len(s.attKeys))
	for _, key := range s.attKeys {
		files = append(files, s.atts[key].ref)
	}
	return files
}

// finish flushes any never-emitted text and queues the terminal update.
func (s *MessageStream) finish() {
	if s.finished {
		return
	}
	s.finished = true
	if s.accumulated != "" && !s.hasEmitted {
		s.emit()
	}
	s.pending = append(s.pending, MessageUpdate{Done: true})
	s.release()
}

func (s *MessageStream) fail(err error) {
	s.err = err
	s.pending = nil
	s.release()
}

func (s *MessageStream) release() {
	if s.released {
		return
	}
	s.released = true
	if s.body != nil {
		s.body.Close()
	}
}

// newMessageStream wraps an open event-stream response.
func newMessageStream(
	ctx context.Context,
	cancel context.CancelFunc,
	resp *http.Response,
	hydrator *Hydrator,
	logger *slog.Logger,
) *MessageStream {
	return &MessageStream{
		ctx:      ctx,
		cancel:   cancel,
		body:     resp.Body,
		reader:   bufio.NewReaderSize(resp.Body, 64*1024),
		hydrator: hydrator,
		logger:   logger,
	}
}
