package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/internal/chat/store/drivers/sqlite"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/idx"
	"github.com/stretchr/testify/require"
)

type streamFixture struct {
	handler  *MessagesHandler
	store    *sqlite.Store
	userID   string
	threadID string
}

// newStreamFixture wires a MessagesHandler over a real sqlite store and a
// fake completion provider, with one user and one empty thread seeded.
func newStreamFixture(t *testing.T, provider http.HandlerFunc) *streamFixture {
	t.Helper()

	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	st, err := sqlite.NewStore(fmt.Sprintf("file:%s/chat.db?_busy_timeout=5000", t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.ApplyMigrations())

	now := time.Now().UTC()
	userID := idx.New().String()
	require.NoError(t, st.Users().CreateUser(t.Context(), domain.User{
		ID: userID, Username: "alice", PasswordHash: "x", IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}))

	threadID := idx.New().String()
	require.NoError(t, st.Threads().CreateThread(t.Context(), domain.Thread{
		ID: threadID, OwnerID: userID, CreatedAt: now, UpdatedAt: now,
	}))

	threads := &service.ThreadService{Store: st}
	chat := &service.ChatService{
		Store:    st,
		Threads:  threads,
		Provider: &service.ProviderClient{BaseURL: srv.URL},
	}

	return &streamFixture{
		handler:  &MessagesHandler{ChatService: chat, ThreadService: threads},
		store:    st,
		userID:   userID,
		threadID: threadID,
	}
}

// streamOnce runs HandleStream and returns the decoded SSE payloads.
func (f *streamFixture) streamOnce(t *testing.T, threadID, body string) (*httptest.ResponseRecorder, []string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost,
		"/threads/"+threadID+"/messages/stream", strings.NewReader(body))
	req.SetPathValue("id", threadID)
	req = req.WithContext(context.WithValue(req.Context(), httpx.CtxKeyUserID, f.userID))

	rec := httptest.NewRecorder()
	f.handler.HandleStream(rec, req)

	var events []string
	for _, block := range strings.Split(rec.Body.String(), "\n\n") {
		if payload, ok := strings.CutPrefix(strings.TrimSpace(block), "data: "); ok {
			events = append(events, payload)
		}
	}
	return rec, events
}

func agentStatusOf(t *testing.T, event string) (status string, finishReason any) {
	t.Helper()
	var chunk struct {
		AgentStatus string `json:"agent_status"`
		Choices     []struct {
			FinishReason any `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal([]byte(event), &chunk))
	require.NotEmpty(t, chunk.Choices)
	return chunk.AgentStatus, chunk.Choices[0].FinishReason
}

func TestHandleStream(t *testing.T) {
	t.Parallel()

	t.Run("relays the full lifecycle and persists the exchange", func(t *testing.T) {
		t.Parallel()

		providerChunks := []string{
			`{"id":"resp-1","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		}
		f := newStreamFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, c := range providerChunks {
				fmt.Fprintf(w, "data: %s\n\n", c)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
		})

		rec, events := f.streamOnce(t, f.threadID, `{"text":"hi","model":"gpt-agent"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
		require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

		// queued, running, two provider chunks, synthetic completed, [DONE]
		require.Len(t, events, 6)

		status, finish := agentStatusOf(t, events[0])
		require.Equal(t, "queued", status)
		require.Nil(t, finish)

		status, _ = agentStatusOf(t, events[1])
		require.Equal(t, "running", status)

		require.JSONEq(t, providerChunks[0], events[2], "provider chunks pass through verbatim")
		require.JSONEq(t, providerChunks[1], events[3])

		status, finish = agentStatusOf(t, events[4])
		require.Equal(t, "completed", status)
		require.Equal(t, "stop", finish)

		require.Equal(t, "[DONE]", events[5])

		// The exchange landed in the store.
		messages, total, err := f.store.Messages().ListMessagesByThread(t.Context(), f.threadID, store.Page{Number: 1, Limit: 10})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		require.Equal(t, domain.SenderUser, messages[0].SenderType)
		require.Equal(t, domain.MessageReady, messages[0].Status)
		require.Equal(t, domain.SenderAssistant, messages[1].SenderType)
		require.Equal(t, "Hello", messages[1].Text)

		thread, err := f.store.Threads().GetThreadByID(t.Context(), f.threadID)
		require.NoError(t, err)
		require.Equal(t, "gpt-agent: hi", thread.Title)
	})

	t.Run("provider agent_status completed suppresses the synthetic chunk", func(t *testing.T) {
		t.Parallel()

		f := newStreamFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, `data: {"agent_status":"completed","choices":[{"delta":{"content":"done"},"finish_reason":"stop"}]}`+"\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		})

		_, events := f.streamOnce(t, f.threadID, `{"text":"hi","model":"gpt-agent"}`)

		// queued, running, the provider chunk, [DONE]; no synthetic completed.
		require.Len(t, events, 4)
		require.Equal(t, "[DONE]", events[3])
	})

	t.Run("provider failure reports in-band then terminates", func(t *testing.T) {
		t.Parallel()

		f := newStreamFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"model exploded","code":"boom"}}`))
		})

		rec, events := f.streamOnce(t, f.threadID, `{"text":"hi","model":"gpt-agent"}`)
		require.Equal(t, http.StatusOK, rec.Code, "failures after commit stay in-band")
		require.Len(t, events, 5)

		status, finish := agentStatusOf(t, events[2])
		require.Equal(t, "failed", status)
		require.Equal(t, "error", finish)

		var errEvent struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(events[3]), &errEvent))
		require.Equal(t, "model exploded (code: boom)", errEvent.Error.Message)
		require.Equal(t, "agent_error", errEvent.Error.Type)

		require.Equal(t, "[DONE]", events[4])

		// The user message is left in the error state with the detail.
		messages, _, err := f.store.Messages().ListMessagesByThread(t.Context(), f.threadID, store.Page{Number: 1, Limit: 10})
		require.NoError(t, err)
		require.Len(t, messages, 1)
		require.Equal(t, domain.MessageError, messages[0].Status)
		require.Contains(t, messages[0].ErrorCode, "model exploded")
	})

	t.Run("missing model reports the agent error in-band", func(t *testing.T) {
		t.Parallel()

		f := newStreamFixture(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("provider must not be called without a model")
		})

		_, events := f.streamOnce(t, f.threadID, `{"text":"hi"}`)
		require.Len(t, events, 5)

		var errEvent struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(events[3]), &errEvent))
		require.Equal(t, "Model is required to process the message", errEvent.Error.Message)
		require.Equal(t, "agent_error", errEvent.Error.Type)
	})

	t.Run("unknown thread is an ordinary 404", func(t *testing.T) {
		t.Parallel()

		f := newStreamFixture(t, func(w http.ResponseWriter, r *http.Request) {})

		rec, _ := f.streamOnce(t, "missing-thread", `{"text":"hi","model":"gpt-agent"}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.JSONEq(t, `{"detail":"Thread not found"}`, rec.Body.String())
	})
}

func TestHandleUpdateMessage(t *testing.T) {
	t.Parallel()

	newFixtureWithExchange := func(t *testing.T) (*streamFixture, []MessageResponse) {
		t.Helper()
		f := newStreamFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		})
		f.streamOnce(t, f.threadID, `{"text":"hi","model":"gpt-agent"}`)

		messages, _, err := f.store.Messages().ListMessagesByThread(t.Context(), f.threadID, store.Page{Number: 1, Limit: 10})
		require.NoError(t, err)
		items := make([]MessageResponse, 0, len(messages))
		for _, m := range messages {
			items = append(items, buildMessageResponse(m, f.handler.ChatService.DownloadURL))
		}
		return f, items
	}

	patchMessage := func(t *testing.T, f *streamFixture, threadID, messageID, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPatch,
			"/threads/"+threadID+"/messages/"+messageID, strings.NewReader(body))
		req.SetPathValue("id", threadID)
		req.SetPathValue("message_id", messageID)
		req = req.WithContext(context.WithValue(req.Context(), httpx.CtxKeyUserID, f.userID))

		rec := httptest.NewRecorder()
		f.handler.HandleUpdate(rec, req)
		return rec
	}

	t.Run("edits text and persists it", func(t *testing.T) {
		t.Parallel()
		f, items := newFixtureWithExchange(t)

		rec := patchMessage(t, f, f.threadID, items[0].ID, `{"text":"hi, edited"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp MessageResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "hi, edited", resp.Text)

		stored, err := f.store.Messages().GetMessageByID(t.Context(), items[0].ID)
		require.NoError(t, err)
		require.Equal(t, "hi, edited", stored.Text)
		require.Equal(t, items[0].Status, stored.Status, "untouched fields survive")
	})

	t.Run("blank text is rejected", func(t *testing.T) {
		t.Parallel()
		f, items := newFixtureWithExchange(t)

		rec := patchMessage(t, f, f.threadID, items[0].ID, `{"text":"   "}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.JSONEq(t, `{"detail":"Text must not be empty"}`, rec.Body.String())
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		t.Parallel()
		f, items := newFixtureWithExchange(t)

		rec := patchMessage(t, f, f.threadID, items[0].ID, `{"status":"definitely-not-a-status"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown message is a 404", func(t *testing.T) {
		t.Parallel()
		f, _ := newFixtureWithExchange(t)

		rec := patchMessage(t, f, f.threadID, "missing-message", `{"text":"x"}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.JSONEq(t, `{"detail":"Message not found"}`, rec.Body.String())
	})

	t.Run("message from another thread is indistinguishable from missing", func(t *testing.T) {
		t.Parallel()
		f, items := newFixtureWithExchange(t)

		now := time.Now().UTC()
		otherThread := idx.New().String()
		require.NoError(t, f.store.Threads().CreateThread(t.Context(), domain.Thread{
			ID: otherThread, OwnerID: f.userID, CreatedAt: now, UpdatedAt: now,
		}))

		rec := patchMessage(t, f, otherThread, items[0].ID, `{"text":"x"}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.JSONEq(t, `{"detail":"Message not found"}`, rec.Body.String())
	})
}

func TestHandleExportThread(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	f.streamOnce(t, f.threadID, `{"text":"hi","model":"gpt-agent"}`)

	threads := &ThreadsHandler{
		ThreadService: f.handler.ThreadService,
		ChatService:   f.handler.ChatService,
	}
	exportOnce := func(t *testing.T, target string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetPathValue("id", f.threadID)
		req = req.WithContext(context.WithValue(req.Context(), httpx.CtxKeyUserID, f.userID))
		rec := httptest.NewRecorder()
		threads.HandleExport(rec, req)
		return rec
	}

	t.Run("serves the thread as a markdown download", func(t *testing.T) {
		rec := exportOnce(t, "/threads/"+f.threadID+"/export")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))

		disposition := rec.Header().Get("Content-Disposition")
		require.Contains(t, disposition, `attachment; filename="gpt-agent_hi.md"`)
		require.Contains(t, disposition, "filename*=UTF-8''")

		body := rec.Body.String()
		require.Contains(t, body, "# gpt-agent: hi")
		require.Contains(t, body, "- Thread ID: "+f.threadID)
		require.Contains(t, body, "## Messages")
		require.Contains(t, body, "- user\n\nhi")
		require.Contains(t, body, "- assistant\n\nHello")
	})

	t.Run("unsupported formats are rejected", func(t *testing.T) {
		rec := exportOnce(t, "/threads/"+f.threadID+"/export?format=pdf")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.JSONEq(t, `{"detail":"Unsupported export format"}`, rec.Body.String())
	})
}

func TestHandleListMessages(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	f.streamOnce(t, f.threadID, `{"text":"hi","model":"gpt-agent"}`)

	req := httptest.NewRequest(http.MethodGet, "/threads/"+f.threadID+"/messages", nil)
	req.SetPathValue("id", f.threadID)
	req = req.WithContext(context.WithValue(req.Context(), httpx.CtxKeyUserID, f.userID))

	rec := httptest.NewRecorder()
	f.handler.HandleList(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp messageListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	require.Equal(t, 2, resp.Pagination.Total)
	require.Equal(t, "hi", resp.Items[0].Text)
	require.Equal(t, "Hello", resp.Items[1].Text)
	require.False(t, resp.Pagination.HasMore)
}
