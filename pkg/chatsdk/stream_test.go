package chatsdk

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestStream wraps a canned SSE body in a MessageStream. The hydrator
// points at an unreachable origin, so only unprotected attachment URLs
// resolve; tests that need real fetches stand up their own server.
func newTestStream(t *testing.T, body string) *MessageStream {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}
	hydrator := NewHydrator("http://api.invalid", &http.Client{}, NewBlobStore(), testLogger())
	return newMessageStream(ctx, cancel, resp, hydrator, testLogger())
}

// collect drains a stream into its updates and terminal error.
func collect(s *MessageStream) ([]MessageUpdate, error) {
	var updates []MessageUpdate
	for {
		update, err := s.Recv()
		if err != nil {
			return updates, err
		}
		updates = append(updates, update)
	}
}

func TestMessageStreamAccumulation(t *testing.T) {
	t.Parallel()

	t.Run("each delta emits the full text so far", func(t *testing.T) {
		t.Parallel()

		stream := newTestStream(t, strings.Join([]string{
			`data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n"))

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, updates, 3)

		require.Equal(t, "assistant", updates[0].Role)
		require.Equal(t, "Hel", updates[0].Text)
		require.False(t, updates[0].Overwrite)

		require.Equal(t, "Hello", updates[1].Text)
		require.True(t, updates[1].Overwrite, "later emissions replace, not append")

		require.True(t, updates[2].Done)
	})

	t.Run("content parts array concatenates in order", func(t *testing.T) {
		t.Parallel()

		stream := newTestStream(t, strings.Join([]string{
			`data: {"choices":[{"delta":{"content":["Hel",{"text":"lo"}," there"]}}]}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n"))

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, updates, 2)
		require.Equal(t, "Hello there", updates[0].Text)
		require.True(t, updates[1].Done)
	})

	t.Run("empty delta emits nothing", func(t *testing.T) {
		t.Parallel()

		stream := newTestStream(t, strings.Join([]string{
			`data: {"choices":[{"delta":{}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"Hi"}}]}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n"))

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, updates, 2)
		require.Equal(t, "Hi", updates[0].Text)
	})

	t.Run("reader exhaustion without DONE is a normal end", func(t *testing.T) {
		t.Parallel()

		stream := newTestStream(t,
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, updates, 2)
		require.Equal(t, "Hi", updates[0].Text)
		require.True(t, updates[1].Done)
	})
}

func TestMessageStreamMalformedChunk(t *testing.T) {
	t.Parallel()

	stream := newTestStream(t, strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {this is not json`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n"))

	updates, err := collect(stream)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, updates, 3)
	require.Equal(t, "Hello", updates[1].Text, "malformed chunk is skipped, not fatal")
	require.True(t, updates[2].Done)
}

func TestMessageStreamErrorPayload(t *testing.T) {
	t.Parallel()

	t.Run("in-band error fails the stream", func(t *testing.T) {
		t.Parallel()

		stream := newTestStream(t, strings.Join([]string{
			`data: {"error":{"message":"provider unavailable (code: 503)"}}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n"))

		updates, err := collect(stream)
		require.Empty(t, updates)

		var streamErr *StreamRequestError
		require.ErrorAs(t, err, &streamErr)
		require.Equal(t, "provider unavailable (code: 503)", streamErr.Message)

		// The failure is sticky.
		_, err = stream.Recv()
		require.ErrorAs(t, err, &streamErr)
	})

	t.Run("error discards updates queued from the same event", func(t *testing.T) {
		t.Parallel()

		stream := newTestStream(t, strings.Join([]string{
			`data: {"choices":[{"delta":{"content":"partial"}}]}`,
			`data: {"error":{"message":"agent failed"}}`,
			``,
		}, "\n"))

		updates, err := collect(stream)
		require.Empty(t, updates, "no partial output once the stream has failed")

		var streamErr *StreamRequestError
		require.ErrorAs(t, err, &streamErr)
	})
}

func TestMessageStreamClose(t *testing.T) {
	t.Parallel()

	stream := newTestStream(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
	require.NoError(t, stream.Close())

	_, err := stream.Recv()
	require.ErrorIs(t, err, context.Canceled)
}

func TestMessageStreamAttachments(t *testing.T) {
	t.Parallel()

	t.Run("inline base64 becomes a data URI", func(t *testing.T) {
		t.Parallel()

		stream := newTestStream(t, strings.Join([]string{
			`data: {"choices":[{"delta":{"content":"chart"}}],"message_metadata":{"attachments":[{"id":"att-1","filename":"chart.png","content_type":"image/png","data":"aGVsbG8="}]}}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n"))

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, updates, 2)

		require.Len(t, updates[0].Files, 1)
		file := updates[0].Files[0]
		require.Equal(t, "chart.png", file.Name)
		require.Equal(t, MimeImage, file.MimeCategory)
		require.Equal(t, "data:image/png;base64,aGVsbG8=", file.Src)
	})

	t.Run("repeated record is idempotent", func(t *testing.T) {
		t.Parallel()

		record := `{"id":"att-1","filename":"chart.png","content_type":"image/png","data":"aGVsbG8="}`
		stream := newTestStream(t, strings.Join([]string{
			`data: {"choices":[{"delta":{"content":"a"}}],"message_metadata":{"attachments":[` + record + `]}}`,
			``,
			`data: {"message_metadata":{"attachments":[` + record + `]}}`,
			``,
			`data: {"choices":[{"delta":{"content":"b"}}]}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n"))

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)

		// The repeat alone must not emit; only the two text deltas and the
		// terminal update come through, each seeing one attachment.
		require.Len(t, updates, 3)
		require.Len(t, updates[0].Files, 1)
		require.Len(t, updates[1].Files, 1)
		require.Equal(t, "ab", updates[1].Text)
		require.True(t, updates[2].Done)
	})

	t.Run("redelivered record without an id is fetched once", func(t *testing.T) {
		t.Parallel()

		var fetches atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fetches.Add(1)
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		}))
		defer srv.Close()

		blobs := NewBlobStore()
		hydrator := NewHydrator(srv.URL, srv.Client(), blobs, testLogger())

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		// The relay emits records with no id, only filename and download
		// URL, and the same record can arrive again in a later chunk.
		record := `{"filename":"chart.png","storage_filename":"abc_chart.png","content_type":"image/png","download_url":"/attachments/abc_chart.png"}`
		body := strings.Join([]string{
			`data: {"choices":[{"delta":{"content":"a"}}],"message_metadata":{"attachments":[` + record + `]}}`,
			``,
			`data: {"message_metadata":{"attachments":[` + record + `]}}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n")
		stream := newMessageStream(ctx, cancel,
			&http.Response{Body: io.NopCloser(strings.NewReader(body))}, hydrator, testLogger())

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, updates, 2)

		require.EqualValues(t, 1, fetches.Load(), "redelivery must not refetch")
		require.Equal(t, 1, blobs.Len())
		require.Len(t, updates[0].Files, 1)
		require.Equal(t, "chart.png", updates[0].Files[0].Name)
	})

	t.Run("replaced record releases the superseded blob", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("payload for " + r.URL.Path))
		}))
		defer srv.Close()

		blobs := NewBlobStore()
		hydrator := NewHydrator(srv.URL, srv.Client(), blobs, testLogger())

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		body := strings.Join([]string{
			`data: {"message_metadata":{"attachments":[{"id":"att-1","filename":"v1.png","content_type":"image/png","download_url":"/attachments/v1.png"}]}}`,
			``,
			`data: {"message_metadata":{"attachments":[{"id":"att-1","filename":"v2.png","content_type":"image/png","download_url":"/attachments/v2.png"}]}}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n")
		stream := newMessageStream(ctx, cancel,
			&http.Response{Body: io.NopCloser(strings.NewReader(body))}, hydrator, testLogger())

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.NotEmpty(t, updates)

		final := updates[len(updates)-2]
		require.Len(t, final.Files, 1, "same id stays a single entry")
		require.Equal(t, "v2.png", final.Files[0].Name)

		require.Equal(t, 1, blobs.Len(), "the first version's blob is gone")
		data, _, ok := blobs.Get(final.Files[0].Src)
		require.True(t, ok)
		require.Equal(t, []byte("payload for /attachments/v2.png"), data)
	})

	t.Run("protected download URL resolves through the hydrator", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/attachments/report.pdf" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("%PDF-fake"))
		}))
		defer srv.Close()

		blobs := NewBlobStore()
		hydrator := NewHydrator(srv.URL, srv.Client(), blobs, testLogger())

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		body := strings.Join([]string{
			`data: {"choices":[{"delta":{"content":"done"}}],"message_metadata":{"attachments":[{"id":"att-1","filename":"report.pdf","content_type":"application/pdf","download_url":"/attachments/report.pdf"}]}}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n")
		stream := newMessageStream(ctx, cancel,
			&http.Response{Body: io.NopCloser(strings.NewReader(body))}, hydrator, testLogger())

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, updates, 2)
		require.Len(t, updates[0].Files, 1)

		file := updates[0].Files[0]
		require.True(t, strings.HasPrefix(file.Src, blobScheme))
		data, contentType, ok := blobs.Get(file.Src)
		require.True(t, ok)
		require.Equal(t, []byte("%PDF-fake"), data)
		require.Equal(t, "application/pdf", contentType)
	})

	t.Run("unresolvable attachment is dropped without failing the stream", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer srv.Close()

		hydrator := NewHydrator(srv.URL, srv.Client(), NewBlobStore(), testLogger())

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		body := strings.Join([]string{
			`data: {"choices":[{"delta":{"content":"done"}}],"message_metadata":{"attachments":[{"filename":"gone.png","content_type":"image/png","download_url":"/attachments/gone.png"}]}}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n")
		stream := newMessageStream(ctx, cancel,
			&http.Response{Body: io.NopCloser(strings.NewReader(body))}, hydrator, testLogger())

		updates, err := collect(stream)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, updates, 2)
		require.Equal(t, "done", updates[0].Text)
		require.Empty(t, updates[0].Files)
	})
}
