package chatsdk

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/parleychat/parley/pkg/idx"
)

const blobScheme = "blob:chatsdk/"

// BlobStore holds binary payloads behind process-local blob URLs, the Go
// rendering of object URLs: a handle that is only meaningful inside this
// process and must be revoked by whoever created it.
type BlobStore struct {
	mu    sync.Mutex
	blobs map[string]blobEntry
}

type blobEntry struct {
	data        []byte
	contentType string
}

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blobEntry)}
}

// Create registers the payload and returns its blob URL.
func (b *BlobStore) Create(data []byte, contentType string) string {
	u := blobScheme + idx.New().String()
	b.mu.Lock()
	b.blobs[u] = blobEntry{data: data, contentType: contentType}
	b.mu.Unlock()
	return u
}

// Get returns the payload behind a blob URL.
func (b *BlobStore) Get(u string) ([]byte, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.blobs[u]
	return entry.data, entry.contentType, ok
}

// Revoke frees the payload. Revoking an unknown URL is a no-op.
func (b *BlobStore) Revoke(u string) {
	b.mu.Lock()
	delete(b.blobs, u)
	b.mu.Unlock()
}

// Len reports how many blobs are currently registered.
func (b *BlobStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}

// HydrationResult is the final outcome of a HydrateHistory call. Superseded
// means a newer hydration was requested before this one finished; its blobs
// have already been revoked and Messages must be discarded.
type HydrationResult struct {
	Messages   []Message
	Superseded bool
}

// Hydrator resolves bearer-protected attachment URLs into blob URLs through
// the authorized HTTP client. It owns every blob it creates and revokes them
// all on Close.
type Hydrator struct {
	apiOrigin  string
	baseURL    string
	httpClient *http.Client
	blobs      *BlobStore
	logger     *slog.Logger

	mu         sync.Mutex
	generation uint64
	owned      map[string]uint64 // blob URL -> generation that created it
}

// NewHydrator builds a Hydrator fetching through the given client, which is
// expected to carry the Gateway transport.
func NewHydrator(baseURL string, httpClient *http.Client, blobs *BlobStore, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.Default()
	}
	origin := ""
	if u, err := url.Parse(baseURL); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	return &Hydrator{
		apiOrigin:  origin,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		blobs:      blobs,
		logger:     logger,
	}
}

// IsProtectedURL reports whether the URL needs an authorized fetch: it
// points at the API origin (or is API-relative) and contains an attachments
// path segment.
func (h *Hydrator) IsProtectedURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "" || u.Host != "" {
		origin := u.Scheme + "://" + u.Host
		if origin != h.apiOrigin {
			return false
		}
	}
	return strings.Contains(u.Path, "/attachments/")
}

// Resolve fetches a protected URL and returns a blob URL for it. The second
// return is false when the attachment could not be resolved; the caller
// shows the message without it.
func (h *Hydrator) Resolve(ctx context.Context, rawURL string) (string, bool) {
	blobURL, ok := h.resolveForGeneration(ctx, rawURL, h.currentGeneration())
	return blobURL, ok
}

func (h *Hydrator) currentGeneration() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

func (h *Hydrator) resolveForGeneration(ctx context.Context, rawURL string, gen uint64) (string, bool) {
	if !h.IsProtectedURL(rawURL) {
		return rawURL, true
	}

	target := rawURL
	if strings.HasPrefix(rawURL, "/") {
		target = h.baseURL + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		h.logger.Warn("attachment resolve failed", "url", rawURL, "err", err)
		return "", false
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Warn("attachment resolve failed", "url", rawURL, "err", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.Warn("attachment resolve rejected", "url", rawURL, "status", resp.StatusCode)
		return "", false
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Warn("attachment resolve failed", "url", rawURL, "err", err)
		return "", false
	}

	blobURL := h.blobs.Create(data, resp.Header.Get("Content-Type"))
	h.mu.Lock()
	if h.owned == nil {
		h.owned = make(map[string]uint64)
	}
	h.owned[blobURL] = gen
	h.mu.Unlock()
	return blobURL, true
}

// Placeholder strips the protected attachments that cannot be rendered yet,
// keeping everything directly embeddable.
func (h *Hydrator) Placeholder(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		m.Files = nil
		for _, a := range m.Attachments {
			if h.IsProtectedURL(a.DownloadURL) {
				continue
			}
			m.Files = append(m.Files, AttachmentRef{
				Name:         a.Filename,
				MimeCategory: categorize(a.ContentType),
				Src:          a.DownloadURL,
			})
		}
		out[i] = m
	}
	return out
}

// HydrateHistory resolves every protected attachment in the history. The
// placeholder comes back immediately; the channel delivers the fully
// resolved set once, then closes. Generations are monotonically increasing:
// when a newer hydration starts before this one finishes, this one's blobs
// are revoked and its result is marked superseded, so stale data can never
// clobber fresh data.
func (h *Hydrator) HydrateHistory(ctx context.Context, messages []Message) ([]Message, <-chan HydrationResult) {
	h.mu.Lock()
	h.generation++
	gen := h.generation
	// Blobs from earlier generations are dead weight now.
	for blobURL, owner := range h.owned {
		if owner < gen {
			h.blobs.Revoke(blobURL)
			delete(h.owned, blobURL)
		}
	}
	h.mu.Unlock()

	placeholder := h.Placeholder(messages)
	done := make(chan HydrationResult, 1)

	go func() {
		defer close(done)

		resolved := make([]Message, len(messages))
		copy(resolved, messages)

		var wg sync.WaitGroup
		type slot struct {
			msg, att int
			ref      AttachmentRef
			ok       bool
		}
		slots := make([]slot, 0)
		for mi, m := range messages {
			for ai, a := range m.Attachments {
				if !h.IsProtectedURL(a.DownloadURL) {
					continue
				}
				slots = append(slots, slot{msg: mi, att: ai})
			}
		}
		for i := range slots {
			wg.Add(1)
			go func(sl *slot) {
				defer wg.Done()
				a := messages[sl.msg].Attachments[sl.att]
				src, ok := h.resolveForGeneration(ctx, a.DownloadURL, gen)
				if !ok {
					return
				}
				sl.ref = AttachmentRef{
					Name:         a.Filename,
					MimeCategory: categorize(a.ContentType),
					Src:          src,
				}
				sl.ok = true
			}(&slots[i])
		}
		wg.Wait()

		// Assemble each message's Files: unprotected ones as-is, protected
		// ones from their resolved slots, in record order.
		resolvedByAtt := make(map[[2]int]AttachmentRef)
		for _, sl := range slots {
			if sl.ok {
				resolvedByAtt[[2]int{sl.msg, sl.att}] = sl.ref
			}
		}
		for mi, m := range messages {
			files := make([]AttachmentRef, 0, len(m.Attachments))
			for ai, a := range m.Attachments {
				if h.IsProtectedURL(a.DownloadURL) {
					if ref, ok := resolvedByAtt[[2]int{mi, ai}]; ok {
						files = append(files, ref)
					}
					continue
				}
				files = append(files, AttachmentRef{
					Name:         a.Filename,
					MimeCategory: categorize(a.ContentType),
					Src:          a.DownloadURL,
				})
			}
			resolved[mi].Files = files
		}

		h.mu.Lock()
		superseded := gen != h.generation
		if superseded {
			for blobURL, owner := range h.owned {
				if owner == gen {
					h.blobs.Revoke(blobURL)
					delete(h.owned, blobURL)
				}
			}
		}
		h.mu.Unlock()

		if superseded {
			done <- HydrationResult{Superseded: true}
			return
		}
		done <- HydrationResult{Messages: resolved}
	}()

	return placeholder, done
}

// Release revokes a single blob the hydrator owns. URLs it does not own,
// including non-blob URLs, are ignored.
func (h *Hydrator) Release(blobURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.owned[blobURL]; !ok {
		return
	}
	h.blobs.Revoke(blobURL)
	delete(h.owned, blobURL)
}

// Close revokes every blob the hydrator still owns.
func (h *Hydrator) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for blobURL := range h.owned {
		h.blobs.Revoke(blobURL)
	}
	h.owned = nil
}
