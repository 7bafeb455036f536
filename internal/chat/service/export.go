package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
)

// ThreadExport is a rendered thread ready to be served as a download.
type ThreadExport struct {
	// Filename is an ASCII-safe name without extension, suitable for the
	// plain Content-Disposition filename parameter.
	Filename string
	// Title is the display title, used for the UTF-8 filename variant.
	Title    string
	Markdown string
}

// ExportThreadMarkdown renders one of the owner's threads with its full
// message history as a markdown document. Attachments are listed as links
// to their authenticated download URLs.
func (s *ChatService) ExportThreadMarkdown(ctx context.Context, ownerID, threadID string) (ThreadExport, error) {
	thread, err := s.Threads.GetThread(ctx, ownerID, threadID)
	if err != nil {
		return ThreadExport{}, err
	}

	total, err := s.Store.Messages().CountByThread(ctx, threadID)
	if err != nil {
		return ThreadExport{}, err
	}
	var messages []domain.Message
	if total > 0 {
		messages, _, err = s.Store.Messages().ListMessagesByThread(ctx, threadID, store.Page{Number: 1, Limit: total})
		if err != nil {
			return ThreadExport{}, err
		}
		if err := s.attachAttachments(ctx, messages); err != nil {
			return ThreadExport{}, err
		}
	}

	title := thread.Title
	if title == "" {
		title = "Thread " + thread.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Thread ID: %s\n", thread.ID)
	fmt.Fprintf(&b, "- Created at: %s\n", thread.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Updated at: %s\n", thread.UpdatedAt.Format(time.RFC3339))
	keys := make([]string, 0, len(thread.Metadata))
	for k := range thread.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, thread.Metadata[k])
	}
	b.WriteString("\n## Messages\n")

	for _, m := range messages {
		fmt.Fprintf(&b, "\n### %s - %s\n\n", m.CreatedAt.Format(time.RFC3339), m.SenderType)
		b.WriteString(m.Text)
		b.WriteString("\n")
		if len(m.Attachments) > 0 {
			b.WriteString("\nAttachments:\n")
			for _, a := range m.Attachments {
				fmt.Fprintf(&b, "- [%s](%s) (%s)\n", a.Filename, s.DownloadURL(a), a.ContentType)
			}
		}
	}

	return ThreadExport{
		Filename: exportFilename(thread.Title, thread.ID),
		Title:    title,
		Markdown: strings.TrimRight(b.String(), "\n") + "\n",
	}, nil
}

// exportFilename keeps only filesystem-safe ASCII from the title, falling
// back to the thread ID when nothing survives.
func exportFilename(title, threadID string) string {
	raw := strings.ReplaceAll(sanitizeTitleFragment(title), " ", "_")
	var b strings.Builder
	for _, r := range raw {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '-', r == '.':
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		return threadID
	}
	return name
}
