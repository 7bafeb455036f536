package service

import (
	"context"
	"errors"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/pkg/idx"
)

var ErrThreadNotFound = errors.New("thread_not_found")

type ThreadService struct {
	Store store.Store
}

// CreateThread creates an empty thread for the owner. The title usually
// stays empty until the first message assigns one.
func (s *ThreadService) CreateThread(ctx context.Context, ownerID, title, summary string, metadata map[string]any) (domain.Thread, error) {
	now := time.Now().UTC()
	t := domain.Thread{
		ID:        idx.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		Summary:   summary,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	if err := s.Store.Threads().CreateThread(ctx, t); err != nil {
		return domain.Thread{}, err
	}
	return t, nil
}

// GetThread returns the thread when it exists, belongs to the owner and is
// not deleted. Anything else is ErrThreadNotFound so callers cannot probe
// other users' threads.
func (s *ThreadService) GetThread(ctx context.Context, ownerID, threadID string) (domain.Thread, error) {
	t, err := s.Store.Threads().GetThreadByID(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Thread{}, ErrThreadNotFound
		}
		return domain.Thread{}, err
	}
	if t.OwnerID != ownerID || t.IsDeleted {
		return domain.Thread{}, ErrThreadNotFound
	}
	return t, nil
}

// ListThreads returns the owner's threads newest first.
func (s *ThreadService) ListThreads(ctx context.Context, ownerID string, page store.Page) ([]domain.Thread, int, error) {
	return s.Store.Threads().ListThreadsByOwner(ctx, ownerID, page)
}

// ThreadPatch holds the updatable fields; nil means leave unchanged.
type ThreadPatch struct {
	Title    *string
	Summary  *string
	Metadata map[string]any
}

func (s *ThreadService) UpdateThread(ctx context.Context, ownerID, threadID string, patch ThreadPatch) (domain.Thread, error) {
	t, err := s.GetThread(ctx, ownerID, threadID)
	if err != nil {
		return domain.Thread{}, err
	}

	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Summary != nil {
		t.Summary = *patch.Summary
	}
	if patch.Metadata != nil {
		t.Metadata = patch.Metadata
	}

	if err := s.Store.Threads().UpdateThread(ctx, t); err != nil {
		return domain.Thread{}, err
	}
	return s.Store.Threads().GetThreadByID(ctx, threadID)
}

// DeleteThread soft deletes; messages stay in place.
func (s *ThreadService) DeleteThread(ctx context.Context, ownerID, threadID string) error {
	if _, err := s.GetThread(ctx, ownerID, threadID); err != nil {
		return err
	}
	return s.Store.Threads().SoftDeleteThread(ctx, threadID)
}
