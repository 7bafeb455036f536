package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
)

var ErrAttachmentNotFound = errors.New("attachment_not_found")

// AttachmentService serves stored attachment payloads by their opaque
// storage name.
type AttachmentService struct {
	Store store.Store
	Dir   string
}

// Open returns the attachment record and a reader over its payload. The
// storage name is reduced to its base before hitting the filesystem, so a
// traversal attempt can only ever miss.
func (s *AttachmentService) Open(ctx context.Context, storageFilename string) (domain.Attachment, io.ReadCloser, error) {
	name := filepath.Base(storageFilename)
	if name == "" || name == "." || name == ".." || name != storageFilename {
		return domain.Attachment{}, nil, ErrAttachmentNotFound
	}

	record, err := s.Store.Attachments().GetAttachmentByStorageFilename(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Attachment{}, nil, ErrAttachmentNotFound
		}
		return domain.Attachment{}, nil, err
	}

	f, err := os.Open(filepath.Join(s.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Attachment{}, nil, ErrAttachmentNotFound
		}
		return domain.Attachment{}, nil, err
	}
	return record, f, nil
}
