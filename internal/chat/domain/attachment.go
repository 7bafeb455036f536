package domain

import "time"

// Attachment is a binary artifact produced alongside a message. The payload
// lives on disk under StorageFilename; the database keeps only the record.
type Attachment struct {
	ID              string
	MessageID       string
	Filename        string
	StorageFilename string // opaque on-disk name, also the download path segment
	ContentType     string
	SizeBytes       int64
	CreatedAt       time.Time
}
