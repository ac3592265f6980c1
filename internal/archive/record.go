// Package archive tracks registered export files: where they are,
// what they looked like at the last sync, and how far processing
// has progressed through each.
package archive

import (
	"time"

	"github.com/cogrepo/cogrepo/internal/parser"
	"github.com/cogrepo/cogrepo/internal/timeutil"
)

// Cursor records how far processing has progressed through one
// archive. The zero value is the cursor of a never-synced archive.
type Cursor struct {
	LastExternalID    string    `json:"last_external_id,omitempty"`
	LastTimestamp     time.Time `json:"last_timestamp,omitzero"`
	ByteOffset        int64     `json:"byte_offset"`
	ConversationCount int       `json:"conversation_count"`
}

// IsZero reports whether the cursor has never been advanced.
func (c Cursor) IsZero() bool {
	return c == Cursor{}
}

// Advance folds the progress of a later scan into c. The
// timestamp never moves backwards and counts accumulate.
func (c Cursor) Advance(next Cursor) Cursor {
	if next.ConversationCount == 0 {
		if next.ByteOffset > c.ByteOffset {
			c.ByteOffset = next.ByteOffset
		}
		return c
	}
	return Cursor{
		LastExternalID:    next.LastExternalID,
		LastTimestamp:     timeutil.Max(c.LastTimestamp, next.LastTimestamp),
		ByteOffset:        max(c.ByteOffset, next.ByteOffset),
		ConversationCount: c.ConversationCount + next.ConversationCount,
	}
}

// Record is the registry's metadata for one export file.
type Record struct {
	ID                     string        `json:"id"`
	Name                   string        `json:"name"`
	Source                 parser.Source `json:"source"`
	FilePath               string        `json:"file_path"`
	FileHash               string        `json:"file_hash,omitempty"`
	FileSize               int64         `json:"file_size"`
	LastModified           time.Time     `json:"last_modified,omitzero"`
	TotalConversations     int           `json:"total_conversations"`
	ProcessedConversations int           `json:"processed_conversations"`
	PendingConversations   int           `json:"pending_conversations"`
	RegisteredAt           time.Time     `json:"registered_at"`
	LastSyncAt             time.Time     `json:"last_sync_at,omitzero"`
	Cursor                 Cursor        `json:"cursor"`
	AutoSync               bool          `json:"auto_sync"`
	Enabled                bool          `json:"enabled"`
}

// FileState is what the registry remembers about an archive file
// after a sync.
type FileState struct {
	Size    int64
	Hash    string
	ModTime time.Time
}

// SyncUpdate carries the outcome of one sync batch into the
// registry.
type SyncUpdate struct {
	File      FileState
	Cursor    Cursor
	Total     int
	Processed int
	Pending   int
	SyncedAt  time.Time
}
