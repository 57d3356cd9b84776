// Package authority is a reference note authority: it owns the canonical
// notes, gates every write on the caller's version token and publishes each
// accepted write to the note's subscribers.
package authority

import (
	"context"
	"errors"

	"collabtext/notesync/document"
)

var (
	ErrNoteNotFound  = errors.New("note not found")
	ErrBlockNotFound = errors.New("content not found")
	ErrNoteExists    = errors.New("note already exists")
	// ErrVersionConflict means the caller's version token is not the current one.
	ErrVersionConflict = errors.New("version conflict")
)

// Store persists notes. Every write is applied only when the expected
// version matches and bumps it by one: the note version for title changes
// and block insertions or removals, the block version for text changes.
type Store interface {
	CreateNote(ctx context.Context, id, title string) (document.Document, error)
	GetNote(ctx context.Context, id string) (document.Document, error)
	// RenameNote returns the new note version.
	RenameNote(ctx context.Context, id, title string, expected int) (int, error)
	// DeleteNote removes the note and its blocks. A nil expected skips the
	// version check.
	DeleteNote(ctx context.Context, id string, expected *int) (int, error)
	// AddBlock inserts b at index, clamped to the block count, and returns
	// it with its final position together with the new note version.
	AddBlock(ctx context.Context, noteID string, b document.Block, index, expected int) (document.Block, int, error)
	// UpdateBlock returns the new block version.
	UpdateBlock(ctx context.Context, noteID, blockID, data string, expected int) (int, error)
	// DeleteBlock returns the new note version.
	DeleteBlock(ctx context.Context, noteID, blockID string, expectedNote, expectedBlock int) (int, error)
}
