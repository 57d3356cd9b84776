// Package command issues version-gated mutations to the note authority.
//
// Every mutation reports one of three outcomes: Accepted with the new version,
// Conflict when the authority holds a different version than the caller
// believed, or TransportFailure when the command never got a definite answer.
// Nothing in this package retries.
package command

import (
	"context"
	"errors"
	"fmt"

	"collabtext/notesync/document"
)

var (
	// ErrConflict means the caller's version token was stale. The whole
	// document has to be fetched again.
	ErrConflict = errors.New("version conflict")
	// ErrTransport means the authority could not be reached or answered
	// unexpectedly. The optimistic change can be reverted and retried.
	ErrTransport = errors.New("transport failure")
	// ErrNotFound is returned by FetchDocument for unknown documents.
	ErrNotFound = errors.New("document not found")
)

// Status is the kind of outcome of a command.
type Status int

const (
	Accepted Status = iota
	Conflict
	TransportFailure
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Conflict:
		return "conflict"
	case TransportFailure:
		return "transport_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the settled result of one command.
type Outcome struct {
	Status Status
	// NewVersion is the document version for rename/add/delete and the block
	// version for update.
	NewVersion int
	// CreatedID is set by AddBlock.
	CreatedID string
	// Cause carries the underlying error of a TransportFailure.
	Cause error
}

func Accept(newVersion int) Outcome {
	return Outcome{Status: Accepted, NewVersion: newVersion}
}

func Reject() Outcome {
	return Outcome{Status: Conflict}
}

func Fail(cause error) Outcome {
	return Outcome{Status: TransportFailure, Cause: cause}
}

func (o Outcome) Accepted() bool { return o.Status == Accepted }

// Err maps the outcome onto the package sentinels; it is nil when accepted.
func (o Outcome) Err() error {
	switch o.Status {
	case Accepted:
		return nil
	case Conflict:
		return ErrConflict
	default:
		if o.Cause != nil {
			return fmt.Errorf("%w: %v", ErrTransport, o.Cause)
		}
		return ErrTransport
	}
}

// Client is the command side of the authority.
type Client interface {
	// FetchDocument returns the authority's current snapshot of a document.
	FetchDocument(ctx context.Context, docID string) (document.Document, error)
	RenameDocument(ctx context.Context, docID, title string, expectedDocVersion int) Outcome
	// AddBlock creates a block; the outcome carries the new block id and
	// the new document version.
	AddBlock(ctx context.Context, docID, data, kind string, position, expectedDocVersion int) Outcome
	// UpdateBlock replaces a block's text; the outcome carries the new
	// block version.
	UpdateBlock(ctx context.Context, docID, blockID, data string, expectedBlockVersion int) Outcome
	// DeleteBlock removes a block; the outcome carries the new document
	// version.
	DeleteBlock(ctx context.Context, docID, blockID string, expectedDocVersion, expectedBlockVersion int) Outcome
}
