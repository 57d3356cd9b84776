package main

import (
	"context"
	"fmt"

	"collabtext/notesync/document"
	"collabtext/notesync/session"
)

// Intent is one user action sent by the UI over the local socket.
type Intent struct {
	// ID is echoed in the reply so the UI can match it to its request.
	ID      string `json:"id,omitempty"`
	Action  string `json:"action" validate:"required,oneof=open split merge update_text append rename resync"`
	NoteID  string `json:"noteId,omitempty" validate:"required_if=Action open"`
	BlockID string `json:"blockId,omitempty" validate:"required_if=Action split,required_if=Action merge,required_if=Action update_text"`
	Offset  int    `json:"offset" validate:"min=0"`
	Text    string `json:"text"`
}

// Reply types.
const (
	ReplyResult   = "result"
	ReplyDocument = "document"
	ReplyError    = "error"
)

// Reply is what the agent sends back: the settled result of one intent, or
// the rendered document after any change.
type Reply struct {
	Type     string             `json:"type"`
	ID       string             `json:"id,omitempty"`
	Cursor   *session.Cursor    `json:"cursor,omitempty"`
	Document *document.Document `json:"document,omitempty"`
	ReadOnly bool               `json:"readOnly,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// apply runs in against s. Intents that do not move the caret return a nil
// cursor.
func apply(ctx context.Context, s *session.Session, in Intent) (*session.Cursor, error) {
	var (
		cur session.Cursor
		err error
	)
	switch in.Action {
	case "open":
		return nil, s.Open(ctx, in.NoteID)
	case "resync":
		return nil, s.Resync(ctx)
	case "rename":
		return nil, s.RenameDocument(ctx, in.Text)
	case "split":
		cur, err = s.SplitBlock(ctx, in.BlockID, in.Offset)
	case "merge":
		cur, err = s.MergeBackward(ctx, in.BlockID)
	case "update_text":
		cur, err = s.UpdateText(ctx, in.BlockID, in.Text)
	case "append":
		cur, err = s.AppendBlock(ctx, in.Text)
	default:
		return nil, fmt.Errorf("unknown action %q", in.Action)
	}
	if err != nil {
		return nil, err
	}
	return &cur, nil
}
