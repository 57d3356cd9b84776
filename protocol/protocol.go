// Package protocol defines the JSON messages exchanged between clients and
// the note authority, over HTTP for commands and over WebSocket for pushes.
package protocol

import (
	"fmt"
	"net/url"
)

// Push event types.
const (
	EventAddContent    = "add_content"
	EventUpdateContent = "update_content"
	EventDeleteContent = "delete_content"
	EventUpdateNote    = "update_note"
	EventDeleteNote    = "delete_note"
)

// Event is the envelope of every push message. Which fields are meaningful
// depends on Type.
type Event struct {
	Type           string `json:"type"`
	NoteID         string `json:"note_id"`
	NoteVersion    int    `json:"note_version"`
	ContentID      string `json:"content_id,omitempty"`
	Data           string `json:"data,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	ContentVersion int    `json:"content_version"`
	Index          int    `json:"index"`
}

// CreateNoteRequest creates a new note.
type CreateNoteRequest struct {
	ID    string `json:"id,omitempty" validate:"omitempty,max=64"`
	Title string `json:"title" validate:"max=256"`
}

type CreateNoteResponse struct {
	ID string `json:"id"`
}

// UpdateNoteRequest renames a note.
type UpdateNoteRequest struct {
	Title       string `json:"title" validate:"max=256"`
	NoteVersion *int   `json:"note_version" validate:"required,min=0"`
}

type DeleteNoteRequest struct {
	NoteVersion *int `json:"note_version"`
}

// AddContentRequest adds a block at Index.
type AddContentRequest struct {
	Type        string `json:"type" validate:"omitempty,oneof=text image"`
	Data        string `json:"data"`
	Index       *int   `json:"index" validate:"omitempty,min=0"`
	NoteVersion *int   `json:"note_version" validate:"required,min=0"`
}

type AddContentResponse struct {
	ID          string `json:"id"`
	NoteVersion int    `json:"note_version"`
}

// UpdateContentRequest replaces the text of a block.
type UpdateContentRequest struct {
	Data           string `json:"data"`
	ContentVersion *int   `json:"content_version" validate:"required,min=0"`
}

type UpdateContentResponse struct {
	ContentVersion int `json:"content_version"`
}

// DeleteContentRequest removes a block.
type DeleteContentRequest struct {
	ContentVersion *int `json:"content_version" validate:"required,min=0"`
	NoteVersion    *int `json:"note_version" validate:"required,min=0"`
}

type NoteVersionResponse struct {
	NoteVersion int `json:"note_version"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Path helpers shared by the client and the authority router. Ids are
// escaped as single path segments.

func NotePath(noteID string) string {
	return fmt.Sprintf("/notes/%s", url.PathEscape(noteID))
}

func ContentsPath(noteID string) string {
	return fmt.Sprintf("/notes/%s/contents", url.PathEscape(noteID))
}

func ContentPath(noteID, contentID string) string {
	return fmt.Sprintf("/notes/%s/contents/%s", url.PathEscape(noteID), url.PathEscape(contentID))
}

func SocketPath(noteID string) string {
	return fmt.Sprintf("/ws/notes/%s", url.PathEscape(noteID))
}

// IntPtr returns a pointer to v, for the optional version fields above.
func IntPtr(v int) *int {
	return &v
}
