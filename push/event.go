// Package push delivers the authority's change notifications for one open
// document.
package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabtext/notesync/protocol"
)

// ErrMalformedEvent is returned for push messages that cannot be decoded or
// carry an unknown type. Such messages are dropped, never fatal.
var ErrMalformedEvent = errors.New("malformed push event")

// RemoteEvent is a change made by another client, as reported by the
// authority. It is one of BlockAdded, BlockUpdated, BlockDeleted,
// DocumentRenamed, DocumentDeleted or Reconnected.
type RemoteEvent interface {
	remoteEvent()
}

type BlockAdded struct {
	BlockID         string
	Position        int
	Data            string
	Kind            string
	BlockVersion    int
	DocumentVersion int
}

type BlockUpdated struct {
	BlockID      string
	Data         string
	BlockVersion int
}

type BlockDeleted struct {
	BlockID         string
	DocumentVersion int
}

type DocumentRenamed struct {
	Title           string
	DocumentVersion int
}

// DocumentDeleted reports that the open document no longer exists.
type DocumentDeleted struct {
	DocumentVersion int
}

// Reconnected is emitted locally after the connection was re-established.
// Events published while disconnected are lost.
type Reconnected struct{}

func (BlockAdded) remoteEvent()      {}
func (BlockUpdated) remoteEvent()    {}
func (BlockDeleted) remoteEvent()    {}
func (DocumentRenamed) remoteEvent() {}
func (DocumentDeleted) remoteEvent() {}
func (Reconnected) remoteEvent()     {}

// Decode parses one push message and returns the id of the note it is about.
func Decode(buf []byte) (string, RemoteEvent, error) {
	var e protocol.Event
	if err := json.Unmarshal(buf, &e); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev, err := FromWire(e)
	if err != nil {
		return "", nil, err
	}
	return e.NoteID, ev, nil
}

// FromWire converts a decoded envelope into its RemoteEvent.
func FromWire(e protocol.Event) (RemoteEvent, error) {
	needContent := func() error {
		if e.ContentID == "" {
			return fmt.Errorf("%w: %s without content_id", ErrMalformedEvent, e.Type)
		}
		return nil
	}
	switch e.Type {
	case protocol.EventAddContent:
		if err := needContent(); err != nil {
			return nil, err
		}
		return BlockAdded{
			BlockID:         e.ContentID,
			Position:        e.Index,
			Data:            e.Data,
			Kind:            e.ContentType,
			BlockVersion:    e.ContentVersion,
			DocumentVersion: e.NoteVersion,
		}, nil
	case protocol.EventUpdateContent:
		if err := needContent(); err != nil {
			return nil, err
		}
		return BlockUpdated{BlockID: e.ContentID, Data: e.Data, BlockVersion: e.ContentVersion}, nil
	case protocol.EventDeleteContent:
		if err := needContent(); err != nil {
			return nil, err
		}
		return BlockDeleted{BlockID: e.ContentID, DocumentVersion: e.NoteVersion}, nil
	case protocol.EventUpdateNote:
		return DocumentRenamed{Title: e.Data, DocumentVersion: e.NoteVersion}, nil
	case protocol.EventDeleteNote:
		return DocumentDeleted{DocumentVersion: e.NoteVersion}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
}

// ToWire builds the envelope the authority publishes for ev.
func ToWire(noteID string, ev RemoteEvent) (protocol.Event, error) {
	e := protocol.Event{NoteID: noteID}
	switch ev := ev.(type) {
	case BlockAdded:
		e.Type = protocol.EventAddContent
		e.ContentID = ev.BlockID
		e.Index = ev.Position
		e.Data = ev.Data
		e.ContentType = ev.Kind
		e.ContentVersion = ev.BlockVersion
		e.NoteVersion = ev.DocumentVersion
	case BlockUpdated:
		e.Type = protocol.EventUpdateContent
		e.ContentID = ev.BlockID
		e.Data = ev.Data
		e.ContentVersion = ev.BlockVersion
	case BlockDeleted:
		e.Type = protocol.EventDeleteContent
		e.ContentID = ev.BlockID
		e.NoteVersion = ev.DocumentVersion
	case DocumentRenamed:
		e.Type = protocol.EventUpdateNote
		e.Data = ev.Title
		e.NoteVersion = ev.DocumentVersion
	case DocumentDeleted:
		e.Type = protocol.EventDeleteNote
		e.NoteVersion = ev.DocumentVersion
	default:
		return protocol.Event{}, fmt.Errorf("%T cannot be published", ev)
	}
	return e, nil
}
