package reconcile

import (
	"fmt"

	"collabtext/notesync/document"
	"collabtext/notesync/push"
)

// ApplyRemote admits ev if it is newer than what the store already knows and
// applies it. It reports whether the store changed.
//
// BlockUpdated is compared against the block's own version, since text edits
// do not move the document version. Every other event is compared against
// the document version. Older or equal versions are stale or duplicates.
func (e *Engine) ApplyRemote(ev push.RemoteEvent) bool {
	switch ev := ev.(type) {
	case push.BlockUpdated:
		return e.applyBlockUpdated(ev)
	case push.BlockAdded:
		if !e.admit("block_added", ev.DocumentVersion) {
			return false
		}
		e.applyBlockAdded(ev)
	case push.BlockDeleted:
		if !e.admit("block_deleted", ev.DocumentVersion) {
			return false
		}
		if _, _, err := e.store.RemoveByID(ev.BlockID); err != nil {
			e.logger.Debug("remote delete of unknown block", "block_id", ev.BlockID)
		}
		for _, p := range e.pending {
			if t := p.find(ev.BlockID); t != nil {
				t.gone = true
			}
		}
		e.store.RaiseVersion(ev.DocumentVersion)
	case push.DocumentRenamed:
		if !e.admit("document_renamed", ev.DocumentVersion) {
			return false
		}
		if ev.Title != e.store.Title() {
			e.store.SetTitle(ev.Title)
		}
		for _, p := range e.pending {
			if p.trackTitle {
				p.titleSuperseded = true
			}
		}
		e.store.RaiseVersion(ev.DocumentVersion)
	case push.DocumentDeleted:
		if !e.admit("document_deleted", ev.DocumentVersion) {
			return false
		}
		e.store.RaiseVersion(ev.DocumentVersion)
		e.deleted = true
		e.logger.Warn("document deleted remotely", "doc_id", e.store.ID())
	case push.Reconnected:
		e.MarkStale("push stream reconnected, events may be missing")
		return false
	default:
		e.logger.Warn("ignoring unrecognized remote event", "type", fmt.Sprintf("%T", ev), "err", push.ErrMalformedEvent)
		return false
	}
	return true
}

func (e *Engine) admit(kind string, docVersion int) bool {
	if docVersion > e.store.Version() {
		return true
	}
	e.logger.Debug("discarding stale remote event", "kind", kind, "event_version", docVersion, "doc_version", e.store.Version())
	return false
}

func (e *Engine) applyBlockUpdated(ev push.BlockUpdated) bool {
	cur, ok := e.store.Block(ev.BlockID)
	if !ok {
		e.logger.Debug("remote update of unknown block", "block_id", ev.BlockID)
		return false
	}
	if ev.BlockVersion <= cur.Version {
		e.logger.Debug("discarding stale remote update", "block_id", ev.BlockID, "event_version", ev.BlockVersion, "block_version", cur.Version)
		return false
	}
	_ = e.store.SetData(ev.BlockID, ev.Data)
	_, _ = e.store.RaiseBlockVersion(ev.BlockID, ev.BlockVersion)
	// Even the echo of our own pending edit supersedes the snapshot: the
	// authority holds this text at this version, so a rollback must keep it.
	for _, p := range e.pending {
		if t := p.find(ev.BlockID); t != nil {
			t.superseded = true
		}
	}
	return true
}

func (e *Engine) applyBlockAdded(ev push.BlockAdded) {
	kind := ev.Kind
	if kind == "" {
		kind = document.KindText
	}
	b := document.Block{
		ID:         ev.BlockID,
		DocumentID: e.store.ID(),
		Data:       ev.Data,
		Kind:       kind,
		Version:    ev.BlockVersion,
		Position:   ev.Position,
	}
	if _, ok := e.store.IndexOf(ev.BlockID); ok {
		// Already known, e.g. our own add settled before its echo.
		if cur, _ := e.store.Block(ev.BlockID); ev.BlockVersion > cur.Version {
			_ = e.store.SetData(ev.BlockID, ev.Data)
			_, _ = e.store.RaiseBlockVersion(ev.BlockID, ev.BlockVersion)
		}
	} else {
		at := ev.Position
		if at < 0 {
			at = 0
		}
		if at > e.store.Len() {
			at = e.store.Len()
		}
		_ = e.store.InsertAt(at, b)
	}
	e.store.RaiseVersion(ev.DocumentVersion)
}
