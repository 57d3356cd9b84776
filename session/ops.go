package session

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"collabtext/notesync/command"
	"collabtext/notesync/document"
	"collabtext/notesync/reconcile"
)

// acquire waits until the keys returned by plan are free, then opens a
// pending operation holding them. plan runs with s.mu held and is re-run
// after every wait, since the document may have moved meanwhile. On success
// s.mu is held on return.
func (s *Session) acquire(ctx context.Context, plan func() ([]string, error)) (*reconcile.Pending, error) {
	s.mu.Lock()
	for {
		if !s.open {
			s.mu.Unlock()
			return nil, ErrNoDocument
		}
		if s.engine.Deleted() {
			s.mu.Unlock()
			return nil, ErrDocumentDeleted
		}
		keys, err := plan()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		wait := s.engine.Busy(keys...)
		if wait == nil {
			return s.engine.Begin(keys...), nil
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
}

// call releases s.mu for the duration of one command round trip.
func (s *Session) call(fn func() command.Outcome) command.Outcome {
	snap := s.store.Snapshot()
	s.mu.Unlock()
	s.notify(snap)
	o := fn()
	s.mu.Lock()
	return o
}

// finish closes p, releases s.mu and publishes the settled document.
func (s *Session) finish(p *reconcile.Pending, err error) {
	s.engine.Finish(p)
	snap := s.store.Snapshot()
	stale := s.engine.NeedsResync()
	s.mu.Unlock()
	s.notify(snap)
	if stale && s.autoResync && errors.Is(err, command.ErrConflict) {
		go s.resyncInBackground()
	}
}

// compensate puts data back on the authority after a multi-command intent
// failed half way. The local rollback already restored data.
func (s *Session) compensate(ctx context.Context, p *reconcile.Pending, blockID, data string) {
	b, ok := s.store.Block(blockID)
	if !ok {
		s.engine.MarkStale("compensation target vanished")
		return
	}
	docID := s.docID
	o := s.call(func() command.Outcome {
		return s.commands.UpdateBlock(ctx, docID, blockID, data, b.Version)
	})
	if err := s.engine.SettleUpdate(p, blockID, data, o); err != nil && !errors.Is(err, reconcile.ErrDiscarded) {
		s.engine.MarkStale("compensation failed")
	}
}

func (s *Session) invariant(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvariantViolation)
}

func (s *Session) lookup(blockID string) (string, int, document.Block, error) {
	id := s.engine.Resolve(blockID)
	i, ok := s.store.IndexOf(id)
	if !ok {
		return "", -1, document.Block{}, s.invariant("unknown block %s", blockID)
	}
	b, _ := s.store.At(i)
	return id, i, b, nil
}

// UpdateText replaces the text of a block. Unchanged text is a no-op.
func (s *Session) UpdateText(ctx context.Context, blockID, text string) (Cursor, error) {
	var (
		id   string
		orig document.Block
	)
	p, err := s.acquire(ctx, func() ([]string, error) {
		var err error
		id, _, orig, err = s.lookup(blockID)
		if err != nil {
			return nil, err
		}
		return []string{reconcile.BlockKey(id)}, nil
	})
	if err != nil {
		return Cursor{}, err
	}
	cursor := Cursor{TargetBlockID: id, CharacterOffset: utf8.RuneCountInString(text)}
	if orig.Data == text {
		s.finish(p, nil)
		return cursor, nil
	}

	_ = s.engine.Track(p, id)
	_ = s.store.SetData(id, text)
	docID := s.docID
	o := s.call(func() command.Outcome {
		return s.commands.UpdateBlock(ctx, docID, id, text, orig.Version)
	})
	err = s.engine.SettleUpdate(p, id, text, o)
	s.finish(p, err)
	if err != nil {
		return Cursor{TargetBlockID: id, CharacterOffset: utf8.RuneCountInString(orig.Data)}, err
	}
	return cursor, nil
}

// SplitBlock cuts a block at offset: the block keeps the text before it and
// a new block right after it receives the rest. The cursor points at the
// start of the new block.
func (s *Session) SplitBlock(ctx context.Context, blockID string, offset int) (Cursor, error) {
	var (
		id            string
		index         int
		orig          document.Block
		before, after string
	)
	// The new block's key is held from the start, so edits to it queue
	// until the authority has assigned its id.
	tempID := "local-" + uuid.NewString()
	p, err := s.acquire(ctx, func() ([]string, error) {
		var err error
		id, index, orig, err = s.lookup(blockID)
		if err != nil {
			return nil, err
		}
		if before, after, _, err = SplitText(orig.Data, offset); err != nil {
			return nil, err
		}
		return []string{reconcile.BlockKey(id), reconcile.BlockKey(tempID), reconcile.DocKey}, nil
	})
	if err != nil {
		return Cursor{}, err
	}

	_ = s.engine.Track(p, id)
	_ = s.store.SetData(id, before)
	fresh := document.Block{
		ID:         tempID,
		DocumentID: s.docID,
		Data:       after,
		Kind:       orig.Kind,
		Position:   orig.Position + 1,
	}
	_ = s.store.InsertAt(index+1, fresh)
	s.engine.TrackCreated(p, tempID)
	docID := s.docID

	if orig.Data != before {
		o := s.call(func() command.Outcome {
			return s.commands.UpdateBlock(ctx, docID, id, before, orig.Version)
		})
		if err := s.engine.SettleUpdate(p, id, before, o); err != nil {
			s.finish(p, err)
			return Cursor{TargetBlockID: id, CharacterOffset: offset}, err
		}
	}

	docVersion := s.store.Version()
	o := s.call(func() command.Outcome {
		return s.commands.AddBlock(ctx, docID, after, fresh.Kind, fresh.Position, docVersion)
	})
	newID, err := s.engine.SettleAdd(p, tempID, o)
	if err != nil {
		if orig.Data != before && !errors.Is(err, reconcile.ErrDiscarded) {
			s.compensate(ctx, p, id, orig.Data)
		}
		s.finish(p, err)
		return Cursor{TargetBlockID: id, CharacterOffset: offset}, err
	}
	s.finish(p, nil)
	return Cursor{TargetBlockID: newID, CharacterOffset: 0}, nil
}

// MergeBackward appends a block's text to the previous block and removes
// it. The cursor points at the seam inside the previous block.
func (s *Session) MergeBackward(ctx context.Context, blockID string) (Cursor, error) {
	var prev, cur document.Block
	p, err := s.acquire(ctx, func() ([]string, error) {
		id, index, b, err := s.lookup(blockID)
		if err != nil {
			return nil, err
		}
		if index == 0 {
			return nil, s.invariant("cannot merge first block %s", id)
		}
		cur = b
		prev, _ = s.store.At(index - 1)
		return []string{reconcile.BlockKey(prev.ID), reconcile.BlockKey(cur.ID), reconcile.DocKey}, nil
	})
	if err != nil {
		return Cursor{}, err
	}

	merged, caret := MergeText(prev.Data, cur.Data)
	_ = s.engine.Track(p, prev.ID)
	_ = s.engine.Track(p, cur.ID)
	_ = s.store.SetData(prev.ID, merged)
	_, _, _ = s.store.RemoveByID(cur.ID)
	docID := s.docID

	if merged != prev.Data {
		o := s.call(func() command.Outcome {
			return s.commands.UpdateBlock(ctx, docID, prev.ID, merged, prev.Version)
		})
		if err := s.engine.SettleUpdate(p, prev.ID, merged, o); err != nil {
			s.finish(p, err)
			return Cursor{TargetBlockID: cur.ID, CharacterOffset: 0}, err
		}
	}

	docVersion := s.store.Version()
	o := s.call(func() command.Outcome {
		return s.commands.DeleteBlock(ctx, docID, cur.ID, docVersion, cur.Version)
	})
	if err := s.engine.SettleDelete(p, cur.ID, o); err != nil {
		if merged != prev.Data && !errors.Is(err, reconcile.ErrDiscarded) {
			s.compensate(ctx, p, prev.ID, prev.Data)
		}
		s.finish(p, err)
		return Cursor{TargetBlockID: cur.ID, CharacterOffset: 0}, err
	}
	s.finish(p, nil)
	return Cursor{TargetBlockID: prev.ID, CharacterOffset: caret}, nil
}

// AppendBlock adds a block holding data at the end of the document.
func (s *Session) AppendBlock(ctx context.Context, data string) (Cursor, error) {
	tempID := "local-" + uuid.NewString()
	p, err := s.acquire(ctx, func() ([]string, error) {
		return []string{reconcile.BlockKey(tempID), reconcile.DocKey}, nil
	})
	if err != nil {
		return Cursor{}, err
	}

	position := 0
	if last, ok := s.store.At(s.store.Len() - 1); ok {
		position = last.Position + 1
	}
	fresh := document.Block{
		ID:         tempID,
		DocumentID: s.docID,
		Data:       data,
		Kind:       document.KindText,
		Position:   position,
	}
	_ = s.store.InsertAt(s.store.Len(), fresh)
	s.engine.TrackCreated(p, tempID)
	docID, docVersion := s.docID, s.store.Version()

	o := s.call(func() command.Outcome {
		return s.commands.AddBlock(ctx, docID, data, fresh.Kind, position, docVersion)
	})
	newID, err := s.engine.SettleAdd(p, tempID, o)
	s.finish(p, err)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{TargetBlockID: newID, CharacterOffset: utf8.RuneCountInString(data)}, nil
}

// RenameDocument changes the title. An unchanged title is a no-op.
func (s *Session) RenameDocument(ctx context.Context, title string) error {
	var unchanged bool
	p, err := s.acquire(ctx, func() ([]string, error) {
		unchanged = s.store.Title() == title
		return []string{reconcile.DocKey}, nil
	})
	if err != nil {
		return err
	}
	if unchanged {
		s.finish(p, nil)
		return nil
	}

	s.engine.TrackTitle(p)
	s.store.SetTitle(title)
	docID, docVersion := s.docID, s.store.Version()
	o := s.call(func() command.Outcome {
		return s.commands.RenameDocument(ctx, docID, title, docVersion)
	})
	err = s.engine.SettleRename(p, title, o)
	s.finish(p, err)
	return err
}
