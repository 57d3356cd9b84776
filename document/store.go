package document

import (
	"errors"
	"fmt"
)

var (
	// ErrBlockNotFound is returned when no block carries the requested id.
	ErrBlockNotFound = errors.New("block not found")
	// ErrDuplicateBlock is returned when inserting a block whose id is already present.
	ErrDuplicateBlock = errors.New("duplicate block id")
	// ErrIndexOutOfRange is returned for splice positions outside the sequence.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// Store holds the block sequence of one open document. The slice order is the
// visual order; the store never sorts by Position.
//
// A Store is not safe for concurrent use. It is owned by a single session.
type Store struct {
	doc Document
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Load replaces the whole content of the store with a copy of doc.
func (s *Store) Load(doc Document) {
	s.doc = doc.Clone()
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() Document {
	return s.doc.Clone()
}

func (s *Store) ID() string    { return s.doc.ID }
func (s *Store) Title() string { return s.doc.Title }
func (s *Store) Version() int  { return s.doc.Version }
func (s *Store) Len() int      { return len(s.doc.Blocks) }

// At returns the block at index i.
func (s *Store) At(i int) (Block, bool) {
	if i < 0 || i >= len(s.doc.Blocks) {
		return Block{}, false
	}
	return s.doc.Blocks[i], true
}

// Block returns the block with the given id.
func (s *Store) Block(id string) (Block, bool) {
	i, ok := s.IndexOf(id)
	if !ok {
		return Block{}, false
	}
	return s.doc.Blocks[i], true
}

// IndexOf returns the index of the block with the given id.
func (s *Store) IndexOf(id string) (int, bool) {
	for i, b := range s.doc.Blocks {
		if b.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Splice removes deleteCount blocks starting at index and inserts blocks in
// their place. It returns the removed blocks.
func (s *Store) Splice(index, deleteCount int, blocks ...Block) ([]Block, error) {
	n := len(s.doc.Blocks)
	if index < 0 || index > n || deleteCount < 0 || index+deleteCount > n {
		return nil, fmt.Errorf("splice at %d/%d of %d: %w", index, deleteCount, n, ErrIndexOutOfRange)
	}
	for _, b := range blocks {
		if j, ok := s.IndexOf(b.ID); ok && (j < index || j >= index+deleteCount) {
			return nil, fmt.Errorf("block %s: %w", b.ID, ErrDuplicateBlock)
		}
	}
	removed := append([]Block(nil), s.doc.Blocks[index:index+deleteCount]...)
	tail := append([]Block(nil), s.doc.Blocks[index+deleteCount:]...)
	s.doc.Blocks = append(append(s.doc.Blocks[:index], blocks...), tail...)
	return removed, nil
}

// InsertAt inserts b so that it ends up at index.
func (s *Store) InsertAt(index int, b Block) error {
	_, err := s.Splice(index, 0, b)
	return err
}

// RemoveByID removes the block with the given id and returns it with the
// index it occupied.
func (s *Store) RemoveByID(id string) (Block, int, error) {
	i, ok := s.IndexOf(id)
	if !ok {
		return Block{}, -1, fmt.Errorf("remove %s: %w", id, ErrBlockNotFound)
	}
	removed, err := s.Splice(i, 1)
	if err != nil {
		return Block{}, -1, err
	}
	return removed[0], i, nil
}

// Put overwrites the stored block that has b.ID, keeping its place.
func (s *Store) Put(b Block) error {
	i, ok := s.IndexOf(b.ID)
	if !ok {
		return fmt.Errorf("put %s: %w", b.ID, ErrBlockNotFound)
	}
	s.doc.Blocks[i] = b
	return nil
}

// SetData overwrites the text of a block.
func (s *Store) SetData(id, data string) error {
	i, ok := s.IndexOf(id)
	if !ok {
		return fmt.Errorf("set data %s: %w", id, ErrBlockNotFound)
	}
	s.doc.Blocks[i].Data = data
	return nil
}

// RaiseBlockVersion sets the block version to v if v is greater than the
// current one. It reports whether the version changed.
func (s *Store) RaiseBlockVersion(id string, v int) (bool, error) {
	i, ok := s.IndexOf(id)
	if !ok {
		return false, fmt.Errorf("set version %s: %w", id, ErrBlockNotFound)
	}
	if v <= s.doc.Blocks[i].Version {
		return false, nil
	}
	s.doc.Blocks[i].Version = v
	return true, nil
}

// RaiseVersion sets the document version to v if v is greater than the
// current one.
func (s *Store) RaiseVersion(v int) bool {
	if v <= s.doc.Version {
		return false
	}
	s.doc.Version = v
	return true
}

func (s *Store) SetTitle(title string) {
	s.doc.Title = title
}

// ReplaceID renames a block, used when the authority assigns the permanent
// id of a block created under a temporary one.
func (s *Store) ReplaceID(oldID, newID string) error {
	if _, ok := s.IndexOf(newID); ok {
		return fmt.Errorf("replace %s with %s: %w", oldID, newID, ErrDuplicateBlock)
	}
	i, ok := s.IndexOf(oldID)
	if !ok {
		return fmt.Errorf("replace %s: %w", oldID, ErrBlockNotFound)
	}
	s.doc.Blocks[i].ID = newID
	return nil
}
