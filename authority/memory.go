package authority

import (
	"context"
	"sync"

	"collabtext/notesync/document"
)

// MemoryStore keeps notes in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	notes map[string]*document.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notes: make(map[string]*document.Document)}
}

func (m *MemoryStore) CreateNote(_ context.Context, id, title string) (document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[id]; ok {
		return document.Document{}, ErrNoteExists
	}
	n := &document.Document{ID: id, Title: title}
	m.notes[id] = n
	return n.Clone(), nil
}

func (m *MemoryStore) GetNote(_ context.Context, id string) (document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[id]
	if !ok {
		return document.Document{}, ErrNoteNotFound
	}
	return n.Clone(), nil
}

func (m *MemoryStore) RenameNote(_ context.Context, id, title string, expected int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.note(id, &expected)
	if err != nil {
		return 0, err
	}
	n.Title = title
	n.Version++
	return n.Version, nil
}

func (m *MemoryStore) DeleteNote(_ context.Context, id string, expected *int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.note(id, expected)
	if err != nil {
		return 0, err
	}
	delete(m.notes, id)
	return n.Version + 1, nil
}

func (m *MemoryStore) AddBlock(_ context.Context, noteID string, b document.Block, index, expected int) (document.Block, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.note(noteID, &expected)
	if err != nil {
		return document.Block{}, 0, err
	}
	for _, existing := range n.Blocks {
		if existing.ID == b.ID {
			return document.Block{}, 0, ErrVersionConflict
		}
	}
	index = min(max(index, 0), len(n.Blocks))
	b.DocumentID = noteID
	b.Version = 0
	n.Blocks = append(n.Blocks[:index], append([]document.Block{b}, n.Blocks[index:]...)...)
	renumber(n.Blocks)
	n.Version++
	return n.Blocks[index], n.Version, nil
}

func (m *MemoryStore) UpdateBlock(_ context.Context, noteID, blockID, data string, expected int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.note(noteID, nil)
	if err != nil {
		return 0, err
	}
	i := blockIndex(n, blockID)
	if i < 0 {
		return 0, ErrBlockNotFound
	}
	if n.Blocks[i].Version != expected {
		return 0, ErrVersionConflict
	}
	n.Blocks[i].Data = data
	n.Blocks[i].Version++
	return n.Blocks[i].Version, nil
}

func (m *MemoryStore) DeleteBlock(_ context.Context, noteID, blockID string, expectedNote, expectedBlock int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.note(noteID, nil)
	if err != nil {
		return 0, err
	}
	i := blockIndex(n, blockID)
	if i < 0 {
		return 0, ErrBlockNotFound
	}
	if n.Version != expectedNote || n.Blocks[i].Version != expectedBlock {
		return 0, ErrVersionConflict
	}
	n.Blocks = append(n.Blocks[:i], n.Blocks[i+1:]...)
	renumber(n.Blocks)
	n.Version++
	return n.Version, nil
}

func (m *MemoryStore) note(id string, expected *int) (*document.Document, error) {
	n, ok := m.notes[id]
	if !ok {
		return nil, ErrNoteNotFound
	}
	if expected != nil && n.Version != *expected {
		return nil, ErrVersionConflict
	}
	return n, nil
}

func blockIndex(n *document.Document, id string) int {
	for i := range n.Blocks {
		if n.Blocks[i].ID == id {
			return i
		}
	}
	return -1
}

// renumber keeps positions dense, matching the stored order.
func renumber(blocks []document.Block) {
	for i := range blocks {
		blocks[i].Position = i
	}
}
