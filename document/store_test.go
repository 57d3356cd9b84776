package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, texts ...string) *Store {
	t.Helper()
	doc := Document{ID: "doc-1", Title: "Notes", Version: 3}
	for i, text := range texts {
		doc.Blocks = append(doc.Blocks, Block{
			ID:         string(rune('a' + i)),
			DocumentID: "doc-1",
			Data:       text,
			Kind:       KindText,
			Position:   i * 10,
		})
	}
	s := NewStore()
	s.Load(doc)
	return s
}

func TestStore_LoadCopiesDocument(t *testing.T) {
	doc := Document{ID: "doc-1", Blocks: []Block{{ID: "a", Data: "x"}}}
	s := NewStore()
	s.Load(doc)
	doc.Blocks[0].Data = "changed"

	b, ok := s.Block("a")
	require.True(t, ok)
	assert.Equal(t, "x", b.Data)
}

func TestStore_InsertAtKeepsCallerOrder(t *testing.T) {
	s := newTestStore(t, "one", "three")

	// A high Position must not move the block: slice order is what counts.
	require.NoError(t, s.InsertAt(1, Block{ID: "z", Data: "two", Position: 99}))

	assert.Equal(t, []string{"one", "two", "three"}, s.Snapshot().Texts())
	i, ok := s.IndexOf("z")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
}

func TestStore_InsertAtRejectsDuplicatesAndBadIndex(t *testing.T) {
	s := newTestStore(t, "one")

	assert.ErrorIs(t, s.InsertAt(0, Block{ID: "a"}), ErrDuplicateBlock)
	assert.ErrorIs(t, s.InsertAt(5, Block{ID: "q"}), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.InsertAt(-1, Block{ID: "q"}), ErrIndexOutOfRange)
	assert.Equal(t, 1, s.Len())
}

func TestStore_RemoveByID(t *testing.T) {
	s := newTestStore(t, "one", "two", "three")

	b, i, err := s.RemoveByID("b")
	require.NoError(t, err)
	assert.Equal(t, "two", b.Data)
	assert.Equal(t, 1, i)
	assert.Equal(t, []string{"one", "three"}, s.Snapshot().Texts())

	_, _, err = s.RemoveByID("b")
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestStore_SpliceReplacesRange(t *testing.T) {
	s := newTestStore(t, "one", "two", "three")

	removed, err := s.Splice(1, 2, Block{ID: "x", Data: "merged"})
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Equal(t, []string{"one", "merged"}, s.Snapshot().Texts())

	// Reinserting a block that is being removed in the same splice is fine.
	_, err = s.Splice(1, 1, Block{ID: "x", Data: "again"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "again"}, s.Snapshot().Texts())
}

func TestStore_VersionsNeverDecrease(t *testing.T) {
	s := newTestStore(t, "one")

	assert.False(t, s.RaiseVersion(2))
	assert.Equal(t, 3, s.Version())
	assert.True(t, s.RaiseVersion(4))
	assert.Equal(t, 4, s.Version())

	changed, err := s.RaiseBlockVersion("a", 2)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.RaiseBlockVersion("a", 1)
	require.NoError(t, err)
	assert.False(t, changed)
	b, _ := s.Block("a")
	assert.Equal(t, 2, b.Version)
}

func TestStore_ReplaceID(t *testing.T) {
	s := newTestStore(t, "one", "two")

	require.NoError(t, s.ReplaceID("a", "server-1"))
	_, ok := s.Block("a")
	assert.False(t, ok)
	i, ok := s.IndexOf("server-1")
	assert.True(t, ok)
	assert.Equal(t, 0, i)

	assert.ErrorIs(t, s.ReplaceID("b", "server-1"), ErrDuplicateBlock)
	assert.ErrorIs(t, s.ReplaceID("nope", "server-2"), ErrBlockNotFound)
}

func TestStore_SnapshotIsIndependent(t *testing.T) {
	s := newTestStore(t, "one")
	snap := s.Snapshot()

	require.NoError(t, s.SetData("a", "changed"))
	s.SetTitle("Other")

	assert.Equal(t, "one", snap.Blocks[0].Data)
	assert.Equal(t, "Notes", snap.Title)
}
