package authority

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/notesync/document"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store { return NewMemoryStore() })
}

// TestPostgresStore runs against NOTESYNC_TEST_DATABASE_URL when it is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("NOTESYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("NOTESYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))

	testStore(t, func(t *testing.T) Store { return s })
}

func textBlock(id, data string) document.Block {
	return document.Block{ID: id, Data: data, Kind: document.KindText}
}

func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	// Note ids are random so a shared database needs no cleanup between cases.
	newNote := func(t *testing.T, s Store) string {
		id := uuid.NewString()
		_, err := s.CreateNote(ctx, id, "Untitled")
		require.NoError(t, err)
		return id
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		id := newNote(t, s)

		doc, err := s.GetNote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Untitled", doc.Title)
		assert.Equal(t, 0, doc.Version)
		assert.Empty(t, doc.Blocks)

		_, err = s.CreateNote(ctx, id, "again")
		assert.ErrorIs(t, err, ErrNoteExists)
		_, err = s.GetNote(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNoteNotFound)
	})

	t.Run("rename is version gated", func(t *testing.T) {
		s := newStore(t)
		id := newNote(t, s)

		v, err := s.RenameNote(ctx, id, "First", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		_, err = s.RenameNote(ctx, id, "Stale", 0)
		assert.ErrorIs(t, err, ErrVersionConflict)

		doc, err := s.GetNote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "First", doc.Title)
		assert.Equal(t, 1, doc.Version)
	})

	t.Run("add clamps index and keeps order", func(t *testing.T) {
		s := newStore(t)
		id := newNote(t, s)

		a, v, err := s.AddBlock(ctx, id, textBlock(uuid.NewString(), "a"), 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.Equal(t, 0, a.Position)

		c, v, err := s.AddBlock(ctx, id, textBlock(uuid.NewString(), "c"), 99, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
		assert.Equal(t, 1, c.Position)

		_, v, err = s.AddBlock(ctx, id, textBlock(uuid.NewString(), "b"), 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, v)

		_, _, err = s.AddBlock(ctx, id, textBlock(uuid.NewString(), "late"), 0, 2)
		assert.ErrorIs(t, err, ErrVersionConflict)

		doc, err := s.GetNote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, doc.Texts())
		for i, b := range doc.Blocks {
			assert.Equal(t, i, b.Position)
			assert.Equal(t, id, b.DocumentID)
		}
	})

	t.Run("update bumps the block version only", func(t *testing.T) {
		s := newStore(t)
		id := newNote(t, s)
		b, _, err := s.AddBlock(ctx, id, textBlock(uuid.NewString(), "x"), 0, 0)
		require.NoError(t, err)

		v, err := s.UpdateBlock(ctx, id, b.ID, "y", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		_, err = s.UpdateBlock(ctx, id, b.ID, "z", 0)
		assert.ErrorIs(t, err, ErrVersionConflict)
		_, err = s.UpdateBlock(ctx, id, uuid.NewString(), "z", 0)
		assert.ErrorIs(t, err, ErrBlockNotFound)

		doc, err := s.GetNote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, doc.Version)
		assert.Equal(t, "y", doc.Blocks[0].Data)
		assert.Equal(t, 1, doc.Blocks[0].Version)
	})

	t.Run("delete checks both versions", func(t *testing.T) {
		s := newStore(t)
		id := newNote(t, s)
		a, _, err := s.AddBlock(ctx, id, textBlock(uuid.NewString(), "a"), 0, 0)
		require.NoError(t, err)
		_, _, err = s.AddBlock(ctx, id, textBlock(uuid.NewString(), "b"), 1, 1)
		require.NoError(t, err)

		_, err = s.DeleteBlock(ctx, id, a.ID, 1, 0)
		assert.ErrorIs(t, err, ErrVersionConflict)
		_, err = s.DeleteBlock(ctx, id, a.ID, 2, 5)
		assert.ErrorIs(t, err, ErrVersionConflict)

		v, err := s.DeleteBlock(ctx, id, a.ID, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, v)

		_, err = s.DeleteBlock(ctx, id, a.ID, 3, 0)
		assert.ErrorIs(t, err, ErrBlockNotFound)

		doc, err := s.GetNote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, doc.Texts())
		assert.Equal(t, 0, doc.Blocks[0].Position)
	})

	t.Run("delete note", func(t *testing.T) {
		s := newStore(t)
		id := newNote(t, s)

		_, err := s.DeleteNote(ctx, id, intPtr(3))
		assert.ErrorIs(t, err, ErrVersionConflict)

		v, err := s.DeleteNote(ctx, id, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		_, err = s.GetNote(ctx, id)
		assert.ErrorIs(t, err, ErrNoteNotFound)
	})
}

func intPtr(v int) *int { return &v }
