package authority

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/notesync/document"
)

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id      TEXT PRIMARY KEY,
	title   TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS contents (
	id       TEXT PRIMARY KEY,
	note_id  TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
	type     TEXT NOT NULL,
	data     TEXT NOT NULL DEFAULT '',
	version  INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS contents_note_position ON contents (note_id, position);
`

// PostgresStore keeps notes in PostgreSQL. Version checks are part of the
// UPDATE and DELETE statements, so concurrent writers race on the row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateNote(ctx context.Context, id, title string) (document.Document, error) {
	_, err := s.pool.Exec(ctx, `INSERT INTO notes (id, title) VALUES ($1, $2)`, id, title)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return document.Document{}, ErrNoteExists
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("create note %s: %w", id, err)
	}
	return document.Document{ID: id, Title: title}, nil
}

// GetNote reads the note and its blocks from one snapshot.
func (s *PostgresStore) GetNote(ctx context.Context, id string) (document.Document, error) {
	doc := document.Document{ID: id}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT title, version FROM notes WHERE id = $1`, id).Scan(&doc.Title, &doc.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoteNotFound
		}
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx,
			`SELECT id, type, data, version, position FROM contents WHERE note_id = $1 ORDER BY position`, id)
		if err != nil {
			return err
		}
		doc.Blocks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (document.Block, error) {
			b := document.Block{DocumentID: id}
			err := row.Scan(&b.ID, &b.Kind, &b.Data, &b.Version, &b.Position)
			return b, err
		})
		return err
	})
	if errors.Is(err, ErrNoteNotFound) {
		return document.Document{}, err
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("get note %s: %w", id, err)
	}
	return doc, nil
}

func (s *PostgresStore) RenameNote(ctx context.Context, id, title string, expected int) (int, error) {
	var version int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		version, err = bumpNote(ctx, tx, id, &expected)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE notes SET title = $2 WHERE id = $1`, id, title)
		return err
	})
	return version, err
}

func (s *PostgresStore) DeleteNote(ctx context.Context, id string, expected *int) (int, error) {
	var version int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if version, err = bumpNote(ctx, tx, id, expected); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM notes WHERE id = $1`, id)
		return err
	})
	return version, err
}

func (s *PostgresStore) AddBlock(ctx context.Context, noteID string, b document.Block, index, expected int) (document.Block, int, error) {
	var version int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if version, err = bumpNote(ctx, tx, noteID, &expected); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM contents WHERE note_id = $1`, noteID).Scan(&count); err != nil {
			return err
		}
		index = min(max(index, 0), count)
		if _, err := tx.Exec(ctx,
			`UPDATE contents SET position = position + 1 WHERE note_id = $1 AND position >= $2`, noteID, index); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO contents (id, note_id, type, data, version, position) VALUES ($1, $2, $3, $4, 0, $5)`,
			b.ID, noteID, b.Kind, b.Data, index)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVersionConflict
		}
		return err
	})
	if err != nil {
		return document.Block{}, 0, err
	}
	b.DocumentID = noteID
	b.Version = 0
	b.Position = index
	return b, version, nil
}

func (s *PostgresStore) UpdateBlock(ctx context.Context, noteID, blockID, data string, expected int) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx,
		`UPDATE contents SET data = $3, version = version + 1
		 WHERE note_id = $1 AND id = $2 AND version = $4
		 RETURNING version`, noteID, blockID, data, expected).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.missOrConflict(ctx, noteID, blockID)
	}
	if err != nil {
		return 0, fmt.Errorf("update content %s: %w", blockID, err)
	}
	return version, nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, noteID, blockID string, expectedNote, expectedBlock int) (int, error) {
	var version int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var position int
		err := tx.QueryRow(ctx,
			`DELETE FROM contents WHERE note_id = $1 AND id = $2 AND version = $3 RETURNING position`,
			noteID, blockID, expectedBlock).Scan(&position)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrConflict(ctx, noteID, blockID)
		}
		if err != nil {
			return err
		}
		if version, err = bumpNote(ctx, tx, noteID, &expectedNote); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE contents SET position = position - 1 WHERE note_id = $1 AND position > $2`, noteID, position)
		return err
	})
	return version, err
}

// missOrConflict tells apart a stale version token from a missing row after
// a gated statement matched nothing.
func (s *PostgresStore) missOrConflict(ctx context.Context, noteID, blockID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM contents WHERE note_id = $1 AND id = $2)`, noteID, blockID).Scan(&exists)
	switch {
	case err != nil:
		return fmt.Errorf("lookup content %s: %w", blockID, err)
	case exists:
		return ErrVersionConflict
	default:
		return ErrBlockNotFound
	}
}

// bumpNote increments the note version when it matches expected, or
// unconditionally when expected is nil.
func bumpNote(ctx context.Context, tx pgx.Tx, id string, expected *int) (int, error) {
	var version int
	var err error
	if expected == nil {
		err = tx.QueryRow(ctx,
			`UPDATE notes SET version = version + 1 WHERE id = $1 RETURNING version`, id).Scan(&version)
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE notes SET version = version + 1 WHERE id = $1 AND version = $2 RETURNING version`,
			id, *expected).Scan(&version)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return version, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, err
	}
	if exists {
		return 0, ErrVersionConflict
	}
	return 0, ErrNoteNotFound
}
