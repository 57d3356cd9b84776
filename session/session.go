// Package session turns user intents on one open note into optimistic local
// changes, version-gated commands and their settlement.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"collabtext/notesync/command"
	"collabtext/notesync/document"
	"collabtext/notesync/push"
	"collabtext/notesync/reconcile"
)

var (
	// ErrInvariantViolation is returned, before any network call, for intents
	// that cannot apply to the current document.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrNoDocument is returned when no document is open.
	ErrNoDocument = errors.New("no document open")
	// ErrDocumentDeleted is returned once the authority deleted the open document.
	ErrDocumentDeleted = errors.New("document deleted")
)

// SnapshotCache keeps the last confirmed snapshot of a document.
type SnapshotCache interface {
	Save(doc document.Document) error
	Delete(docID string) error
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithCache writes a snapshot to c whenever a document is opened, resynced
// or closed, and drops it once the authority deletes the document.
func WithCache(c SnapshotCache) Option {
	return func(s *Session) { s.cache = c }
}

// WithOnChange registers fn to be called with a copy of the document after
// every local or remote change. fn runs without any session lock held.
func WithOnChange(fn func(document.Document)) Option {
	return func(s *Session) { s.onChange = fn }
}

// WithAutoResync makes the session fetch a fresh snapshot on its own when
// the local state is known to be stale.
func WithAutoResync(enabled bool) Option {
	return func(s *Session) { s.autoResync = enabled }
}

// Session owns one open document. Its mutex is the single logical thread
// on which every store mutation happens; it is released only across
// network round trips.
type Session struct {
	commands command.Client
	channel  push.Channel
	logger   *slog.Logger
	cache    SnapshotCache
	onChange func(document.Document)

	autoResync bool

	mu       sync.Mutex
	store    *document.Store
	engine   *reconcile.Engine
	docID    string
	open     bool
	pumpDone chan struct{}
}

// New returns a session with no open document.
func New(commands command.Client, channel push.Channel, opts ...Option) *Session {
	s := &Session{commands: commands, channel: channel}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.store = document.NewStore()
	s.engine = reconcile.New(s.store, s.logger)
	return s
}

// Open closes the current document, if any, and opens docID: it subscribes
// to pushes, loads the authority's snapshot and seeds an empty block when
// the document has none.
func (s *Session) Open(ctx context.Context, docID string) error {
	s.Close()

	events := s.channel.Subscribe(docID)
	doc, err := s.commands.FetchDocument(ctx, docID)
	if err != nil {
		s.channel.Unsubscribe()
		return fmt.Errorf("open %s: %w", docID, err)
	}

	s.mu.Lock()
	s.engine.Load(doc)
	s.docID = docID
	s.open = true
	done := make(chan struct{})
	s.pumpDone = done
	s.mu.Unlock()
	go s.pump(events, done)

	s.logger.Info("document opened", "doc_id", docID, "version", doc.Version)
	s.saveSnapshot()
	s.notify(s.Snapshot())

	if len(doc.Blocks) == 0 {
		if _, err := s.AppendBlock(ctx, ""); err != nil {
			return fmt.Errorf("seed block for %s: %w", docID, err)
		}
	}
	return nil
}

// Close unsubscribes and discards every pending operation.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	done := s.pumpDone
	docID := s.docID
	snap := s.store.Snapshot()
	deleted := s.engine.Deleted()
	s.engine.Load(document.Document{})
	s.mu.Unlock()

	s.channel.Unsubscribe()
	<-done
	if s.cache != nil && !deleted {
		if err := s.cache.Save(snap); err != nil {
			s.logger.Warn("failed to cache snapshot", "doc_id", docID, "err", err)
		}
	}
	s.logger.Info("document closed", "doc_id", docID)
}

// Resync replaces the local state with a fresh snapshot. Pending operations
// are discarded.
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNoDocument
	}
	docID := s.docID
	s.mu.Unlock()

	doc, err := s.commands.FetchDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("resync %s: %w", docID, err)
	}

	s.mu.Lock()
	if !s.open || s.docID != docID {
		s.mu.Unlock()
		return reconcile.ErrDiscarded
	}
	s.engine.Load(doc)
	snap := s.store.Snapshot()
	s.mu.Unlock()

	s.logger.Info("document resynced", "doc_id", docID, "version", doc.Version)
	s.saveSnapshot()
	s.notify(snap)
	return nil
}

// Snapshot returns a copy of the document as currently shown, optimistic
// changes included.
func (s *Session) Snapshot() document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot()
}

// NeedsResync reports whether a Conflict or a push gap made the local state
// untrustworthy.
func (s *Session) NeedsResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.NeedsResync()
}

// pump applies remote events until the subscription ends.
func (s *Session) pump(events <-chan push.RemoteEvent, done chan struct{}) {
	defer close(done)
	for ev := range events {
		s.mu.Lock()
		if !s.open {
			s.mu.Unlock()
			continue
		}
		wasDeleted := s.engine.Deleted()
		applied := s.engine.ApplyRemote(ev)
		deleted := !wasDeleted && s.engine.Deleted()
		stale := s.engine.NeedsResync()
		snap := s.store.Snapshot()
		s.mu.Unlock()

		if deleted {
			s.dropSnapshot(snap.ID)
		}
		if applied {
			s.notify(snap)
		}
		if stale && s.autoResync {
			go s.resyncInBackground()
		}
	}
}

func (s *Session) resyncInBackground() {
	if err := s.Resync(context.Background()); err != nil && !errors.Is(err, reconcile.ErrDiscarded) {
		s.logger.Error("background resync failed", "err", err)
	}
}

func (s *Session) notify(doc document.Document) {
	if s.onChange != nil {
		s.onChange(doc)
	}
}

func (s *Session) saveSnapshot() {
	if s.cache == nil {
		return
	}
	snap := s.Snapshot()
	if err := s.cache.Save(snap); err != nil {
		s.logger.Warn("failed to cache snapshot", "doc_id", snap.ID, "err", err)
	}
}

func (s *Session) dropSnapshot(docID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(docID); err != nil {
		s.logger.Warn("failed to drop cached snapshot", "doc_id", docID, "err", err)
	}
}
