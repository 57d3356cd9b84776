package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"collabtext/notesync/cache"
	"collabtext/notesync/command"
	"collabtext/notesync/document"
	"collabtext/notesync/push"
	"collabtext/notesync/session"
)

var errReadOnly = errors.New("authority unreachable, showing cached snapshot read-only")

// Agent drives one session on behalf of the local UI.
type Agent struct {
	session  *session.Session
	hub      *Hub
	cache    *cache.Cache
	logger   *slog.Logger
	validate *validator.Validate

	mu sync.Mutex
	// offline is the cached snapshot shown while the authority cannot be
	// reached; nil once a note is open.
	offline *document.Document
}

func newAgent(commands command.Client, channel push.Channel, hub *Hub, c *cache.Cache, autoResync bool, logger *slog.Logger) *Agent {
	a := &Agent{hub: hub, cache: c, logger: logger, validate: validator.New()}
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithAutoResync(autoResync),
		session.WithOnChange(a.changed),
	}
	if c != nil {
		opts = append(opts, session.WithCache(c))
	}
	a.session = session.New(commands, channel, opts...)
	return a
}

// open opens noteID, falling back to its cached snapshot when the authority
// cannot be reached.
func (a *Agent) open(ctx context.Context, noteID string) error {
	err := a.session.Open(ctx, noteID)
	if err == nil {
		a.setOffline(nil)
		return nil
	}
	if !errors.Is(err, command.ErrTransport) || a.cache == nil {
		return err
	}
	doc, cacheErr := a.cache.Load(noteID)
	if cacheErr != nil {
		return err
	}
	a.logger.Warn("authority unreachable, serving cached snapshot", "doc_id", noteID, "err", err)
	a.setOffline(&doc)
	a.hub.publish(a.view())
	return nil
}

func (a *Agent) setOffline(doc *document.Document) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offline = doc
}

// view renders the document currently shown.
func (a *Agent) view() Reply {
	a.mu.Lock()
	offline := a.offline
	a.mu.Unlock()
	if offline != nil {
		doc := offline.Clone()
		return Reply{Type: ReplyDocument, Document: &doc, ReadOnly: true}
	}
	doc := a.session.Snapshot()
	return Reply{Type: ReplyDocument, Document: &doc}
}

func (a *Agent) changed(doc document.Document) {
	a.hub.publish(Reply{Type: ReplyDocument, Document: &doc})
}

// handle runs one intent and returns its result reply. Document changes
// reach every client separately through the hub.
func (a *Agent) handle(in Intent) Reply {
	if err := a.validate.Struct(in); err != nil {
		return Reply{Type: ReplyError, ID: in.ID, Error: err.Error()}
	}
	ctx := context.Background()

	a.mu.Lock()
	offline := a.offline
	a.mu.Unlock()

	var (
		cur *session.Cursor
		err error
	)
	switch {
	case in.Action == "open":
		err = a.open(ctx, in.NoteID)
	case offline != nil && in.Action == "resync":
		err = a.open(ctx, offline.ID)
	case offline != nil:
		err = errReadOnly
	default:
		cur, err = apply(ctx, a.session, in)
	}
	if err != nil {
		a.logger.Warn("intent failed", "action", in.Action, "err", err)
		return Reply{Type: ReplyError, ID: in.ID, Cursor: cur, Error: err.Error()}
	}
	return Reply{Type: ReplyResult, ID: in.ID, Cursor: cur}
}
