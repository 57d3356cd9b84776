// Package reconcile merges three sources of truth for one open document:
// optimistic local edits, the authority's answers to them, and the push
// stream of other clients' edits. Versions decide every race; arrival order
// and timestamps never do.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"collabtext/notesync/command"
	"collabtext/notesync/document"
)

// ErrDiscarded is returned when an operation settles after the document it
// was issued for has been replaced.
var ErrDiscarded = errors.New("operation discarded")

// Engine applies settlements and remote events to a document.Store.
//
// An Engine is not safe for concurrent use; its owner serializes calls.
// Waiting on a gate returned by Busy is the only thing that may happen
// outside that serialization.
type Engine struct {
	store  *document.Store
	logger *slog.Logger

	epoch   uint64
	nextID  uint64
	pending map[uint64]*Pending
	gates   map[string]chan struct{}
	aliases map[string]string

	needsResync bool
	deleted     bool
}

func New(store *document.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		logger:  logger,
		pending: make(map[uint64]*Pending),
		gates:   make(map[string]chan struct{}),
		aliases: make(map[string]string),
	}
}

// Load installs a fresh snapshot. Every pending operation is discarded and
// every waiter released; their late settlements are ignored.
func (e *Engine) Load(doc document.Document) {
	e.store.Load(doc)
	e.epoch++
	for _, g := range e.gates {
		close(g)
	}
	e.pending = make(map[uint64]*Pending)
	e.gates = make(map[string]chan struct{})
	e.aliases = make(map[string]string)
	e.needsResync = false
	e.deleted = false
	e.logger.Info("document loaded", "doc_id", doc.ID, "version", doc.Version, "blocks", len(doc.Blocks))
}

// NeedsResync reports whether the local state is known to be stale and the
// whole document must be fetched again.
func (e *Engine) NeedsResync() bool { return e.needsResync }

// Deleted reports whether the authority announced the document's deletion.
func (e *Engine) Deleted() bool { return e.deleted }

// PendingCount returns the number of unsettled operations.
func (e *Engine) PendingCount() int { return len(e.pending) }

// Resolve maps a temporary block id to the id the authority assigned to it.
func (e *Engine) Resolve(id string) string {
	for {
		next, ok := e.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
}

// Busy returns a channel closed when none of keys is held any more, or nil
// when they are all free already.
func (e *Engine) Busy(keys ...string) <-chan struct{} {
	for _, k := range keys {
		if g, ok := e.gates[k]; ok {
			return g
		}
	}
	return nil
}

// Begin opens a pending operation holding keys. The caller must have checked
// Busy first.
func (e *Engine) Begin(keys ...string) *Pending {
	for _, k := range keys {
		if _, ok := e.gates[k]; ok {
			panic(fmt.Sprintf("reconcile: key %s already held", k))
		}
	}
	e.nextID++
	p := &Pending{id: e.nextID, epoch: e.epoch, keys: keys}
	for _, k := range keys {
		e.gates[k] = make(chan struct{})
	}
	e.pending[p.id] = p
	return p
}

// Track records the current state of an existing block before p mutates it.
func (e *Engine) Track(p *Pending, id string) error {
	if p.find(id) != nil {
		return nil
	}
	i, ok := e.store.IndexOf(id)
	if !ok {
		return fmt.Errorf("track %s: %w", id, document.ErrBlockNotFound)
	}
	b, _ := e.store.At(i)
	p.blocks = append(p.blocks, &tracked{id: id, before: b, index: i, existed: true})
	return nil
}

// TrackCreated records that p inserted the block id, so rolling back removes it.
func (e *Engine) TrackCreated(p *Pending, id string) {
	p.blocks = append(p.blocks, &tracked{id: id})
}

// TrackTitle records the current title before p changes it.
func (e *Engine) TrackTitle(p *Pending) {
	if !p.trackTitle {
		p.trackTitle = true
		p.title = e.store.Title()
	}
}

// Finish drops p from the log and releases its keys.
func (e *Engine) Finish(p *Pending) {
	if p.epoch != e.epoch {
		return
	}
	delete(e.pending, p.id)
	for _, k := range p.keys {
		if g, ok := e.gates[k]; ok {
			close(g)
			delete(e.gates, k)
		}
	}
}

// Rollback applies p's compensating snapshot.
func (e *Engine) Rollback(p *Pending) {
	if p.epoch != e.epoch {
		return
	}
	p.restore(e.store)
	e.logger.Warn("rolled back optimistic change", "doc_id", e.store.ID(), "op", p.id)
}

// settle handles the non-accepted outcomes shared by every command. It
// returns a non-nil error when the caller must stop.
func (e *Engine) settle(p *Pending, op string, o command.Outcome) error {
	if p.epoch != e.epoch {
		e.logger.Debug("ignoring late settlement", "op", op, "status", o.Status.String())
		return ErrDiscarded
	}
	switch o.Status {
	case command.Accepted:
		return nil
	case command.Conflict:
		e.Rollback(p)
		e.needsResync = true
		e.logger.Warn("command conflicted, resync required", "op", op, "doc_id", e.store.ID())
	default:
		e.Rollback(p)
	}
	return fmt.Errorf("%s: %w", op, o.Err())
}

// SettleUpdate applies the outcome of an updateBlock command. On acceptance
// the block carries the command's data and the confirmed version, whatever a
// racing remote update left there.
func (e *Engine) SettleUpdate(p *Pending, blockID, data string, o command.Outcome) error {
	if err := e.settle(p, "update_block", o); err != nil {
		return err
	}
	if err := e.store.SetData(blockID, data); err != nil {
		e.logger.Warn("confirmed update for missing block", "block_id", blockID)
		return nil
	}
	_, _ = e.store.RaiseBlockVersion(blockID, o.NewVersion)
	return nil
}

// SettleAdd applies the outcome of an addBlock command issued for the
// temporary block tempID, and returns the block's final id.
func (e *Engine) SettleAdd(p *Pending, tempID string, o command.Outcome) (string, error) {
	if err := e.settle(p, "add_block", o); err != nil {
		return tempID, err
	}
	e.store.RaiseVersion(o.NewVersion)
	id := o.CreatedID
	if id == "" || id == tempID {
		return tempID, nil
	}
	if _, ok := e.store.IndexOf(id); ok {
		// The push echo of this very add arrived before the reply.
		_, _, _ = e.store.RemoveByID(tempID)
	} else if err := e.store.ReplaceID(tempID, id); err != nil {
		e.logger.Warn("confirmed add for missing block", "block_id", tempID, "err", err)
	}
	e.aliases[tempID] = id
	if t := p.find(tempID); t != nil {
		t.id = id
	}
	return id, nil
}

// SettleDelete applies the outcome of a deleteBlock command.
func (e *Engine) SettleDelete(p *Pending, blockID string, o command.Outcome) error {
	if err := e.settle(p, "delete_block", o); err != nil {
		return err
	}
	e.store.RaiseVersion(o.NewVersion)
	if t := p.find(blockID); t != nil {
		t.gone = true
	}
	return nil
}

// SettleRename applies the outcome of a renameDocument command.
func (e *Engine) SettleRename(p *Pending, title string, o command.Outcome) error {
	if err := e.settle(p, "rename_document", o); err != nil {
		return err
	}
	e.store.SetTitle(title)
	e.store.RaiseVersion(o.NewVersion)
	return nil
}

// MarkStale records that local state diverged from the authority in a way
// only a full resync can repair.
func (e *Engine) MarkStale(reason string) {
	e.needsResync = true
	e.logger.Warn("resync required", "doc_id", e.store.ID(), "reason", reason)
}
