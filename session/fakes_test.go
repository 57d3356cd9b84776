package session

import (
	"context"
	"fmt"
	"sync"

	"collabtext/notesync/command"
	"collabtext/notesync/document"
	"collabtext/notesync/push"
)

// fakeAuthority is an in-memory command.Client with the authority's
// version rules. Outcomes can be forced per operation name.
type fakeAuthority struct {
	mu     sync.Mutex
	docs   map[string]*document.Document
	nextID int
	calls  []string
	forced map[string][]command.Outcome
	// before runs, without the lock, ahead of every mutation.
	before func(op string)
}

func newFakeAuthority(docs ...document.Document) *fakeAuthority {
	a := &fakeAuthority{docs: make(map[string]*document.Document), forced: make(map[string][]command.Outcome)}
	for _, d := range docs {
		d := d.Clone()
		a.docs[d.ID] = &d
	}
	return a
}

// force makes the next call of op return o without touching state.
func (a *fakeAuthority) force(op string, o command.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forced[op] = append(a.forced[op], o)
}

func (a *fakeAuthority) callCount(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (a *fakeAuthority) texts(docID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.docs[docID].Texts()
}

func (a *fakeAuthority) enter(op string) (command.Outcome, bool) {
	if a.before != nil {
		a.before(op)
	}
	a.mu.Lock()
	a.calls = append(a.calls, op)
	if q := a.forced[op]; len(q) > 0 {
		a.forced[op] = q[1:]
		a.mu.Unlock()
		return q[0], true
	}
	return command.Outcome{}, false
}

func (a *fakeAuthority) FetchDocument(ctx context.Context, docID string) (document.Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.docs[docID]
	if !ok {
		return document.Document{}, command.ErrNotFound
	}
	return d.Clone(), nil
}

func (a *fakeAuthority) RenameDocument(ctx context.Context, docID, title string, expected int) command.Outcome {
	if o, ok := a.enter("rename"); ok {
		return o
	}
	defer a.mu.Unlock()
	d := a.docs[docID]
	if d.Version != expected {
		return command.Reject()
	}
	d.Title = title
	d.Version++
	return command.Accept(d.Version)
}

func (a *fakeAuthority) AddBlock(ctx context.Context, docID, data, kind string, position, expected int) command.Outcome {
	if o, ok := a.enter("add"); ok {
		return o
	}
	defer a.mu.Unlock()
	d := a.docs[docID]
	if d.Version != expected {
		return command.Reject()
	}
	a.nextID++
	id := fmt.Sprintf("srv-%d", a.nextID)
	if position > len(d.Blocks) {
		position = len(d.Blocks)
	}
	b := document.Block{ID: id, DocumentID: docID, Data: data, Kind: kind, Position: position}
	d.Blocks = append(d.Blocks[:position], append([]document.Block{b}, d.Blocks[position:]...)...)
	d.Version++
	o := command.Accept(d.Version)
	o.CreatedID = id
	return o
}

func (a *fakeAuthority) UpdateBlock(ctx context.Context, docID, blockID, data string, expected int) command.Outcome {
	if o, ok := a.enter("update"); ok {
		return o
	}
	defer a.mu.Unlock()
	d := a.docs[docID]
	for i := range d.Blocks {
		if d.Blocks[i].ID == blockID {
			if d.Blocks[i].Version != expected {
				return command.Reject()
			}
			d.Blocks[i].Data = data
			d.Blocks[i].Version++
			return command.Accept(d.Blocks[i].Version)
		}
	}
	return command.Reject()
}

func (a *fakeAuthority) DeleteBlock(ctx context.Context, docID, blockID string, expectedDoc, expectedBlock int) command.Outcome {
	if o, ok := a.enter("delete"); ok {
		return o
	}
	defer a.mu.Unlock()
	d := a.docs[docID]
	if d.Version != expectedDoc {
		return command.Reject()
	}
	for i := range d.Blocks {
		if d.Blocks[i].ID == blockID {
			if d.Blocks[i].Version != expectedBlock {
				return command.Reject()
			}
			d.Blocks = append(d.Blocks[:i], d.Blocks[i+1:]...)
			d.Version++
			return command.Accept(d.Version)
		}
	}
	return command.Reject()
}

// fakeChannel is a push.Channel fed by the test.
type fakeChannel struct {
	mu         sync.Mutex
	docID      string
	events     chan push.RemoteEvent
	subscribed []string
}

func (c *fakeChannel) Subscribe(docID string) <-chan push.RemoteEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil && c.docID == docID {
		return c.events
	}
	if c.events != nil {
		close(c.events)
	}
	c.docID = docID
	c.events = make(chan push.RemoteEvent, 16)
	c.subscribed = append(c.subscribed, docID)
	return c.events
}

func (c *fakeChannel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		close(c.events)
		c.events = nil
		c.docID = ""
	}
}

func (c *fakeChannel) send(ev push.RemoteEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events <- ev
}

// memCache is a SnapshotCache kept in a map.
type memCache struct {
	mu   sync.Mutex
	docs map[string]document.Document
}

func newMemCache() *memCache {
	return &memCache{docs: make(map[string]document.Document)}
}

func (c *memCache) Save(doc document.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if doc.ID != "" {
		c.docs[doc.ID] = doc
	}
	return nil
}

func (c *memCache) Delete(docID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, docID)
	return nil
}

func (c *memCache) has(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.docs[docID]
	return ok
}
