package reconcile

import (
	"sort"

	"collabtext/notesync/document"
)

// DocKey is the gate held by every command that carries the document version.
const DocKey = "doc"

// BlockKey is the gate held by every command touching the given block.
func BlockKey(id string) string {
	return "block:" + id
}

// Pending is one issued, unsettled local operation together with the
// compensating snapshot of everything it changed optimistically.
type Pending struct {
	id     uint64
	epoch  uint64
	keys   []string
	blocks []*tracked

	trackTitle      bool
	title           string
	titleSuperseded bool
}

type tracked struct {
	id      string
	before  document.Block
	index   int
	existed bool
	// superseded is set when a remote update replaced the block's data
	// after the snapshot; restoring would discard the newer remote text.
	superseded bool
	// gone is set when a remote delete removed the block.
	gone bool
}

func (p *Pending) find(id string) *tracked {
	for _, t := range p.blocks {
		if t.id == id {
			return t
		}
	}
	return nil
}

// restore applies the compensating snapshot to s.
func (p *Pending) restore(s *document.Store) {
	for _, t := range p.blocks {
		if !t.existed {
			_, _, _ = s.RemoveByID(t.id)
		}
	}

	existed := make([]*tracked, 0, len(p.blocks))
	for _, t := range p.blocks {
		if t.existed && !t.gone {
			existed = append(existed, t)
		}
	}
	sort.Slice(existed, func(i, j int) bool { return existed[i].index < existed[j].index })
	for _, t := range existed {
		cur, ok := s.Block(t.id)
		if !ok {
			at := t.index
			if at > s.Len() {
				at = s.Len()
			}
			_ = s.InsertAt(at, t.before)
			continue
		}
		if t.superseded {
			continue
		}
		b := t.before
		if cur.Version > b.Version {
			b.Version = cur.Version
		}
		_ = s.Put(b)
	}

	if p.trackTitle && !p.titleSuperseded {
		s.SetTitle(p.title)
	}
}
