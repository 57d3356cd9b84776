// Package document holds the in-memory model of one open note: its metadata,
// its version and the ordered blocks that make up its body.
package document

// KindText is the block kind used for plain text blocks.
const KindText = "text"

// Permission is the access level a collaborator holds on a document.
type Permission string

const (
	ReadOnly  Permission = "read"
	ReadWrite Permission = "read-write"
)

// Block is one orderable unit of document text. Position is a rank hint
// exchanged with the authority; the order of Document.Blocks is what counts.
type Block struct {
	ID         string `json:"id"`
	DocumentID string `json:"noteId"`
	Data       string `json:"data"`
	Kind       string `json:"type"`
	Version    int    `json:"version"`
	Position   int    `json:"position"`
}

// Document is a note as known by one client.
type Document struct {
	ID            string                `json:"id"`
	Title         string                `json:"title"`
	Version       int                   `json:"version"`
	Blocks        []Block               `json:"contents"`
	Collaborators map[string]Permission `json:"collaborators,omitempty"`
	Keywords      []string              `json:"keywords,omitempty"`
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	c := d
	c.Blocks = append([]Block(nil), d.Blocks...)
	if d.Collaborators != nil {
		c.Collaborators = make(map[string]Permission, len(d.Collaborators))
		for user, p := range d.Collaborators {
			c.Collaborators[user] = p
		}
	}
	c.Keywords = append([]string(nil), d.Keywords...)
	return c
}

// Texts returns the data of every block in order.
func (d Document) Texts() []string {
	out := make([]string, len(d.Blocks))
	for i, b := range d.Blocks {
		out[i] = b.Data
	}
	return out
}
