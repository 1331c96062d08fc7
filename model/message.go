package model

import (
	"sort"
	"time"
)

// Message represents a single mailing-list post extracted from an mbox archive.
type Message struct {
	ID          string
	AuthorEmail string
	Subject     string
	Body        string
	IsRoot      bool
	CreatedAt   time.Time
	Children    []Message
}

// AuthorDirectory maps a lower-cased sender email to its display name.
type AuthorDirectory map[string]string

// Emails returns the directory keys in ascending order.
func (d AuthorDirectory) Emails() []string {
	emails := make([]string, 0, len(d))
	for email := range d {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails
}

// Forest is the arena of parsed messages indexed by id. Roots own their
// children by value; a reply attached under two entries is stored twice.
type Forest struct {
	messages map[string]*Message
}

func NewForest() *Forest {
	return &Forest{messages: make(map[string]*Message)}
}

// Put indexes msg by its id, replacing any earlier entry with the same id.
// It reports whether an entry was replaced.
func (f *Forest) Put(msg Message) bool {
	_, exists := f.messages[msg.ID]
	m := msg
	f.messages[msg.ID] = &m
	return exists
}

func (f *Forest) Get(id string) (Message, bool) {
	m, ok := f.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

func (f *Forest) Has(id string) bool {
	_, ok := f.messages[id]
	return ok
}

// Attach appends a copy of child to the children of the entry with parentID.
func (f *Forest) Attach(parentID string, child Message) bool {
	parent, ok := f.messages[parentID]
	if !ok {
		return false
	}
	parent.Children = append(parent.Children, child)
	return true
}

// SortChildren orders every entry's children by CreatedAt, keeping archive
// order for equal timestamps.
func (f *Forest) SortChildren() {
	for _, m := range f.messages {
		sort.SliceStable(m.Children, func(i, j int) bool {
			return m.Children[i].CreatedAt.Before(m.Children[j].CreatedAt)
		})
	}
}

func (f *Forest) Len() int {
	return len(f.messages)
}

// IDs returns every indexed id in ascending order.
func (f *Forest) IDs() []string {
	ids := make([]string, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Roots returns the entries flagged IsRoot, ordered by id ascending.
func (f *Forest) Roots() []Message {
	var roots []Message
	for _, id := range f.IDs() {
		if m := f.messages[id]; m.IsRoot {
			roots = append(roots, *m)
		}
	}
	return roots
}
