// Package ledger records the backend writes and deletes staged by one
// relational transaction until the transaction resolves.
//
// A Ledger belongs to exactly one transaction, so concurrent transactions never
// see each other's entries. Its methods are safe for concurrent use because
// commit and rollback callbacks may run on any goroutine.
package ledger

import (
	"reflect"
	"sync"

	"github.com/imageattach/imageattach/internal/storage"
)

// Entry is one staged operation: an image and the backend it concerns.
type Entry struct {
	Image   storage.Image
	Backend storage.Backend
	// Seq orders entries across both lists of a ledger.
	Seq uint64
	// Previous holds the bytes a store overwrote, so a rollback can put them
	// back. Nil when the key was empty.
	Previous []byte
}

// Identity returns the logical identity of the entry's image.
func (e Entry) Identity() storage.Identity {
	return e.Image.StorageKey().Identity
}

// Ledger holds the images stored and deleted in one transaction.
type Ledger struct {
	mu      sync.Mutex
	seq     uint64
	stored  []Entry
	deleted []Entry
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) record(list *[]Entry, img storage.Image, b storage.Backend, previous []byte) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e := Entry{Image: img, Backend: b, Seq: l.seq, Previous: previous}
	*list = append(*list, e)
	return e
}

// RecordStore notes that img was written to b.
func (l *Ledger) RecordStore(img storage.Image, b storage.Backend) Entry {
	return l.record(&l.stored, img, b, nil)
}

// RecordReplace notes that img was written to b over the bytes previous.
func (l *Ledger) RecordReplace(img storage.Image, b storage.Backend, previous []byte) Entry {
	return l.record(&l.stored, img, b, previous)
}

// RecordDelete notes that img is to be removed from b once the transaction commits.
func (l *Ledger) RecordDelete(img storage.Image, b storage.Backend) Entry {
	return l.record(&l.deleted, img, b, nil)
}

// Len returns the number of stored and deleted entries.
func (l *Ledger) Len() (stored, deleted int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stored), len(l.deleted)
}

// Drain returns all entries and leaves the ledger empty.
func (l *Ledger) Drain() (stored, deleted []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, deleted = l.stored, l.deleted
	l.stored, l.deleted = nil, nil
	return stored, deleted
}

// Superseded reports whether the delete d was followed, in the same
// transaction, by a store of the same identity on the same backend. Such a
// delete must not be executed: the bytes now belong to the new image.
func Superseded(d Entry, stored []Entry) bool {
	id := d.Identity()
	for _, s := range stored {
		if s.Seq > d.Seq && s.Identity() == id && SameBackend(s.Backend, d.Backend) {
			return true
		}
	}
	return false
}

// SameBackend reports whether a and b are the same backend instance, looking
// through decorators such as instrumentation and URL caching.
func SameBackend(a, b storage.Backend) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	a, b = unwrap(a), unwrap(b)
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func unwrap(b storage.Backend) storage.Backend {
	for {
		u, ok := b.(interface{ Unwrap() storage.Backend })
		if !ok {
			return b
		}
		b = u.Unwrap()
	}
}
