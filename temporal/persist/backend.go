// Package persist saves and loads temporal store documents through pluggable
// backends: a JSON file, a NATS JetStream KV bucket or a SQLite database.
package persist

import (
	"context"

	"github.com/c360/citysync/temporal"
)

// Backend stores one temporal.Document.
type Backend interface {
	Save(ctx context.Context, doc temporal.Document) error
	// Load returns an error matching errors.ErrKeyNotFound when nothing has
	// been saved yet.
	Load(ctx context.Context) (temporal.Document, error)
	Close() error
}

// Restore loads the document from b into store. A backend with nothing saved
// leaves store untouched and returns false.
func Restore(ctx context.Context, b Backend, store *temporal.Store) (bool, error) {
	doc, err := b.Load(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := store.Restore(doc); err != nil {
		return false, err
	}
	return true, nil
}
