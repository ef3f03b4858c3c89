package persist

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/temporal"
)

// File keeps the document in a JSON file written atomically.
type File struct {
	path string
}

// NewFile returns a backend for path. The file need not exist yet.
func NewFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "File", "NewFile", "path is required")
	}
	return &File{path: path}, nil
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Save writes doc.
func (f *File) Save(ctx context.Context, doc temporal.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return temporal.WriteDocumentFile(f.path, doc)
}

// Load reads the document.
func (f *File) Load(ctx context.Context) (temporal.Document, error) {
	if err := ctx.Err(); err != nil {
		return temporal.Document{}, err
	}
	return temporal.ReadDocumentFile(f.path)
}

// Close is a no-op.
func (f *File) Close() error {
	return nil
}

func isNotFound(err error) bool {
	return stderrors.Is(err, errors.ErrKeyNotFound)
}
