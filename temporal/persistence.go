package temporal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/c360/citysync/errors"
)

// FormatVersion is written into every persisted document. Documents with the
// same major version can be imported.
const FormatVersion = "1.0.0"

var formatVersion = semver.MustParse(FormatVersion)

// Document is the complete persisted state of a Store.
type Document struct {
	FormatVersion string              `json:"format_version"`
	Epochs        map[string]Epoch    `json:"epochs"`
	Timeline      []Quantum           `json:"timeline"`
	Snapshots     map[string]Snapshot `json:"snapshots"`
	ActiveEpochID *string             `json:"active_epoch_id"`
	LastPosition  uint64              `json:"last_position"`
}

// Document returns a deep copy of the store state.
func (s *Store) Document() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := Document{
		FormatVersion: FormatVersion,
		Epochs:        make(map[string]Epoch, len(s.epochs)),
		Timeline:      make([]Quantum, len(s.timeline)),
		Snapshots:     make(map[string]Snapshot, len(s.snapshots)),
		LastPosition:  s.position,
	}
	for id, epoch := range s.epochs {
		doc.Epochs[id] = cloneEpoch(epoch)
	}
	copy(doc.Timeline, s.timeline)
	for id, snap := range s.snapshots {
		doc.Snapshots[id] = cloneSnapshot(snap)
	}
	if s.activeID != "" {
		active := s.activeID
		doc.ActiveEpochID = &active
	}
	return doc
}

// Restore replaces the store state with doc after checking its consistency.
func (s *Store) Restore(doc Document) error {
	doc = doc.withDefaults()
	if err := doc.Validate(); err != nil {
		return err
	}

	epochs := make(map[string]Epoch, len(doc.Epochs))
	for id, epoch := range doc.Epochs {
		epochs[id] = cloneEpoch(epoch)
	}

	timeline := make([]Quantum, len(doc.Timeline))
	for i, q := range doc.Timeline {
		payload, err := compactJSON(q.Payload)
		if err != nil {
			return errors.WrapInvalid(err, "Store", "Restore", fmt.Sprintf("quantum %s payload", q.ID))
		}
		q.Payload = payload
		timeline[i] = q
	}

	snapshots := make(map[string]Snapshot, len(doc.Snapshots))
	for id, snap := range doc.Snapshots {
		snapshots[id] = cloneSnapshot(snap)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.epochs = epochs
	s.timeline = timeline
	s.snapshots = snapshots
	s.position = doc.LastPosition
	s.activeID = ""
	if doc.ActiveEpochID != nil {
		s.activeID = *doc.ActiveEpochID
	}
	s.touch()
	s.metrics.activeEpoch(s.activeID != "")
	return nil
}

// withDefaults fills what a document without position bookkeeping leaves
// out. A missing format version reads as FormatVersion. A timeline whose
// quanta carry no positions, with no last position either, is numbered from 1
// in timeline order.
func (d Document) withDefaults() Document {
	if d.FormatVersion == "" {
		d.FormatVersion = FormatVersion
	}
	if d.LastPosition != 0 || len(d.Timeline) == 0 {
		return d
	}
	for _, q := range d.Timeline {
		if q.Position != 0 {
			return d
		}
	}
	timeline := make([]Quantum, len(d.Timeline))
	for i, q := range d.Timeline {
		q.Position = uint64(i + 1)
		timeline[i] = q
	}
	d.Timeline = timeline
	d.LastPosition = uint64(len(timeline))
	return d
}

// Validate checks the format version and the store invariants: at most one
// active epoch, matching the active pointer, and strictly increasing positions
// no greater than LastPosition. Defaults from withDefaults apply first.
func (d Document) Validate() error {
	d = d.withDefaults()
	v, err := semver.NewVersion(d.FormatVersion)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %q", ErrIncompatibleFormat, d.FormatVersion),
			"Document", "Validate", "parse format version")
	}
	if v.Major() != formatVersion.Major() {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrIncompatibleFormat, v),
			"Document", "Validate", "check format version")
	}

	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrDataCorrupted}, args...)...),
			"Document", "Validate", "check invariants")
	}

	active := ""
	for id, epoch := range d.Epochs {
		if epoch.ID != id {
			return invalid("epoch key %s holds id %s", id, epoch.ID)
		}
		if epoch.Status == EpochActive {
			if active != "" {
				return invalid("epochs %s and %s are both active", active, id)
			}
			active = id
		}
	}

	switch {
	case d.ActiveEpochID == nil && active != "":
		return invalid("epoch %s is active but no active pointer is set", active)
	case d.ActiveEpochID != nil && *d.ActiveEpochID != active:
		return invalid("active pointer %s does not name the active epoch", *d.ActiveEpochID)
	}

	var last uint64
	for _, q := range d.Timeline {
		if q.Position <= last {
			return invalid("quantum %s position %d is not after %d", q.ID, q.Position, last)
		}
		last = q.Position
	}
	if last > d.LastPosition {
		return invalid("last position %d is behind timeline position %d", d.LastPosition, last)
	}

	for id, snap := range d.Snapshots {
		if snap.ID != id {
			return invalid("snapshot key %s holds id %s", id, snap.ID)
		}
		if _, ok := d.Epochs[snap.EpochID]; !ok {
			return invalid("snapshot %s references unknown epoch %s", id, snap.EpochID)
		}
	}
	return nil
}

// MarshalDocument encodes doc as indented JSON with sorted map keys, so equal
// documents always produce identical bytes.
func MarshalDocument(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.WrapInvalid(err, "Document", "Marshal", "encode document")
	}
	return append(data, '\n'), nil
}

// UnmarshalDocument decodes a persisted document, rejecting unknown fields.
func UnmarshalDocument(data []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, errors.WrapInvalid(err, "Document", "Unmarshal", "decode document")
	}
	if doc.Epochs == nil {
		doc.Epochs = map[string]Epoch{}
	}
	if doc.Snapshots == nil {
		doc.Snapshots = map[string]Snapshot{}
	}
	if doc.Timeline == nil {
		doc.Timeline = []Quantum{}
	}
	return doc, nil
}

// WriteDocumentFile writes doc to path atomically via a temp file and rename.
func WriteDocumentFile(path string, doc Document) error {
	data, err := MarshalDocument(doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.WrapTransient(err, "Document", "WriteFile", "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.WrapTransient(err, "Document", "WriteFile", "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.WrapTransient(err, "Document", "WriteFile", "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.WrapTransient(err, "Document", "WriteFile", "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.WrapTransient(err, "Document", "WriteFile", "rename into place")
	}
	return nil
}

// ReadDocumentFile reads and decodes the document at path.
func ReadDocumentFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrKeyNotFound, path),
				"Document", "ReadFile", "open document")
		}
		return Document{}, errors.WrapTransient(err, "Document", "ReadFile", "read document")
	}
	return UnmarshalDocument(data)
}

// Export writes the complete store to path. Exporting an unchanged store always
// produces identical bytes.
func (s *Store) Export(path string) error {
	if err := WriteDocumentFile(path, s.Document()); err != nil {
		s.logger.Error("Export failed", "path", path, "error", err)
		return err
	}
	s.logger.Info("Store exported", "path", path)
	return nil
}

// Import builds a store from a file written by Export.
func Import(path string, opts ...Option) (*Store, error) {
	s := New(opts...)

	doc, err := ReadDocumentFile(path)
	if err != nil {
		s.logger.Error("Import failed", "path", path, "error", err)
		return nil, err
	}
	if err := s.Restore(doc); err != nil {
		s.logger.Error("Import failed", "path", path, "error", err)
		return nil, err
	}

	s.logger.Info("Store imported", "path", path,
		"epochs", len(doc.Epochs), "quanta", len(doc.Timeline), "snapshots", len(doc.Snapshots))
	return s, nil
}
