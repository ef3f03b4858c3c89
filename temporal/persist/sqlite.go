package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/temporal"
)

//go:embed schema.sql
var schemaSQL string

const (
	metaFormatVersion = "format_version"
	metaActiveEpoch   = "active_epoch_id"
	metaLastPosition  = "last_position"
)

// SQLite keeps the document in relational tables. Each Save replaces every row
// in one transaction.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "SQLite", "OpenSQLite", "path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLite", "OpenSQLite", "open database")
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "SQLite", "OpenSQLite", "ping database")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "SQLite", "OpenSQLite", "apply schema")
	}
	return &SQLite{db: db}, nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the stored document with doc.
func (s *SQLite) Save(ctx context.Context, doc temporal.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "Save", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"store_meta", "epochs", "quanta", "snapshots"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.WrapTransient(err, "SQLite", "Save", "clear "+table)
		}
	}

	active := ""
	if doc.ActiveEpochID != nil {
		active = *doc.ActiveEpochID
	}
	meta := map[string]string{
		metaFormatVersion: doc.FormatVersion,
		metaActiveEpoch:   active,
		metaLastPosition:  strconv.FormatUint(doc.LastPosition, 10),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO store_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return errors.WrapTransient(err, "SQLite", "Save", "write meta "+k)
		}
	}

	for _, e := range doc.Epochs {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return errors.WrapInvalid(err, "SQLite", "Save", "encode metadata of "+e.ID)
		}
		var end sql.NullInt64
		if e.EndTime != nil {
			end = sql.NullInt64{Int64: e.EndTime.UnixMicro(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO epochs (id, name, start_time, end_time, status, metadata)
VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.Name, e.StartTime.UnixMicro(), end, string(e.Status), string(metadata),
		); err != nil {
			return errors.WrapTransient(err, "SQLite", "Save", "insert epoch "+e.ID)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO quanta (position, id, timestamp, type, source_id, payload, epoch_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "Save", "prepare quanta insert")
	}
	defer stmt.Close()
	for _, q := range doc.Timeline {
		payload := string(q.Payload)
		if payload == "" {
			payload = "null"
		}
		if _, err := stmt.ExecContext(ctx,
			int64(q.Position), q.ID, q.Timestamp.UnixMicro(), q.Type, q.SourceID, payload, q.EpochID,
		); err != nil {
			return errors.WrapTransient(err, "SQLite", "Save", fmt.Sprintf("insert quantum %d", q.Position))
		}
	}

	for _, snap := range doc.Snapshots {
		refs, err := json.Marshal(snap.ArtifactRefs)
		if err != nil {
			return errors.WrapInvalid(err, "SQLite", "Save", "encode refs of "+snap.ID)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots (id, timestamp, epoch_id, position, artifact_refs, description)
VALUES (?, ?, ?, ?, ?, ?)`,
			snap.ID, snap.Timestamp.UnixMicro(), snap.EpochID, int64(snap.Position), string(refs), snap.Description,
		); err != nil {
			return errors.WrapTransient(err, "SQLite", "Save", "insert snapshot "+snap.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "SQLite", "Save", "commit")
	}
	return nil
}

// Load reads the stored document. Quanta come back in position order.
func (s *SQLite) Load(ctx context.Context) (temporal.Document, error) {
	meta, err := s.loadMeta(ctx)
	if err != nil {
		return temporal.Document{}, err
	}
	version, ok := meta[metaFormatVersion]
	if !ok {
		return temporal.Document{}, errors.WrapInvalid(errors.ErrKeyNotFound, "SQLite", "Load", "no document saved")
	}

	doc := temporal.Document{
		FormatVersion: version,
		Epochs:        map[string]temporal.Epoch{},
		Timeline:      []temporal.Quantum{},
		Snapshots:     map[string]temporal.Snapshot{},
	}
	if active := meta[metaActiveEpoch]; active != "" {
		doc.ActiveEpochID = &active
	}
	if doc.LastPosition, err = strconv.ParseUint(meta[metaLastPosition], 10, 64); err != nil {
		return temporal.Document{}, errors.WrapInvalid(errors.ErrDataCorrupted, "SQLite", "Load", "parse last position")
	}

	if err := s.loadEpochs(ctx, doc.Epochs); err != nil {
		return temporal.Document{}, err
	}
	if doc.Timeline, err = s.loadQuanta(ctx); err != nil {
		return temporal.Document{}, err
	}
	if err := s.loadSnapshots(ctx, doc.Snapshots); err != nil {
		return temporal.Document{}, err
	}
	return doc, nil
}

func (s *SQLite) loadMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM store_meta`)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLite", "Load", "query meta")
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.WrapTransient(err, "SQLite", "Load", "scan meta")
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (s *SQLite) loadEpochs(ctx context.Context, into map[string]temporal.Epoch) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, start_time, end_time, status, metadata FROM epochs`)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "Load", "query epochs")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        temporal.Epoch
			start    int64
			end      sql.NullInt64
			status   string
			metadata string
		)
		if err := rows.Scan(&e.ID, &e.Name, &start, &end, &status, &metadata); err != nil {
			return errors.WrapTransient(err, "SQLite", "Load", "scan epoch")
		}
		e.StartTime = fromMicros(start)
		if end.Valid {
			t := fromMicros(end.Int64)
			e.EndTime = &t
		}
		e.Status = temporal.EpochStatus(status)
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return errors.WrapInvalid(err, "SQLite", "Load", "decode metadata of "+e.ID)
		}
		into[e.ID] = e
	}
	return rows.Err()
}

func (s *SQLite) loadQuanta(ctx context.Context) ([]temporal.Quantum, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT position, id, timestamp, type, source_id, payload, epoch_id
FROM quanta ORDER BY position`)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLite", "Load", "query quanta")
	}
	defer rows.Close()

	out := []temporal.Quantum{}
	for rows.Next() {
		var (
			q       temporal.Quantum
			pos     int64
			ts      int64
			payload string
		)
		if err := rows.Scan(&pos, &q.ID, &ts, &q.Type, &q.SourceID, &payload, &q.EpochID); err != nil {
			return nil, errors.WrapTransient(err, "SQLite", "Load", "scan quantum")
		}
		q.Position = uint64(pos)
		q.Timestamp = fromMicros(ts)
		q.Payload = json.RawMessage(payload)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLite) loadSnapshots(ctx context.Context, into map[string]temporal.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, timestamp, epoch_id, position, artifact_refs, description FROM snapshots`)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "Load", "query snapshots")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			snap temporal.Snapshot
			ts   int64
			pos  int64
			refs string
		)
		if err := rows.Scan(&snap.ID, &ts, &snap.EpochID, &pos, &refs, &snap.Description); err != nil {
			return errors.WrapTransient(err, "SQLite", "Load", "scan snapshot")
		}
		snap.Timestamp = fromMicros(ts)
		snap.Position = uint64(pos)
		if err := json.Unmarshal([]byte(refs), &snap.ArtifactRefs); err != nil {
			return errors.WrapInvalid(err, "SQLite", "Load", "decode refs of "+snap.ID)
		}
		into[snap.ID] = snap
	}
	return rows.Err()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
