package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rcliao/framestore/internal/ledger"
	"github.com/rcliao/framestore/internal/model"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

// Compile-time interface check.
var _ ledger.Journal = (*SQLiteJournal)(nil)

// formatVersion is bumped whenever the schema changes incompatibly.
const formatVersion = "1"

// SQLiteJournal implements ledger.Journal on a SQLite file.
//
// Staged operations go into one long-lived transaction, each inside its own
// savepoint so a failed stage rolls back alone. Sync commits the transaction.
// Every staged operation is also kept in memory until a commit succeeds; if
// the commit fails the batch is replayed into a fresh transaction on the next
// stage or Sync.
type SQLiteJournal struct {
	db   *sql.DB
	path string

	mu    sync.Mutex
	tx    *sql.Tx
	batch []stagedOp

	// beforeCommit lets tests fail the durability barrier.
	beforeCommit func() error
}

type stagedOp func(ctx context.Context, tx *sql.Tx) error

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// CreateSQLiteJournal initializes a new store file at path and returns the
// journal with the generated store id.
func CreateSQLiteJournal(ctx context.Context, path string) (*SQLiteJournal, string, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, "", fserr.New(fserr.CodeStoreCreateExists, "store already exists", fserr.FieldPath(path))
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, "", fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "stat store", fserr.FieldPath(path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "create store dir", fserr.FieldPath(path))
	}
	db, err := openDB(path)
	if err != nil {
		return nil, "", fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "create store", fserr.FieldPath(path))
	}

	storeID := uuid.NewString()
	fail := func(err error, msg string) (*SQLiteJournal, string, error) {
		db.Close()
		os.Remove(path)
		return nil, "", fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, msg, fserr.FieldPath(path))
	}
	if err := migrate(ctx, db); err != nil {
		return fail(err, "migrate store")
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('store_id', ?), ('format_version', ?), ('created_at', ?)`,
		storeID, formatVersion, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fail(err, "write store meta")
	}
	return &SQLiteJournal{db: db, path: path}, storeID, nil
}

// OpenSQLiteJournal opens an existing store file.
func OpenSQLiteJournal(ctx context.Context, path string) (*SQLiteJournal, string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, "", fserr.New(fserr.CodeStoreOpenNotFound, "store not found", fserr.FieldPath(path))
	} else if err != nil {
		return nil, "", fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "stat store", fserr.FieldPath(path))
	}

	db, err := openDB(path)
	if err != nil {
		return nil, "", fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "open store", fserr.FieldPath(path))
	}

	var storeID, version string
	err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'store_id'`).Scan(&storeID)
	if err == nil {
		err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'format_version'`).Scan(&version)
	}
	if err != nil {
		db.Close()
		return nil, "", fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "read store meta", fserr.FieldPath(path))
	}
	if version != formatVersion {
		db.Close()
		return nil, "", fserr.New(fserr.CodeStoreOpenCorrupt, "unsupported store format",
			fserr.FieldPath(path), fserr.Field("format_version", version))
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, "", fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "migrate store", fserr.FieldPath(path))
	}
	return &SQLiteJournal{db: db, path: path}, storeID, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS frames (
		id           INTEGER PRIMARY KEY,
		timestamp    TEXT NOT NULL,
		role         TEXT NOT NULL,
		parent_id    INTEGER REFERENCES frames(id),
		content_hash TEXT,
		content_ref  TEXT,
		track        TEXT,
		kind         TEXT,
		state        TEXT NOT NULL,
		revision     INTEGER NOT NULL DEFAULT 0,
		record       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_frames_hash ON frames(content_hash);
	CREATE INDEX IF NOT EXISTS idx_frames_parent ON frames(parent_id);
	CREATE INDEX IF NOT EXISTS idx_frames_state ON frames(state);

	CREATE TABLE IF NOT EXISTS blobs (
		digest TEXT PRIMARY KEY,
		data   BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		frame_id   INTEGER NOT NULL REFERENCES frames(id),
		seq        INTEGER NOT NULL,
		text       TEXT NOT NULL,
		start_line INTEGER,
		end_line   INTEGER,
		PRIMARY KEY (frame_id, seq)
	);

	CREATE TABLE IF NOT EXISTS triplets (
		frame_id  INTEGER NOT NULL REFERENCES frames(id),
		subject   TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object    TEXT NOT NULL,
		PRIMARY KEY (frame_id, subject, predicate, object)
	);
	CREATE INDEX IF NOT EXISTS idx_triplets_subject ON triplets(subject COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS links (
		from_id    INTEGER NOT NULL REFERENCES frames(id),
		to_id      INTEGER NOT NULL REFERENCES frames(id),
		rel        TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_links_to ON links(to_id);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Path returns the database file location.
func (j *SQLiteJournal) Path() string { return j.path }

// ensureTxLocked opens the batch transaction, replaying operations left over
// from a failed commit.
func (j *SQLiteJournal) ensureTxLocked(ctx context.Context) error {
	if j.tx != nil {
		return nil
	}
	// The batch outlives the caller's context; database/sql would roll it
	// back when that context ends.
	tx, err := j.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, op := range j.batch {
		if err := op(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("replay batch: %w", err)
		}
	}
	j.tx = tx
	return nil
}

func (j *SQLiteJournal) stage(ctx context.Context, op stagedOp) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureTxLocked(ctx); err != nil {
		return err
	}
	if _, err := j.tx.ExecContext(ctx, `SAVEPOINT stage`); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := op(ctx, j.tx); err != nil {
		bg := context.WithoutCancel(ctx)
		j.tx.ExecContext(bg, `ROLLBACK TO stage`)
		j.tx.ExecContext(bg, `RELEASE stage`)
		return err
	}
	if _, err := j.tx.ExecContext(ctx, `RELEASE stage`); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	j.batch = append(j.batch, op)
	return nil
}

func (j *SQLiteJournal) StageFrame(ctx context.Context, f *model.Frame, raw []byte) error {
	frame := f.Clone()
	record, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var blob []byte
	if raw != nil && frame.ContentRef != "" {
		blob = append([]byte(nil), raw...)
	}

	return j.stage(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var parent *int64
		if frame.ParentID != nil {
			p := int64(*frame.ParentID)
			parent = &p
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO frames (id, timestamp, role, parent_id, content_hash, content_ref, track, kind, state, revision, record)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(frame.ID), frame.Timestamp.UTC().Format(time.RFC3339Nano), string(frame.Role), parent,
			nullString(frame.ContentHash.String()), nullString(frame.ContentRef),
			nullString(frame.Track), nullString(frame.Kind),
			string(frame.State), int64(frame.Revision), string(record))
		if err != nil {
			return fmt.Errorf("insert frame: %w", err)
		}
		if blob != nil {
			_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO blobs (digest, data) VALUES (?, ?)`, frame.ContentRef, blob)
			if err != nil {
				return fmt.Errorf("insert blob: %w", err)
			}
		}
		return nil
	})
}

func (j *SQLiteJournal) StageEnrichment(ctx context.Context, f *model.Frame, chunks []model.Chunk) error {
	frame := f.Clone()
	record, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	cs := append([]model.Chunk(nil), chunks...)

	return j.stage(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE frames SET state = ?, revision = ?, record = ? WHERE id = ?`,
			string(frame.State), int64(frame.Revision), string(record), int64(frame.ID))
		if err != nil {
			return fmt.Errorf("update frame: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update frame %d: no such frame", frame.ID)
		}
		if len(cs) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE frame_id = ?`, int64(frame.ID)); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		for _, c := range cs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO chunks (frame_id, seq, text, start_line, end_line) VALUES (?, ?, ?, ?, ?)`,
				int64(frame.ID), c.Seq, c.Text, c.StartLine, c.EndLine)
			if err != nil {
				return fmt.Errorf("insert chunk: %w", err)
			}
		}
		return nil
	})
}

func (j *SQLiteJournal) StageTriplets(ctx context.Context, id model.FrameID, triplets []model.Triplet) error {
	ts := append([]model.Triplet(nil), triplets...)
	return j.stage(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM triplets WHERE frame_id = ?`, int64(id)); err != nil {
			return fmt.Errorf("clear triplets: %w", err)
		}
		for _, t := range ts {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO triplets (frame_id, subject, predicate, object) VALUES (?, ?, ?, ?)`,
				int64(id), t.Subject, t.Predicate, t.Object)
			if err != nil {
				return fmt.Errorf("insert triplet: %w", err)
			}
		}
		return nil
	})
}

func (j *SQLiteJournal) StageLink(ctx context.Context, l model.Link) error {
	return j.stage(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO links (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)`,
			int64(l.From), int64(l.To), string(l.Rel), l.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
		return nil
	})
}

// Sync commits the current batch.
func (j *SQLiteJournal) Sync(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.tx == nil && len(j.batch) == 0 {
		return nil
	}
	if err := j.ensureTxLocked(ctx); err != nil {
		return err
	}
	if j.beforeCommit != nil {
		if err := j.beforeCommit(); err != nil {
			j.tx.Rollback()
			j.tx = nil
			return err
		}
	}
	err := j.tx.Commit()
	j.tx = nil
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	j.batch = nil
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readerLocked reads through the batch transaction when one is open so
// staged data is visible.
func (j *SQLiteJournal) readerLocked() querier {
	if j.tx != nil {
		return j.tx
	}
	return j.db
}

func (j *SQLiteJournal) LoadFrames(ctx context.Context, fn func(*model.Frame) error) error {
	rows, err := j.db.QueryContext(ctx, `SELECT record FROM frames ORDER BY id`)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "load frames", fserr.FieldPath(j.path))
	}
	defer rows.Close()

	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "scan frame", fserr.FieldPath(j.path))
		}
		var f model.Frame
		if err := json.Unmarshal([]byte(record), &f); err != nil {
			return fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "decode frame", fserr.FieldPath(j.path))
		}
		if err := fn(&f); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (j *SQLiteJournal) LoadTriplets(ctx context.Context, fn func(model.Triplet) error) error {
	rows, err := j.db.QueryContext(ctx,
		`SELECT frame_id, subject, predicate, object FROM triplets ORDER BY frame_id, rowid`)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "load triplets", fserr.FieldPath(j.path))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t  model.Triplet
			id int64
		)
		if err := rows.Scan(&id, &t.Subject, &t.Predicate, &t.Object); err != nil {
			return fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "scan triplet", fserr.FieldPath(j.path))
		}
		t.FrameID = model.FrameID(id)
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (j *SQLiteJournal) LoadLinks(ctx context.Context, fn func(model.Link) error) error {
	rows, err := j.db.QueryContext(ctx,
		`SELECT from_id, to_id, rel, created_at FROM links ORDER BY from_id, to_id, rel`)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "load links", fserr.FieldPath(j.path))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			from, to  int64
			rel, at   string
			createdAt time.Time
		)
		if err := rows.Scan(&from, &to, &rel, &at); err != nil {
			return fserr.Wrap(err, fserr.CodeStoreOpenCorrupt, "scan link", fserr.FieldPath(j.path))
		}
		createdAt, _ = time.Parse(time.RFC3339Nano, at)
		err := fn(model.Link{From: model.FrameID(from), To: model.FrameID(to), Rel: model.Rel(rel), CreatedAt: createdAt})
		if err != nil {
			return err
		}
	}
	return rows.Err()
}

func (j *SQLiteJournal) Content(ctx context.Context, ref string) ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var data []byte
	err := j.readerLocked().QueryRowContext(ctx, `SELECT data FROM blobs WHERE digest = ?`, ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (j *SQLiteJournal) Chunks(ctx context.Context, id model.FrameID) ([]model.Chunk, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.readerLocked().QueryContext(ctx,
		`SELECT seq, text, start_line, end_line FROM chunks WHERE frame_id = ? ORDER BY seq`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var (
			c          model.Chunk
			start, end sql.NullInt64
		)
		if err := rows.Scan(&c.Seq, &c.Text, &start, &end); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.FrameID = id
		c.StartLine = int(start.Int64)
		c.EndLine = int(end.Int64)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkCount returns the number of chunk rows, including staged ones.
func (j *SQLiteJournal) ChunkCount(ctx context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var n int
	err := j.readerLocked().QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// Close rolls back anything not yet synced and closes the database.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.tx != nil {
		j.tx.Rollback()
		j.tx = nil
	}
	return j.db.Close()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
