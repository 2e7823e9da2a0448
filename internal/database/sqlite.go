package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wikisync/internal/database/migrations"
	"wikisync/internal/mirror"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements mirror.EntityStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens a replica database.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
// The pool is limited to one connection: an in-memory database exists per
// connection, and the replica has a single writer anyway.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Begin starts a replica transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (mirror.StoreTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Sync cursors

func (s *SQLiteStore) SyncedUntil(ctx context.Context, kind mirror.Kind) (time.Time, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx, "SELECT synced_until FROM sync_cursors WHERE kind = ?", string(kind)).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading sync cursor: %w", err)
	}
	return fromNanos(nanos), nil
}

func (s *SQLiteStore) SetSyncedUntil(ctx context.Context, kind mirror.Kind, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (kind, synced_until) VALUES (?, ?)
		 ON CONFLICT (kind) DO UPDATE SET synced_until = excluded.synced_until`,
		string(kind), toNanos(t))
	if err != nil {
		return fmt.Errorf("writing sync cursor: %w", err)
	}
	return nil
}

// Sync run tracking

// SyncRun is the persisted record of one sync invocation.
type SyncRun struct {
	ID         int64
	RunID      string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Kind       string
	Parameters string
	Status     string
	Events     int64
	Report     string
}

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, runID, kind, parameters string, startedAt time.Time) (*SyncRun, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_runs (run_id, started_at, kind, parameters) VALUES (?, ?, ?, ?)",
		runID, startedAt.UTC(), kind, parameters)
	if err != nil {
		return nil, fmt.Errorf("creating sync run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating sync run: %w", err)
	}
	return &SyncRun{
		ID:         id,
		RunID:      runID,
		StartedAt:  startedAt.UTC(),
		Kind:       kind,
		Parameters: parameters,
		Status:     "running",
	}, nil
}

func (s *SQLiteStore) FinishSyncRun(ctx context.Context, id int64, status string, events int64, report string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_runs SET finished_at = ?, status = ?, events = ?, report = ? WHERE id = ?",
		finishedAt.UTC(), status, events, report, id)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	return nil
}

// ListSyncRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]*SyncRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, started_at, finished_at, kind, parameters, status, events, report
		 FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.FinishedAt, &r.Kind, &r.Parameters, &r.Status, &r.Events, &r.Report); err != nil {
			return nil, fmt.Errorf("listing sync runs: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) MaxSyncRunID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM sync_runs").Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max sync run ID: %w", err)
	}
	return id, nil
}

// Counts summarizes the replica contents.
type Counts struct {
	Entities         int64
	ArchivedVersions int64
	DeletedVersions  int64
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM entities),
		        (SELECT COUNT(*) FROM archived_versions),
		        (SELECT COUNT(*) FROM deleted_versions)`).Scan(&c.Entities, &c.ArchivedVersions, &c.DeletedVersions)
	if err != nil {
		return Counts{}, fmt.Errorf("counting replica rows: %w", err)
	}
	return c, nil
}

// Snapshot is a complete, ordered dump of the replica tables.
type Snapshot struct {
	Entities []*mirror.Entity
	Archived []*mirror.ArchivedVersion
	Deleted  []*mirror.DeletedVersion
}

// Snapshot reads every entity and version row in a stable order.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("starting snapshot: %w", err)
	}
	defer tx.Rollback()

	snap := &Snapshot{}

	rows, err := tx.QueryContext(ctx, "SELECT "+entityColumns+" FROM entities ORDER BY namespace, title")
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("listing entities: %w", err)
		}
		snap.Entities = append(snap.Entities, ent)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}

	rows, err = tx.QueryContext(ctx, "SELECT entity_id, archive_name, "+versionColumns+" FROM archived_versions ORDER BY entity_id, timestamp DESC")
	if err != nil {
		return nil, fmt.Errorf("listing archived versions: %w", err)
	}
	for rows.Next() {
		var (
			av    mirror.ArchivedVersion
			nanos int64
			flags int
		)
		if err := rows.Scan(&av.EntityID, &av.ArchiveName, &nanos, &av.SHA1, &av.Author, &av.Comment,
			&av.Size, &flags, &av.RevID, &av.StorageKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("listing archived versions: %w", err)
		}
		av.Timestamp = fromNanos(nanos)
		av.Deleted = mirror.DeletedFlags(flags)
		snap.Archived = append(snap.Archived, &av)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing archived versions: %w", err)
	}

	rows, err = tx.QueryContext(ctx, "SELECT "+deletedColumns+" FROM deleted_versions ORDER BY namespace, title, timestamp DESC")
	if err != nil {
		return nil, fmt.Errorf("listing deleted versions: %w", err)
	}
	snap.Deleted, err = scanDeleted(rows)
	if err != nil {
		return nil, fmt.Errorf("listing deleted versions: %w", err)
	}
	return snap, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// MigrateUp applies pending schema migrations.
func (s *SQLiteStore) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// sqliteTx implements mirror.StoreTx.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

// Entity operations

const entityColumns = `local_id, kind, namespace, title, cur_timestamp, cur_sha1, cur_author,
	cur_comment, cur_size, cur_deleted, cur_rev_id, cur_storage_key`

func (t *sqliteTx) EntityByID(ctx context.Context, id int64) (*mirror.Entity, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE local_id = ?", id)
	ent, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("finding entity by id: %w", err)
	}
	return ent, nil
}

func (t *sqliteTx) EntityByTitle(ctx context.Context, namespace int, title string) (*mirror.Entity, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE namespace = ? AND title = ?", namespace, title)
	ent, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("finding entity by title: %w", err)
	}
	return ent, nil
}

func (t *sqliteTx) InsertEntity(ctx context.Context, e *mirror.Entity) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO entities (local_id, kind, namespace, title) VALUES (?, ?, ?, ?)",
		e.LocalID, string(e.Kind), e.Namespace, e.Title)
	if err != nil {
		return fmt.Errorf("inserting entity %d: %w", e.LocalID, err)
	}
	if e.Current != nil {
		return t.SetCurrent(ctx, e.LocalID, e.Current)
	}
	return nil
}

func (t *sqliteTx) RenameEntity(ctx context.Context, id int64, namespace int, title string) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE entities SET namespace = ?, title = ? WHERE local_id = ?", namespace, title, id)
	if err != nil {
		return fmt.Errorf("renaming entity %d: %w", id, err)
	}
	return requireOne(res, "entity", id)
}

func (t *sqliteTx) DeleteEntity(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM entities WHERE local_id = ?", id); err != nil {
		return fmt.Errorf("deleting entity %d: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) SetCurrent(ctx context.Context, id int64, v *mirror.Version) error {
	var (
		res sql.Result
		err error
	)
	if v == nil {
		res, err = t.tx.ExecContext(ctx,
			`UPDATE entities SET cur_timestamp = NULL, cur_sha1 = NULL, cur_author = NULL, cur_comment = NULL,
			 cur_size = NULL, cur_deleted = NULL, cur_rev_id = NULL, cur_storage_key = NULL WHERE local_id = ?`, id)
	} else {
		res, err = t.tx.ExecContext(ctx,
			`UPDATE entities SET cur_timestamp = ?, cur_sha1 = ?, cur_author = ?, cur_comment = ?,
			 cur_size = ?, cur_deleted = ?, cur_rev_id = ?, cur_storage_key = ? WHERE local_id = ?`,
			toNanos(v.Timestamp), v.SHA1, v.Author, v.Comment, v.Size, int(v.Deleted), v.RevID, v.StorageKey, id)
	}
	if err != nil {
		return fmt.Errorf("setting current version of %d: %w", id, err)
	}
	return requireOne(res, "entity", id)
}

// Archive operations

const versionColumns = "timestamp, sha1, author, comment, size, deleted, rev_id, storage_key"

func (t *sqliteTx) ArchivedVersions(ctx context.Context, entityID int64, w mirror.Window) ([]*mirror.ArchivedVersion, error) {
	query := "SELECT entity_id, archive_name, " + versionColumns + " FROM archived_versions WHERE entity_id = ?"
	args := []any{entityID}
	if !w.Start.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, toNanos(w.Start))
	}
	if !w.End.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, toNanos(w.End))
	}
	query += " ORDER BY timestamp DESC"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing archived versions: %w", err)
	}
	defer rows.Close()

	var result []*mirror.ArchivedVersion
	for rows.Next() {
		var (
			av    mirror.ArchivedVersion
			nanos int64
			flags int
		)
		if err := rows.Scan(&av.EntityID, &av.ArchiveName, &nanos, &av.SHA1, &av.Author, &av.Comment,
			&av.Size, &flags, &av.RevID, &av.StorageKey); err != nil {
			return nil, fmt.Errorf("listing archived versions: %w", err)
		}
		av.Timestamp = fromNanos(nanos)
		av.Deleted = mirror.DeletedFlags(flags)
		result = append(result, &av)
	}
	return result, rows.Err()
}

func (t *sqliteTx) InsertArchived(ctx context.Context, v *mirror.ArchivedVersion) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO archived_versions (entity_id, archive_name, "+versionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		v.EntityID, v.ArchiveName, toNanos(v.Timestamp), v.SHA1, v.Author, v.Comment, v.Size, int(v.Deleted), v.RevID, v.StorageKey)
	if err != nil {
		return fmt.Errorf("inserting archived version: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteArchived(ctx context.Context, entityID int64, ts time.Time) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM archived_versions WHERE entity_id = ? AND timestamp = ?", entityID, toNanos(ts))
	if err != nil {
		return fmt.Errorf("deleting archived version: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateArchivedFlags(ctx context.Context, entityID int64, ts time.Time, flags mirror.DeletedFlags) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE archived_versions SET deleted = ? WHERE entity_id = ? AND timestamp = ?",
		int(flags), entityID, toNanos(ts))
	if err != nil {
		return fmt.Errorf("updating archived version flags: %w", err)
	}
	return nil
}

// Archived-by-deletion operations

const deletedColumns = "kind, namespace, title, archive_name, page_id, deletion_reason, deletion_user, " + versionColumns

func (t *sqliteTx) DeletedVersion(ctx context.Context, key mirror.DeletedKey) (*mirror.DeletedVersion, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+deletedColumns+" FROM deleted_versions WHERE namespace = ? AND title = ? AND timestamp = ?",
		key.Namespace, key.Title, toNanos(key.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("finding deleted version: %w", err)
	}
	versions, err := scanDeleted(rows)
	if err != nil {
		return nil, fmt.Errorf("finding deleted version: %w", err)
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[0], nil
}

func (t *sqliteTx) DeletedVersions(ctx context.Context, namespace int, title string) ([]*mirror.DeletedVersion, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+deletedColumns+" FROM deleted_versions WHERE namespace = ? AND title = ? ORDER BY timestamp DESC",
		namespace, title)
	if err != nil {
		return nil, fmt.Errorf("listing deleted versions: %w", err)
	}
	versions, err := scanDeleted(rows)
	if err != nil {
		return nil, fmt.Errorf("listing deleted versions: %w", err)
	}
	return versions, nil
}

func (t *sqliteTx) InsertDeleted(ctx context.Context, v *mirror.DeletedVersion) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO deleted_versions ("+deletedColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		string(v.Kind), v.Namespace, v.Title, v.ArchiveName, v.PageID, v.DeletionReason, v.DeletionUser,
		toNanos(v.Timestamp), v.SHA1, v.Author, v.Comment, v.Size, int(v.Deleted), v.RevID, v.StorageKey)
	if err != nil {
		return fmt.Errorf("inserting deleted version: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteDeleted(ctx context.Context, key mirror.DeletedKey) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM deleted_versions WHERE namespace = ? AND title = ? AND timestamp = ?",
		key.Namespace, key.Title, toNanos(key.Timestamp))
	if err != nil {
		return fmt.Errorf("deleting deleted version: %w", err)
	}
	return nil
}

// Scanning helpers

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*mirror.Entity, error) {
	var (
		e          mirror.Entity
		kind       string
		ts         sql.NullInt64
		sha1       sql.NullString
		author     sql.NullString
		comment    sql.NullString
		size       sql.NullInt64
		deleted    sql.NullInt64
		revID      sql.NullInt64
		storageKey sql.NullString
	)
	err := row.Scan(&e.LocalID, &kind, &e.Namespace, &e.Title, &ts, &sha1, &author, &comment, &size, &deleted, &revID, &storageKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Kind = mirror.Kind(kind)
	if ts.Valid {
		e.Current = &mirror.Version{
			Timestamp:  fromNanos(ts.Int64),
			SHA1:       sha1.String,
			Author:     author.String,
			Comment:    comment.String,
			Size:       size.Int64,
			Deleted:    mirror.DeletedFlags(deleted.Int64),
			RevID:      revID.Int64,
			StorageKey: storageKey.String,
		}
	}
	return &e, nil
}

func scanDeleted(rows *sql.Rows) ([]*mirror.DeletedVersion, error) {
	defer rows.Close()

	var result []*mirror.DeletedVersion
	for rows.Next() {
		var (
			dv    mirror.DeletedVersion
			kind  string
			nanos int64
			flags int
		)
		if err := rows.Scan(&kind, &dv.Namespace, &dv.Title, &dv.ArchiveName, &dv.PageID, &dv.DeletionReason, &dv.DeletionUser,
			&nanos, &dv.SHA1, &dv.Author, &dv.Comment, &dv.Size, &flags, &dv.RevID, &dv.StorageKey); err != nil {
			return nil, err
		}
		dv.Kind = mirror.Kind(kind)
		dv.Timestamp = fromNanos(nanos)
		dv.Deleted = mirror.DeletedFlags(flags)
		result = append(result, &dv)
	}
	return result, rows.Err()
}

func requireOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d not found", what, id)
	}
	return nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// Compile-time check that SQLiteStore implements mirror.EntityStore.
var _ mirror.EntityStore = (*SQLiteStore)(nil)
