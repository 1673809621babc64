package catalog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a task update names a status that the
// transition table forbids from the task's current status.
var ErrIllegalTransition = errors.New("illegal task transition")

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	human_readable_id TEXT NOT NULL,
	inference_server_url TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	delete_locally INTEGER NOT NULL DEFAULT 1,
	delete_remotely INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS triggers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	study_description_pattern TEXT NOT NULL DEFAULT '',
	series_description_pattern TEXT NOT NULL DEFAULT '',
	sop_class_uid_exact TEXT NOT NULL DEFAULT '',
	exclude_pattern TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS destinations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	ae_title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fingerprint_triggers (
	fingerprint_id INTEGER NOT NULL REFERENCES fingerprints(id) ON DELETE CASCADE,
	trigger_id INTEGER NOT NULL REFERENCES triggers(id) ON DELETE CASCADE,
	PRIMARY KEY (fingerprint_id, trigger_id)
);

CREATE TABLE IF NOT EXISTS fingerprint_destinations (
	fingerprint_id INTEGER NOT NULL REFERENCES fingerprints(id) ON DELETE CASCADE,
	destination_id INTEGER NOT NULL REFERENCES destinations(id) ON DELETE CASCADE,
	PRIMARY KEY (fingerprint_id, destination_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint_id INTEGER NOT NULL REFERENCES fingerprints(id),
	status INTEGER NOT NULL DEFAULT 0,
	inference_server_uid TEXT NOT NULL DEFAULT '',
	input_archive TEXT NOT NULL,
	output_archive TEXT NOT NULL,
	deleted_local INTEGER NOT NULL DEFAULT 0,
	deleted_remote INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`

// Store is the persistent catalog backing the pipeline: fingerprints with
// their triggers and destinations, and the task state machine. All writes are
// transactional and Store is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dataDir string
}

// SQLite / go-sqlite3 is a bit fickle about raced opens of a newly created
// database, often returning "database is locked" errors. We can resolve by
// ensuring one sql.Open completes before the next starts.
var sqliteOpenMu sync.Mutex

// Open opens the catalog under baseDir, creating its directory layout and
// migrating the schema as needed. The database lives at <baseDir>/db/database.db
// and per-task storage folders are allocated under <baseDir>/data/.
func Open(ctx context.Context, baseDir string) (*Store, error) {
	var dbDir = filepath.Join(baseDir, "db")
	var dataDir = filepath.Join(baseDir, "data")
	for _, dir := range []string{dbDir, dataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	var path = filepath.Join(dbDir, "database.db")
	log.WithField("path", path).Info("opening catalog database")

	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err == nil {
		err = db.PingContext(ctx)
	}
	sqliteOpenMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("opening catalog database %q: %w", path, err)
	}
	if _, err = db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog schema: %w", err)
	}
	return &Store{db: db, dataDir: dataDir}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AddFingerprint inserts a fingerprint. Its Triggers and Destinations fields
// are ignored; relations are built with AddTrigger and AttachDestination.
func (s *Store) AddFingerprint(ctx context.Context, fp Fingerprint) (Fingerprint, error) {
	if fp.HumanReadableID == "" {
		return Fingerprint{}, errors.New("fingerprint requires a human_readable_id")
	}
	if fp.InferenceServerURL == "" {
		return Fingerprint{}, errors.New("fingerprint requires an inference_server_url")
	}
	var res, err = s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (human_readable_id, inference_server_url, version, description, delete_locally, delete_remotely)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fp.HumanReadableID, fp.InferenceServerURL, fp.Version, fp.Description, fp.DeleteLocally, fp.DeleteRemotely)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("inserting fingerprint: %w", err)
	}
	if fp.ID, err = res.LastInsertId(); err != nil {
		return Fingerprint{}, err
	}
	fp.Triggers, fp.Destinations = []Trigger{}, []Destination{}
	return fp, nil
}

// AddTrigger inserts a trigger and joins it to the given fingerprint. Pattern
// fields must be valid regular expressions.
func (s *Store) AddTrigger(ctx context.Context, fingerprintID int64, t Trigger) (Trigger, error) {
	for field, pattern := range map[string]string{
		"study_description_pattern":  t.StudyDescriptionPattern,
		"series_description_pattern": t.SeriesDescriptionPattern,
		"exclude_pattern":            t.ExcludePattern,
	} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return Trigger{}, fmt.Errorf("compiling %s: %w", field, err)
		}
	}

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return Trigger{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err = requireRow(tx.QueryRowContext(ctx,
		"SELECT 1 FROM fingerprints WHERE id = ?", fingerprintID), "fingerprint", fingerprintID); err != nil {
		return Trigger{}, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO triggers (study_description_pattern, series_description_pattern, sop_class_uid_exact, exclude_pattern)
		 VALUES (?, ?, ?, ?)`,
		t.StudyDescriptionPattern, t.SeriesDescriptionPattern, t.SOPClassUIDExact, t.ExcludePattern)
	if err != nil {
		return Trigger{}, fmt.Errorf("inserting trigger: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return Trigger{}, err
	}
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO fingerprint_triggers (fingerprint_id, trigger_id) VALUES (?, ?)",
		fingerprintID, t.ID); err != nil {
		return Trigger{}, fmt.Errorf("joining trigger to fingerprint %d: %w", fingerprintID, err)
	}
	t.FingerprintID = fingerprintID
	return t, tx.Commit()
}

// AddDestination inserts a destination. A non-zero fingerprintID additionally
// joins it to that fingerprint.
func (s *Store) AddDestination(ctx context.Context, d Destination, fingerprintID int64) (Destination, error) {
	if d.Host == "" || d.Port == 0 || d.AETitle == "" {
		return Destination{}, errors.New("destination requires host, port, and ae_title")
	}
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return Destination{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO destinations (host, port, ae_title) VALUES (?, ?, ?)",
		d.Host, d.Port, d.AETitle)
	if err != nil {
		return Destination{}, fmt.Errorf("inserting destination: %w", err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return Destination{}, err
	}
	if fingerprintID != 0 {
		if err = requireRow(tx.QueryRowContext(ctx,
			"SELECT 1 FROM fingerprints WHERE id = ?", fingerprintID), "fingerprint", fingerprintID); err != nil {
			return Destination{}, err
		}
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO fingerprint_destinations (fingerprint_id, destination_id) VALUES (?, ?)",
			fingerprintID, d.ID); err != nil {
			return Destination{}, fmt.Errorf("joining destination to fingerprint %d: %w", fingerprintID, err)
		}
	}
	return d, tx.Commit()
}

// AttachDestination joins an existing destination to an existing fingerprint.
// Attaching twice is a no-op.
func (s *Store) AttachDestination(ctx context.Context, fingerprintID, destinationID int64) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err = requireRow(tx.QueryRowContext(ctx,
		"SELECT 1 FROM fingerprints WHERE id = ?", fingerprintID), "fingerprint", fingerprintID); err != nil {
		return err
	}
	if err = requireRow(tx.QueryRowContext(ctx,
		"SELECT 1 FROM destinations WHERE id = ?", destinationID), "destination", destinationID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO fingerprint_destinations (fingerprint_id, destination_id) VALUES (?, ?)",
		fingerprintID, destinationID); err != nil {
		return fmt.Errorf("joining destination %d to fingerprint %d: %w", destinationID, fingerprintID, err)
	}
	return tx.Commit()
}

// DeleteFingerprint removes a fingerprint, its triggers, and its join rows.
// Destinations themselves are kept.
func (s *Store) DeleteFingerprint(ctx context.Context, id int64) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM triggers WHERE id IN (SELECT trigger_id FROM fingerprint_triggers WHERE fingerprint_id = ?)",
		"DELETE FROM fingerprint_triggers WHERE fingerprint_id = ?",
		"DELETE FROM fingerprint_destinations WHERE fingerprint_id = ?",
	} {
		if _, err = tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("cascading fingerprint %d: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM fingerprints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting fingerprint %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("fingerprint %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// DeleteTrigger removes a trigger and its join row.
func (s *Store) DeleteTrigger(ctx context.Context, id int64) error {
	return s.deleteJoined(ctx, "triggers", "fingerprint_triggers", "trigger_id", id)
}

// DeleteDestination removes a destination and any join rows referencing it.
func (s *Store) DeleteDestination(ctx context.Context, id int64) error {
	return s.deleteJoined(ctx, "destinations", "fingerprint_destinations", "destination_id", id)
}

func (s *Store) deleteJoined(ctx context.Context, table, joinTable, joinColumn string, id int64) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", joinTable, joinColumn), id); err != nil {
		return fmt.Errorf("deleting %s join rows: %w", table, err)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%s row %d: %w", table, id, ErrNotFound)
	}
	return tx.Commit()
}

const fingerprintColumns = `SELECT id, human_readable_id, inference_server_url, version, description, delete_locally, delete_remotely FROM fingerprints`

// Fingerprints returns every fingerprint with its triggers and destinations,
// in insertion order.
func (s *Store) Fingerprints(ctx context.Context) ([]Fingerprint, error) {
	var rows, err = s.db.QueryContext(ctx, fingerprintColumns+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	defer rows.Close()

	var out = []Fingerprint{}
	var index = make(map[int64]int)
	for rows.Next() {
		var fp = Fingerprint{Triggers: []Trigger{}, Destinations: []Destination{}}
		if err = rows.Scan(&fp.ID, &fp.HumanReadableID, &fp.InferenceServerURL,
			&fp.Version, &fp.Description, &fp.DeleteLocally, &fp.DeleteRemotely); err != nil {
			return nil, err
		}
		index[fp.ID] = len(out)
		out = append(out, fp)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	triggers, err := s.db.QueryContext(ctx,
		`SELECT t.id, ft.fingerprint_id, t.study_description_pattern, t.series_description_pattern, t.sop_class_uid_exact, t.exclude_pattern
		 FROM triggers t JOIN fingerprint_triggers ft ON ft.trigger_id = t.id ORDER BY t.id`)
	if err != nil {
		return nil, fmt.Errorf("querying triggers: %w", err)
	}
	defer triggers.Close()
	for triggers.Next() {
		var t Trigger
		if err = triggers.Scan(&t.ID, &t.FingerprintID, &t.StudyDescriptionPattern,
			&t.SeriesDescriptionPattern, &t.SOPClassUIDExact, &t.ExcludePattern); err != nil {
			return nil, err
		}
		if i, ok := index[t.FingerprintID]; ok {
			out[i].Triggers = append(out[i].Triggers, t)
		}
	}
	if err = triggers.Err(); err != nil {
		return nil, err
	}

	dests, err := s.db.QueryContext(ctx,
		`SELECT d.id, fd.fingerprint_id, d.host, d.port, d.ae_title
		 FROM destinations d JOIN fingerprint_destinations fd ON fd.destination_id = d.id ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("querying destinations: %w", err)
	}
	defer dests.Close()
	for dests.Next() {
		var d Destination
		var fingerprintID int64
		if err = dests.Scan(&d.ID, &fingerprintID, &d.Host, &d.Port, &d.AETitle); err != nil {
			return nil, err
		}
		if i, ok := index[fingerprintID]; ok {
			out[i].Destinations = append(out[i].Destinations, d)
		}
	}
	return out, dests.Err()
}

// Fingerprint returns one fingerprint with its relations.
func (s *Store) Fingerprint(ctx context.Context, id int64) (Fingerprint, error) {
	var fps, err = s.Fingerprints(ctx)
	if err != nil {
		return Fingerprint{}, err
	}
	for _, fp := range fps {
		if fp.ID == id {
			return fp, nil
		}
	}
	return Fingerprint{}, fmt.Errorf("fingerprint %d: %w", id, ErrNotFound)
}

// Destinations returns every destination in insertion order.
func (s *Store) Destinations(ctx context.Context) ([]Destination, error) {
	var rows, err = s.db.QueryContext(ctx, "SELECT id, host, port, ae_title FROM destinations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying destinations: %w", err)
	}
	defer rows.Close()

	var out = []Destination{}
	for rows.Next() {
		var d Destination
		if err = rows.Scan(&d.ID, &d.Host, &d.Port, &d.AETitle); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddTask creates a task for the fingerprint in status PENDING, allocating a
// fresh storage folder named by a cryptographically random 8-byte token.
func (s *Store) AddTask(ctx context.Context, fingerprintID int64) (Task, error) {
	var token = make([]byte, 8)
	if _, err := rand.Read(token); err != nil {
		return Task{}, fmt.Errorf("generating task token: %w", err)
	}
	var folder = filepath.Join(s.dataDir, hex.EncodeToString(token))
	if err := os.MkdirAll(folder, 0755); err != nil {
		return Task{}, fmt.Errorf("creating task folder: %w", err)
	}
	var task = Task{
		FingerprintID: fingerprintID,
		Status:        StatusPending,
		InputArchive:  filepath.Join(folder, "input.tar"),
		OutputArchive: filepath.Join(folder, "output.tar"),
		CreatedAt:     time.Now().UTC(),
	}
	var res, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (fingerprint_id, status, inference_server_uid, input_archive, output_archive, deleted_local, deleted_remote, created_at)
		 VALUES (?, ?, '', ?, ?, 0, 0, ?)`,
		task.FingerprintID, task.Status, task.InputArchive, task.OutputArchive, task.CreatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("inserting task: %w", err)
	}
	if task.ID, err = res.LastInsertId(); err != nil {
		return Task{}, err
	}
	return task, nil
}

// UpdateTask applies the update under a transaction, enforcing the status
// transition table and at-most-once assignment of the inference server uid.
// It returns the updated task.
func (s *Store) UpdateTask(ctx context.Context, id int64, update TaskUpdate) (Task, error) {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, taskColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	} else if err != nil {
		return Task{}, err
	}

	if update.InferenceServerUID != nil {
		if task.InferenceServerUID != "" && task.InferenceServerUID != *update.InferenceServerUID {
			return Task{}, fmt.Errorf("task %d: inference server uid is already assigned", id)
		}
		task.InferenceServerUID = *update.InferenceServerUID
	}
	if update.Status != nil {
		if !CanTransition(task.Status, *update.Status) {
			return Task{}, fmt.Errorf("task %d: %w: %s -> %s", id, ErrIllegalTransition, task.Status, *update.Status)
		}
		task.Status = *update.Status
	}
	if update.DeletedLocal != nil {
		task.DeletedLocal = *update.DeletedLocal
	}
	if update.DeletedRemote != nil {
		task.DeletedRemote = *update.DeletedRemote
	}

	if _, err = tx.ExecContext(ctx,
		"UPDATE tasks SET status = ?, inference_server_uid = ?, deleted_local = ?, deleted_remote = ? WHERE id = ?",
		task.Status, task.InferenceServerUID, task.DeletedLocal, task.DeletedRemote, id); err != nil {
		return Task{}, fmt.Errorf("updating task %d: %w", id, err)
	}
	return task, tx.Commit()
}

const taskColumns = `SELECT id, fingerprint_id, status, inference_server_uid, input_archive, output_archive, deleted_local, deleted_remote, created_at FROM tasks`

// Task returns one task by id.
func (s *Store) Task(ctx context.Context, id int64) (Task, error) {
	var task, err = scanTask(s.db.QueryRowContext(ctx, taskColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return task, err
}

// Tasks returns every task in insertion order.
func (s *Store) Tasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, taskColumns+" ORDER BY id")
}

// TasksByStatus returns tasks in the given status, in insertion order.
func (s *Store) TasksByStatus(ctx context.Context, status Status) ([]Task, error) {
	return s.queryTasks(ctx, taskColumns+" WHERE status = ? ORDER BY id", status)
}

// ActiveTasks returns tasks that have not reached FAILED or a terminal status.
func (s *Store) ActiveTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, taskColumns+" WHERE status NOT IN (?, ?, ?) ORDER BY id",
		StatusFailed, StatusSucceeded, StatusFailedCleaned)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	var rows, err = s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out = []Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var err = row.Scan(&task.ID, &task.FingerprintID, &task.Status, &task.InferenceServerUID,
		&task.InputArchive, &task.OutputArchive, &task.DeletedLocal, &task.DeletedRemote, &task.CreatedAt)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func requireRow(row rowScanner, entity string, id int64) error {
	var one int
	if err := row.Scan(&one); errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
	} else if err != nil {
		return err
	}
	return nil
}
