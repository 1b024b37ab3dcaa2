package job

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/hbomb79/Scribe/internal/database"
	"github.com/hbomb79/Scribe/pkg/logger"
	"github.com/jmoiron/sqlx"
)

var (
	ErrJobNotFound    = errors.New("job does not exist")
	ErrJobExists      = errors.New("job already exists")
	ErrModuleNotFound = errors.New("module does not exist")
	ErrInvalidField   = errors.New("unknown job attribute")
	ErrIllegalStatus  = errors.New("illegal status transition")
)

var log = logger.Get("JobStore")

// updatableFields is the set of job attributes which UpdateJob will accept.
// Anything else is rejected with ErrInvalidField.
var updatableFields = map[string]bool{
	"status":           true,
	"priority":         true,
	"initial_prompt":   true,
	"whisper_result":   true,
	"whisper_language": true,
	"whisper_model":    true,
	"error_message":    true,
	"started_at":       true,
	"completed_at":     true,
}

type (
	// ModuleRecord is the persisted shape of a module; the module package
	// reconstructs the concrete variant from the ModuleType discriminator.
	ModuleRecord struct {
		ModuleUID      string `db:"module_uid"`
		ModuleType     string `db:"module_type"`
		QueuedOrActive int    `db:"queued_or_active"`
		MaxQueueLength *int   `db:"max_queue_length"`
		CreatedAt      int64  `db:"created_at"`
		UpdatedAt      int64  `db:"updated_at"`
	}

	// QueueRef is a persisted (job, priority) queue reference.
	QueueRef struct {
		JobUID   string `db:"job_uid"`
		Priority int32  `db:"priority"`
		AddedAt  int64  `db:"added_at"`
	}

	// Stats is a point-in-time report of the store contents.
	Stats struct {
		StatusCounts map[Status]int
		QueueLength  int
	}

	// Store is the single owner of all durable state: modules, jobs and the
	// persisted queue references. Every mutating call is durable on return
	// (sqlite WAL); it is safe for concurrent use by the scheduler, the
	// workers and the HTTP handlers.
	Store struct {
		db database.Manager
	}
)

func NewStore(db database.Manager) *Store {
	return &Store{db: db}
}

// --- Modules ---

// SaveModule upserts the provided module record.
func (store *Store) SaveModule(record *ModuleRecord) error {
	now := time.Now().Unix()
	_, err := store.db.GetSqlxDb().Exec(`
		INSERT INTO modules(module_uid, module_type, queued_or_active, max_queue_length, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(module_uid) DO UPDATE SET
			module_type=excluded.module_type,
			max_queue_length=excluded.max_queue_length,
			updated_at=excluded.updated_at
	`, record.ModuleUID, record.ModuleType, record.QueuedOrActive, record.MaxQueueLength, now, now)
	if err != nil {
		return fmt.Errorf("failed to save module %s: %w", record.ModuleUID, err)
	}

	return nil
}

func (store *Store) GetModule(uid string) (*ModuleRecord, error) {
	var record ModuleRecord
	if err := store.db.GetSqlxDb().Get(&record, "SELECT * FROM modules WHERE module_uid=?", uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModuleNotFound
		}

		return nil, err
	}

	return &record, nil
}

func (store *Store) AllModules() ([]*ModuleRecord, error) {
	records := make([]*ModuleRecord, 0)
	if err := store.db.GetSqlxDb().Select(&records, "SELECT * FROM modules ORDER BY created_at"); err != nil {
		return nil, err
	}

	return records, nil
}

// adjustModuleActive moves the queued_or_active counter by delta inside the
// provided transaction. The counter is clamped at zero by the schema CHECK,
// so a double decrement surfaces as an error rather than a silent drift.
func adjustModuleActive(tx *sqlx.Tx, moduleUID string, delta int) error {
	res, err := tx.Exec(`
		UPDATE modules SET queued_or_active=queued_or_active+?, updated_at=? WHERE module_uid=?
	`, delta, time.Now().Unix(), moduleUID)
	if err != nil {
		return fmt.Errorf("failed to adjust active count for module %s: %w", moduleUID, err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrModuleNotFound
	}

	return nil
}

// --- Jobs ---

// InsertQueued persists a brand-new job with status Queued, pushes its queue
// reference, and increments the owning module's queued_or_active counter -
// all in one transaction so a crash can never observe a half-admitted job.
// A duplicate UID is a conflict and leaves the store untouched.
func (store *Store) InsertQueued(j *Job) error {
	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		var count int
		if err := tx.Get(&count, "SELECT COUNT(*) FROM jobs WHERE uid=?", j.UID); err != nil {
			return err
		}
		if count > 0 {
			return ErrJobExists
		}

		now := time.Now().Unix()
		j.Status = StatusQueued
		j.UpdatedAt = now

		if _, err := tx.Exec(`
			INSERT INTO jobs(uid, module_type, module_uid, status, priority, source_link, initial_prompt, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.UID, j.ModuleType, j.ModuleUID, j.Status, j.Priority, j.SourceLink, j.InitialPrompt, j.CreatedAt, j.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", j.UID, err)
		}

		if _, err := tx.Exec(`
			INSERT INTO queue(job_uid, priority, added_at) VALUES (?, ?, ?)
		`, j.UID, j.Priority, now); err != nil {
			return fmt.Errorf("failed to insert queue reference for job %s: %w", j.UID, err)
		}

		return adjustModuleActive(tx, j.ModuleUID, 1)
	})
}

func (store *Store) LoadJob(uid string) (*Job, error) {
	var j Job
	if err := store.db.GetSqlxDb().Get(&j, "SELECT * FROM jobs WHERE uid=?", uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}

		return nil, err
	}

	return &j, nil
}

func (store *Store) ExistsJob(uid string) bool {
	var count int
	if err := store.db.GetSqlxDb().Get(&count, "SELECT COUNT(*) FROM jobs WHERE uid=?", uid); err != nil {
		return false
	}

	return count > 0
}

// DeleteJob removes the job row and any queue reference it still holds. If
// the job was still consuming its module's queue budget (Queued or in-flight)
// then the counter is released too.
func (store *Store) DeleteJob(uid string) error {
	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		var j Job
		if err := tx.Get(&j, "SELECT * FROM jobs WHERE uid=?", uid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}

			return err
		}

		if _, err := tx.Exec("DELETE FROM queue WHERE job_uid=?", uid); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM jobs WHERE uid=?", uid); err != nil {
			return err
		}

		if !j.Status.IsTerminal() {
			return adjustModuleActive(tx, j.ModuleUID, -1)
		}

		return nil
	})
}

// UpdateJob atomically applies the provided field set to the job. Unknown
// attributes fail with ErrInvalidField; an unknown UID fails with
// ErrJobNotFound. The whisper_result value may be any JSON-serialisable tree
// containing floats and nested arrays.
func (store *Store) UpdateJob(uid string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	setMap := make(map[string]any, len(fields)+1)
	for field, value := range fields {
		if !updatableFields[field] {
			return fmt.Errorf("%w: %s", ErrInvalidField, field)
		}

		if field == "whisper_result" {
			switch result := value.(type) {
			case *Result:
				value = database.NewJsonColumn(result)
			case Result:
				value = database.NewJsonColumn(&result)
			}
		}

		setMap[field] = value
	}
	setMap["updated_at"] = time.Now().Unix()

	query, args, err := squirrel.Update("jobs").SetMap(setMap).Where(squirrel.Eq{"uid": uid}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct job update query: %w", err)
	}

	res, err := store.db.GetSqlxDb().Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", uid, err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}

	return nil
}

// Transition moves the job to the next status, enforcing the monotonic
// progression, optionally applying extra fields in the same write.
func (store *Store) Transition(uid string, next Status, extraFields map[string]any) error {
	current, err := store.LoadJob(uid)
	if err != nil {
		return err
	}

	if !current.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for job %s", ErrIllegalStatus, current.Status, next, uid)
	}

	fields := map[string]any{"status": next}
	for field, value := range extraFields {
		fields[field] = value
	}

	return store.UpdateJob(uid, fields)
}

// MarkPrepared transitions a queued job to Prepared and removes its queue
// reference in the same transaction, keeping the queue table's invariant
// (every referenced job has status Queued) intact across a crash.
func (store *Store) MarkPrepared(uid string) error {
	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs SET status=?, updated_at=? WHERE uid=? AND status=?
		`, StatusPrepared, time.Now().Unix(), uid, StatusQueued)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return ErrJobNotFound
		}

		_, err = tx.Exec("DELETE FROM queue WHERE job_uid=?", uid)
		return err
	})
}

// MarkTerminal transitions the job in to the given terminal state, records
// completed_at, releases the module's queue budget and drops any lingering
// queue reference.
func (store *Store) MarkTerminal(uid string, status Status, errorMessage *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrIllegalStatus, status)
	}

	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		var j Job
		if err := tx.Get(&j, "SELECT * FROM jobs WHERE uid=?", uid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}

			return err
		}

		if !j.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s for job %s", ErrIllegalStatus, j.Status, status, uid)
		}

		now := time.Now().Unix()
		if _, err := tx.Exec(`
			UPDATE jobs SET status=?, error_message=?, completed_at=?, updated_at=? WHERE uid=?
		`, status, errorMessage, now, now, uid); err != nil {
			return err
		}

		if _, err := tx.Exec("DELETE FROM queue WHERE job_uid=?", uid); err != nil {
			return err
		}

		return adjustModuleActive(tx, j.ModuleUID, -1)
	})
}

// RequeueAtHead returns an in-flight (or queued) job to the queue at
// priority zero. Used for requeue-on-shutdown and crash recovery, so the
// write is transactional: a kill mid-requeue leaves the job either still
// in-flight (and recovered at next startup) or fully requeued.
func (store *Store) RequeueAtHead(uid string) error {
	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs SET status=?, priority=0, updated_at=? WHERE uid=?
		`, StatusQueued, time.Now().Unix(), uid)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return ErrJobNotFound
		}

		_, err = tx.Exec(`
			INSERT INTO queue(job_uid, priority, added_at) VALUES (?, 0, ?)
			ON CONFLICT(job_uid) DO UPDATE SET priority=0
		`, uid, time.Now().Unix())
		return err
	})
}

// RemoveFromQueue drops the persisted queue reference for the given job.
func (store *Store) RemoveFromQueue(uid string) error {
	_, err := store.db.GetSqlxDb().Exec("DELETE FROM queue WHERE job_uid=?", uid)
	return err
}

// --- Startup ---

// LoadAll returns the full persisted state: all modules, all jobs, and the
// queue references ordered by (priority, added_at). Called once at startup.
func (store *Store) LoadAll() ([]*ModuleRecord, []*Job, []QueueRef, error) {
	modules, err := store.AllModules()
	if err != nil {
		return nil, nil, nil, err
	}

	jobs := make([]*Job, 0)
	if err := store.db.GetSqlxDb().Select(&jobs, "SELECT * FROM jobs ORDER BY created_at"); err != nil {
		return nil, nil, nil, err
	}

	refs := make([]QueueRef, 0)
	if err := store.db.GetSqlxDb().Select(&refs, "SELECT job_uid, priority, added_at FROM queue ORDER BY priority, added_at, id"); err != nil {
		return nil, nil, nil, err
	}

	return modules, jobs, refs, nil
}

// Reconstruct repairs the store after a restart: jobs which were in-flight
// when the process died are returned to the queue at priority zero, and
// queue references whose job row has gone missing are logged and dropped.
// Corruption here is never fatal.
func (store *Store) Reconstruct() error {
	_, jobs, refs, err := store.LoadAll()
	if err != nil {
		return err
	}

	known := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		known[j.UID] = j
	}

	for _, ref := range refs {
		if _, ok := known[ref.JobUID]; !ok {
			log.Warnf("Queue references job %s which does not exist... dropping stray reference\n", ref.JobUID)
			if err := store.RemoveFromQueue(ref.JobUID); err != nil {
				return err
			}
		}
	}

	referenced := make(map[string]bool, len(refs))
	for _, ref := range refs {
		referenced[ref.JobUID] = true
	}

	for _, j := range jobs {
		if j.Status.IsInFlight() {
			log.Emit(logger.WARNING, "Job %s was in-flight during last shutdown... requeueing at priority 0\n", j.UID)
			if err := store.RequeueAtHead(j.UID); err != nil {
				return err
			}
		} else if j.Status == StatusQueued && !referenced[j.UID] {
			// The process died between popping the job and admitting it.
			log.Warnf("Queued job %s had no queue reference... restoring it\n", j.UID)
			if err := store.RequeueAtHead(j.UID); err != nil {
				return err
			}
		}
	}

	return nil
}

// --- Introspection ---

func (store *Store) Stats() (*Stats, error) {
	rows := make([]struct {
		Status Status `db:"status"`
		Count  int    `db:"count"`
	}, 0)
	if err := store.db.GetSqlxDb().Select(&rows, "SELECT status, COUNT(*) AS count FROM jobs GROUP BY status"); err != nil {
		return nil, err
	}

	stats := &Stats{StatusCounts: make(map[Status]int)}
	for _, row := range rows {
		stats.StatusCounts[row.Status] = row.Count
	}

	if err := store.db.GetSqlxDb().Get(&stats.QueueLength, "SELECT COUNT(*) FROM queue"); err != nil {
		return nil, err
	}

	return stats, nil
}

// Sync forces a durable checkpoint of the write-ahead log.
func (store *Store) Sync() error {
	return store.db.Checkpoint()
}
