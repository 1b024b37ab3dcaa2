// Package module implements the pluggable job sources. Each module bundles
// an admission policy (applied when a job is enqueued) and a preprocessing
// step (run by a worker immediately before transcription). The concrete
// variant of a persisted module is reconstructed from its module_type tag.
package module

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hbomb79/Scribe/internal/job"
	"github.com/hbomb79/Scribe/pkg/logger"
)

const (
	FileModuleType     = "file"
	OpencastModuleType = "opencast"
)

var (
	ErrModuleNotFound   = errors.New("module does not exist")
	ErrCapExceeded      = errors.New("module queue length cap reached")
	ErrUnknownType      = errors.New("unknown module type")
	ErrPreprocessFailed = errors.New("preprocessing failed")
)

var log = logger.Get("Module")

type (
	// Module is a pluggable source of transcription jobs.
	Module interface {
		UID() string
		Type() string

		// Enqueue makes the module's admission decision for the job and, on
		// success, durably inserts it with status Queued and pushes it on to
		// the queue. Duplicate UIDs are a conflict and mutate nothing.
		Enqueue(j *job.Job) error

		// Preprocess stages the audio for the job at the staging path. On
		// failure nothing may be left behind at the staging path.
		Preprocess(ctx context.Context, j *job.Job) error
	}

	// base carries the store/queue plumbing shared by every variant.
	base struct {
		uid        string
		store      *job.Store
		queue      *job.Queue
		stagingDir string
	}
)

func (m *base) UID() string { return m.uid }

// admit persists the job and mirrors it in to the in-memory queue.
func (m *base) admit(j *job.Job) error {
	if err := m.store.InsertQueued(j); err != nil {
		return err
	}

	if err := m.queue.Push(j); err != nil {
		// The durable insert succeeded, so a mirror conflict means the
		// in-memory state has diverged; the store remains authoritative.
		log.Errorf("Job %s persisted but could not join the queue mirror: %s\n", j.UID, err)
		return err
	}

	log.Emit(logger.NEW, "Queued job %s (priority %d)\n", j.UID, j.Priority)
	return nil
}

// StagingPath is the single filesystem rendezvous point between a job's
// preprocessing and its transcription.
func StagingPath(stagingDir string, uid string) string {
	return filepath.Join(stagingDir, uid)
}

// FromRecord reconstructs the concrete module variant described by the
// persisted record.
func FromRecord(record *job.ModuleRecord, store *job.Store, queue *job.Queue, stagingDir string, fetchTimeout time.Duration) (Module, error) {
	switch record.ModuleType {
	case FileModuleType:
		return newFileModule(record.ModuleUID, store, queue, stagingDir), nil
	case OpencastModuleType:
		maxLen := 10
		if record.MaxQueueLength != nil {
			maxLen = *record.MaxQueueLength
		}
		return newOpencastModule(record.ModuleUID, store, queue, stagingDir, maxLen, fetchTimeout), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, record.ModuleType)
	}
}

// Registry holds the live module instances, keyed by UID. It is the only
// code that constructs modules, keeping Store as the sole owner of their
// persisted identity.
type Registry struct {
	mu           sync.RWMutex
	modules      map[string]Module
	fileModule   Module
	store        *job.Store
	queue        *job.Queue
	stagingDir   string
	fetchTimeout time.Duration
}

func NewRegistry(store *job.Store, queue *job.Queue, stagingDir string, fetchTimeout time.Duration) *Registry {
	return &Registry{
		modules:      make(map[string]Module),
		store:        store,
		queue:        queue,
		stagingDir:   stagingDir,
		fetchTimeout: fetchTimeout,
	}
}

// Bootstrap restores every persisted module, creating the default File
// module on first startup. Unknown module types are logged and skipped
// rather than failing startup.
func (r *Registry) Bootstrap() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.AllModules()
	if err != nil {
		return err
	}

	for _, record := range records {
		m, err := FromRecord(record, r.store, r.queue, r.stagingDir, r.fetchTimeout)
		if err != nil {
			log.Warnf("Skipping persisted module %s: %s\n", record.ModuleUID, err)
			continue
		}

		r.modules[m.UID()] = m
		if m.Type() == FileModuleType && r.fileModule == nil {
			r.fileModule = m
		}
	}

	if r.fileModule == nil {
		m := newFileModule(newModuleUID(), r.store, r.queue, r.stagingDir)
		if err := r.store.SaveModule(&job.ModuleRecord{ModuleUID: m.UID(), ModuleType: FileModuleType}); err != nil {
			return err
		}

		r.modules[m.UID()] = m
		r.fileModule = m
		log.Emit(logger.NEW, "Created default file module %s\n", m.UID())
	}

	return nil
}

// Get returns the live module with the given UID, if it exists.
func (r *Registry) Get(uid string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[uid]
	return m, ok
}

// FileModule returns the default file module used for direct uploads.
func (r *Registry) FileModule() Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fileModule
}

// CreateOpencast registers a fresh Opencast module with the given queue cap
// and persists it.
func (r *Registry) CreateOpencast(maxQueueLength int) (Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := newOpencastModule(newModuleUID(), r.store, r.queue, r.stagingDir, maxQueueLength, r.fetchTimeout)
	if err := r.store.SaveModule(&job.ModuleRecord{
		ModuleUID:      m.UID(),
		ModuleType:     OpencastModuleType,
		MaxQueueLength: &maxQueueLength,
	}); err != nil {
		return nil, err
	}

	r.modules[m.UID()] = m
	log.Emit(logger.NEW, "Created opencast module %s (max queue length %d)\n", m.UID(), maxQueueLength)
	return m, nil
}
