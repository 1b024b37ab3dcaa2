// Package scheduler owns the dispatch loop: it drains the priority queue,
// holds the in-flight set under the parallelism cap and drives each claimed
// job through preprocessing and transcription on its own worker goroutine.
package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/hbomb79/Scribe/internal/event"
	"github.com/hbomb79/Scribe/internal/job"
	"github.com/hbomb79/Scribe/internal/module"
	"github.com/hbomb79/Scribe/internal/transcriber"
	"github.com/hbomb79/Scribe/pkg/logger"
)

var (
	log = logger.Get("Scheduler")

	ErrJobNotRunning = errors.New("job is not in flight")
)

const popTimeout = 5 * time.Second

type (
	// DataStore is the slice of the job store the scheduler claims and
	// repairs jobs through.
	DataStore interface {
		LoadJob(uid string) (*job.Job, error)
		MarkPrepared(uid string) error
		MarkTerminal(uid string, status job.Status, errorMessage *string) error
	}

	// ModuleResolver finds the live module which owns a job. The module
	// registry provides the production implementation.
	ModuleResolver interface {
		Get(uid string) (module.Module, bool)
	}

	Config struct {
		// ParallelWorkers is the maximum number of jobs that may be in
		// flight at once.
		ParallelWorkers int `yaml:"parallel_workers" env:"parallel_workers" env-default:"1"`

		StagingDir  string `yaml:"staging_dir" env:"STAGING_DIR" env-default:"./data/audioInput"`
		Transcriber transcriber.Config
	}

	// workerHandle is the scheduler's view of one in-flight job.
	workerHandle struct {
		entry *job.Job
		token *transcriber.CancelToken
	}

	// schedulerService claims queued jobs in priority order and runs each one
	// to a terminal state. It is responsible for:
	//   - Enforcing the parallel worker cap
	//   - Durably claiming jobs before any work happens on them
	//   - Routing cancellation requests to the owning worker's token
	//   - Requeueing every in-flight job during graceful shutdown
	schedulerService struct {
		*sync.Mutex
		workerWg *sync.WaitGroup
		config   Config

		store    DataStore
		queue    *job.Queue
		modules  ModuleResolver
		engine   transcriber.Engine
		trStore  transcriber.DataStore
		eventBus event.EventCoordinator

		inFlight map[string]*workerHandle
		slotFree chan struct{}
		draining bool
	}
)

func New(config Config, store DataStore, trStore transcriber.DataStore, queue *job.Queue, modules ModuleResolver, engine transcriber.Engine, eventBus event.EventCoordinator) *schedulerService {
	if config.ParallelWorkers < 1 {
		config.ParallelWorkers = 1
	}

	return &schedulerService{
		Mutex:    &sync.Mutex{},
		workerWg: &sync.WaitGroup{},
		config:   config,
		store:    store,
		trStore:  trStore,
		queue:    queue,
		modules:  modules,
		engine:   engine,
		eventBus: eventBus,
		inFlight: make(map[string]*workerHandle),
		slotFree: make(chan struct{}, config.ParallelWorkers),
	}
}

// Run is the main entry point for this service. It blocks until the provided
// context is cancelled, and then until every in-flight job has been requeued
// or reached a terminal state.
func (service *schedulerService) Run(ctx context.Context) error {
	log.Infof("Dispatch loop started (parallel workers: %d)\n", service.config.ParallelWorkers)

	for {
		if ctx.Err() != nil {
			break
		}

		if service.runningCount() >= service.config.ParallelWorkers {
			select {
			case <-service.slotFree:
			case <-ctx.Done():
			}

			continue
		}

		uid, ok := service.queue.Pop(popTimeout)
		if !ok {
			continue
		}

		if err := service.claim(ctx, uid); err != nil {
			log.Errorf("Failed to claim job %s: %s\n", uid, err)
		}
	}

	log.Emit(logger.STOP, "Shutting down (context cancelled). Requeueing in-flight jobs.\n")
	service.requeueAll()
	service.workerWg.Wait()
	return nil
}

// claim durably marks a popped job as in flight and hands it to a worker
// goroutine. A job that cannot be claimed never occupies a worker slot.
func (service *schedulerService) claim(ctx context.Context, uid string) error {
	entry, err := service.store.LoadJob(uid)
	if err != nil {
		return err
	}

	if err := service.store.MarkPrepared(uid); err != nil {
		return err
	}

	handle := &workerHandle{entry: entry, token: transcriber.NewCancelToken()}

	service.Lock()
	if service.draining {
		service.Unlock()
		// Raced with shutdown: undo the claim so the job survives restart.
		handle.token.Set(transcriber.CancelRequeue)
	} else {
		service.inFlight[uid] = handle
		service.Unlock()
	}

	service.workerWg.Add(1)
	go service.work(ctx, handle)
	return nil
}

// work runs one claimed job to completion: staging via its owning module,
// then transcription. Runs on its own goroutine; always releases the worker
// slot on return.
func (service *schedulerService) work(ctx context.Context, handle *workerHandle) {
	defer service.workerWg.Done()
	defer service.release(handle.entry.UID)

	entry := handle.entry
	owner, ok := service.modules.Get(entry.ModuleUID)
	if !ok {
		service.failBeforeEngine(entry.UID, "owning module not found: "+entry.ModuleUID)
		return
	}

	if !handle.token.IsSet() {
		if err := owner.Preprocess(ctx, entry); err != nil {
			service.failBeforeEngine(entry.UID, "preprocessing failed: "+err.Error())
			return
		}
	}

	runner := transcriber.New(
		service.engine,
		service.trStore,
		service.config.Transcriber,
		entry,
		handle.token,
		module.StagingPath(service.config.StagingDir, entry.UID),
	)

	disposition := runner.Run(ctx)
	log.Debugf("Worker for job %s finished (%s)\n", entry.UID, disposition)

	switch disposition {
	case transcriber.DispositionCompleted:
		service.eventBus.Dispatch(event.JobCompleteEvent, entry.UID)
	case transcriber.DispositionRequeued:
		// Only reachable during shutdown; the queue mirror is rebuilt from
		// the store at next startup so there is nothing to re-push here.
	default:
		service.eventBus.Dispatch(event.JobUpdateEvent, entry.UID)
	}
}

// Cancel requests cancellation of an in-flight job. The request is
// asynchronous: the owning worker observes the token on its next poll and
// tears the engine child down. ErrJobNotRunning is returned when the job is
// not currently in flight.
func (service *schedulerService) Cancel(uid string, mode transcriber.CancelMode) error {
	service.Lock()
	handle, ok := service.inFlight[uid]
	service.Unlock()

	if !ok {
		return ErrJobNotRunning
	}

	handle.token.Set(mode)
	log.Emit(logger.STOP, "Cancellation (%d) requested for in-flight job %s\n", mode, uid)
	return nil
}

// IsRunning reports whether the job with the given UID is currently in flight.
func (service *schedulerService) IsRunning(uid string) bool {
	service.Lock()
	defer service.Unlock()

	_, ok := service.inFlight[uid]
	return ok
}

// QueueDepth is the number of jobs waiting in the queue plus those in flight.
func (service *schedulerService) QueueDepth() int {
	return service.queue.Len() + service.runningCount()
}

// RunningJobs is the number of jobs currently in flight.
func (service *schedulerService) RunningJobs() int {
	return service.runningCount()
}

// ParallelWorkers is the configured worker cap.
func (service *schedulerService) ParallelWorkers() int {
	return service.config.ParallelWorkers
}

func (service *schedulerService) runningCount() int {
	service.Lock()
	defer service.Unlock()

	return len(service.inFlight)
}

// requeueAll flips every in-flight token to requeue mode so that workers
// wind their jobs back to the head of the queue instead of finishing them.
func (service *schedulerService) requeueAll() {
	service.Lock()
	service.draining = true
	handles := make([]*workerHandle, 0, len(service.inFlight))
	for _, handle := range service.inFlight {
		handles = append(handles, handle)
	}
	service.Unlock()

	for _, handle := range handles {
		handle.token.Set(transcriber.CancelRequeue)
	}
}

// failBeforeEngine records a failure that occurred before the transcriber
// took ownership of the job (and with it, responsibility for status writes
// and staging cleanup).
func (service *schedulerService) failBeforeEngine(uid string, message string) {
	log.Errorf("Job %s failed: %s\n", uid, message)
	if err := service.store.MarkTerminal(uid, job.StatusFailed, &message); err != nil {
		log.Errorf("Failed to mark job %s failed: %s\n", uid, err)
	}

	staging := module.StagingPath(service.config.StagingDir, uid)
	if err := os.Remove(staging); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove staged audio for job %s: %s\n", uid, err)
	}

	service.eventBus.Dispatch(event.JobUpdateEvent, uid)
}

func (service *schedulerService) release(uid string) {
	service.Lock()
	delete(service.inFlight, uid)
	service.Unlock()

	select {
	case service.slotFree <- struct{}{}:
	default:
	}
}
