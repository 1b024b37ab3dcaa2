package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hbomb79/Scribe/internal/api"
	"github.com/hbomb79/Scribe/internal/database"
	"github.com/hbomb79/Scribe/internal/event"
	"github.com/hbomb79/Scribe/internal/job"
	"github.com/hbomb79/Scribe/internal/module"
	"github.com/hbomb79/Scribe/internal/scheduler"
	"github.com/hbomb79/Scribe/internal/selfcare"
	"github.com/hbomb79/Scribe/internal/submission"
	"github.com/hbomb79/Scribe/internal/transcriber"
	"github.com/hbomb79/Scribe/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	SchedulerService interface {
		RunnableService
		Cancel(uid string, mode transcriber.CancelMode) error
		IsRunning(uid string) bool
		RunningJobs() int
		ParallelWorkers() int
	}
)

// Scribe represents the top-level object for the server, and is responsible
// for initialising the stores, services, event handling, et cetera...
type scribeImpl struct {
	eventBus event.EventCoordinator
	config   ScribeConfig

	db      database.Manager
	store   *job.Store
	queue   *job.Queue
	modules *module.Registry
	gate    *selfcare.Gate

	schedulerService  SchedulerService
	restGateway       RunnableService
	submissionService *submission.Service

	// syncRequests wakes the sync loop ahead of its ticker when a job
	// finishes, so completed results are checkpointed promptly.
	syncRequests chan struct{}
}

func New(config ScribeConfig) *scribeImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Scribe services using config: %#v\n", config)

	config.SelfCare.ParallelWorkers = config.Scheduler.ParallelWorkers
	db := database.New()
	queue := job.NewQueue()
	store := job.NewStore(db)
	modules := module.NewRegistry(store, queue, config.Scheduler.StagingDir, config.FetchTimeout)
	gate := selfcare.NewGate(config.SelfCare, selfcare.NewHostMonitor())
	engine := transcriber.NewWhisperEngine(config.Whisper)
	eventBus := event.New()

	schedulerService := scheduler.New(config.Scheduler, store, store, queue, modules, engine, eventBus)
	submissionService := submission.New(store, queue, modules, gate, schedulerService, eventBus, config.Scheduler.StagingDir)

	scribe := &scribeImpl{
		eventBus:          eventBus,
		config:            config,
		db:                db,
		store:             store,
		queue:             queue,
		modules:           modules,
		gate:              gate,
		schedulerService:  schedulerService,
		submissionService: submissionService,
		syncRequests:      make(chan struct{}, 1),
	}

	scribe.restGateway = api.NewRestGateway(&config.Rest, submissionService, submissionService, scribe)
	scribe.registerEventHandlers()
	return scribe
}

// registerEventHandlers connects the event bus to the parts of Scribe that
// react to job lifecycle changes: admissions and updates are surfaced in the
// server log, and a completed job forces an immediate store checkpoint
// instead of waiting out the periodic sync interval.
func (scribe *scribeImpl) registerEventHandlers() {
	scribe.eventBus.RegisterAsyncHandlerFunction(event.NewJobEvent, func(_ event.Event, payload event.Payload) {
		log.Emit(logger.NEW, "Job %v admitted to the queue\n", payload)
	})

	scribe.eventBus.RegisterAsyncHandlerFunction(event.JobUpdateEvent, func(_ event.Event, payload event.Payload) {
		log.Infof("Job %v changed state\n", payload)
	})

	scribe.eventBus.RegisterHandlerFunction(event.JobCompleteEvent, scribe.onJobComplete)
}

// onJobComplete runs on the dispatching worker's goroutine, so it only nudges
// the sync loop rather than checkpointing inline.
func (scribe *scribeImpl) onJobComplete(_ event.Event, payload event.Payload) {
	log.Emit(logger.SUCCESS, "Job %v finished transcription\n", payload)

	select {
	case scribe.syncRequests <- struct{}{}:
	default:
	}
}

// Run will start all of Scribe by bringing up the database connection,
// restoring persisted state, and spawning the services.
//
// This function will not return until Scribe is stopped. To stop Scribe, the
// provided context must be cancelled. Errors from which Scribe cannot
// recover will also cause it to stop.
func (scribe *scribeImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := scribe.db.Connect(scribe.config.Database); err != nil {
		return err
	}

	log.Emit(logger.NEW, "Restoring persisted state...\n")
	if err := scribe.store.Reconstruct(); err != nil {
		return fmt.Errorf("failed to restore persisted state: %w", err)
	}

	if err := scribe.modules.Bootstrap(); err != nil {
		return fmt.Errorf("failed to restore modules: %w", err)
	}

	if err := scribe.rebuildQueueMirror(); err != nil {
		return fmt.Errorf("failed to rebuild queue: %w", err)
	}

	wg := &sync.WaitGroup{}
	scribe.spawnAsyncService(ctx, wg, scribe.schedulerService, "scheduler-service", crashHandler)
	scribe.spawnAsyncService(ctx, wg, scribe.restGateway, "rest-gateway", crashHandler)
	scribe.spawnSyncLoop(ctx, wg)
	log.Emit(logger.SUCCESS, "Scribe services spawned!\n")

	wg.Wait()

	log.Emit(logger.STOP, "Syncing store before exit...\n")
	if err := scribe.store.Sync(); err != nil {
		log.Errorf("Final store sync failed: %s\n", err)
	}

	return nil
}

// SystemStatus assembles the operator report from the live services.
func (scribe *scribeImpl) SystemStatus() selfcare.SystemStatus {
	return scribe.gate.Status(scribe.queue.Len(), scribe.schedulerService.RunningJobs())
}

// rebuildQueueMirror fills the in-memory queue from the durable queue
// relation. Jobs requeued by crash recovery surface here too.
func (scribe *scribeImpl) rebuildQueueMirror() error {
	_, entries, refs, err := scribe.store.LoadAll()
	if err != nil {
		return err
	}

	createdAt := make(map[string]int64, len(entries))
	for _, entry := range entries {
		createdAt[entry.UID] = entry.CreatedAt
	}

	for _, ref := range refs {
		if err := scribe.queue.PushRef(ref, createdAt[ref.JobUID]); err != nil {
			log.Warnf("Failed to restore job %s to the queue: %s\n", ref.JobUID, err)
		}
	}

	log.Infof("Restored %d queued job(s)\n", scribe.queue.Len())
	return nil
}

// spawnAsyncService will run the provided function/service as its own
// go-routine, ensuring that the service waitgroup is updated correctly.
func (scribe *scribeImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// spawnSyncLoop checkpoints the store periodically, and immediately when a
// job completion event requests it, so that an unclean exit loses as little
// as possible.
func (scribe *scribeImpl) spawnSyncLoop(ctx context.Context, wg *sync.WaitGroup) {
	interval := scribe.config.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-scribe.syncRequests:
			case <-ctx.Done():
				return
			}

			if err := scribe.store.Sync(); err != nil {
				log.Warnf("Store sync failed: %s\n", err)
			}
		}
	}()
}
