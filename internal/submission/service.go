// Package submission implements the admission pipeline for new transcription
// requests: self-care gating, staging of uploaded payloads, and routing to
// the owning module's enqueue policy.
package submission

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/hbomb79/Scribe/internal/event"
	"github.com/hbomb79/Scribe/internal/job"
	"github.com/hbomb79/Scribe/internal/module"
	"github.com/hbomb79/Scribe/internal/selfcare"
	"github.com/hbomb79/Scribe/pkg/logger"
)

var (
	log = logger.Get("Submission")

	// ErrJobProcessing rejects deletion of a job that a worker currently owns.
	ErrJobProcessing = errors.New("job currently processing")
)

type (
	// InFlightChecker reports whether a worker currently owns a job. The
	// scheduler provides the production implementation.
	InFlightChecker interface {
		IsRunning(uid string) bool
	}

	// Service admits new jobs and services lookups/deletions on existing
	// ones, on behalf of the HTTP layer.
	Service struct {
		store      *job.Store
		queue      *job.Queue
		modules    *module.Registry
		gate       *selfcare.Gate
		running    InFlightChecker
		eventBus   event.EventCoordinator
		stagingDir string
	}
)

func New(store *job.Store, queue *job.Queue, modules *module.Registry, gate *selfcare.Gate, running InFlightChecker, eventBus event.EventCoordinator, stagingDir string) *Service {
	return &Service{
		store:      store,
		queue:      queue,
		modules:    modules,
		gate:       gate,
		running:    running,
		eventBus:   eventBus,
		stagingDir: stagingDir,
	}
}

// SubmitUpload admits a directly-uploaded payload via the default file
// module. The payload is staged before the job record exists, so a failed
// admission must (and does) clean the staged file up.
func (service *Service) SubmitUpload(priority int32, title *string, payload io.Reader) (string, error) {
	if err := service.gate.Admit(service.queue.Len()); err != nil {
		return "", err
	}

	uid := uuid.NewString()
	if err := service.stage(uid, payload); err != nil {
		return "", err
	}

	entry := job.New(uid, module.FileModuleType, service.modules.FileModule().UID(), priority)
	entry.InitialPrompt = title
	if err := service.modules.FileModule().Enqueue(entry); err != nil {
		service.unstage(uid)
		return "", err
	}

	service.eventBus.Dispatch(event.NewJobEvent, uid)
	return uid, nil
}

// SubmitLink admits a job whose payload will be fetched during
// preprocessing by the module with the given UID.
func (service *Service) SubmitLink(moduleUID string, priority int32, link string, title *string) (string, error) {
	// Host exhaustion is checked before the module is even resolved, so an
	// exhausted host answers the same way regardless of the module given.
	if err := service.gate.Admit(service.queue.Len()); err != nil {
		return "", err
	}

	owner, ok := service.modules.Get(moduleUID)
	if !ok {
		return "", module.ErrModuleNotFound
	}

	uid := uuid.NewString()
	entry := job.New(uid, owner.Type(), owner.UID(), priority)
	entry.SourceLink = &link
	entry.InitialPrompt = title
	if err := owner.Enqueue(entry); err != nil {
		return "", err
	}

	service.eventBus.Dispatch(event.NewJobEvent, uid)
	return uid, nil
}

// Job loads the job with the given UID.
func (service *Service) Job(uid string) (*job.Job, error) {
	return service.store.LoadJob(uid)
}

// Delete removes a job and any queue presence it has. Jobs a worker
// currently owns cannot be deleted; cancel them instead.
func (service *Service) Delete(uid string) error {
	entry, err := service.store.LoadJob(uid)
	if err != nil {
		return err
	}

	if entry.Status.IsInFlight() || service.running.IsRunning(uid) {
		return ErrJobProcessing
	}

	if err := service.store.DeleteJob(uid); err != nil {
		return err
	}

	service.queue.Remove(uid)
	service.unstage(uid)
	log.Infof("Deleted job %s\n", uid)
	return nil
}

// CreateOpencastModule registers a new Opencast module and returns its UID.
func (service *Service) CreateOpencastModule(maxQueueLength int) (string, error) {
	m, err := service.modules.CreateOpencast(maxQueueLength)
	if err != nil {
		return "", err
	}

	return m.UID(), nil
}

// QueueLength is the number of jobs waiting in the queue.
func (service *Service) QueueLength() int {
	return service.queue.Len()
}

func (service *Service) stage(uid string, payload io.Reader) error {
	if err := os.MkdirAll(service.stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	path := module.StagingPath(service.stagingDir, uid)
	dest, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to stage upload: %w", err)
	}

	if _, err := io.Copy(dest, payload); err != nil {
		dest.Close()
		service.unstage(uid)
		return fmt.Errorf("failed to stage upload: %w", err)
	}

	return dest.Close()
}

func (service *Service) unstage(uid string) {
	if err := os.Remove(module.StagingPath(service.stagingDir, uid)); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove staged payload for job %s: %s\n", uid, err)
	}
}
