// Package transcriber is the supervision core: it runs the blocking
// speech-to-text engine for one job inside a child process so that
// cancellation can be honoured even though the engine call itself cannot be
// interrupted in-process.
package transcriber

import (
	"context"
	"os"
	"time"

	"github.com/hbomb79/Scribe/internal/job"
	"github.com/hbomb79/Scribe/pkg/logger"
)

var log = logger.Get("Transcriber")

// Disposition is the final fate of one transcription run.
type Disposition int

const (
	DispositionCompleted Disposition = iota
	DispositionFailed
	DispositionCanceled
	DispositionRequeued
)

func (d Disposition) String() string {
	return []string{"completed", "failed", "canceled", "requeued"}[d]
}

type (
	// DataStore is the slice of the job store the transcriber writes
	// through. Status transitions performed here are durable on return.
	DataStore interface {
		UpdateJob(uid string, fields map[string]any) error
		Transition(uid string, next job.Status, extraFields map[string]any) error
		MarkTerminal(uid string, status job.Status, errorMessage *string) error
		RequeueAtHead(uid string) error
	}

	Config struct {
		// PollInterval is how often the child and the cancel token are
		// inspected while an inference is running.
		PollInterval time.Duration `yaml:"poll_interval" env:"TRANSCRIBER_POLL_INTERVAL" env-default:"500ms"`

		// TerminateGrace is how long a child gets to exit after SIGTERM
		// before it is killed.
		TerminateGrace time.Duration `yaml:"terminate_grace" env:"TRANSCRIBER_TERMINATE_GRACE" env-default:"5s"`
	}

	// Transcriber transcribes the staged audio for exactly one job.
	Transcriber struct {
		engine      Engine
		store       DataStore
		config      Config
		entry       *job.Job
		token       *CancelToken
		stagingPath string
	}
)

func New(engine Engine, store DataStore, config Config, entry *job.Job, token *CancelToken, stagingPath string) *Transcriber {
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.TerminateGrace <= 0 {
		config.TerminateGrace = 5 * time.Second
	}

	return &Transcriber{
		engine:      engine,
		store:       store,
		config:      config,
		entry:       entry,
		token:       token,
		stagingPath: stagingPath,
	}
}

// Run performs the full transcription for the bound job and returns its
// disposition. Errors never escape: they are recorded on the job as a
// terminal state instead.
func (t *Transcriber) Run(ctx context.Context) Disposition {
	uid := t.entry.UID
	log.Infof("Starting processing for job %s...\n", uid)

	if t.token.IsSet() {
		return t.cancel()
	}

	if err := t.engine.Prepare(ctx); err != nil {
		return t.fail("model preparation failed: " + err.Error())
	}

	if err := t.store.UpdateJob(uid, map[string]any{"whisper_model": t.engine.ModelName()}); err != nil {
		return t.fail("failed to record model: " + err.Error())
	}

	if t.token.IsSet() {
		return t.cancel()
	}

	language, err := t.engine.DetectLanguage(ctx, t.stagingPath)
	if err != nil {
		return t.fail("language detection failed: " + err.Error())
	}

	if err := t.store.Transition(uid, job.StatusProcessed, map[string]any{
		"whisper_language": language,
		"started_at":       time.Now().Unix(),
	}); err != nil {
		return t.fail("failed to mark job processed: " + err.Error())
	}
	log.Infof("Finished processing for job %s (language %s)\n", uid, language)

	if t.token.IsSet() {
		return t.cancel()
	}

	prompt := ""
	if t.entry.InitialPrompt != nil {
		prompt = *t.entry.InitialPrompt
	}

	log.Infof("Starting whisper for job %s...\n", uid)
	proc, err := t.engine.Start(ctx, TranscribeRequest{
		AudioPath:     t.stagingPath,
		Language:      language,
		InitialPrompt: prompt,
	})
	if err != nil {
		return t.fail("engine spawn failed: " + err.Error())
	}

	return t.supervise(proc)
}

// supervise polls the running child: collect the outcome when it exits, or
// shoot it down once the cancel token fires. From the moment the token is
// set the job reaches its final state within the terminate grace plus one
// kill round.
func (t *Transcriber) supervise(proc Process) Disposition {
	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case outcome := <-proc.Done():
			if outcome.Err != nil {
				return t.fail(outcome.Err.Error())
			}

			return t.complete(outcome.Result)
		case <-ticker.C:
			if !t.token.IsSet() {
				continue
			}

			log.Emit(logger.STOP, "Cancellation requested for job %s... terminating engine child\n", t.entry.UID)
			if err := proc.Terminate(); err != nil {
				log.Warnf("Failed to terminate engine child for job %s: %s\n", t.entry.UID, err)
			}

			select {
			case <-proc.Done():
			case <-time.After(t.config.TerminateGrace):
				log.Warnf("Engine child for job %s ignored SIGTERM... killing\n", t.entry.UID)
				if err := proc.Kill(); err != nil {
					log.Errorf("Failed to kill engine child for job %s: %s\n", t.entry.UID, err)
				}
				<-proc.Done()
			}

			return t.cancel()
		}
	}
}

func (t *Transcriber) complete(result *job.Result) Disposition {
	uid := t.entry.UID
	if err := t.store.UpdateJob(uid, map[string]any{"whisper_result": result}); err != nil {
		return t.fail("failed to store result: " + err.Error())
	}

	if err := t.store.MarkTerminal(uid, job.StatusWhispered, nil); err != nil {
		log.Errorf("Failed to mark job %s whispered: %s\n", uid, err)
		return DispositionFailed
	}

	t.removeStagedAudio()
	log.Emit(logger.SUCCESS, "Finished whisper for job %s\n", uid)
	return DispositionCompleted
}

func (t *Transcriber) fail(message string) Disposition {
	uid := t.entry.UID

	// A drain sets the requeue token and then cancels the service context,
	// which tears down any context-bound engine call still underway. That is
	// a shutdown, not a job failure: the job must go back to the head of the
	// queue with its staged audio intact.
	if t.token.Mode() == CancelRequeue {
		log.Warnf("Job %s interrupted during shutdown (%s)... requeueing\n", uid, message)
		return t.cancel()
	}

	log.Errorf("Job %s failed: %s\n", uid, message)

	if err := t.store.MarkTerminal(uid, job.StatusFailed, &message); err != nil {
		log.Errorf("Failed to mark job %s failed: %s\n", uid, err)
	}

	t.removeStagedAudio()
	return DispositionFailed
}

func (t *Transcriber) cancel() Disposition {
	uid := t.entry.UID

	if t.token.Mode() == CancelRequeue {
		// Shutdown-initiated: the job returns to the head of the queue with
		// its result fields untouched. The staged audio is deliberately kept
		// so a file job can resume without its (long gone) upload request;
		// this mirrors what a hard crash leaves behind.
		if err := t.store.RequeueAtHead(uid); err != nil {
			log.Errorf("Failed to requeue job %s during shutdown: %s\n", uid, err)
			return DispositionFailed
		}

		log.Emit(logger.STOP, "Job %s requeued at priority 0 for next startup\n", uid)
		return DispositionRequeued
	}

	if err := t.store.MarkTerminal(uid, job.StatusCanceled, nil); err != nil {
		log.Errorf("Failed to mark job %s canceled: %s\n", uid, err)
	}

	t.removeStagedAudio()
	log.Emit(logger.STOP, "Job %s canceled\n", uid)
	return DispositionCanceled
}

func (t *Transcriber) removeStagedAudio() {
	if err := os.Remove(t.stagingPath); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove staged audio for job %s: %s\n", t.entry.UID, err)
	}
}
