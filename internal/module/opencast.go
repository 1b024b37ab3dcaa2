package module

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hbomb79/Scribe/internal/job"
)

// opencastModule accepts URLs pointing at an Opencast recording. Admission
// is bounded by a per-module queue length cap, and preprocessing fetches
// the recording over HTTP in to the staging area.
type opencastModule struct {
	base
	maxQueueLength int
	client         *http.Client
}

func newOpencastModule(uid string, store *job.Store, queue *job.Queue, stagingDir string, maxQueueLength int, fetchTimeout time.Duration) *opencastModule {
	return &opencastModule{
		base:           base{uid: uid, store: store, queue: queue, stagingDir: stagingDir},
		maxQueueLength: maxQueueLength,
		client:         &http.Client{Timeout: fetchTimeout},
	}
}

func (m *opencastModule) Type() string { return OpencastModuleType }

// Enqueue rejects the job when the module already has max_queue_length jobs
// queued or active. The counter is read through the store so restarts see
// a consistent value.
func (m *opencastModule) Enqueue(j *job.Job) error {
	record, err := m.store.GetModule(m.uid)
	if err != nil {
		return err
	}

	if record.QueuedOrActive >= m.maxQueueLength {
		log.Debugf("Refused job %s: module %s is at its queue cap (%d)\n", j.UID, m.uid, m.maxQueueLength)
		return ErrCapExceeded
	}

	return m.admit(j)
}

// Preprocess downloads the job's source link in to the staging area. Any
// non-200 response is a failure, and a failure leaves nothing behind at
// the staging path.
func (m *opencastModule) Preprocess(ctx context.Context, j *job.Job) error {
	if j.SourceLink == nil || *j.SourceLink == "" {
		return fmt.Errorf("%w: job %s has no source link", ErrPreprocessFailed, j.UID)
	}

	log.Debugf("Downloading file for job %s...\n", j.UID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *j.SourceLink, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPreprocessFailed, err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPreprocessFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: fetch of %s returned status %d", ErrPreprocessFailed, *j.SourceLink, resp.StatusCode)
	}

	if err := os.MkdirAll(m.stagingDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPreprocessFailed, err)
	}

	stagingPath := StagingPath(m.stagingDir, j.UID)
	out, err := os.Create(stagingPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPreprocessFailed, err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(stagingPath)
		return fmt.Errorf("%w: %v", ErrPreprocessFailed, err)
	}

	if err := out.Close(); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("%w: %v", ErrPreprocessFailed, err)
	}

	log.Debugf("Downloaded file for job %s\n", j.UID)
	return nil
}

var _ Module = (*opencastModule)(nil)
