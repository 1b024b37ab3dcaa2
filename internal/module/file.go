package module

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/hbomb79/Scribe/internal/job"
)

func newModuleUID() string { return uuid.NewString() }

// fileModule accepts pre-uploaded payloads: the audio is staged at
// submission time by the HTTP layer, so admission is unconditional and
// preprocessing only has to confirm the payload is still there.
type fileModule struct {
	base
}

func newFileModule(uid string, store *job.Store, queue *job.Queue, stagingDir string) *fileModule {
	return &fileModule{base{uid: uid, store: store, queue: queue, stagingDir: stagingDir}}
}

func (m *fileModule) Type() string { return FileModuleType }

func (m *fileModule) Enqueue(j *job.Job) error {
	return m.admit(j)
}

func (m *fileModule) Preprocess(_ context.Context, j *job.Job) error {
	if _, err := os.Stat(StagingPath(m.stagingDir, j.UID)); err != nil {
		return fmt.Errorf("%w: staged payload missing for job %s: %v", ErrPreprocessFailed, j.UID, err)
	}

	return nil
}

var _ Module = (*fileModule)(nil)
