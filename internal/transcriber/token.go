package transcriber

import "sync"

// CancelMode describes what should become of a job once its token fires.
type CancelMode int

const (
	// CancelNone means the token has not been set.
	CancelNone CancelMode = iota

	// CancelAbort marks the job Canceled.
	CancelAbort

	// CancelRequeue returns the job to the queue at priority zero with its
	// result fields untouched; used for graceful shutdown.
	CancelRequeue
)

// CancelToken is the cooperative cancellation handle for one job. It is
// polled at every loop boundary inside the transcriber; once set, the job
// must reach a terminal or requeued state without further external input.
// The first Set wins.
type CancelToken struct {
	mu   sync.Mutex
	mode CancelMode
}

func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

func (t *CancelToken) Set(mode CancelMode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == CancelNone {
		t.mode = mode
	}
}

func (t *CancelToken) Mode() CancelMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *CancelToken) IsSet() bool {
	return t.Mode() != CancelNone
}
