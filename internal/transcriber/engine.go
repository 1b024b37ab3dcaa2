package transcriber

import (
	"context"

	"github.com/hbomb79/Scribe/internal/job"
)

type (
	// TranscribeRequest describes one inference run against the engine.
	TranscribeRequest struct {
		AudioPath     string
		Language      string
		InitialPrompt string
	}

	// Outcome is the single message a Process delivers when the child
	// concludes: either a result tree or an error, never both.
	Outcome struct {
		Result *job.Result
		Err    error
	}

	// Process is a handle to one supervised inference child. Done delivers
	// exactly one Outcome; Terminate asks the child to stop gracefully and
	// Kill forces it. Both are safe to call after the child has exited.
	Process interface {
		Done() <-chan Outcome
		Terminate() error
		Kill() error
	}

	// Engine abstracts the speech-to-text backend. The engine call itself
	// is an uninterruptible blocking native operation, which is why Start
	// hands back a supervised child process rather than running inline.
	Engine interface {
		// ModelName reports the configured model identifier.
		ModelName() string

		// Prepare makes the model available locally, downloading it on
		// first use. Safe for concurrent callers.
		Prepare(ctx context.Context) error

		// DetectLanguage probes the first segment of the staged audio and
		// returns the most likely language label.
		DetectLanguage(ctx context.Context, audioPath string) (string, error)

		// Start spawns the inference child process for the given request.
		Start(ctx context.Context, req TranscribeRequest) (Process, error)
	}
)
