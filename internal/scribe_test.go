package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hbomb79/Scribe/internal/event"
)

func newEventTestScribe() *scribeImpl {
	scribe := &scribeImpl{
		eventBus:     event.New(),
		syncRequests: make(chan struct{}, 1),
	}
	scribe.registerEventHandlers()
	return scribe
}

func Test_EventHandlers_JobCompletionRequestsStoreSync(t *testing.T) {
	t.Parallel()

	scribe := newEventTestScribe()
	scribe.eventBus.Dispatch(event.JobCompleteEvent, "job-under-test")

	select {
	case <-scribe.syncRequests:
	default:
		t.Fatal("job completion did not request a store sync")
	}
}

func Test_EventHandlers_BackToBackCompletionsDoNotBlockDispatch(t *testing.T) {
	t.Parallel()

	scribe := newEventTestScribe()

	// A full request channel must never hold up the dispatching worker.
	scribe.eventBus.Dispatch(event.JobCompleteEvent, "first")
	scribe.eventBus.Dispatch(event.JobCompleteEvent, "second")

	assert.Len(t, scribe.syncRequests, 1)
}
