package job_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Scribe/internal/job"
)

func Test_Queue_PopsInPriorityOrder(t *testing.T) {
	t.Parallel()
	queue := job.NewQueue()

	require.NoError(t, queue.Push(job.New("low", "file", "m", 9)))
	require.NoError(t, queue.Push(job.New("high", "file", "m", 1)))
	require.NoError(t, queue.Push(job.New("mid", "file", "m", 5)))

	for _, expected := range []string{"high", "mid", "low"} {
		uid, ok := queue.Pop(time.Second)
		require.True(t, ok)
		assert.Equal(t, expected, uid)
	}
}

func Test_Queue_SamePriorityIsFIFO(t *testing.T) {
	t.Parallel()
	queue := job.NewQueue()

	// Jobs created in the same second rely on push order as the tiebreaker.
	now := time.Now().Unix()
	for _, uid := range []string{"first", "second", "third"} {
		entry := job.New(uid, "file", "m", 3)
		entry.CreatedAt = now
		require.NoError(t, queue.Push(entry))
	}

	for _, expected := range []string{"first", "second", "third"} {
		uid, ok := queue.Pop(time.Second)
		require.True(t, ok)
		assert.Equal(t, expected, uid)
	}
}

func Test_Queue_DuplicatePushRejected(t *testing.T) {
	t.Parallel()
	queue := job.NewQueue()

	require.NoError(t, queue.Push(job.New("dup", "file", "m", 1)))
	assert.ErrorIs(t, queue.Push(job.New("dup", "file", "m", 2)), job.ErrAlreadyQueued)
	assert.Equal(t, 1, queue.Len())
}

func Test_Queue_PopTimesOutWhenEmpty(t *testing.T) {
	t.Parallel()
	queue := job.NewQueue()

	start := time.Now()
	uid, ok := queue.Pop(50 * time.Millisecond)
	assert.False(t, ok)
	assert.Empty(t, uid)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func Test_Queue_PopWakesOnPush(t *testing.T) {
	t.Parallel()
	queue := job.NewQueue()

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		uid, ok := queue.Pop(5 * time.Second)
		assert.True(t, ok)
		assert.Equal(t, "late", uid)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, queue.Push(job.New("late", "file", "m", 1)))
	wg.Wait()
}

func Test_Queue_RemovedEntryIsSkipped(t *testing.T) {
	t.Parallel()
	queue := job.NewQueue()

	require.NoError(t, queue.Push(job.New("victim", "file", "m", 1)))
	require.NoError(t, queue.Push(job.New("survivor", "file", "m", 2)))

	queue.Remove("victim")
	assert.False(t, queue.Contains("victim"))
	assert.Equal(t, 1, queue.Len())

	uid, ok := queue.Pop(time.Second)
	require.True(t, ok)
	assert.Equal(t, "survivor", uid)
}

func Test_Queue_RemovedEntryCanBeRequeued(t *testing.T) {
	t.Parallel()
	queue := job.NewQueue()

	require.NoError(t, queue.Push(job.New("a", "file", "m", 1)))
	queue.Remove("a")
	require.NoError(t, queue.Push(job.New("a", "file", "m", 4)))

	uid, ok := queue.Pop(time.Second)
	require.True(t, ok)
	assert.Equal(t, "a", uid)

	_, ok = queue.Pop(10 * time.Millisecond)
	assert.False(t, ok, "stale removed entry must not resurface")
}
