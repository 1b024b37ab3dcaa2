package submission_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Scribe/internal/database"
	"github.com/hbomb79/Scribe/internal/event"
	"github.com/hbomb79/Scribe/internal/job"
	"github.com/hbomb79/Scribe/internal/module"
	"github.com/hbomb79/Scribe/internal/selfcare"
	"github.com/hbomb79/Scribe/internal/submission"
)

// healthyMonitor keeps the admission gate permanently open.
type healthyMonitor struct{}

func (healthyMonitor) CPU() (selfcare.CPUStat, error) {
	return selfcare.CPUStat{AggregatePercent: 50, Cores: 4}, nil
}
func (healthyMonitor) Memory() (selfcare.MemoryStat, error) {
	return selfcare.MemoryStat{UsedPercent: 20, FreePercent: 80}, nil
}
func (healthyMonitor) Swap() (selfcare.SwapStat, error) {
	return selfcare.SwapStat{UsedPercent: 0, FreePercent: 100}, nil
}
func (healthyMonitor) Disk(string) (selfcare.DiskStat, error) {
	return selfcare.DiskStat{TotalGB: 100, UsedGB: 10, FreeGB: 90}, nil
}

// exhaustedMonitor reports a machine out of memory.
type exhaustedMonitor struct{ healthyMonitor }

func (exhaustedMonitor) Memory() (selfcare.MemoryStat, error) {
	return selfcare.MemoryStat{UsedPercent: 99, FreePercent: 1}, nil
}

type nothingRunning struct{}

func (nothingRunning) IsRunning(string) bool { return false }

type fixture struct {
	service    *submission.Service
	store      *job.Store
	queue      *job.Queue
	registry   *module.Registry
	stagingDir string
}

func newFixture(t *testing.T, monitor selfcare.Monitor) *fixture {
	dir := t.TempDir()
	db := database.New()
	require.NoError(t, db.Connect(database.DatabaseConfig{Path: filepath.Join(dir, "scribe.db")}))
	t.Cleanup(func() { db.GetSqlxDb().Close() })

	store := job.NewStore(db)
	queue := job.NewQueue()
	stagingDir := filepath.Join(dir, "audioInput")
	registry := module.NewRegistry(store, queue, stagingDir, time.Second)
	require.NoError(t, registry.Bootstrap())

	gate := selfcare.NewGate(selfcare.Config{
		DiskPath:       dir,
		MaxDiskPercent: 90,
		MaxRAMPercent:  90,
		MaxCPUPercent:  400,
		MaxQueueLength: 50,
	}, monitor)

	return &fixture{
		service:    submission.New(store, queue, registry, gate, nothingRunning{}, event.New(), stagingDir),
		store:      store,
		queue:      queue,
		registry:   registry,
		stagingDir: stagingDir,
	}
}

func Test_SubmitUpload_StagesPayloadAndEnqueues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, healthyMonitor{})

	title := "Lecture 1"
	uid, err := f.service.SubmitUpload(3, &title, strings.NewReader("riff data"))
	require.NoError(t, err)

	assert.FileExists(t, module.StagingPath(f.stagingDir, uid))
	assert.True(t, f.queue.Contains(uid))

	entry, err := f.store.LoadJob(uid)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, entry.Status)
	assert.Equal(t, int32(3), entry.Priority)
	require.NotNil(t, entry.InitialPrompt)
	assert.Equal(t, "Lecture 1", *entry.InitialPrompt)
}

func Test_SubmitUpload_ExhaustedHostRejectsBeforeStaging(t *testing.T) {
	t.Parallel()
	f := newFixture(t, exhaustedMonitor{})

	_, err := f.service.SubmitUpload(1, nil, strings.NewReader("riff"))
	var rejection *selfcare.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Not enough ram", rejection.Message)
	assert.NoDirExists(t, f.stagingDir)
}

func Test_SubmitLink_RoutesThroughOwningModule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, healthyMonitor{})

	opencast, err := f.registry.CreateOpencast(5)
	require.NoError(t, err)

	title := "Lecture 2"
	uid, err := f.service.SubmitLink(opencast.UID(), 2, "https://opencast.example.com/r/1", &title)
	require.NoError(t, err)

	entry, err := f.store.LoadJob(uid)
	require.NoError(t, err)
	assert.Equal(t, module.OpencastModuleType, entry.ModuleType)
	assert.Equal(t, opencast.UID(), entry.ModuleUID)
	require.NotNil(t, entry.SourceLink)
	assert.Equal(t, "https://opencast.example.com/r/1", *entry.SourceLink)
}

func Test_SubmitLink_UnknownModuleRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, healthyMonitor{})

	_, err := f.service.SubmitLink("ghost-module", 1, "https://example.com", nil)
	assert.ErrorIs(t, err, module.ErrModuleNotFound)
}

func Test_SubmitLink_ExhaustedHostRejectsBeforeModuleLookup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, exhaustedMonitor{})

	// An exhausted host wins over an unknown module: the caller sees the
	// storage rejection, not a module lookup failure.
	_, err := f.service.SubmitLink("ghost-module", 1, "https://example.com", nil)
	var rejection *selfcare.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Not enough ram", rejection.Message)
	assert.NotErrorIs(t, err, module.ErrModuleNotFound)
}

func Test_SubmitLink_ModuleCapSurfaces(t *testing.T) {
	t.Parallel()
	f := newFixture(t, healthyMonitor{})

	opencast, err := f.registry.CreateOpencast(1)
	require.NoError(t, err)

	_, err = f.service.SubmitLink(opencast.UID(), 1, "https://example.com/1", nil)
	require.NoError(t, err)
	_, err = f.service.SubmitLink(opencast.UID(), 1, "https://example.com/2", nil)
	assert.ErrorIs(t, err, module.ErrCapExceeded)
}

func Test_Delete_RemovesQueuedJobAndStagedPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, healthyMonitor{})

	uid, err := f.service.SubmitUpload(1, nil, strings.NewReader("riff"))
	require.NoError(t, err)

	require.NoError(t, f.service.Delete(uid))
	assert.False(t, f.queue.Contains(uid))
	assert.NoFileExists(t, module.StagingPath(f.stagingDir, uid))

	_, err = f.store.LoadJob(uid)
	assert.Error(t, err)
}

func Test_Delete_RefusesInFlightJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, healthyMonitor{})

	uid, err := f.service.SubmitUpload(1, nil, strings.NewReader("riff"))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkPrepared(uid))

	assert.ErrorIs(t, f.service.Delete(uid), submission.ErrJobProcessing)

	entry, err := f.store.LoadJob(uid)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPrepared, entry.Status)
}

func Test_CreateOpencastModule_ReturnsResolvableUID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, healthyMonitor{})

	uid, err := f.service.CreateOpencastModule(10)
	require.NoError(t, err)

	m, ok := f.registry.Get(uid)
	require.True(t, ok)
	assert.Equal(t, module.OpencastModuleType, m.Type())
}
