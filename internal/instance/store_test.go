package instance

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/stagegate/internal/metrics"
	"github.com/kingrea/stagegate/internal/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "Add search", "casey", map[string]any{"ticket": "GT-12"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, StatusInProgress, created.Status)

	loaded, err := s.Load(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, loaded)
	assert.Equal(t, "Add search", loaded.Title)
	assert.Equal(t, "casey", loaded.CreatedBy)
	assert.Equal(t, "GT-12", loaded.Metadata["ticket"])
}

func TestLoadUnknownID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("no-such-instance")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkStageCompletedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "", "", nil)
	require.NoError(t, err)

	inst, err := s.MarkStageCompleted(created.ID, "validate", nil)
	require.NoError(t, err)
	require.Len(t, inst.CompletedStages, 1)
	assert.Equal(t, "validate", inst.CurrentStage)

	inst, err = s.MarkStageCompleted(created.ID, "validate", map[string]any{"note": "again"})
	require.NoError(t, err)
	require.Len(t, inst.CompletedStages, 1, "completing the same stage twice must keep one entry")
	assert.Equal(t, "again", inst.Metadata["note"], "metadata still merges on repeat completion")
}

func TestAddDeviationAndMetrics(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "", "", nil)
	require.NoError(t, err)

	inst, err := s.AddDeviation(created.ID, Deviation{
		Class:         DeviationSkipForward,
		FromStage:     "validate",
		ToStage:       "build",
		SkippedStages: []string{"design"},
		Reason:        "spike already validated the design",
		Mode:          schema.ModeRecommended,
		User:          "casey",
	})
	require.NoError(t, err)
	require.Len(t, inst.Deviations, 1)
	assert.False(t, inst.Deviations[0].Timestamp.IsZero())

	snap := metrics.Snapshot{LinesChanged: 42, FilesChanged: 3, Complexity: schema.ComplexityModerate}
	inst, err = s.SetMetrics(created.ID, snap)
	require.NoError(t, err)
	require.NotNil(t, inst.Metrics)
	assert.Equal(t, 42, inst.Metrics.LinesChanged)
}

func TestCompleteArchivesAndFreezes(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "", "", nil)
	require.NoError(t, err)

	inst, err := s.Complete(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)

	_, err = os.Stat(s.recordPath(StatusInProgress, created.ID))
	assert.True(t, os.IsNotExist(err), "active record must be removed after archive")

	// Terminal records load fine but reject mutation.
	loaded, err := s.Load(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)

	_, err = s.MarkStageCompleted(created.ID, "build", nil)
	require.ErrorIs(t, err, ErrTerminal)
	_, err = s.Abandon(created.ID, "changed my mind")
	require.ErrorIs(t, err, ErrTerminal)
}

func TestAbandonKeepsReason(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "", "", nil)
	require.NoError(t, err)

	inst, err := s.Abandon(created.ID, "superseded by GT-40")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, inst.Status)
	assert.Equal(t, "superseded by GT-40", inst.AbandonReason)
	require.NotNil(t, inst.AbandonedAt)
}

func TestListSortsByRecency(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s, err := NewStore(t.TempDir(), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	require.NoError(t, err)

	first, err := s.Create("feature-delivery", "first", "", nil)
	require.NoError(t, err)
	second, err := s.Create("feature-delivery", "second", "", nil)
	require.NoError(t, err)
	_, err = s.Abandon(first.ID, "stale")
	require.NoError(t, err)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	active, err := s.List(StatusInProgress)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	abandoned, err := s.List(StatusAbandoned)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, first.ID, abandoned[0].ID)
}

func TestRecoverFromDeletedRecord(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "Recover me", "casey", nil)
	require.NoError(t, err)
	_, err = s.MarkStageCompleted(created.ID, "validate", nil)
	require.NoError(t, err)
	_, err = s.MarkStageCompleted(created.ID, "design", nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(s.recordPath(StatusInProgress, created.ID)))

	recovered, err := s.Load(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "design", recovered.CurrentStage)
	assert.Equal(t, []string{"validate", "design"}, recovered.CompletedStageIDs())
	assert.Equal(t, "Recover me", recovered.Title)

	// Recovery rewrote the primary record.
	_, err = os.Stat(s.recordPath(StatusInProgress, created.ID))
	require.NoError(t, err)
}

func TestRecoverFromCorruptRecordSkipsMalformedLines(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "", "", nil)
	require.NoError(t, err)
	_, err = s.MarkStageCompleted(created.ID, "validate", nil)
	require.NoError(t, err)

	// Corrupt the primary record and splice garbage into the event log.
	require.NoError(t, os.WriteFile(s.recordPath(StatusInProgress, created.ID), []byte("{not json"), 0o644))
	logPath := s.eventLogPath(created.ID)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("### interrupted write ###\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = s.MarkStageCompleted(created.ID, "design", nil)
	require.NoError(t, err)

	loaded, err := s.Load(created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"validate", "design"}, loaded.CompletedStageIDs())
}

func TestConcurrentMutationsDoNotLoseWrites(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "", "", nil)
	require.NoError(t, err)

	stages := []string{"validate", "design", "build", "quality-review", "release"}
	var wg sync.WaitGroup
	for _, stage := range stages {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			_, err := s.MarkStageCompleted(created.ID, stage, nil)
			assert.NoError(t, err)
		}(stage)
	}
	wg.Wait()

	loaded, err := s.Load(created.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.CompletedStages, len(stages))
	assert.ElementsMatch(t, stages, loaded.CompletedStageIDs())
}

func TestStaleLockIsBroken(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "", "", nil)
	require.NoError(t, err)

	lockPath := s.lockPath(created.ID)
	require.NoError(t, os.WriteFile(lockPath, []byte("999999 long ago\n"), 0o644))
	old := time.Now().Add(-2 * lockStaleAfter)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	_, err = s.MarkStageCompleted(created.ID, "validate", nil)
	require.NoError(t, err, "a stale lock must not wedge the store")
}

func TestCreateRequiresWorkflowType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("", "", "", nil)
	require.Error(t, err)
}

func TestEventLogLivesNextToRecords(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("feature-delivery", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.root, "events", created.ID+".log"), s.eventLogPath(created.ID))
	_, err = os.Stat(s.eventLogPath(created.ID))
	require.NoError(t, err)
}
