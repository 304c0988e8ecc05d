package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReducerSharedBetweenPaths(t *testing.T) {
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Subject: "abc", Predicate: PredInstanceCreated, Object: "feature-delivery", At: at},
		{Subject: "abc", Predicate: PredInstanceTitled, Object: "Ship it", At: at},
		{Subject: "validate", Predicate: PredStageCompleted, Object: "15m0s", At: at.Add(15 * time.Minute)},
		{Subject: "design", Predicate: PredStageCompleted, Object: "30m0s", At: at.Add(45 * time.Minute)},
	}
	inst := replay(events)
	assert.Equal(t, "abc", inst.ID)
	assert.Equal(t, StatusInProgress, inst.Status)
	assert.Equal(t, "design", inst.CurrentStage)
	require.Len(t, inst.CompletedStages, 2)
	assert.Equal(t, 30*time.Minute, inst.CompletedStages[1].Duration)
	assert.Equal(t, at, inst.StartedAt)
}

func TestReducerDeduplicatesStageCompletions(t *testing.T) {
	at := time.Now().UTC()
	inst := replay([]Event{
		{Subject: "abc", Predicate: PredInstanceCreated, Object: "t", At: at},
		{Subject: "build", Predicate: PredStageCompleted, At: at},
		{Subject: "build", Predicate: PredStageCompleted, At: at.Add(time.Minute)},
	})
	assert.Len(t, inst.CompletedStages, 1)
}

func TestReducerIgnoresUnknownAndMalformedEvents(t *testing.T) {
	at := time.Now().UTC()
	inst := replay([]Event{
		{Subject: "abc", Predicate: PredInstanceCreated, Object: "t", At: at},
		{Subject: "x", Predicate: "stage.levitated", At: at},
		{Subject: "skip_forward", Predicate: PredDeviationRecorded, Object: "not json", At: at},
		{Subject: "metrics", Predicate: PredMetricsCaptured, Object: "{broken", At: at},
	})
	assert.Equal(t, "abc", inst.ID)
	assert.Empty(t, inst.Deviations)
	assert.Nil(t, inst.Metrics)
}

func TestReducerTerminalEvents(t *testing.T) {
	at := time.Now().UTC()
	done := replay([]Event{
		{Subject: "abc", Predicate: PredInstanceCreated, Object: "t", At: at},
		{Subject: "abc", Predicate: PredInstanceCompleted, At: at.Add(time.Hour)},
	})
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	dropped := replay([]Event{
		{Subject: "def", Predicate: PredInstanceCreated, Object: "t", At: at},
		{Subject: "def", Predicate: PredInstanceAbandoned, Object: "lost funding", At: at.Add(time.Hour)},
	})
	assert.Equal(t, StatusAbandoned, dropped.Status)
	assert.Equal(t, "lost funding", dropped.AbandonReason)
}
