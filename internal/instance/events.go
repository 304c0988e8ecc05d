package instance

import (
	"encoding/json"
	"time"

	"github.com/kingrea/stagegate/internal/metrics"
)

// Event predicates. Three-part dotted vocabulary: entity.verb.
const (
	PredInstanceCreated   = "instance.created"    // object: workflow type
	PredInstanceTitled    = "instance.titled"     // object: title
	PredInstanceStartedBy = "instance.started_by" // object: user
	PredStageCompleted    = "stage.completed"     // subject: stage id, object: duration
	PredDeviationRecorded = "deviation.recorded"  // object: Deviation JSON
	PredMetricsCaptured   = "metrics.captured"    // object: Snapshot JSON
	PredMetadataSet       = "metadata.set"        // object: key/value JSON
	PredInstanceCompleted = "instance.completed"
	PredInstanceAbandoned = "instance.abandoned" // object: reason
)

// Event is one entry of the per-instance append-only log: a
// subject/predicate/object triple with a timestamp. The log is the recovery
// source of truth when the primary record is lost.
type Event struct {
	Subject   string    `json:"subject"`
	Predicate string    `json:"predicate"`
	Object    string    `json:"object,omitempty"`
	At        time.Time `json:"at"`
}

// apply folds one event into the instance. It is the single reducer shared
// by live mutation and log replay, so the two paths can never disagree
// about what an event means.
func apply(inst *Instance, ev Event) {
	switch ev.Predicate {
	case PredInstanceCreated:
		inst.ID = ev.Subject
		inst.WorkflowType = ev.Object
		inst.Status = StatusInProgress
		if inst.StartedAt.IsZero() {
			inst.StartedAt = ev.At
		}
	case PredInstanceTitled:
		inst.Title = ev.Object
	case PredInstanceStartedBy:
		inst.CreatedBy = ev.Object
	case PredStageCompleted:
		if inst.HasCompleted(ev.Subject) {
			return
		}
		entry := CompletedStage{StageID: ev.Subject, CompletedAt: ev.At}
		if ev.Object != "" {
			if d, err := time.ParseDuration(ev.Object); err == nil {
				entry.Duration = d
			}
		}
		inst.CompletedStages = append(inst.CompletedStages, entry)
		inst.CurrentStage = ev.Subject
	case PredDeviationRecorded:
		var dev Deviation
		if err := json.Unmarshal([]byte(ev.Object), &dev); err != nil {
			return
		}
		if dev.Timestamp.IsZero() {
			dev.Timestamp = ev.At
		}
		inst.Deviations = append(inst.Deviations, dev)
	case PredMetricsCaptured:
		var snap metrics.Snapshot
		if err := json.Unmarshal([]byte(ev.Object), &snap); err != nil {
			return
		}
		inst.Metrics = &snap
	case PredMetadataSet:
		var values map[string]any
		if err := json.Unmarshal([]byte(ev.Object), &values); err != nil {
			return
		}
		if len(values) == 0 {
			return
		}
		if inst.Metadata == nil {
			inst.Metadata = make(map[string]any, len(values))
		}
		for key, value := range values {
			inst.Metadata[key] = value
		}
	case PredInstanceCompleted:
		inst.Status = StatusCompleted
		at := ev.At
		inst.CompletedAt = &at
	case PredInstanceAbandoned:
		inst.Status = StatusAbandoned
		at := ev.At
		inst.AbandonedAt = &at
		inst.AbandonReason = ev.Object
	}
}

// replay folds an ordered event sequence into a fresh instance, skipping
// events the reducer does not understand.
func replay(events []Event) *Instance {
	inst := &Instance{}
	for _, ev := range events {
		apply(inst, ev)
	}
	return inst
}

func deviationEvent(dev Deviation, at time.Time) Event {
	payload, err := json.Marshal(dev)
	if err != nil {
		payload = []byte("{}")
	}
	return Event{Subject: string(dev.Class), Predicate: PredDeviationRecorded, Object: string(payload), At: at}
}

func metricsEvent(snap metrics.Snapshot, at time.Time) Event {
	payload, err := json.Marshal(snap)
	if err != nil {
		payload = []byte("{}")
	}
	return Event{Subject: "metrics", Predicate: PredMetricsCaptured, Object: string(payload), At: at}
}

func metadataEvent(values map[string]any, at time.Time) (Event, bool) {
	if len(values) == 0 {
		return Event{}, false
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return Event{}, false
	}
	return Event{Subject: "metadata", Predicate: PredMetadataSet, Object: string(payload), At: at}, true
}
