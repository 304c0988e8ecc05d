package instance

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/metrics"
)

// Store persists instances under root:
//
//	<root>/active/<id>.json
//	<root>/completed/<id>.json
//	<root>/abandoned/<id>.json
//	<root>/events/<id>.log
//	<root>/locks/<id>.lock
//
// Every record write goes through a temp file plus atomic rename, and every
// read-modify-write cycle holds the per-id advisory lock, so concurrent
// callers against the same id are linearizable and a crash never leaves a
// partial record.
type Store struct {
	root        string
	lockTimeout time.Duration
	log         *zap.Logger
	now         func() time.Time
	newID       func() string
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log *zap.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the store clock.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.now = clock }
}

// WithLockTimeout bounds how long a mutation waits on a contended record.
func WithLockTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.lockTimeout = d }
}

// WithIDGenerator overrides instance id generation.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// DefaultLockTimeout bounds record lock acquisition unless overridden.
const DefaultLockTimeout = 5 * time.Second

// NewStore builds a store rooted at dir, creating the layout as needed.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		root:        root,
		lockTimeout: DefaultLockTimeout,
		log:         zap.NewNop(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{"active", "completed", "abandoned", "events", "locks"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("instance: ensure store dir: %w", err)
		}
	}
	return s, nil
}

func (s *Store) statusDir(status Status) string {
	switch status {
	case StatusCompleted:
		return filepath.Join(s.root, "completed")
	case StatusAbandoned:
		return filepath.Join(s.root, "abandoned")
	default:
		return filepath.Join(s.root, "active")
	}
}

func (s *Store) recordPath(status Status, id string) string {
	return filepath.Join(s.statusDir(status), id+".json")
}

func (s *Store) eventLogPath(id string) string {
	return filepath.Join(s.root, "events", id+".log")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.root, "locks", id+".lock")
}

// Create starts a new workflow run and returns its instance.
func (s *Store) Create(workflowType, title, user string, metadata map[string]any) (*Instance, error) {
	if workflowType == "" {
		return nil, fmt.Errorf("instance: workflow type is required")
	}
	id := s.newID()
	now := s.now().UTC()
	events := []Event{
		{Subject: id, Predicate: PredInstanceCreated, Object: workflowType, At: now},
	}
	if title != "" {
		events = append(events, Event{Subject: id, Predicate: PredInstanceTitled, Object: title, At: now})
	}
	if user != "" {
		events = append(events, Event{Subject: id, Predicate: PredInstanceStartedBy, Object: user, At: now})
	}
	if ev, ok := metadataEvent(metadata, now); ok {
		events = append(events, ev)
	}
	inst := replay(events)
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if err := s.appendEvents(id, events); err != nil {
		return nil, err
	}
	if err := s.saveRecord(inst); err != nil {
		return nil, err
	}
	s.log.Info("instance created",
		zap.String("instance_id", id),
		zap.String("workflow_type", workflowType))
	return inst, nil
}

// Load returns the instance with the given id, searching the active,
// completed, and abandoned locations. A missing or unreadable primary
// record is rebuilt from the event log before giving up.
func (s *Store) Load(id string) (*Instance, error) {
	inst, _, err := s.loadAnywhere(id)
	return inst, err
}

func (s *Store) loadAnywhere(id string) (*Instance, string, error) {
	for _, status := range []Status{StatusInProgress, StatusCompleted, StatusAbandoned} {
		path := s.recordPath(status, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.log.Warn("instance record unreadable, recovering from event log",
				zap.String("instance_id", id), zap.Error(err))
			inst, rerr := s.Recover(id)
			if rerr != nil {
				return nil, "", rerr
			}
			return inst, s.recordPath(inst.Status, id), nil
		}
		var inst Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			s.log.Warn("instance record corrupt, recovering from event log",
				zap.String("instance_id", id), zap.Error(err))
			recovered, rerr := s.Recover(id)
			if rerr != nil {
				return nil, "", rerr
			}
			return recovered, s.recordPath(recovered.Status, id), nil
		}
		return &inst, path, nil
	}
	// No primary record at all; the event log may still know this id.
	if _, err := os.Stat(s.eventLogPath(id)); err == nil {
		inst, rerr := s.Recover(id)
		if rerr != nil {
			return nil, "", rerr
		}
		return inst, s.recordPath(inst.Status, id), nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns instances sorted most-recently-started first. With no
// statuses given, every location is listed.
func (s *Store) List(statuses ...Status) ([]*Instance, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusInProgress, StatusCompleted, StatusAbandoned}
	}
	var out []*Instance
	for _, status := range statuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("instance: list %s: %w", status, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.statusDir(status), entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("instance: list %s: %w", status, err)
			}
			var inst Instance
			if err := json.Unmarshal(data, &inst); err != nil {
				s.log.Warn("skipping corrupt record while listing",
					zap.String("file", entry.Name()), zap.Error(err))
				continue
			}
			out = append(out, &inst)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// MarkStageCompleted appends the stage to the completion list if absent and
// merges metadata. Completing the same stage twice is a no-op for the list.
func (s *Store) MarkStageCompleted(id, stageID string, metadata map[string]any) (*Instance, error) {
	if stageID == "" {
		return nil, fmt.Errorf("instance: stage id is required")
	}
	return s.mutate(id, func(inst *Instance) ([]Event, error) {
		now := s.now().UTC()
		var events []Event
		if !inst.HasCompleted(stageID) {
			since := inst.StartedAt
			if n := len(inst.CompletedStages); n > 0 {
				since = inst.CompletedStages[n-1].CompletedAt
			}
			duration := now.Sub(since)
			if duration < 0 {
				duration = 0
			}
			events = append(events, Event{
				Subject:   stageID,
				Predicate: PredStageCompleted,
				Object:    duration.Round(time.Millisecond).String(),
				At:        now,
			})
		}
		if ev, ok := metadataEvent(metadata, now); ok {
			events = append(events, ev)
		}
		return events, nil
	})
}

// AddDeviation records a departure from the expected stage order.
func (s *Store) AddDeviation(id string, dev Deviation) (*Instance, error) {
	if dev.ToStage == "" {
		return nil, fmt.Errorf("instance: deviation to-stage is required")
	}
	if dev.Class == "" {
		dev.Class = DeviationUnknown
	}
	return s.mutate(id, func(inst *Instance) ([]Event, error) {
		now := s.now().UTC()
		if dev.Timestamp.IsZero() {
			dev.Timestamp = now
		}
		return []Event{deviationEvent(dev, now)}, nil
	})
}

// SetMetrics stores the latest significance snapshot on the instance.
func (s *Store) SetMetrics(id string, snap metrics.Snapshot) (*Instance, error) {
	return s.mutate(id, func(inst *Instance) ([]Event, error) {
		return []Event{metricsEvent(snap, s.now().UTC())}, nil
	})
}

// Complete marks the instance finished and archives it.
func (s *Store) Complete(id string) (*Instance, error) {
	return s.finalize(id, Event{Predicate: PredInstanceCompleted})
}

// Abandon marks the instance abandoned with a reason and archives it.
func (s *Store) Abandon(id, reason string) (*Instance, error) {
	return s.finalize(id, Event{Predicate: PredInstanceAbandoned, Object: reason})
}

// Recover rebuilds an instance by replaying its event log, then rewrites
// the primary record. Malformed log lines are skipped, not fatal.
func (s *Store) Recover(id string) (*Instance, error) {
	events, err := s.readEvents(id)
	if err != nil {
		return nil, err
	}
	inst := replay(events)
	if inst.ID == "" {
		return nil, fmt.Errorf("%w: %s (event log has no creation record)", ErrNotFound, id)
	}
	if err := s.saveRecord(inst); err != nil {
		return nil, err
	}
	s.log.Info("instance recovered from event log",
		zap.String("instance_id", id),
		zap.Int("events", len(events)))
	return inst, nil
}

// mutate runs fn under the per-id lock, folds the returned events through
// the reducer, appends them to the log, and atomically rewrites the record.
func (s *Store) mutate(id string, fn func(*Instance) ([]Event, error)) (*Instance, error) {
	lock, err := acquireLock(s.lockPath(id), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	inst, path, err := s.loadAnywhere(id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, inst.Status)
	}
	events, err := fn(inst)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return inst, nil
	}
	for _, ev := range events {
		apply(inst, ev)
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if err := s.appendEvents(id, events); err != nil {
		return nil, err
	}
	if err := s.writeRecord(path, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// finalize applies a terminal event and moves the record to its archive
// location, deleting the active copy.
func (s *Store) finalize(id string, ev Event) (*Instance, error) {
	lock, err := acquireLock(s.lockPath(id), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	inst, activePath, err := s.loadAnywhere(id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, inst.Status)
	}
	ev.Subject = id
	ev.At = s.now().UTC()
	apply(inst, ev)
	if err := s.appendEvents(id, []Event{ev}); err != nil {
		return nil, err
	}
	if err := s.saveRecord(inst); err != nil {
		return nil, err
	}
	if activePath != s.recordPath(inst.Status, id) {
		if err := os.Remove(activePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("instance: archive %s: %w", id, err)
		}
	}
	s.log.Info("instance archived",
		zap.String("instance_id", id),
		zap.String("status", string(inst.Status)))
	return inst, nil
}

func (s *Store) saveRecord(inst *Instance) error {
	return s.writeRecord(s.recordPath(inst.Status, inst.ID), inst)
}

func (s *Store) writeRecord(path string, inst *Instance) error {
	encoded, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("instance: encode %s: %w", inst.ID, err)
	}
	if err := writeFileAtomic(path, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("instance: write %s: %w", inst.ID, err)
	}
	return nil
}

// appendEvents writes whole lines to the per-instance log. O_APPEND keeps
// concurrent whole-line writers from interleaving.
func (s *Store) appendEvents(id string, events []Event) error {
	f, err := os.OpenFile(s.eventLogPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("instance: open event log %s: %w", id, err)
	}
	defer f.Close()
	var buf strings.Builder
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("instance: encode event for %s: %w", id, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := f.WriteString(buf.String()); err != nil {
		return fmt.Errorf("instance: append event log %s: %w", id, err)
	}
	return f.Sync()
}

func (s *Store) readEvents(id string) ([]Event, error) {
	f, err := os.Open(s.eventLogPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (no event log)", ErrNotFound, id)
		}
		return nil, fmt.Errorf("instance: open event log %s: %w", id, err)
	}
	defer f.Close()
	var events []Event
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.log.Warn("skipping malformed event log line",
				zap.String("instance_id", id),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("instance: read event log %s: %w", id, err)
	}
	return events, nil
}
