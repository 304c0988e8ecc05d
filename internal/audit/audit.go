// Package audit keeps the security trail for emergency overrides: an
// append-only log, resolved user identity, and justification screening.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event kinds recorded in the audit log.
const (
	KindBypass   = "enforcement_bypass"
	KindRecovery = "instance_recovery"
)

// Entry is one audit record, stored as a single JSON line.
type Entry struct {
	Timestamp     time.Time         `json:"timestamp"`
	Kind          string            `json:"kind"`
	User          string            `json:"user"`
	Justification string            `json:"justification,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Logger appends entries to an append-only file. Appends are whole lines
// under a mutex, so concurrent writers never interleave partial records.
type Logger struct {
	path     string
	identity *IdentityResolver
	log      *zap.Logger
	now      func() time.Time

	mu sync.Mutex
}

// LoggerOption customizes a Logger.
type LoggerOption func(*Logger)

// WithLogger attaches a diagnostic logger; the default discards everything.
func WithLogger(log *zap.Logger) LoggerOption {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithIdentityResolver overrides how the acting user is resolved.
func WithIdentityResolver(r *IdentityResolver) LoggerOption {
	return func(l *Logger) {
		if r != nil {
			l.identity = r
		}
	}
}

// WithClock overrides the entry clock.
func WithClock(clock func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = clock }
}

// NewLogger builds an audit logger writing to path.
func NewLogger(path string, opts ...LoggerOption) *Logger {
	l := &Logger{
		path:     path,
		identity: NewIdentityResolver(),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log appends one entry, resolving the acting user and creating parent
// directories as needed.
func (l *Logger) Log(kind, justification string, metadata map[string]string) (Entry, error) {
	entry := Entry{
		Timestamp:     l.now().UTC(),
		Kind:          kind,
		User:          l.identity.Resolve(),
		Justification: justification,
		Metadata:      metadata,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encode entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return Entry{}, fmt.Errorf("audit: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: append entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("audit: sync log: %w", err)
	}
	l.log.Info("audit entry recorded", zap.String("kind", kind), zap.String("user", entry.User))
	return entry, nil
}

// Recent returns up to limit entries of the given kind, most recent first.
// Malformed lines are skipped, not fatal: a partially written tail must not
// hide the rest of the trail.
func (l *Logger) Recent(kind string, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var matched []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			l.log.Warn("skipping malformed audit line", zap.Error(err))
			continue
		}
		if entry.Kind != kind {
			continue
		}
		matched = append(matched, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	// Most recent first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Path returns the file backing this log.
func (l *Logger) Path() string { return l.path }
