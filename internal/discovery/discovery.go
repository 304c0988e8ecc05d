// Package discovery scans the stage-worker directory tree the host maintains
// on disk. One subdirectory per stage id; non-hidden files inside it are the
// stage's members.
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Error wraps a scan failure. A missing root directory is not an Error; it
// yields an empty result so fresh checkouts behave like empty workflows.
type Error struct {
	Root string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discovery: scan %s: %v", e.Root, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Member is one file inside a stage directory.
type Member struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// StageDir is the discovered on-disk presence of a stage.
type StageDir struct {
	ID      string
	Path    string
	Members []Member
}

// Scanner discovers stage directories under a root path and caches the
// result. The cache is process-local; callers that need cross-process
// freshness pass force=true.
type Scanner struct {
	root string
	log  *zap.Logger

	mu     sync.Mutex
	cache  map[string]StageDir
	cached bool
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scanner) {
		if log != nil {
			s.log = log
		}
	}
}

// NewScanner builds a scanner rooted at the stage-worker tree.
func NewScanner(root string, opts ...Option) *Scanner {
	s := &Scanner{root: root, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Discover returns every stage directory under the root, keyed by stage id.
// Results are cached in memory; force bypasses and replaces the cache.
func (s *Scanner) Discover(force bool) (map[string]StageDir, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached && !force {
		return cloneCache(s.cache), nil
	}
	found, err := s.scan()
	if err != nil {
		return nil, err
	}
	s.cache = found
	s.cached = true
	s.log.Debug("stage discovery refreshed",
		zap.String("root", s.root),
		zap.Int("stages", len(found)))
	return cloneCache(found), nil
}

// Exists reports whether a stage directory is present, using the cache.
func (s *Scanner) Exists(id string) (bool, error) {
	dirs, err := s.Discover(false)
	if err != nil {
		return false, err
	}
	_, ok := dirs[id]
	return ok, nil
}

// Get returns the cached stage directory for id.
func (s *Scanner) Get(id string) (StageDir, bool, error) {
	dirs, err := s.Discover(false)
	if err != nil {
		return StageDir{}, false, err
	}
	dir, ok := dirs[id]
	return dir, ok, nil
}

func (s *Scanner) scan() (map[string]StageDir, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]StageDir{}, nil
		}
		return nil, &Error{Root: s.root, Err: err}
	}
	found := make(map[string]StageDir, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || hidden(entry.Name()) {
			continue
		}
		dirPath := filepath.Join(s.root, entry.Name())
		members, err := scanMembers(dirPath)
		if err != nil {
			return nil, &Error{Root: s.root, Err: err}
		}
		found[entry.Name()] = StageDir{
			ID:      entry.Name(),
			Path:    dirPath,
			Members: members,
		}
	}
	return found, nil
}

func scanMembers(dir string) ([]Member, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var members []Member
	for _, entry := range entries {
		if entry.IsDir() || hidden(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Raced with a delete; the file is simply not a member.
				continue
			}
			return nil, err
		}
		members = append(members, Member{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return members, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func cloneCache(in map[string]StageDir) map[string]StageDir {
	out := make(map[string]StageDir, len(in))
	for id, dir := range in {
		out[id] = dir
	}
	return out
}
