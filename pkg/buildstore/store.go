package buildstore

import (
	"sort"
	"sync"
	"time"

	"github.com/vyvo/pkgbuild/backend/pkg/mockremote"
)

const subscriberBuffer = 32

type subscriber chan string

type buildRecord struct {
	build       Build
	subscribers []subscriber
	logs        []string
	closed      bool
}

// MemStore keeps build records in memory and supports log subscriptions.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*buildRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*buildRecord)}
}

func (s *MemStore) Create(build Build) Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &buildRecord{build: build}
	s.items[build.ID] = rec
	return rec.build
}

// SetStatus moves a build to status. Finished states stamp FinishedAt.
func (s *MemStore) SetStatus(id string, status Status, errMsg string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	now := time.Now().UTC()
	rec.build.Status = status
	rec.build.UpdatedAt = now
	if status.Finished() {
		rec.build.FinishedAt = now
	}
	rec.build.Error = errMsg
	return rec.build, nil
}

// SetResults records where the artifacts were retrieved to and what was built.
func (s *MemStore) SetResults(id string, resultsDir string, packages []mockremote.BuiltPackage) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	rec.build.ResultsDir = resultsDir
	rec.build.Packages = append([]mockremote.BuiltPackage(nil), packages...)
	rec.build.UpdatedAt = time.Now().UTC()
	return rec.build, nil
}

func (s *MemStore) AppendLog(id string, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok || rec.closed {
		return
	}
	rec.logs = append(rec.logs, line)
	for _, sub := range rec.subscribers {
		select {
		case sub <- line:
		default:
		}
	}
}

func (s *MemStore) Get(id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return rec.build, nil
}

// List returns every build, newest first.
func (s *MemStore) List() []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.build)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Logs returns a copy of the lines recorded so far.
func (s *MemStore) Logs(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), rec.logs...), nil
}

// Subscribe replays the recorded lines and then follows new ones. The
// channel is closed when the build finishes; a subscriber joining after that
// gets the replay followed by an immediate close.
func (s *MemStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}

	ch := make(subscriber, len(rec.logs)+subscriberBuffer)
	for _, line := range rec.logs {
		ch <- line
	}
	if rec.closed {
		close(ch)
		return ch, nil
	}
	rec.subscribers = append(rec.subscribers, ch)
	return ch, nil
}

// CloseSubscribers ends every log stream of the build.
func (s *MemStore) CloseSubscribers(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	rec.subscribers = nil
	rec.closed = true
}
