package taskstore

import (
	"sync"
	"time"

	"github.com/you-humble/ytgrab/internal/domain"
)

type memoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	now   func() time.Time
}

func NewMemoryStore() *memoryTaskStore {
	return &memoryTaskStore{
		tasks: make(map[string]*domain.Task),
		now:   time.Now,
	}
}

func (s *memoryTaskStore) Create(t domain.Task) (domain.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.tasks[t.Key]; ok && !cur.Status.IsTerminal() {
		return *cur, false, nil
	}

	t.Status = domain.StatusStarting
	t.Progress = 0
	t.Speed = ""
	t.CancelRequested = false
	s.tasks[t.Key] = &t
	return t, true, nil
}

func (s *memoryTaskStore) Task(key string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[key]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return *t, nil
}

func (s *memoryTaskStore) UpdateProgress(key string, percent int, speed string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok || t.Status.IsTerminal() {
		return false
	}

	t.Status = domain.StatusDownloading
	t.Progress = max(t.Progress, clampPercent(percent))
	t.Speed = speed
	t.UpdatedAt = s.now()
	return true
}

func (s *memoryTaskStore) RequestCancel(key string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if !t.Status.IsTerminal() && !t.CancelRequested {
		t.CancelRequested = true
		t.UpdatedAt = s.now()
	}
	return *t, nil
}

func (s *memoryTaskStore) Finish(key string, out domain.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok || t.Status.IsTerminal() || !out.Status.IsTerminal() {
		return false, nil
	}

	now := s.now()
	t.Status = out.Status
	t.Speed = domain.TerminalSpeed(out.Status)
	t.UpdatedAt = now
	t.FinishedAt = now

	switch out.Status {
	case domain.StatusComplete:
		t.Progress = 100
		t.OutputPath = out.OutputPath
		t.DownloadName = out.DownloadName
	case domain.StatusError:
		t.Error = out.Error
	}
	return true, nil
}

func (s *memoryTaskStore) TakeCompleted(key string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if t.Status != domain.StatusComplete {
		return domain.Task{}, domain.ErrNotReady
	}

	delete(s.tasks, key)
	return *t, nil
}

func (s *memoryTaskStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
}

func (s *memoryTaskStore) DeleteFinishedBefore(border time.Time) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []domain.Task
	for key, t := range s.tasks {
		if t.Status.IsTerminal() && t.FinishedAt.Before(border) {
			removed = append(removed, *t)
			delete(s.tasks, key)
		}
	}
	return removed
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
