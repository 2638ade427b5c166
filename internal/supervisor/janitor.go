package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/you-humble/ytgrab/internal/domain"
)

// Sweep evicts tasks that finished more than ttl before now. Leftover output
// of failed and cancelled downloads is removed; completed files stay in the
// user's library.
func (s *Supervisor) Sweep(now time.Time, ttl time.Duration) int {
	expired := s.store.DeleteFinishedBefore(now.Add(-ttl))
	for _, t := range expired {
		if t.Status == domain.StatusComplete || t.OutputPath == "" {
			continue
		}
		for _, p := range []string{t.OutputPath, t.OutputPath + ".part"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("cleanup leftover download",
					slog.String("task_key", t.Key),
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return len(expired)
}

// StartCleanup runs Sweep every interval until ctx is done.
func (s *Supervisor) StartCleanup(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(s.now(), ttl); n > 0 {
					slog.Info("cleanup tasks", slog.Int("evicted_tasks", n))
				}
			}
		}
	}()
}
