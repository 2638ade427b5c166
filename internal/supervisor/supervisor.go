// Package supervisor runs downloads in the background and keeps their state
// in a task registry that callers poll.
//
// Every task has exactly one worker goroutine, which is the only writer of
// its progress and final state. Cancellation is delivered through the
// worker's context, which also terminates the external process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/you-humble/ytgrab/internal/domain"
	"github.com/you-humble/ytgrab/internal/infra/ytdlp"
	"github.com/you-humble/ytgrab/internal/progress"

	"golang.org/x/sync/errgroup"
)

// TaskStore is the registry of download tasks. Implementations must make each
// method atomic for its key.
type TaskStore interface {
	// Create inserts t unless a non-terminal task with the same key exists, in
	// which case that task is returned with created == false.
	Create(t domain.Task) (existing domain.Task, created bool, err error)
	// Task returns domain.ErrNotFound for unknown keys. Any other error means
	// the registry itself could not be read.
	Task(key string) (domain.Task, error)
	// UpdateProgress moves a non-terminal task to downloading. Progress never
	// decreases.
	UpdateProgress(key string, percent int, speed string) bool
	RequestCancel(key string) (domain.Task, error)
	// Finish records the terminal outcome once; later calls report false.
	Finish(key string, out domain.Outcome) (bool, error)
	// TakeCompleted removes and returns a complete task. Tasks in other states
	// stay and yield domain.ErrNotReady.
	TakeCompleted(key string) (domain.Task, error)
	Delete(key string)
	DeleteFinishedBefore(border time.Time) []domain.Task
}

// Process is a running download as seen by its worker.
type Process interface {
	ReadLine() (string, error)
	Wait() error
	Terminate() error
}

// Launcher starts the external download process for spec. The process must
// be terminated when ctx is cancelled.
type Launcher interface {
	Launch(ctx context.Context, spec ytdlp.DownloadSpec) (Process, error)
}

// LaunchFunc adapts a function to Launcher.
type LaunchFunc func(ctx context.Context, spec ytdlp.DownloadSpec) (Process, error)

// Launch calls f(ctx, spec).
func (f LaunchFunc) Launch(ctx context.Context, spec ytdlp.DownloadSpec) (Process, error) {
	return f(ctx, spec)
}

// EventPublisher receives task lifecycle notifications. Failures are logged only.
type EventPublisher interface {
	Publish(ctx context.Context, t domain.Task) error
}

// Archiver receives finished artifacts, e.g. for replication.
type Archiver interface {
	Archive(path string)
}

type Option func(*Supervisor)

func WithEvents(p EventPublisher) Option {
	return func(s *Supervisor) { s.events = p }
}

func WithArchiver(a Archiver) Option {
	return func(s *Supervisor) { s.archiver = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// RetryConfig bounds how long a worker keeps trying to record the final
// state of its task when the registry is failing.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var defaultFinishRetry = RetryConfig{
	MaxRetries:      6,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

func WithFinishRetry(cfg RetryConfig) Option {
	return func(s *Supervisor) { s.retry = cfg }
}

type Supervisor struct {
	store    TaskStore
	launcher Launcher
	parser   progress.Parser
	events   EventPublisher
	archiver Archiver
	now      func() time.Time
	retry    RetryConfig

	baseCtx    context.Context
	stopAll    context.CancelFunc
	workers    errgroup.Group
	mu         sync.Mutex
	running    map[string]*worker
	isShutdown bool
}

func New(store TaskStore, launcher Launcher, parser progress.Parser, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:    store,
		launcher: launcher,
		parser:   parser,
		now:      time.Now,
		retry:    defaultFinishRetry,
		baseCtx:  ctx,
		stopAll:  cancel,
		running:  make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var errShutdown = errors.New("supervisor is shut down")

// Start registers a task and launches its worker without waiting for it. If
// a non-terminal task already holds the key, that task is returned together
// with domain.ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, p domain.StartParams) (domain.Task, error) {
	if p.Key == "" || p.URL == "" || p.FormatID == "" || p.OutputPath == "" {
		return domain.Task{}, fmt.Errorf("%w: key, url, format and output path are required", domain.ErrInvalidInput)
	}

	if s.shuttingDown() {
		return domain.Task{}, errShutdown
	}

	now := s.now()
	t := domain.Task{
		Key:        p.Key,
		UserID:     p.UserID,
		URL:        p.URL,
		FormatID:   p.FormatID,
		Title:      p.Title,
		Status:     domain.StatusStarting,
		OutputPath: p.OutputPath,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	existing, created, err := s.store.Create(t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("register task: %w", err)
	}
	if !created {
		return existing, domain.ErrAlreadyRunning
	}

	// published before the worker exists so that starting always precedes
	// the terminal event
	s.publish(t)

	spec := ytdlp.DownloadSpec{
		URL:         p.URL,
		FormatID:    p.FormatID,
		OutputPath:  p.OutputPath,
		CookiesFile: p.CookiesFile,
	}

	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		s.finish(p.Key, domain.Outcome{Status: domain.StatusCancelled})
		return domain.Task{}, errShutdown
	}
	wctx, cancel := context.WithCancel(s.baseCtx)
	w := &worker{key: p.Key, cancel: cancel}
	s.running[p.Key] = w
	s.workers.Go(func() error {
		defer s.release(w)
		s.run(wctx, w, spec)
		return nil
	})
	s.mu.Unlock()

	// a Cancel that ran before the worker was registered only set the flag
	if cur, err := s.store.Task(p.Key); err == nil && cur.CancelRequested {
		w.stop()
	}

	slog.Info("download started",
		slog.String("task_key", p.Key),
		slog.String("format_id", p.FormatID),
	)
	return t, nil
}

// Status returns a snapshot of the task without blocking on the worker.
func (s *Supervisor) Status(key string) (domain.Task, error) {
	t, err := s.store.Task(key)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Cancel flags the task and signals its process. It only acknowledges the
// request; the task turns cancelled once the worker observes it.
func (s *Supervisor) Cancel(key string) (string, error) {
	t, err := s.store.RequestCancel(key)
	if err != nil {
		return "", err
	}
	if t.Status.IsTerminal() {
		return string(t.Status), nil
	}

	s.mu.Lock()
	w := s.running[key]
	s.mu.Unlock()
	if w != nil {
		w.stop()
	}

	slog.Info("download cancel requested", slog.String("task_key", key))
	return domain.CancelRequested, nil
}

// Retrieve hands the finished file over exactly once. The registry entry is
// removed even when the file turns out to be missing.
func (s *Supervisor) Retrieve(key string) (domain.Artifact, error) {
	t, err := s.store.TakeCompleted(key)
	if err != nil {
		return domain.Artifact{}, err
	}

	f, err := os.Open(t.OutputPath)
	if err != nil {
		slog.Error("completed download missing on disk",
			slog.String("task_key", key),
			slog.String("path", t.OutputPath),
			slog.String("error", err.Error()),
		)
		return domain.Artifact{}, fmt.Errorf("%w: %s", domain.ErrInconsistent, filepath.Base(t.OutputPath))
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return domain.Artifact{}, fmt.Errorf("%w: stat: %v", domain.ErrInconsistent, err)
	}

	name := t.DownloadName
	if name == "" {
		name = filepath.Base(t.OutputPath)
	}
	return domain.Artifact{FileName: name, Size: info.Size(), Content: f}, nil
}

// Shutdown cancels every running download and waits for the workers to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.isShutdown = true
	for _, w := range s.running {
		w.stop()
	}
	s.mu.Unlock()
	s.stopAll()

	done := make(chan struct{})
	go func() {
		_ = s.workers.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for download workers: %w", ctx.Err())
	case <-done:
	}

	slog.Info("download supervisor stopped")
	return nil
}

// Running returns the number of live workers.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Supervisor) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isShutdown
}

func (s *Supervisor) release(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[w.key] == w {
		delete(s.running, w.key)
	}
}

func (s *Supervisor) publish(t domain.Task) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, t); err != nil {
		slog.Warn("publish task event",
			slog.String("task_key", t.Key),
			slog.String("status", string(t.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// worker owns the process handle of one task.
type worker struct {
	key    string
	cancel context.CancelFunc

	mu      sync.Mutex
	proc    Process
	stopped bool
}

func (w *worker) attach(p Process) {
	w.mu.Lock()
	w.proc = p
	stopped := w.stopped
	w.mu.Unlock()

	if stopped {
		_ = p.Terminate()
	}
}

func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	p := w.proc
	w.mu.Unlock()

	w.cancel()
	if p != nil {
		if err := p.Terminate(); err != nil {
			slog.Warn("terminate download", slog.String("task_key", w.key), slog.String("error", err.Error()))
		}
	}
}

func (s *Supervisor) run(ctx context.Context, w *worker, spec ytdlp.DownloadSpec) {
	l := slog.With(slog.String("task_key", w.key))

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			s.finishCancelled(l, w.key, spec.OutputPath)
			return
		}
		l.Error("download failed to start", slog.String("error", err.Error()))
		s.finish(w.key, domain.Outcome{Status: domain.StatusError, Error: err.Error()})
		return
	}
	w.attach(proc)

	lines := 0
	for {
		if ctx.Err() != nil {
			_ = proc.Terminate()
			break
		}

		line, err := proc.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.Warn("read download output", slog.String("error", err.Error()))
			}
			break
		}
		lines++

		if ctx.Err() != nil {
			_ = proc.Terminate()
			break
		}

		if p, ok := s.parser.Parse(line); ok {
			s.store.UpdateProgress(w.key, int(p.Percent), p.Speed)
		}
	}

	waitErr := proc.Wait()
	l.Debug("download process exited", slog.Int("lines", lines), slog.Any("wait_error", waitErr))

	if ctx.Err() != nil {
		s.finishCancelled(l, w.key, spec.OutputPath)
		return
	}

	if waitErr != nil {
		l.Error("download failed", slog.String("error", waitErr.Error()))
		s.finish(w.key, domain.Outcome{Status: domain.StatusError, Error: waitErr.Error()})
		return
	}

	s.finish(w.key, domain.Outcome{
		Status:       domain.StatusComplete,
		OutputPath:   spec.OutputPath,
		DownloadName: filepath.Base(spec.OutputPath),
	})
	l.Info("download complete", slog.String("path", spec.OutputPath))

	if s.archiver != nil {
		s.archiver.Archive(spec.OutputPath)
	}
}

func (s *Supervisor) finishCancelled(l *slog.Logger, key, outputPath string) {
	for _, p := range []string{outputPath, outputPath + ".part"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.Warn("remove partial download", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	s.finish(key, domain.Outcome{Status: domain.StatusCancelled})
	l.Info("download cancelled")
}

// finish records out, retrying with backoff while the registry fails. A task
// left non-terminal would never be evicted and never be retrievable.
func (s *Supervisor) finish(key string, out domain.Outcome) {
	l := slog.With(slog.String("task_key", key), slog.String("status", string(out.Status)))

	var lastErr error
	interval := s.retry.InitialInterval

	for attempt := range max(s.retry.MaxRetries, 1) {
		applied, err := s.store.Finish(key, out)
		if err == nil {
			if !applied {
				return
			}
			if t, err := s.store.Task(key); err == nil {
				s.publish(t)
			}
			return
		}
		lastErr = err

		l.Warn("record final task state",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", interval),
			slog.String("error", lastErr.Error()),
		)
		time.Sleep(interval)
		interval = min(interval*2, s.retry.MaxInterval)
	}

	l.Error("final task state lost",
		slog.Int("attempts", max(s.retry.MaxRetries, 1)),
		slog.String("error", lastErr.Error()),
	)
}
