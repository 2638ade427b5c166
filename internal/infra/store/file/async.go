package filestore

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/you-humble/ytgrab/internal/domain"
	"github.com/you-humble/ytgrab/internal/infra/store/file/replicator"

	"golang.org/x/sync/errgroup"
)

// asyncStore keeps downloads on local disk and mirrors finished ones to the
// archive bucket in the background.
type asyncStore struct {
	local      *localStore
	remote     *minioStore
	replicator *replicator.Replicator
}

func NewAsyncStore(
	ctx context.Context,
	local *localStore,
	remote *minioStore,
	queueSize,
	workerNum,
	maxRetries int,
) *asyncStore {
	repl := replicator.NewReplicator(local, remote, queueSize, workerNum, maxRetries)
	repl.Start(ctx)

	return &asyncStore{
		local:      local,
		remote:     remote,
		replicator: repl,
	}
}

func (s *asyncStore) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

// Archive schedules replication of a finished download given by its full path.
func (s *asyncStore) Archive(fullPath string) {
	filename, err := s.local.Rel(fullPath)
	if err != nil {
		slog.Error("asyncStore: file outside the library, not archived",
			slog.String("path", fullPath),
			slog.String("error", err.Error()),
		)
		return
	}

	ok := s.replicator.Enqueue(replicator.ReplicateJob{Filename: filename})
	if !ok {
		slog.Error("asyncStore: replication queue full, file kept only locally",
			slog.String("filename", filename),
		)
	}
}

func (s *asyncStore) Prepare(ctx context.Context, filename string) (string, error) {
	return s.local.Prepare(ctx, filename)
}

func (s *asyncStore) List(ctx context.Context, dir string) ([]domain.StoredFile, error) {
	return s.local.List(ctx, dir)
}

func (s *asyncStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	rc, size, err := s.local.Open(ctx, filename)
	if err == nil {
		return rc, size, nil
	}

	if !errors.Is(err, domain.ErrFileNotFound) {
		return nil, 0, err
	}

	slog.Debug("asyncStore: local copy missing, reading archive", slog.String("filename", filename))
	return s.remote.Open(ctx, filename)
}

// Delete removes both copies concurrently. The local result wins so that a
// file missing locally is still reported as not found.
func (s *asyncStore) Delete(ctx context.Context, filename string) error {
	var localErr, remoteErr error

	var eg errgroup.Group
	eg.Go(func() error {
		localErr = s.local.Delete(ctx, filename)
		return nil
	})
	eg.Go(func() error {
		remoteErr = s.remote.Delete(ctx, filename)
		return nil
	})
	_ = eg.Wait()

	if remoteErr != nil {
		slog.Warn("asyncStore: delete remote failed",
			slog.String("filename", filename),
			slog.String("error", remoteErr.Error()),
		)
	}
	if localErr != nil && !errors.Is(localErr, domain.ErrFileNotFound) {
		slog.Warn("asyncStore: delete local failed",
			slog.String("filename", filename),
			slog.String("error", localErr.Error()),
		)
	}

	if localErr != nil {
		return localErr
	}
	return remoteErr
}
