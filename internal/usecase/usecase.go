package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"strings"
	"unicode"

	"github.com/you-humble/ytgrab/internal/domain"
)

type Downloads interface {
	Start(ctx context.Context, p domain.StartParams) (domain.Task, error)
	Status(key string) (domain.Task, error)
	Cancel(key string) (string, error)
	Retrieve(key string) (domain.Artifact, error)
}

type Prober interface {
	Probe(ctx context.Context, url, cookiesFile string) (domain.VideoInfo, error)
}

type FileStore interface {
	Prepare(ctx context.Context, filename string) (string, error)
	List(ctx context.Context, dir string) ([]domain.StoredFile, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
}

const (
	finalURLPrefix   = "/downloader/get_final/"
	maxTitleLen      = 60
	unknownErrorText = "An unknown error occurred."
)

var mediaExts = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".webm": true,
	".mp3":  true,
	".m4a":  true,
}

type usecase struct {
	cookiesFile string
	downloads   Downloads
	prober      Prober
	files       FileStore
}

func New(
	cookiesFile string,
	downloads Downloads,
	prober Prober,
	files FileStore,
) *usecase {
	return &usecase{
		cookiesFile: cookiesFile,
		downloads:   downloads,
		prober:      prober,
		files:       files,
	}
}

// Probe lists the video-only formats of url together with the task key the
// caller should use to start each of them.
func (uc *usecase) Probe(ctx context.Context, userID, url string) (domain.ProbeResponse, error) {
	if err := validUser(userID); err != nil {
		return domain.ProbeResponse{}, err
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return domain.ProbeResponse{}, fmt.Errorf("%w: url is required", domain.ErrInvalidInput)
	}

	info, err := uc.prober.Probe(ctx, url, uc.cookies())
	if err != nil {
		return domain.ProbeResponse{}, fmt.Errorf("probe: %w", err)
	}

	resp := domain.ProbeResponse{
		Title:   info.Title,
		VideoID: info.VideoID,
		Options: make([]domain.DownloadOption, 0, len(info.Formats)),
	}
	for _, f := range info.Formats {
		resp.Options = append(resp.Options, domain.DownloadOption{
			FormatID:        f.FormatID,
			Resolution:      f.Resolution,
			SizeMB:          toMB(f.ApproxSizeBytes),
			ApproxSizeBytes: f.ApproxSizeBytes,
			TaskKey:         domain.NewTaskKey(info.VideoID, f.FormatID, userID),
		})
	}

	slog.Debug("probe finished",
		slog.String("user_id", userID),
		slog.String("video_id", info.VideoID),
		slog.Int("options", len(resp.Options)),
	)
	return resp, nil
}

func (uc *usecase) Start(ctx context.Context, userID, formatID, key, url, title string) (domain.StartResponse, error) {
	if err := validUser(userID); err != nil {
		return domain.StartResponse{}, err
	}
	if err := validSegment("task key", key); err != nil {
		return domain.StartResponse{}, err
	}
	if strings.TrimSpace(formatID) == "" {
		return domain.StartResponse{}, fmt.Errorf("%w: format id is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(url) == "" {
		return domain.StartResponse{}, fmt.Errorf("%w: url is required", domain.ErrInvalidInput)
	}
	if !domain.OwnedBy(key, userID) {
		return domain.StartResponse{}, domain.ErrUnauthorized
	}

	filename := SafeFilename(title, domain.KeyVideoID(key, formatID, userID))
	outputPath, err := uc.files.Prepare(ctx, path.Join(userID, key, filename))
	if err != nil {
		return domain.StartResponse{}, fmt.Errorf("prepare output: %w", err)
	}

	task, err := uc.downloads.Start(ctx, domain.StartParams{
		Key:         key,
		UserID:      userID,
		URL:         url,
		FormatID:    formatID,
		Title:       title,
		OutputPath:  outputPath,
		CookiesFile: uc.cookies(),
	})
	if errors.Is(err, domain.ErrAlreadyRunning) {
		progress := task.Progress
		return domain.StartResponse{
			Status:   domain.StartAlreadyRunning,
			Progress: &progress,
		}, nil
	}
	if err != nil {
		return domain.StartResponse{}, fmt.Errorf("start download: %w", err)
	}

	return domain.StartResponse{Status: domain.StartStarted, TaskKey: key}, nil
}

func (uc *usecase) Status(ctx context.Context, userID, key string) (domain.StatusResponse, error) {
	task, err := uc.ownedTask(userID, key)
	if err != nil {
		return domain.StatusResponse{}, err
	}

	resp := domain.StatusResponse{
		Status:   task.Status,
		Progress: task.Progress,
		Speed:    task.Speed,
	}
	switch task.Status {
	case domain.StatusComplete:
		resp.DownloadURL = finalURLPrefix + key
	case domain.StatusError:
		resp.Message = task.Error
		if resp.Message == "" {
			resp.Message = unknownErrorText
		}
	}
	return resp, nil
}

func (uc *usecase) Cancel(ctx context.Context, userID, key string) (domain.CancelResponse, error) {
	if _, err := uc.ownedTask(userID, key); err != nil {
		return domain.CancelResponse{}, err
	}

	status, err := uc.downloads.Cancel(key)
	if err != nil {
		return domain.CancelResponse{}, err
	}
	return domain.CancelResponse{Status: status}, nil
}

// Retrieve hands over a finished download. It succeeds once per task.
func (uc *usecase) Retrieve(ctx context.Context, userID, key string) (domain.Artifact, error) {
	if _, err := uc.ownedTask(userID, key); err != nil {
		return domain.Artifact{}, err
	}
	return uc.downloads.Retrieve(key)
}

// ownedTask returns the task behind key if it was started by userID. The key
// shape is only a pre-check; the owner stored with the task decides.
func (uc *usecase) ownedTask(userID, key string) (domain.Task, error) {
	if !domain.OwnedBy(key, userID) {
		return domain.Task{}, domain.ErrUnauthorized
	}

	task, err := uc.downloads.Status(key)
	if err != nil {
		return domain.Task{}, err
	}
	if task.UserID != userID {
		slog.Warn("task key used by another user",
			slog.String("task_key", key),
			slog.String("user_id", userID),
		)
		return domain.Task{}, domain.ErrUnauthorized
	}
	return task, nil
}

func (uc *usecase) ListFiles(ctx context.Context, userID string) ([]domain.FileInfo, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}

	stored, err := uc.files.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	files := make([]domain.FileInfo, 0, len(stored))
	for _, f := range stored {
		if !mediaExts[strings.ToLower(path.Ext(f.Name))] {
			continue
		}
		files = append(files, domain.FileInfo{
			Ref:    f.Name,
			Name:   path.Base(f.Name),
			SizeMB: toMB(f.Size),
		})
	}
	return files, nil
}

func (uc *usecase) OpenFile(ctx context.Context, userID, ref string) (domain.Artifact, error) {
	name, err := userFile(userID, ref)
	if err != nil {
		return domain.Artifact{}, err
	}

	rc, size, err := uc.files.Open(ctx, name)
	if err != nil {
		return domain.Artifact{}, err
	}
	return domain.Artifact{FileName: path.Base(name), Size: size, Content: rc}, nil
}

func (uc *usecase) DeleteFile(ctx context.Context, userID, ref string) error {
	name, err := userFile(userID, ref)
	if err != nil {
		return err
	}

	if err := uc.files.Delete(ctx, name); err != nil {
		return err
	}
	slog.Info("file deleted", slog.String("user_id", userID), slog.String("ref", ref))
	return nil
}

func (uc *usecase) cookies() string {
	if uc.cookiesFile == "" {
		return ""
	}
	if _, err := os.Stat(uc.cookiesFile); err != nil {
		slog.Debug("cookies file unavailable, continuing without it",
			slog.String("path", uc.cookiesFile),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return uc.cookiesFile
}

// SafeFilename keeps letters, digits, space, '.', '_' and '-' of title,
// truncated to 60 characters, and appends ".mp4". An empty result falls back
// to the video id.
func SafeFilename(title, videoID string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" ._-", r) {
			b.WriteRune(r)
		}
	}

	safe := strings.TrimSpace(b.String())
	if runes := []rune(safe); len(runes) > maxTitleLen {
		safe = string(runes[:maxTitleLen])
	}
	// a title made of dots would otherwise become "." or ".."
	if strings.Trim(safe, ".") == "" {
		safe = videoID
	}
	return safe + ".mp4"
}

func userFile(userID, ref string) (string, error) {
	if err := validUser(userID); err != nil {
		return "", err
	}
	if ref == "" || strings.Contains(ref, `\`) || path.IsAbs(ref) {
		return "", fmt.Errorf("%w: invalid file reference %q", domain.ErrInvalidInput, ref)
	}
	clean := path.Clean(ref)
	if clean != ref || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: invalid file reference %q", domain.ErrInvalidInput, ref)
	}
	return userID + "/" + clean, nil
}

func validUser(userID string) error {
	if err := validSegment("user id", userID); err != nil {
		return err
	}
	if !domain.ValidUserID(userID) {
		return fmt.Errorf("%w: user id %q must not contain '_'", domain.ErrInvalidInput, userID)
	}
	return nil
}

func validSegment(what, s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidInput, what)
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: invalid %s %q", domain.ErrInvalidInput, what, s)
	}
	return nil
}

func toMB(bytes int64) float64 {
	return math.Round(float64(bytes)/(1024*1024)*100) / 100
}
