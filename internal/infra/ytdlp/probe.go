package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/you-humble/ytgrab/internal/domain"
)

// MaxProbeTimeout is the upper bound for a metadata probe.
const MaxProbeTimeout = 120 * time.Second

type Prober struct {
	path    string
	timeout time.Duration
}

func NewProber(path string, timeout time.Duration) *Prober {
	if path == "" {
		path = DefaultPath
	}
	if timeout <= 0 || timeout > MaxProbeTimeout {
		timeout = MaxProbeTimeout
	}
	return &Prober{path: path, timeout: timeout}
}

// Probe fetches metadata for url without downloading media and returns the
// video-only formats, best quality first.
func (p *Prober) Probe(ctx context.Context, url, cookiesFile string) (domain.VideoInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{}
	if cookiesFile != "" {
		args = append(args, "--cookies", cookiesFile)
	}
	args = append(args, "--no-update", "--dump-json", "--no-playlist", url)

	cmd := exec.CommandContext(ctx, p.path, args...)
	configureProcess(cmd)
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.VideoInfo{}, &TimeoutError{After: p.timeout}
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			slog.Error("yt-dlp metadata failed",
				slog.Int("code", ee.ExitCode()),
				slog.String("stderr", strings.TrimSpace(stderr.String())),
			)
			return domain.VideoInfo{}, &ToolInvocationError{Code: ee.ExitCode(), Stderr: stderr.String()}
		}
		if ctx.Err() != nil {
			return domain.VideoInfo{}, fmt.Errorf("probe: %w", ctx.Err())
		}
		return domain.VideoInfo{}, &StartupError{Path: p.path, Err: err}
	}

	info, err := parseMetadata(stdout.Bytes())
	if err != nil {
		return domain.VideoInfo{}, err
	}

	slog.Debug("yt-dlp metadata fetched",
		slog.String("video_id", info.VideoID),
		slog.Int("formats", len(info.Formats)),
		slog.Duration("took", time.Since(start)),
	)
	return info, nil
}

type rawFormat struct {
	FormatID       string   `json:"format_id"`
	VCodec         string   `json:"vcodec"`
	ACodec         string   `json:"acodec"`
	Height         *float64 `json:"height"`
	Resolution     string   `json:"resolution"`
	FormatNote     string   `json:"format_note"`
	FileSize       *float64 `json:"filesize"`
	FileSizeApprox *float64 `json:"filesize_approx"`
}

type rawMetadata struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Formats []rawFormat `json:"formats"`
}

func parseMetadata(data []byte) (domain.VideoInfo, error) {
	var raw rawMetadata
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		return domain.VideoInfo{}, &MetadataParseError{Err: err}
	}

	info := domain.VideoInfo{
		Title:   raw.Title,
		VideoID: raw.ID,
		Formats: videoOnlyFormats(raw.Formats),
	}
	if info.Title == "" {
		info.Title = "Unknown Title"
	}
	if info.VideoID == "" {
		info.VideoID = "unknown_id"
	}
	return info, nil
}

// videoOnlyFormats keeps streams without audio, since audio is merged at
// download time, ordered by height descending with tool order kept on ties.
func videoOnlyFormats(raw []rawFormat) []domain.Format {
	formats := make([]domain.Format, 0, len(raw))
	for _, f := range raw {
		if f.VCodec == "none" || f.ACodec != "none" {
			continue
		}

		size := int64(0)
		switch {
		case f.FileSize != nil && *f.FileSize > 0:
			size = int64(*f.FileSize)
		case f.FileSizeApprox != nil && *f.FileSizeApprox > 0:
			size = int64(*f.FileSizeApprox)
		}

		height := 0
		if f.Height != nil {
			height = int(*f.Height)
		}

		resolution := f.Resolution
		if resolution == "" {
			resolution = f.FormatNote
		}
		if resolution == "" {
			resolution = "Unknown"
		}

		formats = append(formats, domain.Format{
			FormatID:        f.FormatID,
			Resolution:      resolution,
			Height:          height,
			ApproxSizeBytes: size,
		})
	}

	sort.SliceStable(formats, func(i, j int) bool {
		return formats[i].Height > formats[j].Height
	})
	return formats
}
