// Package ytdlp runs the yt-dlp executable: metadata probes and supervised
// download processes whose combined output is read line by line.
package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	DefaultPath        = "yt-dlp"
	DefaultMergeFormat = "mp4"
	defaultWaitDelay   = 5 * time.Second
	maxLineBytes       = 1 << 20
)

type Config struct {
	Path           string
	FFmpegLocation string
	MergeFormat    string
	// WaitDelay bounds how long a terminated process group may linger before
	// it is killed.
	WaitDelay time.Duration
}

type DownloadSpec struct {
	URL         string
	FormatID    string
	OutputPath  string
	CookiesFile string
}

type Launcher struct {
	path           string
	ffmpegLocation string
	mergeFormat    string
	waitDelay      time.Duration
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MergeFormat == "" {
		cfg.MergeFormat = DefaultMergeFormat
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}

	return &Launcher{
		path:           cfg.Path,
		ffmpegLocation: cfg.FFmpegLocation,
		mergeFormat:    cfg.MergeFormat,
		waitDelay:      cfg.WaitDelay,
	}
}

func (l *Launcher) downloadArgs(spec DownloadSpec) []string {
	args := []string{}
	if spec.CookiesFile != "" {
		args = append(args, "--cookies", spec.CookiesFile)
	}
	if l.ffmpegLocation != "" {
		args = append(args, "--ffmpeg-location", l.ffmpegLocation)
	}
	args = append(args,
		"-f", spec.FormatID+"+bestaudio",
		"-o", spec.OutputPath,
		"--progress",
		"--no-playlist",
		"--newline",
		"-q", "--no-warnings",
		"--merge-output-format", l.mergeFormat,
		spec.URL,
	)
	return args
}

// Launch starts a download. Cancelling ctx terminates the process the same
// way Terminate does.
func (l *Launcher) Launch(ctx context.Context, spec DownloadSpec) (*Process, error) {
	if spec.URL == "" || spec.FormatID == "" || spec.OutputPath == "" {
		return nil, fmt.Errorf("incomplete download spec")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &StartupError{Path: l.path, Err: fmt.Errorf("create output pipe: %w", err)}
	}
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	cmd := exec.CommandContext(ctx, l.path, l.downloadArgs(spec)...)
	p := &Process{
		cmd:        cmd,
		out:        pr,
		scanner:    sc,
		outputPath: spec.OutputPath,
		waitDelay:  l.waitDelay,
	}

	configureProcess(cmd)
	cmd.Cancel = p.stop
	cmd.WaitDelay = l.waitDelay
	cmd.Stdout = pw
	cmd.Stderr = pw

	slog.Debug("starting yt-dlp", slog.String("cmd", cmd.String()))
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, &StartupError{Path: l.path, Err: err}
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	return p, nil
}

// Process is a running download. ReadLine is meant for a single reader.
type Process struct {
	cmd        *exec.Cmd
	out        *os.File
	scanner    *bufio.Scanner
	outputPath string
	waitDelay  time.Duration

	waitOnce sync.Once
	waitErr  error

	mu        sync.Mutex
	killTimer *time.Timer
	reaped    bool
}

// ReadLine blocks until the next output line is available. It returns io.EOF
// once the process has closed its output.
func (p *Process) ReadLine() (string, error) {
	if p.scanner.Scan() {
		return p.scanner.Text(), nil
	}
	if err := p.scanner.Err(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return "", io.EOF
		}
		return "", fmt.Errorf("read yt-dlp output: %w", err)
	}
	return "", io.EOF
}

// Wait blocks until the process exits. A non-zero exit yields *ExitError and a
// clean exit without the expected file yields *OutputMissingError.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.markReaped()
		_ = p.out.Close()

		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				p.waitErr = &ExitError{Code: ee.ExitCode()}
				return
			}
			p.waitErr = fmt.Errorf("wait yt-dlp: %w", err)
			return
		}

		if _, err := os.Stat(p.outputPath); err != nil {
			p.waitErr = &OutputMissingError{Path: p.outputPath}
		}
	})
	return p.waitErr
}

// Terminate asks the process group to stop and kills it if it is still
// around after the wait delay. Callers observe the exit through Wait.
func (p *Process) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.stop(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate yt-dlp: %w", err)
	}
	return nil
}

func (p *Process) stop() error {
	err := terminate(p.cmd)
	p.armKill()
	return err
}

// armKill schedules a SIGKILL for the group. Children such as ffmpeg keep the
// output pipe open, so the leader exiting is not enough for ReadLine to end.
func (p *Process) armKill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped || p.killTimer != nil {
		return
	}

	p.killTimer = time.AfterFunc(p.waitDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// after the leader is reaped its pgid may be reused
		if p.reaped {
			return
		}
		slog.Warn("yt-dlp ignored termination, killing process group",
			slog.Int("pid", p.cmd.Process.Pid),
			slog.Duration("wait_delay", p.waitDelay),
		)
		if err := kill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Warn("kill yt-dlp", slog.String("error", err.Error()))
		}
	})
}

func (p *Process) markReaped() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reaped = true
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
}
