package ytdlp

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"
)

// fakeTool writes an executable shell script standing in for yt-dlp.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a unix shell")
	}

	path := filepath.Join(t.TempDir(), "yt-dlp")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

// findOutput makes the script locate the value following -o.
const findOutput = `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done`

func readAll(t *testing.T, p *Process) []string {
	t.Helper()
	var lines []string
	for {
		line, err := p.ReadLine()
		if errors.Is(err, io.EOF) {
			return lines
		}
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		lines = append(lines, line)
	}
}

func TestDownloadArgs(t *testing.T) {
	l := NewLauncher(Config{Path: "yt-dlp", FFmpegLocation: "/opt/ffmpeg"})
	args := l.downloadArgs(DownloadSpec{
		URL:         "https://www.youtube.com/watch?v=abc",
		FormatID:    "137",
		OutputPath:  "/tmp/out.mp4",
		CookiesFile: "/tmp/cookies.txt",
	})

	want := []string{
		"--cookies", "/tmp/cookies.txt",
		"--ffmpeg-location", "/opt/ffmpeg",
		"-f", "137+bestaudio",
		"-o", "/tmp/out.mp4",
		"--progress",
		"--no-playlist",
		"--newline",
		"-q", "--no-warnings",
		"--merge-output-format", "mp4",
		"https://www.youtube.com/watch?v=abc",
	}
	if !slices.Equal(args, want) {
		t.Errorf("args mismatch\n got: %v\nwant: %v", args, want)
	}
}

func TestDownloadArgsOmitsEmptyOptionals(t *testing.T) {
	l := NewLauncher(Config{})
	args := l.downloadArgs(DownloadSpec{URL: "u", FormatID: "22", OutputPath: "o"})

	if slices.Contains(args, "--cookies") || slices.Contains(args, "--ffmpeg-location") {
		t.Errorf("unexpected optional flags in %v", args)
	}
	if args[len(args)-1] != "u" {
		t.Errorf("url must be the last argument, got %v", args)
	}
}

func TestLaunchSuccess(t *testing.T) {
	tool := fakeTool(t, findOutput+`
echo "[download]   5.0% of  501.52MiB at  2.56MiB/s ETA 03:08"
echo "[download]  50.0% of  501.52MiB at  3.00MiB/s ETA 01:00" 1>&2
: > "$out"
exit 0`)

	out := filepath.Join(t.TempDir(), "video.mp4")
	p, err := NewLauncher(Config{Path: tool}).Launch(context.Background(), DownloadSpec{
		URL: "https://example.com/v", FormatID: "137", OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	lines := readAll(t, p)
	if len(lines) != 2 {
		t.Fatalf("expected stdout and stderr lines combined, got %q", lines)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestLaunchNonZeroExit(t *testing.T) {
	tool := fakeTool(t, `echo "ERROR: boom"; exit 3`)

	p, err := NewLauncher(Config{Path: tool}).Launch(context.Background(), DownloadSpec{
		URL: "u", FormatID: "137", OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	readAll(t, p)

	var exitErr *ExitError
	if err := p.Wait(); !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("exit code = %d, want 3", exitErr.Code)
	}
}

func TestLaunchOutputMissing(t *testing.T) {
	tool := fakeTool(t, `exit 0`)

	p, err := NewLauncher(Config{Path: tool}).Launch(context.Background(), DownloadSpec{
		URL: "u", FormatID: "137", OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	readAll(t, p)

	var missing *OutputMissingError
	if err := p.Wait(); !errors.As(err, &missing) {
		t.Fatalf("expected *OutputMissingError, got %v", err)
	}
}

func TestLaunchStartupError(t *testing.T) {
	l := NewLauncher(Config{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	_, err := l.Launch(context.Background(), DownloadSpec{URL: "u", FormatID: "1", OutputPath: "o"})

	var startErr *StartupError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected *StartupError, got %v", err)
	}
}

func TestTerminateSendsSignal(t *testing.T) {
	tool := fakeTool(t, `echo started
exec sleep 30`)

	p, err := NewLauncher(Config{Path: tool}).Launch(context.Background(), DownloadSpec{
		URL: "u", FormatID: "1", OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if line, err := p.ReadLine(); err != nil || line != "started" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error from a terminated process")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after terminate")
	}
}

func TestLaunchContextCancelTerminates(t *testing.T) {
	tool := fakeTool(t, `echo started
exec sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	p, err := NewLauncher(Config{Path: tool, WaitDelay: time.Second}).Launch(ctx, DownloadSpec{
		URL: "u", FormatID: "1", OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, err := p.ReadLine(); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}

	cancel()

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error after cancellation")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after context cancel")
	}
}

func TestTerminateKillsGroupIgnoringSignal(t *testing.T) {
	// the child stands in for an ffmpeg merge that ignores SIGTERM and keeps
	// the shared output pipe open
	tool := fakeTool(t, `trap '' TERM
sh -c 'trap "" TERM; sleep 30' &
echo started
wait`)

	p, err := NewLauncher(Config{Path: tool, WaitDelay: 300 * time.Millisecond}).Launch(context.Background(), DownloadSpec{
		URL: "u", FormatID: "1", OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if line, err := p.ReadLine(); err != nil || line != "started" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for {
			if _, err := p.ReadLine(); err != nil {
				break
			}
		}
		done <- p.Wait()
	}()

	select {
	case err := <-done:
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Errorf("Wait = %v, want *ExitError", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("output stayed open after the wait delay")
	}
}
