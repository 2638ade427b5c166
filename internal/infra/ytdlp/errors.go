package ytdlp

import (
	"fmt"
	"time"
)

// StartupError means the executable could not be launched at all.
type StartupError struct {
	Path string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Path, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ExitError is a download run that ended with a non-zero exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("yt-dlp exited with error code %d", e.Code)
}

// OutputMissingError is a clean exit that left no output file, usually a failed merge.
type OutputMissingError struct {
	Path string
}

func (e *OutputMissingError) Error() string {
	return "download finished but output file not found, merge failed"
}

type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s fetching video data", e.After)
}

// ToolInvocationError is a metadata run that ended with a non-zero exit code.
type ToolInvocationError struct {
	Code   int
	Stderr string
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("yt-dlp metadata exited with code %d", e.Code)
}

type MetadataParseError struct {
	Err error
}

func (e *MetadataParseError) Error() string {
	return fmt.Sprintf("parse yt-dlp metadata: %v", e.Err)
}

func (e *MetadataParseError) Unwrap() error { return e.Err }
