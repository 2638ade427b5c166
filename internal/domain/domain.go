package domain

import (
	"errors"
	"io"
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusStarting    TaskStatus = "starting"
	StatusDownloading TaskStatus = "downloading"
	StatusComplete    TaskStatus = "complete"
	StatusError       TaskStatus = "error"
	StatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen from ts.
func (ts TaskStatus) IsTerminal() bool {
	return ts == StatusComplete || ts == StatusError || ts == StatusCancelled
}

// Speed labels written when a task reaches a terminal state.
const (
	SpeedComplete  = "Complete"
	SpeedCancelled = "Cancelled"
	SpeedError     = "Error"
)

// TerminalSpeed returns the label shown for a finished task.
func TerminalSpeed(ts TaskStatus) string {
	switch ts {
	case StatusComplete:
		return SpeedComplete
	case StatusCancelled:
		return SpeedCancelled
	case StatusError:
		return SpeedError
	}
	return ""
}

type Task struct {
	Key string `json:"task_key"`

	UserID   string `json:"user_id"`
	URL      string `json:"url"`
	FormatID string `json:"format_id"`
	Title    string `json:"title"`

	Status          TaskStatus `json:"status"`
	Progress        int        `json:"progress"`
	Speed           string     `json:"speed_str"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`

	OutputPath   string `json:"output_path,omitempty"`
	DownloadName string `json:"download_name,omitempty"`

	// meta
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Outcome is what a worker records when it finalizes a task.
type Outcome struct {
	Status       TaskStatus
	Error        string
	OutputPath   string
	DownloadName string
}

type StartParams struct {
	Key         string
	UserID      string
	URL         string
	FormatID    string
	Title       string
	OutputPath  string
	CookiesFile string
}

type StartStatus string

const (
	StartStarted        StartStatus = "started"
	StartAlreadyRunning StartStatus = "already_running"
)

type StartResponse struct {
	Status   StartStatus `json:"status"`
	TaskKey  string      `json:"task_key,omitempty"`
	Progress *int        `json:"progress,omitempty"`
}

const CancelRequested = "cancel_requested"

type CancelResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	Speed       string     `json:"speed_str"`
	Message     string     `json:"message,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`
}

type Format struct {
	FormatID        string `json:"format_id"`
	Resolution      string `json:"resolution"`
	Height          int    `json:"height"`
	ApproxSizeBytes int64  `json:"approx_size_bytes"`
}

type VideoInfo struct {
	Title   string   `json:"title"`
	VideoID string   `json:"video_id"`
	Formats []Format `json:"formats"`
}

type DownloadOption struct {
	FormatID        string  `json:"format_id"`
	Resolution      string  `json:"resolution"`
	SizeMB          float64 `json:"size_mb"`
	ApproxSizeBytes int64   `json:"approx_size_bytes"`
	TaskKey         string  `json:"task_key"`
}

type ProbeResponse struct {
	Title   string           `json:"title"`
	VideoID string           `json:"video_id"`
	Options []DownloadOption `json:"options"`
}

// Artifact is a finished download handed off to the caller. Content must be closed.
type Artifact struct {
	FileName string
	Size     int64
	Content  io.ReadCloser
}

// StoredFile is a file in the download library, named relative to its root.
type StoredFile struct {
	Name    string
	Size    int64
	ModTime time.Time
}

type FileInfo struct {
	Ref    string  `json:"ref"`
	Name   string  `json:"name"`
	SizeMB float64 `json:"size_mb"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	ErrNotFound       = errors.New("task not found")
	ErrUnauthorized   = errors.New("task does not belong to caller")
	ErrAlreadyRunning = errors.New("task already running")
	ErrNotReady       = errors.New("task not complete")
	ErrInconsistent   = errors.New("downloaded file is missing on the server")
	ErrInvalidInput   = errors.New("invalid input")
	ErrFileNotFound   = errors.New("file not found")
)

const keySep = "_"

// NewTaskKey scopes one download attempt to a (video, format, user) tuple.
func NewTaskKey(videoID, formatID, userID string) string {
	return videoID + keySep + formatID + keySep + userID
}

// ValidUserID reports whether id can appear as the last segment of a task key.
// The separator is excluded so that no user id is a key suffix of another.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, keySep)
}

// OwnedBy reports whether key was issued for userID. It is a cheap
// pre-check; the owner recorded on the task is authoritative.
func OwnedBy(key, userID string) bool {
	if key == "" || !ValidUserID(userID) {
		return false
	}
	return strings.HasSuffix(key, keySep+userID) && len(key) > len(userID)+1
}

// KeyVideoID returns the video id a key was built from. Video ids may contain
// the separator, so the known format and user suffix is stripped instead of split.
func KeyVideoID(key, formatID, userID string) string {
	return strings.TrimSuffix(key, keySep+formatID+keySep+userID)
}
