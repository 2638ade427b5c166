package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/you-humble/ytgrab/internal/domain"
	"github.com/you-humble/ytgrab/internal/infra/ytdlp"

	"github.com/google/uuid"
)

type Usecase interface {
	Probe(ctx context.Context, userID, url string) (domain.ProbeResponse, error)
	Start(ctx context.Context, userID, formatID, key, url, title string) (domain.StartResponse, error)
	Status(ctx context.Context, userID, key string) (domain.StatusResponse, error)
	Cancel(ctx context.Context, userID, key string) (domain.CancelResponse, error)
	Retrieve(ctx context.Context, userID, key string) (domain.Artifact, error)
	ListFiles(ctx context.Context, userID string) ([]domain.FileInfo, error)
	OpenFile(ctx context.Context, userID, ref string) (domain.Artifact, error)
	DeleteFile(ctx context.Context, userID, ref string) error
}

const maxProbeBodyBytes = 1 << 16

// taskNotFound keeps unknown and foreign tasks indistinguishable.
var taskNotFound = domain.StatusResponse{
	Status:  "not_found",
	Message: "Task not found or unauthorized.",
}

type probeRequest struct {
	URL string `json:"url"`
}

type handler struct {
	usecase Usecase
}

func NewHandler(uc Usecase) *handler {
	return &handler{usecase: uc}
}

func requestLogger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_id", userFrom(r.Context())),
	)
}

func (h *handler) probe(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "probe")

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxProbeBodyBytes)

	var req probeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn("decode probe request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a `url` field")
		return
	}
	if req.URL == "" {
		req.URL = r.URL.Query().Get("url")
	}

	resp, err := h.usecase.Probe(r.Context(), userFrom(r.Context()), req.URL)
	if err != nil {
		var (
			timeoutErr *ytdlp.TimeoutError
			toolErr    *ytdlp.ToolInvocationError
		)
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &timeoutErr):
			logger.Warn("probe timed out", slog.String("error", err.Error()))
			writeError(w, http.StatusGatewayTimeout,
				"Timed out trying to get video data. The site might be slow or blocking (check cookies).")
		case errors.As(err, &toolErr):
			logger.Warn("probe rejected by yt-dlp", slog.Int("code", toolErr.Code))
			writeError(w, http.StatusBadGateway, "Error fetching video data. Check URL.")
		default:
			logger.Error("Probe usecase", slog.String("error", err.Error()))
			writeError(w, http.StatusBadGateway, "cannot fetch video data")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) initiate(w http.ResponseWriter, r *http.Request) {
	formatID := r.PathValue("format_id")
	key := r.PathValue("task_key")
	logger := requestLogger(r, "initiate").With(slog.String("task_key", key))

	q := r.URL.Query()
	resp, err := h.usecase.Start(r.Context(), userFrom(r.Context()), formatID, key, q.Get("url"), q.Get("title"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrUnauthorized):
			writeJSON(w, http.StatusNotFound, taskNotFound)
		default:
			logger.Error("Start usecase", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cannot start download")
		}
		return
	}

	if resp.Status == domain.StartStarted {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("task_key")

	resp, err := h.usecase.Status(r.Context(), userFrom(r.Context()), key)
	if err != nil {
		h.taskError(w, r, "status", key, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("task_key")

	resp, err := h.usecase.Cancel(r.Context(), userFrom(r.Context()), key)
	if err != nil {
		h.taskError(w, r, "cancel", key, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getFinal(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("task_key")
	logger := requestLogger(r, "get_final").With(slog.String("task_key", key))

	art, err := h.usecase.Retrieve(r.Context(), userFrom(r.Context()), key)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnauthorized):
			writeError(w, http.StatusNotFound, "Download not found, not complete, or unauthorized.")
		case errors.Is(err, domain.ErrNotReady):
			writeError(w, http.StatusTooEarly, "result is not ready yet")
		case errors.Is(err, domain.ErrInconsistent):
			logger.Error("completed download missing", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "Downloaded file is missing on the server.")
		default:
			logger.Error("Retrieve usecase", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cannot get result file")
		}
		return
	}

	sendFile(w, logger, art)
}

func (h *handler) listFiles(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "list_files")

	files, err := h.usecase.ListFiles(r.Context(), userFrom(r.Context()))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("ListFiles usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Error reading downloads directory")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *handler) getFile(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	logger := requestLogger(r, "get_file").With(slog.String("ref", ref))

	art, err := h.usecase.OpenFile(r.Context(), userFrom(r.Context()), ref)
	if err != nil {
		h.fileError(w, logger, err)
		return
	}
	sendFile(w, logger, art)
}

func (h *handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	logger := requestLogger(r, "delete_file").With(slog.String("ref", ref))

	if err := h.usecase.DeleteFile(r.Context(), userFrom(r.Context()), ref); err != nil {
		h.fileError(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) taskError(w http.ResponseWriter, r *http.Request, name, key string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusNotFound, taskNotFound)
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		requestLogger(r, name).Error("task lookup",
			slog.String("task_key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "")
	}
}

func (h *handler) fileError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Invalid filename (path traversal detected).")
	case errors.Is(err, domain.ErrFileNotFound):
		writeError(w, http.StatusNotFound, "File not found.")
	default:
		logger.Error("file library", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
	}
}

func sendFile(w http.ResponseWriter, logger *slog.Logger, art domain.Artifact) {
	defer art.Content.Close()

	ctype := mime.TypeByExtension(path.Ext(art.FileName))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": art.FileName}))
	if art.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, art.Content); err != nil {
		logger.Error("send file",
			slog.String("file_name", art.FileName),
			slog.String("error", err.Error()),
		)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
