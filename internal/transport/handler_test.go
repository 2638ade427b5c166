package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/you-humble/ytgrab/internal/domain"
	"github.com/you-humble/ytgrab/internal/infra/ytdlp"
)

type fakeUsecase struct {
	probeErr  error
	startResp domain.StartResponse
	startErr  error
	statusErr error
	cancelErr error
	retrieve  domain.Artifact
	retrErr   error
	fileErr   error

	gotUser, gotKey, gotURL, gotTitle, gotRef string
}

func (f *fakeUsecase) Probe(_ context.Context, userID, url string) (domain.ProbeResponse, error) {
	f.gotUser, f.gotURL = userID, url
	if f.probeErr != nil {
		return domain.ProbeResponse{}, f.probeErr
	}
	return domain.ProbeResponse{
		Title:   "Clip",
		VideoID: "abc",
		Options: []domain.DownloadOption{{FormatID: "137", TaskKey: "abc_137_" + userID}},
	}, nil
}

func (f *fakeUsecase) Start(_ context.Context, userID, _, key, url, title string) (domain.StartResponse, error) {
	f.gotUser, f.gotKey, f.gotURL, f.gotTitle = userID, key, url, title
	return f.startResp, f.startErr
}

func (f *fakeUsecase) Status(_ context.Context, userID, key string) (domain.StatusResponse, error) {
	f.gotUser, f.gotKey = userID, key
	if f.statusErr != nil {
		return domain.StatusResponse{}, f.statusErr
	}
	return domain.StatusResponse{Status: domain.StatusDownloading, Progress: 42, Speed: "1.00MiB/s"}, nil
}

func (f *fakeUsecase) Cancel(_ context.Context, userID, key string) (domain.CancelResponse, error) {
	f.gotUser, f.gotKey = userID, key
	if f.cancelErr != nil {
		return domain.CancelResponse{}, f.cancelErr
	}
	return domain.CancelResponse{Status: domain.CancelRequested}, nil
}

func (f *fakeUsecase) Retrieve(_ context.Context, userID, key string) (domain.Artifact, error) {
	f.gotUser, f.gotKey = userID, key
	return f.retrieve, f.retrErr
}

func (f *fakeUsecase) ListFiles(_ context.Context, userID string) ([]domain.FileInfo, error) {
	f.gotUser = userID
	return []domain.FileInfo{{Ref: "k/Clip.mp4", Name: "Clip.mp4", SizeMB: 1.5}}, nil
}

func (f *fakeUsecase) OpenFile(_ context.Context, userID, ref string) (domain.Artifact, error) {
	f.gotUser, f.gotRef = userID, ref
	if f.fileErr != nil {
		return domain.Artifact{}, f.fileErr
	}
	return domain.Artifact{FileName: "Clip.mp4", Size: 4, Content: io.NopCloser(strings.NewReader("data"))}, nil
}

func (f *fakeUsecase) DeleteFile(_ context.Context, userID, ref string) error {
	f.gotUser, f.gotRef = userID, ref
	return f.fileErr
}

func newServer(uc *fakeUsecase) http.Handler {
	return WithRecover(NewRouter(NewHandler(uc)).MountRoutes(http.NewServeMux()))
}

func do(t *testing.T, h http.Handler, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRequiresUser(t *testing.T) {
	h := newServer(&fakeUsecase{})

	for _, target := range []string{"/downloader/status/k_1_u", "/downloader/files"} {
		rec := do(t, h, http.MethodGet, target, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", target, rec.Code)
		}
	}
}

func TestProbe(t *testing.T) {
	uc := &fakeUsecase{}
	h := newServer(uc)

	rec := do(t, h, http.MethodPost, "/downloader/probe", "u1", `{"url":"https://example.com/v"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[domain.ProbeResponse](t, rec)
	if resp.VideoID != "abc" || len(resp.Options) != 1 || resp.Options[0].TaskKey != "abc_137_u1" {
		t.Errorf("resp = %+v", resp)
	}
	if uc.gotUser != "u1" || uc.gotURL != "https://example.com/v" {
		t.Errorf("usecase got user=%q url=%q", uc.gotUser, uc.gotURL)
	}
}

func TestProbeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{"url":`, nil, http.StatusBadRequest},
		{"invalid input", `{}`, fmt.Errorf("%w: url is required", domain.ErrInvalidInput), http.StatusBadRequest},
		{"timeout", `{"url":"x"}`, fmt.Errorf("probe: %w", &ytdlp.TimeoutError{After: time.Second}), http.StatusGatewayTimeout},
		{"tool", `{"url":"x"}`, &ytdlp.ToolInvocationError{Code: 1}, http.StatusBadGateway},
		{"parse", `{"url":"x"}`, &ytdlp.MetadataParseError{Err: errors.New("eof")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServer(&fakeUsecase{probeErr: tt.err})
			rec := do(t, h, http.MethodPost, "/downloader/probe", "u1", tt.body)
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestInitiate(t *testing.T) {
	uc := &fakeUsecase{startResp: domain.StartResponse{Status: domain.StartStarted, TaskKey: "abc_137_u1"}}
	h := newServer(uc)

	rec := do(t, h, http.MethodPost, "/downloader/initiate/137/abc_137_u1?url=https%3A%2F%2Fexample.com%2Fv&title=My+Clip", "u1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	if uc.gotKey != "abc_137_u1" || uc.gotURL != "https://example.com/v" || uc.gotTitle != "My Clip" {
		t.Errorf("usecase got key=%q url=%q title=%q", uc.gotKey, uc.gotURL, uc.gotTitle)
	}
	if resp := decode[domain.StartResponse](t, rec); resp.Status != domain.StartStarted {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInitiateAlreadyRunning(t *testing.T) {
	progress := 30
	h := newServer(&fakeUsecase{startResp: domain.StartResponse{Status: domain.StartAlreadyRunning, Progress: &progress}})

	rec := do(t, h, http.MethodPost, "/downloader/initiate/137/abc_137_u1?url=x", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	resp := decode[domain.StartResponse](t, rec)
	if resp.Status != domain.StartAlreadyRunning || resp.Progress == nil || *resp.Progress != 30 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInitiateErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", domain.ErrInvalidInput, http.StatusBadRequest},
		{"foreign key", domain.ErrUnauthorized, http.StatusNotFound},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServer(&fakeUsecase{startErr: tt.err})
			rec := do(t, h, http.MethodPost, "/downloader/initiate/137/abc_137_u1?url=x", "u1", "")
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	h := newServer(&fakeUsecase{})

	rec := do(t, h, http.MethodGet, "/downloader/status/abc_137_u1", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	resp := decode[domain.StatusResponse](t, rec)
	if resp.Status != domain.StatusDownloading || resp.Progress != 42 || resp.Speed != "1.00MiB/s" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestTaskNotFoundIsUniform(t *testing.T) {
	for _, err := range []error{domain.ErrNotFound, domain.ErrUnauthorized} {
		h := newServer(&fakeUsecase{statusErr: err, cancelErr: err})

		for _, req := range []struct{ method, target string }{
			{http.MethodGet, "/downloader/status/abc_137_u2"},
			{http.MethodPost, "/downloader/cancel/abc_137_u2"},
		} {
			rec := do(t, h, req.method, req.target, "u1", "")
			if rec.Code != http.StatusNotFound {
				t.Fatalf("%s %s = %d, want 404", req.method, req.target, rec.Code)
			}
			if resp := decode[domain.StatusResponse](t, rec); resp != taskNotFound {
				t.Errorf("%s %s body = %+v", req.method, req.target, resp)
			}
		}
	}
}

func TestTaskRegistryFailure(t *testing.T) {
	err := fmt.Errorf("redis get task: %w", errors.New("connection refused"))
	h := newServer(&fakeUsecase{statusErr: err, cancelErr: err})

	for _, req := range []struct{ method, target string }{
		{http.MethodGet, "/downloader/status/abc_137_u1"},
		{http.MethodPost, "/downloader/cancel/abc_137_u1"},
	} {
		rec := do(t, h, req.method, req.target, "u1", "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s %s = %d, want 500", req.method, req.target, rec.Code)
		}
	}
}

func TestCancel(t *testing.T) {
	uc := &fakeUsecase{}
	h := newServer(uc)

	rec := do(t, h, http.MethodPost, "/downloader/cancel/abc_137_u1", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if resp := decode[domain.CancelResponse](t, rec); resp.Status != domain.CancelRequested {
		t.Errorf("resp = %+v", resp)
	}
	if uc.gotKey != "abc_137_u1" {
		t.Errorf("key = %q", uc.gotKey)
	}
}

func TestGetFinal(t *testing.T) {
	uc := &fakeUsecase{retrieve: domain.Artifact{
		FileName: "My Clip.mp4",
		Size:     5,
		Content:  io.NopCloser(strings.NewReader("video")),
	}}
	h := newServer(uc)

	rec := do(t, h, http.MethodGet, "/downloader/get_final/abc_137_u1", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="My Clip.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q", got)
	}
	if rec.Body.String() != "video" {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestGetFinalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing", domain.ErrNotFound, http.StatusNotFound},
		{"foreign", domain.ErrUnauthorized, http.StatusNotFound},
		{"running", domain.ErrNotReady, http.StatusTooEarly},
		{"file gone", domain.ErrInconsistent, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServer(&fakeUsecase{retrErr: tt.err})
			rec := do(t, h, http.MethodGet, "/downloader/get_final/abc_137_u1", "u1", "")
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestFiles(t *testing.T) {
	uc := &fakeUsecase{}
	h := newServer(uc)

	rec := do(t, h, http.MethodGet, "/downloader/files", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list code = %d", rec.Code)
	}
	if files := decode[[]domain.FileInfo](t, rec); len(files) != 1 || files[0].Ref != "k/Clip.mp4" {
		t.Errorf("files = %+v", files)
	}

	rec = do(t, h, http.MethodGet, "/downloader/files/k/Clip.mp4", "u1", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "data" {
		t.Errorf("get = %d %q", rec.Code, rec.Body)
	}
	if uc.gotRef != "k/Clip.mp4" {
		t.Errorf("ref = %q", uc.gotRef)
	}

	rec = do(t, h, http.MethodDelete, "/downloader/files/k/Clip.mp4", "u1", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
}

func TestFileErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"traversal", domain.ErrInvalidInput, http.StatusBadRequest},
		{"missing", domain.ErrFileNotFound, http.StatusNotFound},
		{"internal", errors.New("io"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServer(&fakeUsecase{fileErr: tt.err})
			for _, method := range []string{http.MethodGet, http.MethodDelete} {
				rec := do(t, h, method, "/downloader/files/k/Clip.mp4", "u1", "")
				if rec.Code != tt.want {
					t.Errorf("%s code = %d, want %d", method, rec.Code, tt.want)
				}
			}
		})
	}
}

func TestWithRecover(t *testing.T) {
	h := WithRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := do(t, h, http.MethodGet, "/", "", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestLogMiddlewarePassesThrough(t *testing.T) {
	h := LogMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := do(t, h, http.MethodGet, "/", "", "")
	if rec.Code != http.StatusTeapot {
		t.Errorf("code = %d", rec.Code)
	}
}
