package ytdlp

import (
	"context"
	"errors"
	"testing"
	"time"
)

const sampleMetadata = `{
  "id": "abc123",
  "title": "Sample Video",
  "formats": [
    {"format_id": "140", "vcodec": "none", "acodec": "mp4a.40.2", "filesize": 3000000},
    {"format_id": "134", "vcodec": "avc1", "acodec": "none", "height": 360, "resolution": "640x360", "filesize": 1048576},
    {"format_id": "137", "vcodec": "avc1", "acodec": "none", "height": 1080, "resolution": "1920x1080", "filesize_approx": 52428800},
    {"format_id": "248", "vcodec": "vp9", "acodec": "none", "height": 1080, "format_note": "1080p", "filesize": null},
    {"format_id": "18", "vcodec": "avc1", "acodec": "mp4a.40.2", "height": 360},
    {"format_id": "sb0", "vcodec": "none", "acodec": "none", "format_note": "storyboard"},
    {"format_id": "x", "acodec": "none"}
  ]
}`

func TestParseMetadata(t *testing.T) {
	info, err := parseMetadata([]byte(sampleMetadata))
	if err != nil {
		t.Fatalf("parseMetadata: %v", err)
	}

	if info.Title != "Sample Video" || info.VideoID != "abc123" {
		t.Errorf("unexpected header %+v", info)
	}

	wantIDs := []string{"137", "248", "134", "x"}
	if len(info.Formats) != len(wantIDs) {
		t.Fatalf("got %d formats, want %d: %+v", len(info.Formats), len(wantIDs), info.Formats)
	}
	for i, id := range wantIDs {
		if info.Formats[i].FormatID != id {
			t.Errorf("format[%d] = %s, want %s", i, info.Formats[i].FormatID, id)
		}
	}

	tests := []struct {
		idx        int
		resolution string
		size       int64
	}{
		{0, "1920x1080", 52428800},
		{1, "1080p", 0},
		{2, "640x360", 1048576},
		{3, "Unknown", 0},
	}
	for _, tt := range tests {
		f := info.Formats[tt.idx]
		if f.Resolution != tt.resolution {
			t.Errorf("format %s resolution = %q, want %q", f.FormatID, f.Resolution, tt.resolution)
		}
		if f.ApproxSizeBytes != tt.size {
			t.Errorf("format %s size = %d, want %d", f.FormatID, f.ApproxSizeBytes, tt.size)
		}
	}
}

func TestParseMetadataDefaults(t *testing.T) {
	info, err := parseMetadata([]byte(`{"formats": []}`))
	if err != nil {
		t.Fatalf("parseMetadata: %v", err)
	}
	if info.Title != "Unknown Title" || info.VideoID != "unknown_id" {
		t.Errorf("defaults not applied: %+v", info)
	}
}

func TestParseMetadataMalformed(t *testing.T) {
	var parseErr *MetadataParseError
	if _, err := parseMetadata([]byte("not json")); !errors.As(err, &parseErr) {
		t.Fatalf("expected *MetadataParseError, got %v", err)
	}
}

func TestNewProberClampsTimeout(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, MaxProbeTimeout},
		{-time.Second, MaxProbeTimeout},
		{30 * time.Second, 30 * time.Second},
		{10 * time.Minute, MaxProbeTimeout},
	}
	for _, tt := range tests {
		if got := NewProber("", tt.in).timeout; got != tt.want {
			t.Errorf("NewProber(%v).timeout = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProbeWithFakeTool(t *testing.T) {
	tool := fakeTool(t, "cat <<'JSON'\n"+sampleMetadata+"\nJSON")

	info, err := NewProber(tool, 10*time.Second).Probe(context.Background(), "https://example.com/v", "")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(info.Formats) != 4 || info.Formats[0].FormatID != "137" {
		t.Errorf("unexpected formats %+v", info.Formats)
	}
}

func TestProbeNonZeroExit(t *testing.T) {
	tool := fakeTool(t, `echo "ERROR: Unsupported URL" 1>&2; exit 1`)

	_, err := NewProber(tool, 10*time.Second).Probe(context.Background(), "bad", "")

	var invErr *ToolInvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected *ToolInvocationError, got %v", err)
	}
	if invErr.Code != 1 {
		t.Errorf("code = %d, want 1", invErr.Code)
	}
}

func TestProbeMalformedOutput(t *testing.T) {
	tool := fakeTool(t, `echo "definitely not json"`)

	_, err := NewProber(tool, 10*time.Second).Probe(context.Background(), "u", "")

	var parseErr *MetadataParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *MetadataParseError, got %v", err)
	}
}

func TestProbeTimeout(t *testing.T) {
	tool := fakeTool(t, `exec sleep 30`)

	start := time.Now()
	_, err := NewProber(tool, 200*time.Millisecond).Probe(context.Background(), "u", "")

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("probe took %v, timeout not enforced", elapsed)
	}
}
