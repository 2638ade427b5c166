package domain

import "testing"

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusStarting, false},
		{StatusDownloading, false},
		{StatusComplete, true},
		{StatusError, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestTerminalSpeedLabelsAreDistinct(t *testing.T) {
	seen := map[string]TaskStatus{}
	for _, st := range []TaskStatus{StatusComplete, StatusError, StatusCancelled} {
		label := TerminalSpeed(st)
		if label == "" {
			t.Fatalf("empty label for %s", st)
		}
		if prev, ok := seen[label]; ok {
			t.Fatalf("label %q shared by %s and %s", label, prev, st)
		}
		seen[label] = st
	}
	if got := TerminalSpeed(StatusDownloading); got != "" {
		t.Errorf("expected no label for downloading, got %q", got)
	}
}

func TestTaskKeyOwnership(t *testing.T) {
	key := NewTaskKey("dQw4_w9WgXcQ", "137", "42")
	if key != "dQw4_w9WgXcQ_137_42" {
		t.Fatalf("unexpected key %q", key)
	}

	tests := []struct {
		name   string
		key    string
		userID string
		want   bool
	}{
		{"owner", key, "42", true},
		{"other user", key, "7", false},
		{"suffix collision", key, "2", false},
		{"empty user", key, "", false},
		{"empty key", "", "42", false},
		{"bare user id", "_42", "42", false},
		{"underscore user", "v_137_alice_bob", "alice_bob", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OwnedBy(tt.key, tt.userID); got != tt.want {
				t.Errorf("OwnedBy(%q, %q) = %v, want %v", tt.key, tt.userID, got, tt.want)
			}
		})
	}
}

func TestValidUserID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"42", true},
		{"alice", true},
		{"alice_bob", false},
		{"_", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidUserID(tt.id); got != tt.want {
			t.Errorf("ValidUserID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestKeyVideoID(t *testing.T) {
	key := NewTaskKey("dQw4_w9WgXcQ", "137", "42")
	if got := KeyVideoID(key, "137", "42"); got != "dQw4_w9WgXcQ" {
		t.Errorf("KeyVideoID() = %q", got)
	}
}
