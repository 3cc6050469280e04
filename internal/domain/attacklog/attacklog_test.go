package attacklog

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(dir, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, dir
}

func captureFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSessionLifecycle(t *testing.T) {
	l, dir := newTestLogger(t)

	ctx := map[string]interface{}{
		"user_id":   "u-1",
		"user_role": "intern",
		"source":    "external_upload",
		"ticket":    "T-99", // not part of the forensic snapshot
	}
	l.StartSession("sess-1", "risk threshold exceeded", 0.85, ctx)
	if !l.IsActive("sess-1") {
		t.Fatal("session should be active after start")
	}

	l.LogInteraction("sess-1", "read_file", map[string]interface{}{"path": "/vault/a"},
		0.85, `{"result":"fake"}`, 0.85, ctx)
	l.LogInteraction("sess-1", "query_database", map[string]interface{}{"table": "users"},
		0.6, strings.Repeat("x", 900), 1.45, ctx)

	l.EndSession("sess-1")
	if l.IsActive("sess-1") {
		t.Fatal("session should be inactive after end")
	}

	files := captureFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("got %d capture files, want 1: %v", len(files), files)
	}
	if !strings.HasPrefix(files[0], "attack_sess-1_") {
		t.Errorf("unexpected capture filename %s", files[0])
	}

	raw, err := os.ReadFile(filepath.Join(dir, files[0]))
	if err != nil {
		t.Fatal(err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		t.Fatalf("capture not valid JSON: %v", err)
	}

	if sess.TriggerReason != "risk threshold exceeded" || sess.TriggerRiskScore != 0.85 {
		t.Errorf("trigger = %q/%v", sess.TriggerReason, sess.TriggerRiskScore)
	}
	if sess.UserID != "u-1" || sess.UserRole != "intern" {
		t.Errorf("identity = %s/%s", sess.UserID, sess.UserRole)
	}
	if sess.TotalInteractions != 2 || len(sess.Interactions) != 2 {
		t.Fatalf("interactions = %d/%d", sess.TotalInteractions, len(sess.Interactions))
	}
	if sess.FinalRiskScore != 1.45 {
		t.Errorf("final risk = %v, want 1.45", sess.FinalRiskScore)
	}
	if got := len(sess.Interactions[1].ResponsePreview); got != 500 {
		t.Errorf("preview length = %d, want 500", got)
	}
	if _, ok := sess.Interactions[0].ContextSnapshot["ticket"]; ok {
		t.Error("free-form context leaked into snapshot")
	}
	if sess.Interactions[0].ContextSnapshot["source"] != "external_upload" {
		t.Error("snapshot missing source")
	}
	if sess.EndTime < sess.StartTime {
		t.Error("end time before start time")
	}
}

func TestStartSessionIsIdempotent(t *testing.T) {
	l, dir := newTestLogger(t)
	l.StartSession("sess-1", "first trigger", 0.9, nil)
	l.StartSession("sess-1", "second trigger", 0.1, nil)
	l.EndSession("sess-1")

	files := captureFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	raw, _ := os.ReadFile(filepath.Join(dir, files[0]))
	var sess Session
	json.Unmarshal(raw, &sess)
	if sess.TriggerReason != "first trigger" {
		t.Errorf("restart overwrote original trigger: %q", sess.TriggerReason)
	}
}

func TestInteractionForUnknownSessionIsDropped(t *testing.T) {
	l, dir := newTestLogger(t)
	l.LogInteraction("ghost", "read_file", nil, 0.5, "", 0.5, nil)
	l.EndSession("ghost")
	if files := captureFiles(t, dir); len(files) != 0 {
		t.Errorf("unknown session produced files: %v", files)
	}
}

func TestCloseFlushesActiveSessions(t *testing.T) {
	l, dir := newTestLogger(t)
	l.StartSession("sess-a", "r", 0.9, nil)
	l.StartSession("sess-b", "r", 0.9, nil)
	l.Close()

	if files := captureFiles(t, dir); len(files) != 2 {
		t.Fatalf("got %d files after Close, want 2", len(files))
	}
	if l.IsActive("sess-a") || l.IsActive("sess-b") {
		t.Error("sessions still active after Close")
	}
}
