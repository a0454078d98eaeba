package follower

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("zap.NewDevelopment: %v", err)
	}
	return l.Sugar()
}

func drain(t *testing.T, lines <-chan string, n int, timeout time.Duration) []string {
	t.Helper()
	got := make([]string, 0, n)
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("channel closed after %d/%d lines", len(got), n)
			}
			got = append(got, l)
		case <-deadline:
			t.Fatalf("timed out after %d/%d lines", len(got), n)
		}
	}
	return got
}

func TestFollowerEmitsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	if err := os.WriteFile(path, []byte("line1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(path, 100, testLogger(t))
	go f.Run(ctx)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := file.WriteString("line2\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	file.Close()

	got := drain(t, f.Lines, 1, 3*time.Second)
	if got[0] != "line2" {
		t.Errorf("got %q, want %q", got[0], "line2")
	}
}

func TestFollowerSurvivesRenameBasedRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(path, 1000, testLogger(t))
	go f.Run(ctx)
	// The follower's first open starts at the end of the file; let it
	// open before writing so the 100 lines land after that point.
	time.Sleep(50 * time.Millisecond)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 100; i++ {
		file.WriteString("old-line\n")
	}
	file.Close()

	got := drain(t, f.Lines, 100, 3*time.Second)
	if len(got) != 100 {
		t.Fatalf("got %d lines before rotation, want 100", len(got))
	}

	// Rename-based rotation: move the old file aside, create a new one
	// at the same path.
	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	newFile, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 50; i++ {
		newFile.WriteString("new-line\n")
	}
	newFile.Close()

	got = drain(t, f.Lines, 50, 5*time.Second)
	if len(got) != 50 {
		t.Fatalf("got %d lines after rotation, want 50", len(got))
	}
	for _, l := range got {
		if l != "new-line" {
			t.Fatalf("got line %q after rotation, want new-line", l)
		}
	}
}

func TestFollowerRetargetsToNewPath(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.log")
	pathB := filepath.Join(dir, "b.log")
	os.WriteFile(pathA, []byte("from-a\n"), 0o644)
	os.WriteFile(pathB, []byte("from-b\n"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(pathA, 100, testLogger(t))
	go f.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	f.Retarget(pathB)

	file, err := os.OpenFile(pathB, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	file.WriteString("appended-to-b\n")
	file.Close()

	got := drain(t, f.Lines, 1, 3*time.Second)
	if got[0] != "appended-to-b" {
		t.Errorf("got %q, want appended-to-b", got[0])
	}
}
