//go:build darwin

package watch_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigilfs/vigil/watch"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError + 10, // suppress all output
	}))
}

// startEngine creates an engine against the real kernel with a short poll
// timeout and registers cleanup.
func startEngine(t *testing.T) *watch.Watcher {
	t.Helper()
	w, err := watch.NewWithOptions(watch.Options{
		Logger:      noopLogger(),
		PollTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

// waitKind reads events from ch until one with the wanted kind arrives.
// kqueue may coalesce or accompany the interesting change with extra kinds
// (e.g. SizeIncrease alongside Write), so unrelated kinds are tolerated.
func waitKind(t *testing.T, ch <-chan watch.Event, want watch.EventKind, timeout time.Duration) watch.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed while waiting for %v", want)
			}
			if evt.Kind == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %v event within %v", want, timeout)
		}
	}
}

func TestEndToEnd_WriteThenDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observed.txt")
	if err := os.WriteFile(path, []byte("initial"), 0o600); err != nil {
		t.Fatalf("create file: %v", err)
	}

	w := startEngine(t)
	w.Add(path)
	if n := w.WatchedPathCount(); n != 1 {
		t.Fatalf("WatchedPathCount = %d, want 1", n)
	}

	if err := os.WriteFile(path, []byte("initial plus more bytes"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	evt := waitKind(t, w.Events(), watch.Write, 3*time.Second)
	if evt.Path != path {
		t.Errorf("event path = %q, want %q", evt.Path, path)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	waitKind(t, w.Events(), watch.Delete, 3*time.Second)

	// The backing inode is gone; the orphaned descriptor must stay silent.
	select {
	case evt := <-w.Events():
		t.Errorf("unexpected event after delete: %v on %q", evt.Kind, evt.Path)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestEndToEnd_AttributeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observed.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("create file: %v", err)
	}

	w := startEngine(t)
	w.AddWith(path, watch.AttributeChange)

	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	waitKind(t, w.Events(), watch.AttributeChange, 3*time.Second)
}

func TestEndToEnd_DirectoryWriteOnChildCreate(t *testing.T) {
	dir := t.TempDir()

	w := startEngine(t)
	w.Add(dir)

	if err := os.WriteFile(filepath.Join(dir, "newfile"), []byte("y"), 0o600); err != nil {
		t.Fatalf("create child: %v", err)
	}
	evt := waitKind(t, w.Events(), watch.Write, 3*time.Second)
	if evt.Path != dir {
		t.Errorf("event path = %q, want watched directory %q", evt.Path, dir)
	}
}

func TestEndToEnd_RemoveStopsDelivery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observed.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("create file: %v", err)
	}

	w := startEngine(t)
	w.Add(path)
	w.Remove(path)

	if err := os.WriteFile(path, []byte("changed after remove"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case evt := <-w.Events():
		t.Errorf("unexpected event after Remove: %v on %q", evt.Kind, evt.Path)
	case <-time.After(500 * time.Millisecond):
	}
}
