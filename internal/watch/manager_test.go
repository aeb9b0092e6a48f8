package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(context.Background(), Options{
		SettleDelay: 50 * time.Millisecond,
		QueueSize:   8,
		Filter:      func(p string) bool { return strings.HasSuffix(p, ".csv") },
	}, nil)
	t.Cleanup(m.Close)
	return m
}

func waitEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for file event")
	}
	return Event{}
}

func expectQuiet(t *testing.T, m *Manager, d time.Duration) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(d):
	}
}

func TestManagerEmitsOneEventPerSettledFile(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t)
	if err := m.Start(root); err != nil {
		t.Fatalf("start: %v", err)
	}

	path := filepath.Join(root, "export.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.WriteString("row\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = f.Close()

	ev := waitEvent(t, m)
	if ev.Path != path {
		t.Fatalf("expected event for %s, got %s", path, ev.Path)
	}
	if ev.Root != root {
		t.Fatalf("expected root %s, got %s", root, ev.Root)
	}
	expectQuiet(t, m, 300*time.Millisecond)
}

func TestManagerIgnoresFilteredFiles(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t)
	if err := m.Start(root); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectQuiet(t, m, 300*time.Millisecond)
}

func TestManagerFollowsNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t)
	if err := m.Start(root); err != nil {
		t.Fatalf("start: %v", err)
	}

	sub := filepath.Join(root, "1 - North", "General 2024")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(sub, "export.csv")
	if err := os.WriteFile(path, []byte("row\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := waitEvent(t, m)
	if ev.Path != path {
		t.Fatalf("expected event for %s, got %s", path, ev.Path)
	}
}

func TestManagerStartErrors(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t)

	if err := m.Start(""); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath, got %v", err)
	}
	if err := m.Start(filepath.Join(root, "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
	file := filepath.Join(root, "plain.csv")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Start(file); !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("expected ErrNotDirectory, got %v", err)
	}
	if err := m.Start(root); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(root + string(filepath.Separator)); !errors.Is(err, ErrAlreadyWatching) {
		t.Fatalf("expected ErrAlreadyWatching, got %v", err)
	}
}

func TestManagerStopAndList(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	m := newTestManager(t)
	for _, dir := range []string{a, b} {
		if err := m.Start(dir); err != nil {
			t.Fatalf("start %s: %v", dir, err)
		}
	}
	if got := m.List(); len(got) != 2 {
		t.Fatalf("expected two watches, got %v", got)
	}

	if err := m.Stop(a); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(a); !errors.Is(err, ErrNotWatching) {
		t.Fatalf("expected ErrNotWatching, got %v", err)
	}
	if got := m.List(); len(got) != 1 || got[0] != b {
		t.Fatalf("expected only %s, got %v", b, got)
	}

	if err := os.WriteFile(filepath.Join(a, "late.csv"), []byte("row\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectQuiet(t, m, 300*time.Millisecond)

	stopped := m.StopAll()
	if len(stopped) != 1 || stopped[0] != b {
		t.Fatalf("expected StopAll to report %s, got %v", b, stopped)
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("expected no watches, got %v", got)
	}
	if got := m.StopAll(); len(got) != 0 {
		t.Fatalf("expected empty second StopAll, got %v", got)
	}
}

func TestManagerCloseRejectsStart(t *testing.T) {
	m := NewManager(context.Background(), Options{}, nil)
	m.Close()
	if err := m.Start(t.TempDir()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-m.Events(); ok {
		t.Fatal("expected closed events channel")
	}
	m.Close()
}
