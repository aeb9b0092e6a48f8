// Package watch turns file-system activity under watched directories into file-ready events.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vanshika/votetrace/internal/logging"
)

var (
	ErrEmptyPath       = errors.New("watch manager: empty path")
	ErrAlreadyWatching = errors.New("watch manager: path already watched")
	ErrNotWatching     = errors.New("watch manager: path not watched")
	ErrNotDirectory    = errors.New("watch manager: path is not a directory")
	ErrClosed          = errors.New("watch manager: closed")
)

const (
	defaultSettleDelay = 500 * time.Millisecond
	defaultQueueSize   = 256
)

// Event announces a file that stopped changing for the settle delay.
type Event struct {
	Path string
	Root string
	At   time.Time
}

// Options configures a Manager. Filter selects the files that produce events; nil accepts all.
type Options struct {
	SettleDelay time.Duration
	QueueSize   int
	Filter      func(path string) bool
}

// Manager owns one fsnotify listener per watched root. All events share one channel.
type Manager struct {
	baseCtx context.Context
	opts    Options
	logger  *slog.Logger
	events  chan Event

	mu      sync.RWMutex
	watches map[string]*handle
	closed  bool
	once    sync.Once
}

type handle struct {
	root    string
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	timers   map[string]*time.Timer
	stopped  bool
	inflight sync.WaitGroup
}

// NewManager returns a Manager whose listeners stop when ctx ends.
func NewManager(ctx context.Context, opts Options, logger *slog.Logger) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Filter == nil {
		opts.Filter = func(string) bool { return true }
	}
	return &Manager{
		baseCtx: ctx,
		opts:    opts,
		logger:  logging.OrDiscard(logger).With("component", "watcher"),
		events:  make(chan Event, opts.QueueSize),
		watches: make(map[string]*handle),
	}
}

// Events returns the channel file-ready events are delivered on. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Start watches path and every directory below it.
func (m *Manager) Start(path string) error {
	root, err := normalize(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: %w", root, ErrNotDirectory)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.watches[root]; exists {
		return fmt.Errorf("watch %s: %w", root, ErrAlreadyWatching)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	h := &handle{
		root:    root,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}
	if err := m.addTree(h, root, false); err != nil {
		cancel()
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", root, err)
	}
	m.watches[root] = h
	go m.run(h)

	m.logger.Info("watch started", "path", root)
	return nil
}

// Stop unsubscribes one watched root. Pending events for it are dropped.
func (m *Manager) Stop(path string) error {
	root, err := normalize(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	h, ok := m.watches[root]
	if ok {
		delete(m.watches, root)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", root, ErrNotWatching)
	}
	m.shutdown(h)
	m.logger.Info("watch stopped", "path", root)
	return nil
}

// StopAll stops every watched root and returns the roots that were stopped.
func (m *Manager) StopAll() []string {
	m.mu.Lock()
	snapshot := make([]*handle, 0, len(m.watches))
	for root, h := range m.watches {
		snapshot = append(snapshot, h)
		delete(m.watches, root)
	}
	m.mu.Unlock()

	roots := make([]string, 0, len(snapshot))
	for _, h := range snapshot {
		m.shutdown(h)
		roots = append(roots, h.root)
	}
	sort.Strings(roots)
	if len(roots) > 0 {
		m.logger.Info("all watches stopped", "count", len(roots))
	}
	return roots
}

// List returns the watched roots in lexical order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roots := make([]string, 0, len(m.watches))
	for root := range m.watches {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Close stops every watch and closes the events channel. Start fails afterwards.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.StopAll()
		close(m.events)
	})
}

func (m *Manager) shutdown(h *handle) {
	h.cancel()
	h.mu.Lock()
	h.stopped = true
	for path, t := range h.timers {
		t.Stop()
		delete(h.timers, path)
	}
	h.mu.Unlock()
	h.inflight.Wait()
	_ = h.watcher.Close()
	<-h.done
}

func (m *Manager) run(h *handle) {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(h, ev)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "path", h.root, "error", err)
		}
	}
}

func (m *Manager) handleEvent(h *handle, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// Files written before the new directory is watched are found by the walk.
			if err := m.addTree(h, ev.Name, true); err != nil {
				m.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
		m.schedule(h, ev.Name)
	case ev.Has(fsnotify.Write):
		m.schedule(h, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		h.mu.Lock()
		if t, ok := h.timers[ev.Name]; ok {
			t.Stop()
			delete(h.timers, ev.Name)
		}
		h.mu.Unlock()
	}
}

func (m *Manager) addTree(h *handle, dir string, scheduleFiles bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return h.watcher.Add(path)
		}
		if scheduleFiles && d.Type().IsRegular() {
			m.schedule(h, path)
		}
		return nil
	})
}

func (m *Manager) schedule(h *handle, path string) {
	if !m.opts.Filter(path) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if t, ok := h.timers[path]; ok {
		t.Reset(m.opts.SettleDelay)
		return
	}
	h.timers[path] = time.AfterFunc(m.opts.SettleDelay, func() { m.fire(h, path) })
}

func (m *Manager) fire(h *handle, path string) {
	h.mu.Lock()
	delete(h.timers, path)
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.inflight.Add(1)
	h.mu.Unlock()
	defer h.inflight.Done()

	ev := Event{Path: path, Root: h.root, At: time.Now().UTC()}
	select {
	case m.events <- ev:
		m.logger.Debug("file ready", "path", path)
	case <-h.ctx.Done():
	}
}

func normalize(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
