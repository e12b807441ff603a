// Package workspace holds the shared document the agent may rewrite through
// the update_document tool.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Document is the workspace collaborator.
type Document interface {
	Content() string
	// Replace swaps the full content. Subscribers are notified before it
	// returns.
	Replace(content string) error
	// Subscribe registers fn for content changes and returns a cancel func.
	Subscribe(fn func(content string)) (cancel func())
}

type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(string)
}

func (s *subscribers) add(fn func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(string))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) notify(content string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(content)
	}
}

// MemoryDocument is an in-process Document.
type MemoryDocument struct {
	mu      sync.RWMutex
	content string
	subs    subscribers
}

func NewMemoryDocument(initial string) *MemoryDocument {
	return &MemoryDocument{content: initial}
}

func (d *MemoryDocument) Content() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.content
}

func (d *MemoryDocument) Replace(content string) error {
	d.mu.Lock()
	d.content = content
	d.mu.Unlock()
	d.subs.notify(content)
	return nil
}

func (d *MemoryDocument) Subscribe(fn func(string)) func() {
	return d.subs.add(fn)
}

// FileDocument mirrors a file on disk. Replace writes through; edits made
// by other programs are picked up through fsnotify.
type FileDocument struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	content string
	subs    subscribers

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// OpenFile loads path (an absent file starts empty) and starts watching it
// until Close.
func OpenFile(path string, logger *slog.Logger) (*FileDocument, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("workspace: read %s: %w", abs, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("workspace: mkdir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("workspace: watcher: %w", err)
	}
	// Watch the directory so editors that save via rename keep working.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("workspace: watch: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &FileDocument{
		path:    abs,
		logger:  logger.With("document", abs),
		content: string(data),
		watcher: watcher,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.watch(ctx)
	return d, nil
}

func (d *FileDocument) Path() string { return d.path }

func (d *FileDocument) Content() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.content
}

func (d *FileDocument) Replace(content string) error {
	d.mu.Lock()
	if err := writeAtomic(d.path, []byte(content)); err != nil {
		d.mu.Unlock()
		return err
	}
	d.content = content
	d.mu.Unlock()
	d.subs.notify(content)
	return nil
}

func (d *FileDocument) Subscribe(fn func(string)) func() {
	return d.subs.add(fn)
}

// Close stops watching. Safe to call more than once.
func (d *FileDocument) Close() error {
	d.cancel()
	<-d.done
	return nil
}

func (d *FileDocument) watch(ctx context.Context) {
	defer close(d.done)
	defer d.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != d.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				d.reload()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("document watch error", "err", err)
		}
	}
}

func (d *FileDocument) reload() {
	data, err := os.ReadFile(d.path)
	if err != nil {
		d.logger.Debug("document reload skipped", "err", err)
		return
	}
	content := string(data)
	d.mu.Lock()
	if content == d.content {
		d.mu.Unlock()
		return
	}
	d.content = content
	d.mu.Unlock()
	d.logger.Info("document changed on disk", "bytes", len(data))
	d.subs.notify(content)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".doc-*")
	if err != nil {
		return fmt.Errorf("workspace: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("workspace: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("workspace: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("workspace: rename: %w", err)
	}
	return nil
}
