// Package file serves the system settings from a YAML file on disk. The file
// is re-read whenever it changes, so operators can edit access lists without
// restarting the relay. Writes through the API are rejected.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/chat-relay-go/settings"
)

// Store implements settings.Store over a YAML file.
type Store struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	current settings.SystemSettings

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for reload events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New loads path and starts watching it. A missing file reads as empty
// settings until it is created.
func New(path string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("settings/file: resolve path: %w", err)
	}
	s := &Store{
		path:    abs,
		log:     slog.New(slog.DiscardHandler),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("settings/file: watcher: %w", err)
	}
	// Watch the directory: editors often replace the file by rename, which
	// drops a watch placed on the file itself.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("settings/file: watch %s: %w", filepath.Dir(abs), err)
	}
	s.watcher = w
	go s.run()

	return s, nil
}

// Reload re-reads the file. On a parse error the previous settings stay in
// effect.
func (s *Store) Reload() error {
	next, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = *next
	s.mu.Unlock()
	return nil
}

func load(path string) (*settings.SystemSettings, error) {
	out := &settings.SystemSettings{}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings/file: read: %w", err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("settings/file: decode %s: %w", path, err)
	}
	out.Normalize()
	return out, nil
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Warn("settings.reload.fail", slog.String("path", s.path), slog.String("err", err.Error()))
				continue
			}
			s.log.Info("settings.reload.ok", slog.String("path", s.path))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Debug("settings.watch.error", slog.String("err", err.Error()))
		}
	}
}

// Get returns a copy of the current settings.
func (s *Store) Get(ctx context.Context) (*settings.SystemSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := settings.SystemSettings{
		Blacklist:     append([]string(nil), s.current.Blacklist...),
		Whitelist:     append([]string(nil), s.current.Whitelist...),
		Admins:        append([]string(nil), s.current.Admins...),
		OpenAIAPIKeys: append([]string(nil), s.current.OpenAIAPIKeys...),
		ChatGPTModel:  append([]string(nil), s.current.ChatGPTModel...),
	}
	return &cp, nil
}

// Put always fails with settings.ErrReadOnly.
func (s *Store) Put(ctx context.Context, _ *settings.SystemSettings) error {
	return settings.ErrReadOnly
}

// Close stops watching the file.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		<-s.stopped
	})
	return err
}

var _ settings.Store = (*Store)(nil)
