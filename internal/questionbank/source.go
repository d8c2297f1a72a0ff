package questionbank

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// Source serves the current bank. A missing or invalid bank file never fails
// the caller: the source keeps the last good bank, or the built-in fallback.
type Source struct {
	pattern string
	logger  *slog.Logger
	current atomic.Pointer[Bank]
	group   singleflight.Group
}

// NewSource loads the bank at pattern, falling back to the built-in bank when
// it cannot be loaded.
func NewSource(pattern string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{pattern: pattern, logger: logger}
	if b, err := Load(pattern); err != nil {
		logger.Warn("question bank unavailable, using built-in bank", "pattern", pattern, "error", err)
		s.current.Store(Fallback())
	} else {
		logger.Info("question bank loaded", "source", b.Source, "items", b.ItemCount())
		s.current.Store(b)
	}
	return s
}

// Static returns a source that always serves b.
func Static(b *Bank) *Source {
	s := &Source{logger: slog.Default()}
	s.current.Store(b)
	return s
}

// Bank returns the bank currently in use.
func (s *Source) Bank() *Bank {
	return s.current.Load()
}

// Reload re-reads the bank. Concurrent calls share one read. On failure the
// current bank stays in place and the error is returned.
func (s *Source) Reload() (*Bank, error) {
	if s.pattern == "" {
		return s.Bank(), nil
	}
	v, err, _ := s.group.Do("reload", func() (any, error) {
		b, err := Load(s.pattern)
		if err != nil {
			return nil, err
		}
		s.current.Store(b)
		return b, nil
	})
	if err != nil {
		s.logger.Warn("question bank reload failed, keeping current bank", "pattern", s.pattern, "error", err)
		return s.Bank(), err
	}
	b := v.(*Bank)
	s.logger.Info("question bank reloaded", "source", b.Source, "items", b.ItemCount())
	return b, nil
}

// Watch reloads the bank whenever a file matching the pattern changes, until
// ctx is cancelled. Events are debounced.
func (s *Source) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	dir := watchDir(s.pattern)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("watch question bank directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer fsw.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !s.matches(ev.Name) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.logger.Error("question bank watcher error", "error", err)
			case <-fire:
				fire = nil
				_, _ = s.Reload()
			}
		}
	}()

	s.logger.Info("watching question bank", "dir", dir, "pattern", s.pattern)
	return nil
}

func (s *Source) matches(name string) bool {
	pattern := filepath.Clean(s.pattern)
	name = filepath.Clean(name)
	if !strings.ContainsAny(pattern, "*?[{") {
		return name == pattern
	}
	ok, err := doublestar.PathMatch(pattern, name)
	return err == nil && ok
}

// watchDir returns the static directory prefix of a path or pattern.
func watchDir(pattern string) string {
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	if !strings.ContainsAny(pattern, "*?[{") {
		base = filepath.Dir(pattern)
	}
	if base == "" {
		return "."
	}
	return filepath.FromSlash(base)
}
