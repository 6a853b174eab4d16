// Package alertsource incrementally reads an append-only alert log,
// surviving truncation and rotation and remembering its position across
// restarts.
package alertsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Config for an alert log tailer.
type Config struct {
	Path string
	// OffsetPath persists the read position; empty disables persistence.
	OffsetPath string
	// FromStart reads the existing log when no position was persisted.
	// Otherwise the first run starts at the end of the log.
	FromStart bool
}

// Line is one complete line read from the log.
type Line struct {
	Text string
	// Offset is the byte position where the line starts.
	Offset int64
	// gen identifies the file the line was read from; it changes when the
	// log is truncated or replaced.
	gen int
}

// Tailer reads complete lines appended to a file since the last read.
type Tailer struct {
	cfg     Config
	log     *logrus.Logger
	watcher *fsnotify.Watcher
	wake    chan struct{}

	mu       sync.Mutex
	offset   int64
	gen      int
	identity os.FileInfo
}

// New opens the log and restores the read position. A missing or
// unreadable log is an error.
func New(cfg Config, log *logrus.Logger) (*Tailer, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open alert file: %w", err)
	}
	fi, err := f.Stat()
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("stat alert file: %w", err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("alert file %s is a directory", cfg.Path)
	}

	t := &Tailer{
		cfg:      cfg,
		log:      log,
		wake:     make(chan struct{}, 1),
		identity: fi,
	}

	saved, ok, err := t.loadOffset()
	if err != nil {
		return nil, err
	}
	switch {
	case ok && saved <= fi.Size():
		t.offset = saved
	case ok:
		log.WithFields(logrus.Fields{"offset": saved, "size": fi.Size()}).Info("Alert file shrank while stopped, reading from start")
	case cfg.FromStart:
		t.offset = 0
	default:
		t.offset = fi.Size()
	}

	// Write notifications only shorten the wait; polling still bounds it.
	if w, err := fsnotify.NewWatcher(); err != nil {
		log.WithError(err).Warn("File notifications unavailable, polling only")
	} else if err := w.Add(filepath.Dir(cfg.Path)); err != nil {
		log.WithError(err).Warn("Cannot watch alert directory, polling only")
		w.Close()
	} else {
		t.watcher = w
		go t.watch()
	}

	log.WithFields(logrus.Fields{"path": cfg.Path, "offset": t.offset}).Info("Tailing alert file")
	return t, nil
}

func (t *Tailer) watch() {
	target := filepath.Clean(t.cfg.Path)
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			select {
			case t.wake <- struct{}{}:
			default:
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.WithError(err).Warn("Alert file watcher error")
		}
	}
}

// ReadLines returns up to max complete lines appended since the last call.
// A trailing line without a newline is left for a later call. Truncation
// or replacement of the file resets the position to its start.
func (t *Tailer) ReadLines(max int) ([]Line, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fi, err := os.Stat(t.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Mid-rotation; the new file will appear.
			return nil, nil
		}
		return nil, fmt.Errorf("stat alert file: %w", err)
	}
	switch {
	case !os.SameFile(fi, t.identity):
		t.log.WithField("path", t.cfg.Path).Info("Alert file rotated, reading new file from start")
		t.identity = fi
		t.offset = 0
		t.gen++
	case fi.Size() < t.offset:
		t.log.WithFields(logrus.Fields{"offset": t.offset, "size": fi.Size()}).Info("Alert file truncated, reading from start")
		t.identity = fi
		t.offset = 0
		t.gen++
	}
	if fi.Size() == t.offset || max <= 0 {
		return nil, nil
	}

	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open alert file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek alert file: %w", err)
	}

	r := bufio.NewReader(f)
	var lines []Line
	for len(lines) < max {
		chunk, err := r.ReadString('\n')
		if err != nil {
			// Partial last line or EOF; leave it for later.
			break
		}
		lines = append(lines, Line{Text: strings.TrimRight(chunk, "\r\n"), Offset: t.offset, gen: t.gen})
		t.offset += int64(len(chunk))
	}
	return lines, nil
}

// Wait blocks until the log is written to, d elapses, or ctx is done.
func (t *Tailer) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// Offset returns the current read position.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Commit persists the current read position.
func (t *Tailer) Commit() error {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()
	return t.saveOffset(offset)
}

// CommitBefore persists the start of l, so l and everything after it is
// read again after a restart. When l came from a file that has since been
// truncated or replaced, the current read position is persisted instead.
func (t *Tailer) CommitBefore(l Line) error {
	t.mu.Lock()
	offset := t.offset
	if l.gen == t.gen && l.Offset < offset {
		offset = l.Offset
	}
	t.mu.Unlock()
	return t.saveOffset(offset)
}

// Close stops file notifications. The read position is persisted only by
// Commit and CommitBefore.
func (t *Tailer) Close() error {
	if t.watcher != nil {
		return t.watcher.Close()
	}
	return nil
}

func (t *Tailer) loadOffset() (int64, bool, error) {
	if t.cfg.OffsetPath == "" {
		return 0, false, nil
	}
	data, err := os.ReadFile(t.cfg.OffsetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read offset file: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		t.log.WithField("path", t.cfg.OffsetPath).Warn("Ignoring corrupt offset file")
		return 0, false, nil
	}
	return n, true, nil
}

func (t *Tailer) saveOffset(offset int64) error {
	if t.cfg.OffsetPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.cfg.OffsetPath), 0o755); err != nil {
		return fmt.Errorf("create offset dir: %w", err)
	}
	tmp := t.cfg.OffsetPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write offset file: %w", err)
	}
	return os.Rename(tmp, t.cfg.OffsetPath)
}
