// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"crypto/sha1"
	"errors"
	"hash"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileDebounce is the default duration we wait for the contents to have
// stabilised to work around some editors writing an empty file and then the
// buffer.
const FileDebounce = 10 * time.Millisecond

// Change is a configuration change identified by a Watcher. A Change
// with a nil Config and Err indicates the configuration file was removed.
type Change struct {
	Event  []fsnotify.Event
	Config *Player
	Err    error
}

// Op returns an aggregated fsnotify.Op for all elements of the receivers'
// Event field.
func (c Change) Op() fsnotify.Op {
	var op fsnotify.Op
	for _, e := range c.Event {
		op |= e.Op
	}
	return op
}

// NewWatcher returns a Watcher for the configuration file at path, sending
// change events on the changes channel. The directory holding path is
// watched, so path need not exist. The debounce parameter specifies how
// long to wait after an fsnotify.Event before reading the file to ensure
// that writes will be reflected in the state checksum. If it is less than
// zero, FileDebounce is used.
func NewWatcher(ctx context.Context, path string, changes chan<- Change, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if debounce < 0 {
		debounce = FileDebounce
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		watcher:  watcher,
		changes:  changes,
		hash:     sha1.New(),
		log:      log.With(slog.String("component", "config_watcher")),
	}, nil
}

// Watcher collects raw fsnotify.Events and filters for semantically
// meaningful configuration changes.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	changes  chan<- Change
	hash     hash.Hash
	sum      Sum
	log      *slog.Logger
}

// Watch sends the current state of the configuration file and then each
// semantic change to it until ctx is cancelled or the watcher is closed.
func (w *Watcher) Watch(ctx context.Context) error {
	defer w.watcher.Close()

	_, err := os.Stat(w.path)
	switch {
	case err == nil:
		w.read(ctx, fsnotify.Event{Name: w.path, Op: fsnotify.Create})
	case !errors.Is(err, fs.ErrNotExist):
		w.send(ctx, Change{Err: err})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				w.log.LogAttrs(ctx, slog.LevelDebug, "write", slog.String("name", ev.Name), slog.String("op", ev.Op.String()))
				time.Sleep(w.debounce)
				w.read(ctx, ev)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.log.LogAttrs(ctx, slog.LevelDebug, "remove", slog.String("name", ev.Name), slog.String("op", ev.Op.String()))
				w.sum = Sum{}
				w.send(ctx, Change{Event: []fsnotify.Event{ev}})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.send(ctx, Change{Err: err})
		}
	}
}

// Close closes the underlying fsnotify.Watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// read reads the configuration file and sends a change if its semantic
// hash differs from the last seen.
func (w *Watcher) read(ctx context.Context, ev fsnotify.Event) {
	b, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Removed before we could read it. The
			// remove event will follow.
			return
		}
		w.log.LogAttrs(ctx, slog.LevelError, "read file", slog.Any("error", err))
		w.send(ctx, Change{Err: err})
		return
	}
	cfg, sum, err := unmarshalConfig(w.hash, b, filepath.Dir(w.path))
	if cfg != nil && sum == w.sum && err == nil {
		w.log.LogAttrs(ctx, slog.LevelDebug, "no change", slog.Any("sum", sumValue{sum}))
		return
	}
	if cfg != nil {
		w.log.LogAttrs(ctx, slog.LevelDebug, "set hash", slog.Any("sum", sumValue{sum}))
		w.sum = sum
	}
	w.send(ctx, Change{Event: []fsnotify.Event{ev}, Config: cfg, Err: err})
}

func (w *Watcher) send(ctx context.Context, c Change) {
	w.log.LogAttrs(ctx, slog.LevelDebug, "change", slog.Any("change", changeValue{c}))
	select {
	case <-ctx.Done():
	case w.changes <- c:
	}
}
