// Package fileevents watches a working tree for filesystem changes and
// journals each one, keeping a small in-memory ring of the most recently
// touched paths for the dashboard to poll without hitting the database.
package fileevents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/napageneral/hyperion/internal/queue"
)

const recentCap = 10

// Journal is the subset of *queue.Queue the watcher writes through.
type Journal interface {
	LogEvent(queueID int64, taskID, level, message string, details json.RawMessage) error
	RecordFileEvent(path, event, source string, details json.RawMessage) error
}

var _ Journal = (*queue.Queue)(nil)

// Watcher recursively monitors Root for Create/Write/Remove events.
type Watcher struct {
	root    string
	journal Journal

	mu     sync.Mutex
	recent []string
}

func New(root string, journal Journal) *Watcher {
	return &Watcher{root: root, journal: journal}
}

// Recent returns the most recently touched paths, newest first.
func (w *Watcher) Recent() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.recent))
	copy(out, w.recent)
	return out
}

// Run blocks, watching w.root until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := addRecursive(fsw, w.root); err != nil {
		return fmt.Errorf("start fs watcher: %w", err)
	}

	log.Info().Str("root", w.root).Msg("file watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event.Op) {
				continue
			}
			w.handle(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("fs watcher error")
		}
	}
}

func relevant(op fsnotify.Op) bool {
	return op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0
}

func (w *Watcher) handle(event fsnotify.Event) {
	kind := event.Op.String()

	w.mu.Lock()
	w.recent = append([]string{event.Name}, w.recent...)
	if len(w.recent) > recentCap {
		w.recent = w.recent[:recentCap]
	}
	w.mu.Unlock()

	details, _ := json.Marshal(map[string]any{"path": event.Name, "event": kind})
	_ = w.journal.LogEvent(0, "fsnotify", "info", "file modified", details)
	_ = w.journal.RecordFileEvent(event.Name, kind, "fsnotify", details)
}

// addRecursive walks root and watches every directory under it; fsnotify has
// no native recursive mode, unlike the notify crate this watcher mirrors.
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return walkDirs(root, func(dir string) error {
		return fsw.Add(dir)
	})
}
