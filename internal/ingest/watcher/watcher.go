// Package watcher implements the Filesystem Watcher (spec §4.2): it turns
// raw-ingest directory events into normalized subband events, delivered to
// the assembler at-least-once, with a quiescence-window fallback for
// "fully written" detection and a startup backfill scan.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dsa110/contimg-core/internal/platform/logger"
)

// Event is a normalized, fully-written subband file observation.
type Event struct {
	GroupID    string
	SubbandIdx int
	Path       string
	Size       int64
	Mtime      time.Time
}

// filenamePattern matches {YYYY-MM-DDTHH:MM:SS}_sb{NN}.{ext} (spec §6.1).
// Colons are not valid in most filesystem filenames, so the ingest root is
// expected to use a filesystem-safe timestamp rendering; both a colon and
// a dash time separator are accepted here for robustness.
var filenamePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T[\d:.\-]+)_sb(\d{2})\.(\w+)$`)

// Parse extracts (group_id, subband_idx) from a raw filename. Returns false
// if the filename does not match the expected pattern — a permanent,
// non-fatal failure per spec §4.2.
func Parse(name string) (groupID string, subbandIdx int, ok bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], idx, true
}

// Watcher watches a raw ingest root and emits Events on Events() for every
// newly-visible, fully-written subband file.
type Watcher struct {
	root             string
	quiescenceWindow time.Duration
	log              *logger.Logger

	fsw *fsnotify.Watcher

	events chan Event

	mu      sync.Mutex
	pending map[string]*pendingFile // path -> tracked write
	parseFailures int

	// known reports whether (groupID, idx) is already recorded, used to
	// skip re-emitting backfill events for files the store already knows
	// about. A nil known always treats files as unknown (emits everything).
	known func(groupID string, subbandIdx int) bool
}

type pendingFile struct {
	size      int64
	lastSeen  time.Time
	timer     *time.Timer
}

// New creates a Watcher rooted at root. known, if non-nil, is consulted
// during startup backfill to avoid re-emitting already-recorded subbands.
func New(root string, quiescenceWindow time.Duration, log *logger.Logger, known func(groupID string, subbandIdx int) bool) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watcher: watch root %s: %w", root, err)
	}
	return &Watcher{
		root:             root,
		quiescenceWindow: quiescenceWindow,
		log:              log.With("component", "watcher"),
		fsw:              fsw,
		events:           make(chan Event, 256),
		pending:          make(map[string]*pendingFile),
		known:            known,
	}, nil
}

// Events returns the channel of normalized, fully-written subband events.
func (w *Watcher) Events() <-chan Event { return w.events }

// ParseFailures returns the running count of files whose name did not
// match the expected pattern.
func (w *Watcher) ParseFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parseFailures
}

// Backfill walks the root once, synthesizing events for any file not
// already recorded, per spec §4.2's startup enumeration contract. Files
// found at startup are assumed already fully written (no process is still
// writing into a pre-existing root at daemon boot), so they are emitted
// immediately rather than through the quiescence timer.
func (w *Watcher) Backfill() error {
	return filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // transient I/O error; keep walking
		}
		if d.IsDir() {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		name := filepath.Base(path)
		groupID, idx, ok := Parse(name)
		if !ok {
			w.mu.Lock()
			w.parseFailures++
			w.mu.Unlock()
			w.log.Warn("watcher: unparseable filename during backfill, skipping", "path", path)
			return nil
		}
		if w.known != nil && w.known(groupID, idx) {
			return nil
		}
		w.events <- Event{
			GroupID:    groupID,
			SubbandIdx: idx,
			Path:       path,
			Size:       info.Size(),
			Mtime:      info.ModTime(),
		}
		return nil
	})
}

// Start begins watching for filesystem events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.considerStable(ev.Name)
				}
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.log.Warn("watcher error", "err", err)
			case <-ctx.Done():
				close(w.events)
				_ = w.fsw.Close()
				return
			}
		}
	}()
}

// considerStable registers path's current size and arms (or re-arms) a
// quiescence timer; a file is fully written once its size has not changed
// for quiescenceWindow (the fallback named in spec §4.2 — this
// implementation does not additionally special-case a close-write event,
// since fsnotify does not expose one portably).
func (w *Watcher) considerStable(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		return
	}

	name := filepath.Base(path)
	groupID, idx, ok := Parse(name)
	if !ok {
		w.mu.Lock()
		w.parseFailures++
		w.mu.Unlock()
		w.log.Warn("watcher: unparseable filename, skipping", "path", path)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	pf, exists := w.pending[path]
	if !exists {
		pf = &pendingFile{}
		w.pending[path] = pf
	}
	pf.size = info.Size()
	pf.lastSeen = time.Now()
	if pf.timer != nil {
		pf.timer.Stop()
	}
	mtime := info.ModTime()
	pf.timer = time.AfterFunc(w.quiescenceWindow, func() {
		w.emitIfStillStable(path, groupID, idx, info.Size(), mtime)
	})
}

func (w *Watcher) emitIfStillStable(path, groupID string, idx int, sizeAtArm int64, mtime time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() != sizeAtArm {
		// Still growing; considerStable will have re-armed on the next
		// write event, nothing to do here.
		return
	}

	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	if w.known != nil && w.known(groupID, idx) {
		return
	}

	w.events <- Event{
		GroupID:    groupID,
		SubbandIdx: idx,
		Path:       path,
		Size:       info.Size(),
		Mtime:      info.ModTime(),
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
