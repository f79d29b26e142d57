package agent

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"anima/internal/logging"
)

// InboxWatcher turns saves of the inbox file into messages. fsnotify
// flags changes as they happen; every Poll additionally compares mtime
// and size, so a lost or unavailable watch degrades to 1 Hz polling
// rather than silence.
//
// The protocol is two-phase: Poll returns the current content without
// consuming it, and the caller invokes Consume only after the message
// is safely handed off. A failed handoff leaves the file untouched for
// the next tick.
type InboxWatcher struct {
	path  string
	dirty atomic.Bool

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	lastMod  time.Time
	lastSize int64
	running  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewInboxWatcher prepares a watcher for the inbox file at path. Call
// Start to begin watching.
func NewInboxWatcher(path string) *InboxWatcher {
	return &InboxWatcher{path: filepath.Clean(path)}
}

// Start creates the inbox file if missing and begins watching its
// directory. A failed fsnotify setup is logged and tolerated; Poll's
// stat fallback still notices changes.
func (w *InboxWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.InboxWarn("fsnotify unavailable, inbox falls back to polling: %v", err)
		w.running = true
		return nil
	}
	// Watch the directory, not the file: editors replace files by
	// rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		logging.InboxWarn("Cannot watch inbox directory, falling back to polling: %v", err)
		w.running = true
		return nil
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.run()

	logging.Inbox("Watching %s", w.path)
	return nil
}

// Stop halts the watch goroutine. Poll keeps working afterwards.
func (w *InboxWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		close(w.stopCh)
		<-w.doneCh
		watcher.Close()
	}
}

func (w *InboxWatcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				logging.InboxDebug("Inbox changed (%s)", event.Op)
				w.dirty.Store(true)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.InboxWarn("Inbox watcher error: %v", err)
		}
	}
}

// Poll reports whether the inbox holds a new message. The message is
// the whole file trimmed of surrounding whitespace; whitespace-only
// content is remembered as seen and ignored. The file itself is not
// modified; call Consume after a successful handoff.
func (w *InboxWatcher) Poll() (string, bool, error) {
	changed := w.dirty.Swap(false)

	info, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}

	w.mu.Lock()
	if !info.ModTime().Equal(w.lastMod) || info.Size() != w.lastSize {
		changed = true
	}
	w.mu.Unlock()
	if !changed {
		return "", false, nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return "", false, err
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		w.remember(info)
		return "", false, nil
	}
	return content, true, nil
}

// Consume truncates the inbox after a successful handoff and records
// the resulting state so the truncation is not re-read as a change.
func (w *InboxWatcher) Consume() error {
	if err := os.Truncate(w.path, 0); err != nil {
		return err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.remember(info)
	w.dirty.Store(false)
	return nil
}

func (w *InboxWatcher) remember(info os.FileInfo) {
	w.mu.Lock()
	w.lastMod = info.ModTime()
	w.lastSize = info.Size()
	w.mu.Unlock()
}
