// Package halt implements the session-scoped one-way cooperative-
// cancellation latch: a sentinel file `<tmpdir>/<task_id>.halt` watched via
// fsnotify, per spec.md §6's Control signals and §9's design note that the
// halt latch is a watched predicate, not a thrown exception. Grounded on
// vinayprograms-agent's fsnotify.NewWatcher() usage pattern.
package halt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Signal is the payload written into a halt sentinel file.
type Signal struct {
	Reason   string `json:"reason"`
	Evidence string `json:"evidence"`
}

// Latch is a session-scoped, one-way flag: once Set, IsSet and Poll observe
// it forever. Safe for concurrent use.
type Latch struct {
	path string

	mu     sync.RWMutex
	signal *Signal

	watcher *fsnotify.Watcher
	done    chan struct{}
	closeOnce sync.Once
}

// registry is the process-lifetime table of halt latches keyed by session
// id, per spec.md §5/§9: "global mutable state... torn down in shutdown()."
var (
	registryMu sync.Mutex
	registry   = map[string]*Latch{}
)

// Acquire returns the process-lifetime Latch for taskID, creating it
// (and its sentinel file path under dir) on first use.
func Acquire(dir, taskID string) (*Latch, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if l, ok := registry[taskID]; ok {
		return l, nil
	}
	l, err := newLatch(filepath.Join(dir, taskID+".halt"))
	if err != nil {
		return nil, err
	}
	registry[taskID] = l
	return l, nil
}

// ShutdownAll tears down every registered latch, called from the process
// shutdown path.
func ShutdownAll() {
	registryMu.Lock()
	defer registryMu.Unlock()
	for id, l := range registry {
		l.Close()
		delete(registry, id)
	}
}

func newLatch(path string) (*Latch, error) {
	l := &Latch{path: path, done: make(chan struct{})}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("halt: new watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("halt: watch dir: %w", err)
	}
	l.watcher = watcher

	if s, err := readSignal(path); err == nil {
		l.mu.Lock()
		l.signal = s
		l.mu.Unlock()
	}

	go l.watchLoop()
	return l, nil
}

func (l *Latch) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Name != l.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if s, err := readSignal(l.path); err == nil {
					l.mu.Lock()
					l.signal = s
					l.mu.Unlock()
				}
			}
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		case <-l.done:
			return
		}
	}
}

func readSignal(path string) (*Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		// a halt file that exists but fails to parse still halts: the mere
		// presence of the sentinel is the control signal.
		return &Signal{Reason: "halt file present but unparseable"}, nil
	}
	return &s, nil
}

// Set creates the sentinel file, materializing the halt signal. Called by
// the complete_mission tool.
func (l *Latch) Set(reason, evidence string) error {
	data, err := json.Marshal(Signal{Reason: reason, Evidence: evidence})
	if err != nil {
		return fmt.Errorf("halt: marshal signal: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("halt: write sentinel: %w", err)
	}
	l.mu.Lock()
	l.signal = &Signal{Reason: reason, Evidence: evidence}
	l.mu.Unlock()
	return nil
}

// IsSet reports whether the latch has been tripped, and the signal if so.
// Executors probe this at the top of every turn (spec.md §4.6 step 1).
func (l *Latch) IsSet() (Signal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.signal == nil {
		return Signal{}, false
	}
	return *l.signal, true
}

// Poll is a fallback synchronous check for environments where a file watch
// isn't available (e.g. certain container sandboxes), re-stat'ing the
// sentinel file directly instead of relying on the fsnotify event stream.
func (l *Latch) Poll() (Signal, bool) {
	if s, ok := l.IsSet(); ok {
		return s, true
	}
	if s, err := readSignal(l.path); err == nil {
		l.mu.Lock()
		l.signal = s
		l.mu.Unlock()
		return *s, true
	}
	return Signal{}, false
}

// Close tears down the watcher. Idempotent.
func (l *Latch) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.watcher.Close()
	})
}
