// Package tasks reads the workspace TASKS.yaml and keeps it hot-reloaded so
// heartbeat prompts always carry the current task list.
package tasks

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Task is one entry in TASKS.yaml.
type Task struct {
	Title  string `yaml:"title"`
	Status string `yaml:"status"` // active | blocked | done
	Notes  string `yaml:"notes"`
	Due    string `yaml:"due"`
}

type fileSchema struct {
	Tasks []Task `yaml:"tasks"`
}

// Store watches <workspaceRoot>/TASKS.yaml. A missing file means no tasks.
type Store struct {
	path string

	mu    sync.RWMutex
	tasks []Task

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewStore(workspaceRoot string) *Store {
	s := &Store{path: filepath.Join(workspaceRoot, "TASKS.yaml")}
	s.reload()
	return s
}

// Start begins watching the file for changes. Safe to skip for tests.
func (s *Store) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("task watcher: %w", err)
	}
	// Watch the directory: editors replace the file via rename, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == filepath.Base(s.path) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					s.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("task watcher error", "error", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Stop ends the watch.
func (s *Store) Stop() {
	if s.watcher != nil {
		close(s.done)
		s.watcher.Close()
		s.watcher = nil
	}
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("read tasks file", "path", s.path, "error", err)
		}
		s.mu.Lock()
		s.tasks = nil
		s.mu.Unlock()
		return
	}
	var parsed fileSchema
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		slog.Error("tasks file malformed, keeping previous list", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	s.tasks = parsed.Tasks
	s.mu.Unlock()
}

// Active returns tasks whose status is not "done".
func (s *Store) Active() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if !strings.EqualFold(t.Status, "done") {
			out = append(out, t)
		}
	}
	return out
}

// Summary renders the active tasks for inclusion in a heartbeat prompt.
func (s *Store) Summary() string {
	active := s.Active()
	if len(active) == 0 {
		return "No active tasks."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active tasks (%d):\n", len(active))
	for _, t := range active {
		fmt.Fprintf(&b, "- %s", t.Title)
		if t.Status != "" && !strings.EqualFold(t.Status, "active") {
			fmt.Fprintf(&b, " [%s]", t.Status)
		}
		if t.Due != "" {
			fmt.Fprintf(&b, " (due %s)", t.Due)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
