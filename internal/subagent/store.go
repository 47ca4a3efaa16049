// Package subagent runs background worker agents spawned from a parent
// session and injects their results back as system events.
package subagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status of a sub-agent request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// Request is one sub-agent job, persisted so the parent can query it after
// a restart.
type Request struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	ParentSession  string    `json:"parent_session"`
	Prompt         string    `json:"prompt"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	Status         Status    `json:"status"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Store persists sub-agent requests as one JSON file per request under
// <workspaceRoot>/sub_agents/.
type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(workspaceRoot string) (*Store, error) {
	dir := filepath.Join(workspaceRoot, "sub_agents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sub_agents dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the request atomically.
func (s *Store) Save(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sub-agent request: %w", err)
	}
	tmp := s.path(req.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sub-agent request: %w", err)
	}
	if err := os.Rename(tmp, s.path(req.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename sub-agent request: %w", err)
	}
	return nil
}

// Get loads one request by ID.
func (s *Store) Get(id string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, false
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, false
	}
	return &req, true
}

// List returns the requests for a parent session, newest first. An empty
// parent matches everything.
func (s *Store) List(parentSession string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []*Request
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if parentSession != "" && req.ParentSession != parentSession {
			continue
		}
		out = append(out, &req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Prune removes finished requests older than maxAge. Returns removed count.
func (s *Store) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, req := range s.List("") {
		switch req.Status {
		case StatusCompleted, StatusFailed, StatusTimedOut:
			if req.CreatedAt.Before(cutoff) {
				s.mu.Lock()
				if os.Remove(s.path(req.ID)) == nil {
					removed++
				}
				s.mu.Unlock()
			}
		}
	}
	return removed
}
