package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/torbolabs/torbo/internal/access"
)

// Agent is a named chat persona: a system prompt, a preferred model and a
// ceiling on what the agent may do.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	SystemPrompt string       `json:"systemPrompt,omitempty"`
	Model        string       `json:"model,omitempty"`
	MaxLevel     access.Level `json:"maxLevel"`
	Created      time.Time    `json:"created"`
	Updated      time.Time    `json:"updated"`
}

// AgentStore keeps agents in a single JSON file under the state dir.
// A "main" agent always exists.
type AgentStore struct {
	mu     sync.RWMutex
	path   string
	agents map[string]*Agent
}

func NewAgentStore(path, defaultID string) (*AgentStore, error) {
	s := &AgentStore{path: path, agents: make(map[string]*Agent)}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read agents: %w", err)
	}
	if err == nil {
		var list []*Agent
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse agents: %w", err)
		}
		for _, a := range list {
			s.agents[a.ID] = a
		}
	}

	if _, ok := s.agents[defaultID]; !ok {
		now := time.Now()
		s.agents[defaultID] = &Agent{
			ID:       defaultID,
			Name:     "Assistant",
			MaxLevel: access.LevelFull,
			Created:  now,
			Updated:  now,
		}
	}
	return s, nil
}

func (s *AgentStore) saveLocked() error {
	list := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".agents-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Get returns an agent by ID.
func (s *AgentStore) Get(id string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// List returns all agents sorted by ID.
func (s *AgentStore) List() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert creates or updates an agent. Invalid levels clamp to FULL so a
// bad edit can only restrict, never escalate past the gateway level.
func (s *AgentStore) Upsert(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id required")
	}
	if !a.MaxLevel.Valid() {
		a.MaxLevel = access.LevelFull
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.agents[a.ID]; ok {
		a.Created = existing.Created
	} else {
		a.Created = now
	}
	a.Updated = now
	s.agents[a.ID] = &a
	return s.saveLocked()
}

// Delete removes an agent. The default agent cannot be deleted.
func (s *AgentStore) Delete(id, defaultID string) error {
	if id == defaultID {
		return fmt.Errorf("cannot delete the default agent")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	delete(s.agents, id)
	return s.saveLocked()
}
