package store

import (
	"context"
	"fmt"
	"sync"

	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/models"
)

// MemoryConfigStore holds configs in memory, for tests and single-node
// deployments configured from files.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]models.SyncConfig
}

var _ engine.ConfigStore = (*MemoryConfigStore)(nil)

func NewMemoryConfigStore(configs ...models.SyncConfig) *MemoryConfigStore {
	s := &MemoryConfigStore{configs: make(map[string]models.SyncConfig)}
	for _, cfg := range configs {
		s.configs[cfg.ID] = cfg
	}
	return s
}

func (s *MemoryConfigStore) Put(cfg models.SyncConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cfg
}

func (s *MemoryConfigStore) Get(_ context.Context, id string) (*models.SyncConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, fmt.Errorf("sync config %s not found", id)
	}
	out := cfg
	return &out, nil
}

func (s *MemoryConfigStore) List(_ context.Context) ([]models.SyncConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SyncConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	return out, nil
}

// MemoryStateStore keeps sync state in memory. State resets with the
// process, which just means the next run behaves like a first run.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*models.SyncState
}

var _ engine.StateStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*models.SyncState)}
}

func (s *MemoryStateStore) Get(_ context.Context, configID string) (*models.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[configID]
	if !ok {
		return nil, nil
	}
	// Copy so a failed run cannot mutate the stored snapshot.
	out := models.NewSyncState(configID)
	out.LastSyncTime = state.LastSyncTime
	for id, rs := range state.Records {
		out.Records[id] = rs
	}
	return out, nil
}

func (s *MemoryStateStore) Put(_ context.Context, configID string, state *models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[configID] = state
	return nil
}

func (s *MemoryStateStore) Clear(_ context.Context, configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, configID)
	return nil
}

// MemoryLogSink retains recent results in memory, newest first.
type MemoryLogSink struct {
	mu      sync.Mutex
	results []*models.SyncResult
	cap     int
}

var _ engine.LogSink = (*MemoryLogSink)(nil)

func NewMemoryLogSink(capacity int) *MemoryLogSink {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryLogSink{cap: capacity}
}

func (s *MemoryLogSink) Write(_ context.Context, result *models.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append([]*models.SyncResult{result}, s.results...)
	if len(s.results) > s.cap {
		s.results = s.results[:s.cap]
	}
	return nil
}

func (s *MemoryLogSink) Recent(_ context.Context, configID string, limit int) ([]models.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncResult
	for _, r := range s.results {
		if configID != "" && r.SyncConfigID != configID {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
