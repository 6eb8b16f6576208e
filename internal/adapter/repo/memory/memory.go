// Package memory is the in-memory domain.StudyRepository: the default for
// dev mode and the reference implementation the orchestrator tests run
// against. Saves deep-copy via JSON so callers cannot alias stored state.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// Repo holds studies keyed by id.
type Repo struct {
	mu      sync.RWMutex
	studies map[string][]byte
	results map[string][]byte // keyed job id
}

// New constructs an empty Repo.
func New() *Repo {
	return &Repo{
		studies: make(map[string][]byte),
		results: make(map[string][]byte),
	}
}

// SaveStudy implements domain.StudyRepository.
func (r *Repo) SaveStudy(_ domain.Context, s *domain.Study) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("op=memory.SaveStudy: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.studies[s.ID] = b
	return nil
}

// LoadStudy implements domain.StudyRepository.
func (r *Repo) LoadStudy(_ domain.Context, id string) (*domain.Study, error) {
	r.mu.RLock()
	b, ok := r.studies[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=memory.LoadStudy: %s: %w", id, domain.ErrStudyNotFound)
	}
	var s domain.Study
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("op=memory.LoadStudy: %w", err)
	}
	return &s, nil
}

// SaveJob implements domain.StudyRepository. Individual job saves are folded
// into the next study checkpoint; the study blob is the unit of persistence
// here.
func (r *Repo) SaveJob(_ domain.Context, studyID string, j *domain.Job) error {
	r.mu.RLock()
	_, ok := r.studies[studyID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("op=memory.SaveJob: %s: %w", studyID, domain.ErrStudyNotFound)
	}
	return nil
}

// SaveResult implements domain.StudyRepository.
func (r *Repo) SaveResult(_ domain.Context, _, jobID string, res *domain.QueryResponse) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=memory.SaveResult: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[jobID] = b
	return nil
}

// Result returns the stored response for a job, for tests and dev tooling.
func (r *Repo) Result(jobID string) (*domain.QueryResponse, bool) {
	r.mu.RLock()
	b, ok := r.results[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	var res domain.QueryResponse
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// Len reports how many studies are stored.
func (r *Repo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.studies)
}
