// Package extension tracks long-running debugger extension invocations.
// Extension jobs share the session's command queue and result cache with
// ordinary commands but live in their own ID namespace ("ext-<uuid>"); they
// run in FIFO order like any other command, so a slow extension delays the
// commands queued behind it.
package extension

import (
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/capulus/dbgnexus/internal/common/errors"
	"github.com/capulus/dbgnexus/internal/debugger/types"
)

// Tracker is a registry of extension jobs, mirroring tracker.Tracker's
// register/transition/get/list shape but over types.ExtensionJob.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*types.ExtensionJob
}

// New creates an empty extension job tracker.
func New() *Tracker {
	return &Tracker{jobs: make(map[string]*types.ExtensionJob)}
}

// NewJobID generates a fresh "ext-<uuid>" identifier.
func NewJobID() string {
	return "ext-" + uuid.New().String()
}

// Register adds a newly queued extension job.
func (t *Tracker) Register(job *types.ExtensionJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = job
}

// Transition moves an extension job to a new state.
func (t *Tracker) Transition(jobID string, state types.CommandState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return apperrors.CommandNotFound(jobID)
	}
	job.State = state
	return nil
}

// Get returns a copy-safe snapshot of a tracked extension job.
func (t *Tracker) Get(jobID string) (*types.ExtensionJob, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return nil, apperrors.CommandNotFound(jobID)
	}
	snapshot := *job
	return &snapshot, nil
}

// List returns every tracked extension job.
func (t *Tracker) List() []*types.ExtensionJob {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*types.ExtensionJob, 0, len(t.jobs))
	for _, job := range t.jobs {
		snapshot := *job
		result = append(result, &snapshot)
	}
	return result
}
