// Package tracker maintains the in-memory state of every command queued or
// executed within a session, including queue-position bookkeeping used to
// compute progress and ETA for clients polling a result.
package tracker

import (
	"sync"
	"time"

	apperrors "github.com/capulus/dbgnexus/internal/common/errors"
	"github.com/capulus/dbgnexus/internal/debugger/types"
)

// Tracker is a per-session registry of commands keyed by ID. It is safe for
// concurrent use by the queue worker goroutine and any number of readers.
type Tracker struct {
	mu       sync.RWMutex
	commands map[string]*types.Command
	order    []string // queued/executing command IDs in FIFO order, for position recompute
}

// New creates an empty command tracker.
func New() *Tracker {
	return &Tracker{
		commands: make(map[string]*types.Command),
	}
}

// Register adds a newly queued command to the tracker.
func (t *Tracker) Register(cmd *types.Command) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.commands[cmd.ID] = cmd
	t.order = append(t.order, cmd.ID)
	t.recomputePositionsLocked()
}

// stateRank orders states along the one-way Queued -> Executing -> terminal
// path so Transition can refuse a transition that would move a command
// backwards.
func stateRank(s types.CommandState) int {
	if s == types.CommandQueued {
		return 0
	}
	if s == types.CommandExecuting {
		return 1
	}
	return 2 // every terminal state ranks equally: terminal is terminal
}

// Transition moves a command to a new state, stamping the appropriate
// timestamp and removing it from the position-tracked order once terminal.
// A transition that would move a command backwards along
// Queued -> Executing -> terminal (or terminal -> anything) is silently
// ignored rather than treated as fatal, per this tracker's failure
// semantics: stray late transitions from a superseded goroutine must never
// corrupt a command's already-settled state.
func (t *Tracker) Transition(commandID string, state types.CommandState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[commandID]
	if !ok {
		return apperrors.CommandNotFound(commandID)
	}

	if stateRank(state) < stateRank(cmd.State) || cmd.State.Terminal() {
		return nil
	}

	cmd.State = state
	now := time.Now()
	switch state {
	case types.CommandExecuting:
		cmd.StartedAt = now
	case types.CommandCompleted, types.CommandFailed, types.CommandTimedOut, types.CommandCancelled:
		cmd.FinishedAt = now
		cmd.Position = 0
		t.removeFromOrderLocked(commandID)
	}

	t.recomputePositionsLocked()
	return nil
}

// Get returns a copy-safe snapshot of a tracked command.
func (t *Tracker) Get(commandID string) (*types.Command, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cmd, ok := t.commands[commandID]
	if !ok {
		return nil, apperrors.CommandNotFound(commandID)
	}
	snapshot := *cmd
	return &snapshot, nil
}

// List returns every tracked command, terminal or not.
func (t *Tracker) List() []*types.Command {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*types.Command, 0, len(t.commands))
	for _, cmd := range t.commands {
		snapshot := *cmd
		result = append(result, &snapshot)
	}
	return result
}

// GC drops terminal commands older than olderThan, bounding tracker memory
// for long-lived sessions. It never removes queued or executing commands.
func (t *Tracker) GC(olderThan time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, cmd := range t.commands {
		if cmd.State.Terminal() && cmd.FinishedAt.Before(cutoff) {
			delete(t.commands, id)
			removed++
		}
	}
	return removed
}

// recomputePositionsLocked assigns 1-based queue positions to every
// non-terminal command in FIFO order; the head (position 1) becomes 0 once
// it actually starts executing via Transition.
func (t *Tracker) recomputePositionsLocked() {
	pos := 1
	for _, id := range t.order {
		cmd, ok := t.commands[id]
		if !ok {
			continue
		}
		if cmd.State == types.CommandExecuting {
			cmd.Position = 0
			continue
		}
		cmd.Position = pos
		pos++
	}
}

func (t *Tracker) removeFromOrderLocked(commandID string) {
	for i, id := range t.order {
		if id == commandID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}
