// Package queue implements the per-session isolated command queue: a single
// worker goroutine drains commands FIFO and runs them against that session's
// debugger driver, one at a time, so two sessions never interleave writes to
// cdb's stdin but commands within a session never race each other either.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capulus/dbgnexus/internal/common/constants"
	apperrors "github.com/capulus/dbgnexus/internal/common/errors"
	"github.com/capulus/dbgnexus/internal/common/logger"
	"github.com/capulus/dbgnexus/internal/debugger/cache"
	"github.com/capulus/dbgnexus/internal/debugger/timeoutsvc"
	"github.com/capulus/dbgnexus/internal/debugger/tracker"
	"github.com/capulus/dbgnexus/internal/debugger/types"
	"github.com/capulus/dbgnexus/internal/events"
	"github.com/capulus/dbgnexus/internal/events/bus"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when the queue is at max capacity.
var ErrQueueFull = errors.New("command queue is full")

// heartbeatInterval is how often a heartbeat notification is published for
// a command that is still executing.
const heartbeatInterval = 5 * time.Second

// Notifier publishes fire-and-forget command lifecycle events. It is
// satisfied by bus.EventBus; the queue never blocks its worker on delivery.
type Notifier interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// noopNotifier discards every event; it is the default when no bus is wired.
type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, string, *bus.Event) error { return nil }

// Option configures optional Queue behavior.
type Option func(*Queue)

// WithNotifier wires a Notifier so the queue publishes commandStatus and
// commandHeartbeat events as commands move through the FIFO.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// Executor runs one command against the session's debugger child. It is
// satisfied by *driver.Driver; queue depends on the narrower interface so
// tests can substitute a fake.
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
}

// Queue is a FIFO command queue bound to a single session. It becomes ready
// only once its worker goroutine is running and draining commands.
type Queue struct {
	sessionID string
	executor  Executor
	tracker   *tracker.Tracker
	cache     *cache.Cache
	timeouts  *timeoutsvc.Service
	logger    *logger.Logger
	maxDepth  int
	notifier  Notifier
	cmdSeq    atomic.Int64

	mu              sync.Mutex
	pending         *list.List // of *types.Command
	ready           bool
	current         *types.Command
	currentCancel   context.CancelFunc
	currentTimedOut bool
	closed          bool
	commandCh       chan struct{}
	doneCh          chan struct{}
	readyCh         chan struct{}
}

// New creates a Queue for one session. Call Start to begin draining it.
func New(sessionID string, executor Executor, trk *tracker.Tracker, c *cache.Cache, ts *timeoutsvc.Service, maxDepth int, log *logger.Logger, opts ...Option) *Queue {
	q := &Queue{
		sessionID: sessionID,
		executor:  executor,
		tracker:   trk,
		cache:     c,
		timeouts:  ts,
		maxDepth:  maxDepth,
		notifier:  noopNotifier{},
		logger:    log.WithFields(zap.String("component", "command-queue"), zap.String("session_id", sessionID)),
		pending:   list.New(),
		commandCh: make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		readyCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// publishStatus fires a commandStatus event for cmd without blocking the
// caller; delivery failures are logged and swallowed, never propagated.
func (q *Queue) publishStatus(eventType string, cmd *types.Command, message, errText string, durationMS int64) {
	status := bus.CommandStatus{
		SessionID:  q.sessionID,
		CommandID:  cmd.ID,
		Command:    cmd.Text,
		State:      string(cmd.State),
		Message:    message,
		Error:      errText,
		DurationMS: durationMS,
	}
	go func() {
		ctx := context.Background()
		subject := events.BuildCommandSubject(q.sessionID)
		if err := q.notifier.Publish(ctx, subject, bus.NewCommandStatusEvent(eventType, "dbgnexus-queue", status)); err != nil {
			q.logger.Warn("failed to publish command event", zap.String("event_type", eventType), zap.Error(err))
		}
	}()
}

// publishHeartbeat fires a commandHeartbeat event for cmd without blocking
// the caller.
func (q *Queue) publishHeartbeat(cmd *types.Command, elapsedMS int64) {
	heartbeat := bus.CommandHeartbeat{
		SessionID: q.sessionID,
		CommandID: cmd.ID,
		Command:   cmd.Text,
		ElapsedMS: elapsedMS,
	}
	go func() {
		ctx := context.Background()
		subject := events.BuildCommandSubject(q.sessionID)
		if err := q.notifier.Publish(ctx, subject, bus.NewCommandHeartbeatEvent(events.CommandHeartbeat, "dbgnexus-queue", heartbeat)); err != nil {
			q.logger.Warn("failed to publish heartbeat event", zap.Error(err))
		}
	}()
}

// Start launches the worker goroutine.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

// IsReady reports whether the worker goroutine is draining the queue.
func (q *Queue) IsReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// WaitReady blocks until the worker goroutine has started draining the
// queue, or ctx is done first. Callers that enqueue a command immediately
// after opening a session use this to avoid racing the worker's startup.
func (q *Queue) WaitReady(ctx context.Context) error {
	select {
	case <-q.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextCommandID generates the next bit-exact command id for this session:
// "cmd-<session-id>-<4-digit-seq>", the sequence wrapping modulo 10000, so
// an id repeats once 10000 commands have been issued on this queue.
func (q *Queue) NextCommandID() string {
	n := q.cmdSeq.Add(1) % 10000
	return fmt.Sprintf("cmd-%s-%04d", q.sessionID, n)
}

// Enqueue adds a command to the back of the queue.
func (q *Queue) Enqueue(cmd *types.Command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return apperrors.New(apperrors.CodeQueueNotReady, "queue is closed")
	}
	if q.maxDepth > 0 && q.pending.Len() >= q.maxDepth {
		q.mu.Unlock()
		return ErrQueueFull
	}
	cmd.State = types.CommandQueued
	cmd.QueuedAt = time.Now()
	q.pending.PushBack(cmd)
	q.mu.Unlock()

	q.tracker.Register(cmd)
	q.publishStatus(events.CommandQueued, cmd, "", "", 0)

	select {
	case q.commandCh <- struct{}{}:
	default:
	}
	return nil
}

// Cancel removes a still-queued command and marks it Cancelled, or, if it is
// currently executing, disarms its timeout and cancels its execution context.
// Returns false if commandID is already terminal or unknown to this queue.
func (q *Queue) Cancel(commandID string) bool {
	q.mu.Lock()
	if q.current != nil && q.current.ID == commandID {
		cancel := q.currentCancel
		q.mu.Unlock()
		if cancel != nil {
			q.timeouts.Cancel(commandID)
			cancel()
		}
		return true
	}
	for el := q.pending.Front(); el != nil; el = el.Next() {
		cmd := el.Value.(*types.Command)
		if cmd.ID == commandID {
			q.pending.Remove(el)
			q.mu.Unlock()
			_ = q.tracker.Transition(commandID, types.CommandCancelled)
			q.publishStatus(events.CommandCancelled, cmd, "", "", 0)
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// CancelAll drops every queued command and requests cancellation of the one
// currently executing.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	cancelled := 0
	var removed []*types.Command
	for el := q.pending.Front(); el != nil; {
		next := el.Next()
		cmd := el.Value.(*types.Command)
		q.pending.Remove(el)
		_ = q.tracker.Transition(cmd.ID, types.CommandCancelled)
		removed = append(removed, cmd)
		cancelled++
		el = next
	}
	current := q.current
	cancel := q.currentCancel
	q.mu.Unlock()

	for _, cmd := range removed {
		q.publishStatus(events.CommandCancelled, cmd, "", "", 0)
	}

	if current != nil && cancel != nil {
		q.timeouts.Cancel(current.ID)
		cancel()
	}
	return cancelled
}

// recoveryFailureMessage is the fixed error text attached to every command
// force-failed by a recovery sweep, per the recovery protocol's step 3.
const recoveryFailureMessage = "session recovered"

// CancelAllForRecovery force-terminates every queued and executing command
// as Failed with a fixed "session recovered" message, per the recovery
// controller's protocol. Unlike CancelAll (client-initiated close), these
// commands never ran to completion on the client's behalf, so they are
// reported as Failed rather than Cancelled.
func (q *Queue) CancelAllForRecovery() int {
	q.mu.Lock()
	var removed []*types.Command
	for el := q.pending.Front(); el != nil; {
		next := el.Next()
		cmd := el.Value.(*types.Command)
		q.pending.Remove(el)
		removed = append(removed, cmd)
		el = next
	}
	current := q.current
	cancel := q.currentCancel
	q.mu.Unlock()

	n := 0
	for _, cmd := range removed {
		q.failForRecovery(cmd)
		n++
	}
	if current != nil {
		q.failForRecovery(current)
		n++
		if cancel != nil {
			q.timeouts.Cancel(current.ID)
			cancel()
		}
	}
	return n
}

func (q *Queue) failForRecovery(cmd *types.Command) {
	_ = q.tracker.Transition(cmd.ID, types.CommandFailed)
	q.cache.Put(&types.CommandResult{CommandID: cmd.ID, Err: errors.New(recoveryFailureMessage)})
	q.publishStatus(events.CommandFailed, cmd, "", recoveryFailureMessage, 0)
}

// CurrentCommand returns the command presently executing, if any.
func (q *Queue) CurrentCommand() (*types.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil, false
	}
	snapshot := *q.current
	return &snapshot, true
}

// Status summarizes queue depth and the current command's progress.
type Status struct {
	Depth          int
	CurrentCommand *types.Command
	Progress       float64 // 0..1, conservative estimate
}

// Status reports queue depth, the currently executing command (if any), and
// its estimated progress, satisfying the "status()" operation of the
// isolated command queue.
func (q *Queue) Status() Status {
	q.mu.Lock()
	depth := q.pending.Len()
	var current *types.Command
	if q.current != nil {
		snapshot := *q.current
		current = &snapshot
	}
	q.mu.Unlock()

	progress := 0.0
	if current != nil {
		progress, _ = q.Progress(current.ID)
	}
	return Status{Depth: depth, CurrentCommand: current, Progress: progress}
}

// Entries returns every command still tracked by this queue (queued or
// executing) in FIFO enqueue order, for observability/status endpoints.
func (q *Queue) Entries() []*types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*types.Command, 0, q.pending.Len()+1)
	if q.current != nil {
		snapshot := *q.current
		entries = append(entries, &snapshot)
	}
	for el := q.pending.Front(); el != nil; el = el.Next() {
		snapshot := *el.Value.(*types.Command)
		entries = append(entries, &snapshot)
	}
	return entries
}

// Progress estimates completion for commandID as a 0..1 fraction, per the
// fixed queuePosition/elapsed-time blend: queueProgress rewards a command
// for being close to the head of the FIFO, timeProgress and minByElapsed
// both grow with elapsed execution time (the latter as a fast-climbing
// floor so a slow command's reported progress never stalls), and the
// larger of the two keeps the number monotonically non-decreasing across
// polls until the command reaches a terminal state.
func (q *Queue) Progress(commandID string) (float64, error) {
	cmd, err := q.tracker.Get(commandID)
	if err != nil {
		return 0, err
	}

	if cmd.State.Terminal() {
		return 1.0, nil
	}

	var elapsed time.Duration
	if cmd.State == types.CommandExecuting && !cmd.StartedAt.IsZero() {
		elapsed = time.Since(cmd.StartedAt)
	}

	pct := progressPercent(cmd.Position, elapsed)
	return pct / 100, nil
}

// extensionIDPrefix marks an extension job's command id ("ext-<uuid>"),
// distinguishing it from an ordinary "cmd-<session-id>-<seq>" command so
// timeoutFor can give it the fixed 30-minute extension class timeout
// regardless of what its command text happens to match.
const extensionIDPrefix = "ext-"

func timeoutFor(cmd *types.Command) time.Duration {
	if strings.HasPrefix(cmd.ID, extensionIDPrefix) {
		return constants.ExtensionJobTimeout
	}
	return constants.TimeoutForCommand(cmd.Text)
}

// ClassTimeout returns the execution-class timeout that applies to cmd --
// the same value the queue itself arms for timeout enforcement -- so
// callers outside this package (ETA estimation) stay consistent with it.
func ClassTimeout(cmd *types.Command) time.Duration {
	return timeoutFor(cmd)
}

// progressPercent implements the fixed progress formula: 0 (or an
// executing command's 0) is the best queue position, 10 or further back
// contributes nothing; elapsed execution time contributes on top, and a
// second, faster-climbing elapsed-only floor (capped at 95) guarantees
// progress keeps advancing even once the position-based term saturates.
func progressPercent(position int, elapsed time.Duration) float64 {
	queueProgress := math.Max(0, math.Min(50, float64(10-position)*5))

	minutesElapsed := elapsed.Minutes()
	timeProgress := math.Min(50, math.Floor(minutesElapsed*2))

	secondsElapsed := elapsed.Seconds()
	minByElapsed := math.Min(95, math.Floor(secondsElapsed*0.5))

	return math.Max(queueProgress+timeProgress, minByElapsed)
}

func (q *Queue) run(ctx context.Context) {
	q.mu.Lock()
	q.ready = true
	q.mu.Unlock()
	close(q.readyCh)

	defer close(q.doneCh)

	for {
		cmd := q.dequeue()
		if cmd == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.commandCh:
				continue
			}
		}

		q.execute(ctx, cmd)
	}
}

func (q *Queue) dequeue() *types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	el := q.pending.Front()
	if el == nil {
		return nil
	}
	cmd := el.Value.(*types.Command)
	q.pending.Remove(el)
	q.current = cmd
	return cmd
}

func (q *Queue) execute(ctx context.Context, cmd *types.Command) {
	execCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.currentCancel = cancel
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.current = nil
		q.currentCancel = nil
		q.mu.Unlock()
		cancel()
	}()

	_ = q.tracker.Transition(cmd.ID, types.CommandExecuting)
	startedAt := time.Now()
	q.publishStatus(events.CommandExecuting, cmd, "", "", 0)

	timeout := timeoutFor(cmd)
	q.timeouts.Arm(cmd.ID, timeout, func() {
		q.mu.Lock()
		q.currentTimedOut = true
		q.mu.Unlock()
		cancel()
	})
	defer q.timeouts.Cancel(cmd.ID)

	heartbeatDone := make(chan struct{})
	go q.heartbeatLoop(execCtx, cmd, startedAt, heartbeatDone)
	defer func() { <-heartbeatDone }()

	output, err := q.executor.Execute(execCtx, cmd.Text)
	cancel() // stop the heartbeat loop promptly once the driver returns

	q.mu.Lock()
	timedOut := q.currentTimedOut
	q.currentTimedOut = false
	q.mu.Unlock()

	// A recovery sweep may already have failed this command and cached its
	// "session recovered" result; that outcome is kept as it is.
	if settled, getErr := q.tracker.Get(cmd.ID); getErr == nil && settled.State.Terminal() {
		return
	}

	result := &types.CommandResult{CommandID: cmd.ID, Output: output, Err: err, SizeBytes: len(output)}
	q.cache.Put(result)

	state := types.CommandCompleted
	eventType := events.CommandCompleted
	switch {
	case err == nil:
		state = types.CommandCompleted
		eventType = events.CommandCompleted
	case timedOut:
		state = types.CommandTimedOut
		eventType = events.CommandTimedOut
	case apperrors.Is(err, apperrors.CodeCancelled) || errors.Is(err, context.Canceled):
		state = types.CommandCancelled
		eventType = events.CommandCancelled
	default:
		state = types.CommandFailed
		eventType = events.CommandFailed
	}

	if err := q.tracker.Transition(cmd.ID, state); err != nil {
		q.logger.Warn("failed to transition command to terminal state", zap.String("command_id", cmd.ID), zap.Error(err))
	}

	durationMS := time.Since(startedAt).Milliseconds()
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	q.publishStatus(eventType, cmd, "", errText, durationMS)
}

// heartbeatLoop emits a commandHeartbeat event every heartbeatInterval while
// cmd is executing, so clients polling long-running commands (!analyze,
// !heap) see liveness without waiting for the final result.
func (q *Queue) heartbeatLoop(ctx context.Context, cmd *types.Command, startedAt time.Time, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.publishHeartbeat(cmd, time.Since(startedAt).Milliseconds())
		}
	}
}
