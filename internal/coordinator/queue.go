package coordinator

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remoteshell/remoteshell/internal/protocol"
)

var (
	// ErrQueueFull is returned when an agent's pending queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrConflict is returned when a state change loses its compare-and-set,
	// e.g. cancelling a command that is already in flight.
	ErrConflict = errors.New("conflict")
)

// sendableSession is the engine's view of a live agent connection.
type sendableSession interface {
	AgentID() string
	SendFrame(frameType string, payload any) error
}

// queueItem is one pending command in the heap.
type queueItem struct {
	commandID      string
	command        string
	timeoutSeconds int
	priority       int
	createdAt      time.Time
	index          int
}

// pendingHeap orders commands by priority (higher first), then age (older
// first). Same shape as a textbook container/heap priority queue.
type pendingHeap []*queueItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// inflightEntry tracks one dispatched command awaiting its result.
type inflightEntry struct {
	commandID string
	deadline  time.Time
}

// agentQueue is the per-agent dispatch state. Its mutex is the serializer
// for everything that happens to this agent's commands: submits, dispatches,
// result resolution, timeouts and session changes all run under it, so each
// store transition below is ordered per agent.
type agentQueue struct {
	agentID string

	mu       sync.Mutex
	pending  pendingHeap
	byID     map[string]*queueItem
	inflight map[string]*inflightEntry
	session  sendableSession

	wake        chan struct{}
	loopRunning bool
}

func (aq *agentQueue) wakeup() {
	select {
	case aq.wake <- struct{}{}:
	default:
	}
}

// earliestDeadlineLocked returns the soonest in-flight deadline, or zero.
func (aq *agentQueue) earliestDeadlineLocked() time.Time {
	var earliest time.Time
	for _, entry := range aq.inflight {
		if earliest.IsZero() || entry.deadline.Before(earliest) {
			earliest = entry.deadline
		}
	}
	return earliest
}

// Engine owns the per-agent queues and drives dispatch. One goroutine per
// agent runs while that agent has a bound session; commands submitted for
// offline agents just accumulate in the heap (and the store) until the agent
// connects.
type Engine struct {
	store   *Store
	metrics *Metrics
	cfg     *Config
	log     zerolog.Logger

	mu     sync.Mutex
	queues map[string]*agentQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates the dispatch engine.
func NewEngine(store *Store, metrics *Metrics, cfg *Config, log zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   store,
		metrics: metrics,
		cfg:     cfg,
		log:     log.With().Str("component", "queue").Logger(),
		queues:  make(map[string]*agentQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// queue returns (creating if needed) the queue for an agent.
func (e *Engine) queue(agentID string) *agentQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	aq, ok := e.queues[agentID]
	if !ok {
		aq = &agentQueue{
			agentID:  agentID,
			byID:     make(map[string]*queueItem),
			inflight: make(map[string]*inflightEntry),
			wake:     make(chan struct{}, 1),
		}
		e.queues[agentID] = aq
	}
	return aq
}

// Restore rebuilds the pending heaps from the store. Called once at startup,
// after interrupted commands have been failed.
func (e *Engine) Restore() error {
	cmds, err := e.store.ListCommands(ListFilter{Status: StatusPending})
	if err != nil {
		return fmt.Errorf("restore pending commands: %w", err)
	}
	for i := range cmds {
		cmd := &cmds[i]
		aq := e.queue(cmd.AgentID)
		aq.mu.Lock()
		e.pushLocked(aq, cmd)
		aq.mu.Unlock()
	}
	if len(cmds) > 0 {
		e.log.Info().Int("count", len(cmds)).Msg("restored pending commands")
	}
	return nil
}

// pushLocked adds a command to the heap and updates the depth gauge.
func (e *Engine) pushLocked(aq *agentQueue, cmd *Command) {
	item := &queueItem{
		commandID:      cmd.CommandID,
		command:        cmd.Command,
		timeoutSeconds: cmd.TimeoutSeconds,
		priority:       cmd.Priority,
		createdAt:      cmd.CreatedAt,
	}
	heap.Push(&aq.pending, item)
	aq.byID[cmd.CommandID] = item
	e.metrics.QueueDepth.WithLabelValues(aq.agentID).Set(float64(aq.pending.Len()))
}

// Submit persists a new command and queues it for dispatch. The queue bound
// is checked and the row inserted under the agent lock, so concurrent
// submits cannot overshoot MaxQueueSize.
func (e *Engine) Submit(cmd *Command) error {
	aq := e.queue(cmd.AgentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	if aq.pending.Len() >= e.cfg.MaxQueueSize {
		return ErrQueueFull
	}
	if err := e.store.InsertCommand(cmd); err != nil {
		return err
	}
	e.pushLocked(aq, cmd)
	e.metrics.CommandsSubmitted.Inc()

	e.log.Debug().
		Str("agent", cmd.AgentID).
		Str("command_id", cmd.CommandID).
		Int("priority", cmd.Priority).
		Msg("command queued")

	aq.wakeup()
	return nil
}

// Cancel moves a pending command to cancelled and drops it from the heap.
// Returns ErrConflict when the command is in flight or already terminal,
// ErrNotFound when it does not exist.
func (e *Engine) Cancel(agentID, commandID string) error {
	aq := e.queue(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	ok, err := e.store.Transition(commandID, []CommandStatus{StatusPending}, StatusCancelled, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	if item, found := aq.byID[commandID]; found {
		heap.Remove(&aq.pending, item.index)
		delete(aq.byID, commandID)
		e.metrics.QueueDepth.WithLabelValues(agentID).Set(float64(aq.pending.Len()))
	}
	e.metrics.CommandsFinished.WithLabelValues(string(StatusCancelled)).Inc()

	e.log.Info().Str("agent", agentID).Str("command_id", commandID).Msg("command cancelled")
	return nil
}

// Bind attaches a live session and starts the dispatch loop. In-flight
// entries survive a rebind: the same agent process reconnecting will still
// report results for commands it is running.
func (e *Engine) Bind(s sendableSession) {
	aq := e.queue(s.AgentID())
	aq.mu.Lock()
	aq.session = s
	if !aq.loopRunning {
		aq.loopRunning = true
		e.wg.Add(1)
		go e.runLoop(aq)
	}
	aq.mu.Unlock()
	aq.wakeup()
}

// Unbind detaches a session. Only the currently bound session can unbind;
// a superseded session's late unbind is a no-op. Every in-flight command is
// failed: with no session there is nobody left to report a result.
func (e *Engine) Unbind(s sendableSession) {
	aq := e.queue(s.AgentID())
	aq.mu.Lock()
	defer aq.mu.Unlock()

	if aq.session != s {
		return
	}
	aq.session = nil

	msg := "session lost"
	for id := range aq.inflight {
		delete(aq.inflight, id)
		e.finishLocked(aq, id, StatusFailed, &TransitionUpdate{ErrorMessage: &msg})
	}
	aq.wakeup()
}

// finishLocked applies a terminal transition from the in-flight states.
func (e *Engine) finishLocked(aq *agentQueue, commandID string, to CommandStatus, upd *TransitionUpdate) {
	ok, err := e.store.Transition(commandID,
		[]CommandStatus{StatusSent, StatusExecuting}, to, upd)
	if err != nil {
		e.log.Error().Err(err).Str("command_id", commandID).Msg("terminal transition failed")
		return
	}
	if !ok {
		// Already terminal, nothing to record.
		return
	}
	e.metrics.CommandsFinished.WithLabelValues(string(to)).Inc()
	e.log.Info().
		Str("agent", aq.agentID).
		Str("command_id", commandID).
		Str("status", string(to)).
		Msg("command finished")
}

// HandleResult resolves an in-flight command with the agent's result frame.
// Results for commands no longer in flight are dropped and counted.
func (e *Engine) HandleResult(agentID string, res *protocol.ResultPayload) {
	aq := e.queue(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	if _, ok := aq.inflight[res.CommandID]; !ok {
		e.metrics.LateResultDrops.Inc()
		e.log.Warn().
			Str("agent", agentID).
			Str("command_id", res.CommandID).
			Msg("dropping result for unknown command")
		return
	}
	delete(aq.inflight, res.CommandID)

	// Any non-negative exit code means the command ran to completion; the
	// outcome is the caller's to judge from exit_code. Negative codes are the
	// agent's could-not-run convention (killed on deadline, start failure).
	status := StatusCompleted
	if res.ExitCode < 0 {
		status = StatusFailed
	}
	exitCode := res.ExitCode
	e.finishLocked(aq, res.CommandID, status, &TransitionUpdate{
		Stdout:        &res.Stdout,
		Stderr:        &res.Stderr,
		ExitCode:      &exitCode,
		ExecutionTime: &res.ExecutionTime,
	})
	aq.wakeup()
}

// HandleError resolves an in-flight command that the agent refused to run.
func (e *Engine) HandleError(agentID string, errPayload *protocol.ErrorPayload) {
	aq := e.queue(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	if _, ok := aq.inflight[errPayload.CommandID]; !ok {
		e.metrics.LateResultDrops.Inc()
		return
	}
	delete(aq.inflight, errPayload.CommandID)

	exitCode := -1
	e.finishLocked(aq, errPayload.CommandID, StatusFailed, &TransitionUpdate{
		ErrorMessage: &errPayload.Error,
		ExitCode:     &exitCode,
	})
	aq.wakeup()
}

// runLoop is the per-agent dispatch loop. Each pass expires overdue
// in-flight entries, dispatches as much as the in-flight bound allows, then
// sleeps until woken or the earliest deadline.
func (e *Engine) runLoop(aq *agentQueue) {
	defer e.wg.Done()

	for {
		aq.mu.Lock()
		if aq.session == nil {
			aq.loopRunning = false
			aq.mu.Unlock()
			return
		}
		now := time.Now()
		e.expireLocked(aq, now)
		e.dispatchLocked(aq)
		next := aq.earliestDeadlineLocked()
		aq.mu.Unlock()

		var timerC <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-e.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			aq.mu.Lock()
			aq.loopRunning = false
			aq.mu.Unlock()
			return
		case <-aq.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// expireLocked times out in-flight commands whose deadline has passed and
// sends the agent a best-effort cancel for each.
func (e *Engine) expireLocked(aq *agentQueue, now time.Time) {
	for id, entry := range aq.inflight {
		if now.Before(entry.deadline) {
			continue
		}
		delete(aq.inflight, id)

		msg := "execution timed out"
		exitCode := -1
		e.finishLocked(aq, id, StatusTimeout, &TransitionUpdate{
			ErrorMessage: &msg,
			ExitCode:     &exitCode,
		})

		if aq.session != nil {
			_ = aq.session.SendFrame(protocol.TypeCancel, protocol.CancelPayload{
				CommandID: id,
				Reason:    "timeout",
			})
		}
	}
}

// dispatchLocked drains the heap into the session up to the in-flight bound.
// The pending→sent transition is the exactly-once gate: a command whose CAS
// fails (cancelled in a race, or already picked up) is discarded, never sent.
func (e *Engine) dispatchLocked(aq *agentQueue) {
	for aq.session != nil && aq.pending.Len() > 0 && len(aq.inflight) < e.cfg.MaxInFlight {
		item := aq.pending[0]

		ok, err := e.store.Transition(item.commandID,
			[]CommandStatus{StatusPending}, StatusSent, nil)
		if err != nil {
			e.log.Error().Err(err).Str("command_id", item.commandID).Msg("dispatch transition failed")
			return
		}

		heap.Pop(&aq.pending)
		delete(aq.byID, item.commandID)

		if !ok {
			// Lost the CAS: the command was cancelled under us.
			continue
		}

		err = aq.session.SendFrame(protocol.TypeCommand, protocol.CommandPayload{
			CommandID:      item.commandID,
			Command:        item.command,
			TimeoutSeconds: item.timeoutSeconds,
			Priority:       item.priority,
		})
		if err != nil {
			// Session is going away. Put the command back; the CAS guarantees
			// the frame was never handed to the transport.
			if reverted, rerr := e.store.Transition(item.commandID,
				[]CommandStatus{StatusSent}, StatusPending, nil); rerr != nil || !reverted {
				e.log.Error().Err(rerr).Str("command_id", item.commandID).Msg("failed to requeue after send error")
			} else {
				e.pushLocked(aq, &Command{
					CommandID:      item.commandID,
					AgentID:        aq.agentID,
					Command:        item.command,
					TimeoutSeconds: item.timeoutSeconds,
					Priority:       item.priority,
					CreatedAt:      item.createdAt,
				})
			}
			e.metrics.QueueDepth.WithLabelValues(aq.agentID).Set(float64(aq.pending.Len()))
			return
		}

		// Handed to the session writer.
		if _, err := e.store.Transition(item.commandID,
			[]CommandStatus{StatusSent}, StatusExecuting, nil); err != nil {
			e.log.Error().Err(err).Str("command_id", item.commandID).Msg("executing transition failed")
		}

		deadline := time.Now().
			Add(time.Duration(item.timeoutSeconds) * time.Second).
			Add(e.cfg.ResultGrace)
		aq.inflight[item.commandID] = &inflightEntry{commandID: item.commandID, deadline: deadline}

		e.log.Debug().
			Str("agent", aq.agentID).
			Str("command_id", item.commandID).
			Time("deadline", deadline).
			Msg("command dispatched")
	}
	e.metrics.QueueDepth.WithLabelValues(aq.agentID).Set(float64(aq.pending.Len()))
}

// QueueSnapshot describes one agent's queue for the REST API.
type QueueSnapshot struct {
	AgentID  string   `json:"agent_id"`
	Pending  int      `json:"pending"`
	InFlight []string `json:"in_flight"`
	Online   bool     `json:"online"`
}

// Snapshot returns the live queue state for an agent.
func (e *Engine) Snapshot(agentID string) QueueSnapshot {
	aq := e.queue(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	inflight := make([]string, 0, len(aq.inflight))
	for id := range aq.inflight {
		inflight = append(inflight, id)
	}
	return QueueSnapshot{
		AgentID:  agentID,
		Pending:  aq.pending.Len(),
		InFlight: inflight,
		Online:   aq.session != nil,
	}
}

// Shutdown stops all dispatch loops and waits for them to exit.
func (e *Engine) Shutdown() {
	e.cancel()
	e.mu.Lock()
	for _, aq := range e.queues {
		aq.wakeup()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
