// Package agentruntime implements the Agent Runtime: the outer wrapper
// described in spec §2 component 8 and §4.8 that holds a persistent message
// history across runs and layers steering/follow-up queues on top of the
// core run loop in internal/runloop.
package agentruntime

import (
	"context"
	"sort"
	"sync"

	"github.com/homie-roci/roci-agent/internal/runloop"
	"github.com/homie-roci/roci-agent/pkg/models"
)

// State is the Agent Runtime's coarse observable state (§3 AgentRuntime state).
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateAborting State = "aborting"
)

// QueueDrainMode controls whether a queue empties entirely at the next
// boundary or hands over one message at a time (§4.8, §9).
type QueueDrainMode string

const (
	DrainAll         QueueDrainMode = "all"
	DrainOneAtATime  QueueDrainMode = "one_at_a_time"
)

// SteeringMessage is injected between turns to redirect behavior without
// starting a new run. Priority breaks ties when DrainAll flushes several at
// once (descending priority, enqueue order for ties); SkipRemainingTools
// additionally requests that any tool calls still pending in the run's
// current batch be abandoned rather than waited on (SPEC_FULL supplemented
// feature 9, grounded on internal/agent/steering.go's SteeringMessage).
type SteeringMessage struct {
	Text               string
	Priority           int
	SkipRemainingTools bool

	seq int // enqueue order, assigned internally for stable tie-breaking
}

// FollowUpMessage is enqueued to be consumed when the inner loop would
// otherwise end with no pending tool calls.
type FollowUpMessage struct {
	Text     string
	Priority int

	seq int
}

// Snapshot is a point-in-time read of the runtime's state (§4.8 Observability).
type Snapshot struct {
	State        State
	TurnIndex    int
	MessageCount int
	IsStreaming  bool
	LastError    string
}

// Options configures an AgentRuntime.
type Options struct {
	// Template is reused as the base RunRequest for every run the runtime
	// starts (model, tools, hooks, approval policy, sinks, ...); its
	// Messages field is ignored — the runtime's own history is substituted.
	Template runloop.RunRequest

	SteeringDrainMode QueueDrainMode
	FollowUpDrainMode QueueDrainMode
}

// AgentRuntime wraps internal/runloop.Runner with persistent history and the
// steering/follow-up queues described in §4.8.
type AgentRuntime struct {
	runner   *runloop.Runner
	template runloop.RunRequest

	mu        sync.Mutex
	messages  []models.AgentMessage
	state     State
	lastError string

	steering []*SteeringMessage
	followUp []*FollowUpMessage
	steerSeq int
	followSeq int

	steeringMode QueueDrainMode
	followUpMode QueueDrainMode

	activeCancel *runloop.CancelToken
	activeHandle *runloop.RunHandle

	broadcast broadcaster
}

// New builds an idle AgentRuntime bound to runner, using opts.Template as
// the base for every run it starts.
func New(runner *runloop.Runner, opts Options) *AgentRuntime {
	steeringMode := opts.SteeringDrainMode
	if steeringMode == "" {
		steeringMode = DrainOneAtATime
	}
	followUpMode := opts.FollowUpDrainMode
	if followUpMode == "" {
		followUpMode = DrainOneAtATime
	}
	return &AgentRuntime{
		runner:       runner,
		template:     opts.Template,
		state:        StateIdle,
		steeringMode: steeringMode,
		followUpMode: followUpMode,
	}
}

// Prompt appends a user message to history and drives a run to completion,
// returning the run's result. It blocks until the run terminates.
func (a *AgentRuntime) Prompt(ctx context.Context, text string) (runloop.RunResult, error) {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return runloop.RunResult{}, runloop.ErrRunNotIdle
	}
	a.messages = append(a.messages, models.UserText(text))
	a.mu.Unlock()
	return a.runFromHistory(ctx)
}

// ContinueRun drives a new run from the current history without appending a
// new user message, e.g. after external history mutation or a prior
// Completed run whose follow-up queue was populated afterward.
func (a *AgentRuntime) ContinueRun(ctx context.Context) (runloop.RunResult, error) {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return runloop.RunResult{}, runloop.ErrRunNotIdle
	}
	a.mu.Unlock()
	return a.runFromHistory(ctx)
}

func (a *AgentRuntime) runFromHistory(ctx context.Context) (runloop.RunResult, error) {
	a.mu.Lock()
	a.state = StateRunning
	cancel := runloop.NewCancelToken()
	a.activeCancel = cancel
	request := a.template
	request.Messages = append([]models.AgentMessage(nil), a.messages...)
	a.mu.Unlock()
	a.broadcast.notify()

	handle, err := a.runner.Start(ctx, request, cancel, func(s *runloop.RunState) {
		s.IterationBoundary = a.drainSteering
		s.BeforeToolDispatch = a.shouldSkipRemainingTools
		s.FollowUpDrain = a.drainFollowUp
	})
	if err != nil {
		a.mu.Lock()
		a.state = StateIdle
		a.mu.Unlock()
		a.broadcast.notify()
		return runloop.RunResult{}, err
	}

	a.mu.Lock()
	a.activeHandle = handle
	a.mu.Unlock()

	result, err := handle.Wait(ctx)

	a.mu.Lock()
	a.messages = result.Messages
	switch result.Status {
	case models.RunStatusCompleted:
		a.lastError = ""
	case models.RunStatusFailed:
		a.lastError = result.Error
		// retained on Canceled, per SPEC_FULL's Open Question decision.
	}
	a.state = StateIdle
	a.activeCancel = nil
	a.activeHandle = nil
	a.mu.Unlock()
	a.broadcast.notify()

	return result, err
}

// Steer enqueues a plain-text steering message at default priority.
func (a *AgentRuntime) Steer(text string) { a.SteerMessage(SteeringMessage{Text: text}) }

// SteerMessage enqueues a steering message, drained at the next iteration
// boundary of the active run (or the next run admitted, if none is active).
func (a *AgentRuntime) SteerMessage(msg SteeringMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg.seq = a.steerSeq
	a.steerSeq++
	a.steering = append(a.steering, &msg)
}

// FollowUp enqueues a plain-text follow-up message at default priority.
func (a *AgentRuntime) FollowUp(text string) { a.FollowUpMessage(FollowUpMessage{Text: text}) }

// FollowUpMessage enqueues a follow-up message, consumed when the inner loop
// would otherwise end.
func (a *AgentRuntime) FollowUpMessage(msg FollowUpMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg.seq = a.followSeq
	a.followSeq++
	a.followUp = append(a.followUp, &msg)
}

// Abort requests cancellation of the active run, if any. Returns true when
// a signal was newly sent, false if idle or already aborting.
func (a *AgentRuntime) Abort() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateRunning || a.activeCancel == nil {
		return false
	}
	a.state = StateAborting
	a.activeCancel.Cancel()
	a.broadcast.notify()
	return true
}

// Reset aborts any active run, waits for Idle, then clears history, both
// queues, and last_error.
func (a *AgentRuntime) Reset(ctx context.Context) error {
	a.mu.Lock()
	handle := a.activeHandle
	a.mu.Unlock()

	if handle != nil {
		a.Abort()
		if _, err := handle.Wait(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.messages = nil
	a.steering = nil
	a.followUp = nil
	a.lastError = ""
	a.state = StateIdle
	a.mu.Unlock()
	a.broadcast.notify()
	return nil
}

// Snapshot returns a synchronous point-in-time read of the runtime's state.
func (a *AgentRuntime) Snapshot() Snapshot {
	a.mu.Lock()
	handle := a.activeHandle
	snap := Snapshot{
		State:        a.state,
		MessageCount: len(a.messages),
		LastError:    a.lastError,
	}
	a.mu.Unlock()

	if handle != nil {
		turn, count, streaming := handle.Progress()
		snap.TurnIndex = turn
		snap.MessageCount = count
		snap.IsStreaming = streaming
	}
	return snap
}

// WatchState returns the current state and a channel that receives a signal
// every time the state (or any Snapshot field) changes; callers re-read
// Snapshot()/State() after each signal rather than receiving values
// directly, mirroring the cancel-token idiom used throughout runloop.
func (a *AgentRuntime) WatchState() (State, <-chan struct{}) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	return state, a.broadcast.subscribe()
}

// WatchSnapshot is WatchState with the full Snapshot as the initial value.
func (a *AgentRuntime) WatchSnapshot() (Snapshot, <-chan struct{}) {
	return a.Snapshot(), a.broadcast.subscribe()
}

// drainSteering implements the §4.8 steering-queue boundary: pop messages
// per a.steeringMode, highest priority first with enqueue order breaking
// ties, and project them to user AgentMessages.
func (a *AgentRuntime) drainSteering() []models.AgentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.steering) == 0 {
		return nil
	}

	sortByPriority(a.steering)

	var taken []*SteeringMessage
	if a.steeringMode == DrainAll {
		taken = a.steering
		a.steering = nil
	} else {
		taken = a.steering[:1]
		a.steering = a.steering[1:]
	}

	out := make([]models.AgentMessage, 0, len(taken))
	for _, m := range taken {
		out = append(out, models.UserText(m.Text))
	}
	return out
}

// shouldSkipRemainingTools peeks the steering queue (without draining it)
// for a pending SkipRemainingTools request.
func (a *AgentRuntime) shouldSkipRemainingTools(_ []models.ToolCall) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.steering {
		if m.SkipRemainingTools {
			return true
		}
	}
	return false
}

// drainFollowUp implements the §4.8 follow-up queue consulted when the inner
// loop would otherwise end.
func (a *AgentRuntime) drainFollowUp() ([]models.AgentMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.followUp) == 0 {
		return nil, false
	}

	sortFollowUpByPriority(a.followUp)

	var taken []*FollowUpMessage
	if a.followUpMode == DrainAll {
		taken = a.followUp
		a.followUp = nil
	} else {
		taken = a.followUp[:1]
		a.followUp = a.followUp[1:]
	}

	out := make([]models.AgentMessage, 0, len(taken))
	for _, m := range taken {
		out = append(out, models.UserText(m.Text))
	}
	return out, true
}

func sortByPriority(messages []*SteeringMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Priority != messages[j].Priority {
			return messages[i].Priority > messages[j].Priority
		}
		return messages[i].seq < messages[j].seq
	})
}

func sortFollowUpByPriority(messages []*FollowUpMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Priority != messages[j].Priority {
			return messages[i].Priority > messages[j].Priority
		}
		return messages[i].seq < messages[j].seq
	})
}

// broadcaster is a minimal change-notification primitive: each Subscribe
// call returns a fresh buffered channel that receives a non-blocking signal
// on every Notify, mirroring the broadcast-close idiom runloop.CancelToken
// uses for cancellation, but repeating (one signal per change) rather than
// firing once.
type broadcaster struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (b *broadcaster) subscribe() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, 1)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *broadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
