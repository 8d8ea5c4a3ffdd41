// Package runloop implements the agent run loop: the state machine that
// drives one conversation through repeated provider streaming calls and
// tool-dispatch batches until it completes, fails, or is canceled.
package runloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/homie-roci/roci-agent/internal/telemetry"
	"github.com/homie-roci/roci-agent/pkg/models"
)

// RunRequest is the immutable input to a run (§3).
type RunRequest struct {
	ModelID          string
	Messages         []models.AgentMessage
	Settings         GenerationSettings
	Tools            []Tool
	ApprovalPolicy   ApprovalPolicy
	Approval         ApprovalFunc
	Hooks            Hooks
	Compaction       *CompactionConfig
	Transport        string
	MaxRetryDelayMs  int
	RunSink          RunLifecycleSink
	AgentSink        AgentEventSink
	Metadata         map[string]string
	Executor         ExecutorConfig
	ToolConfig       map[string]ToolConfig

	// Logger, Metrics, and Tracer are the run loop's ambient observability
	// stack. Nil fields are replaced with no-op implementations so a caller
	// that doesn't care about telemetry never has to construct one.
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// RunResult is the outcome of a run (§3).
type RunResult struct {
	Status   models.RunStatus
	Messages []models.AgentMessage
	Usage    Usage
	Error    string
}

// RunState owns one conversation: its message history, cancel token, and
// every collaborator the §4.1 per-iteration algorithm needs. It is created
// by Runner.start, mutated only by its own driver goroutine, and discarded
// once the result reaches RunHandle.wait.
type RunState struct {
	id       string
	request  RunRequest
	provider ModelProvider
	limits   RunnerLimits
	retry    RetryPolicy

	messages []models.AgentMessage
	root     *CancelToken

	registry   *ToolRegistry
	approval   *ApprovalChecker
	dispatcher *Dispatcher
	emitter    *EventEmitter

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	iterationsUsed       int
	extensionsGranted    int
	toolFailuresObserved int

	// The following hooks let the Agent Runtime wrapper (§4.8) participate
	// in the loop without RunState knowing about queues or drain modes. A
	// bare RunState used standalone leaves them nil.

	// IterationBoundary is consulted at step 9 of each iteration and
	// returns steering messages to append before the next provider call.
	IterationBoundary func() []models.AgentMessage

	// BeforeToolDispatch is consulted just before step 7 dispatches a
	// batch; returning true means a steering message requested
	// SkipRemainingTools, so the batch is abandoned and its results
	// synthesized as canceled rather than executed.
	BeforeToolDispatch func(calls []models.ToolCall) bool

	// FollowUpDrain is consulted when the inner loop would otherwise end
	// (no tool calls in the final assistant turn). Returning ok=true
	// appends the returned messages and continues the loop.
	FollowUpDrain func() (messages []models.AgentMessage, ok bool)

	progress progressTracker
}

// progressTracker holds the small slice of RunState fields a caller on
// another goroutine (the Agent Runtime wrapper's Snapshot) may read safely
// while the driver goroutine is running: turn index, message count, and
// whether a provider stream is currently in flight.
type progressTracker struct {
	mu           sync.Mutex
	turnIndex    int
	messageCount int
	streaming    bool
}

func (p *progressTracker) setTurn(i int) {
	p.mu.Lock()
	p.turnIndex = i
	p.mu.Unlock()
}

func (p *progressTracker) setMessageCount(n int) {
	p.mu.Lock()
	p.messageCount = n
	p.mu.Unlock()
}

func (p *progressTracker) setStreaming(v bool) {
	p.mu.Lock()
	p.streaming = v
	p.mu.Unlock()
}

func (p *progressTracker) read() (turnIndex, messageCount int, streaming bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnIndex, p.messageCount, p.streaming
}

// Progress returns the run's live turn index, message count, and streaming
// flag, safe to call from a goroutine other than the driver.
func (s *RunState) Progress() (turnIndex, messageCount int, streaming bool) {
	return s.progress.read()
}

// NewRunState builds the state for one run. env is the environment snapshot
// resolve_limits uses; pass nil to fall through straight to defaults.
func NewRunState(request RunRequest, provider ModelProvider, env map[string]string, parent *CancelToken) (*RunState, error) {
	if request.ModelID == "" {
		return nil, fmt.Errorf("runloop: RunRequest.ModelID is required")
	}

	registry := NewToolRegistry()
	for _, tool := range request.Tools {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}

	var root *CancelToken
	if parent != nil {
		root = parent.Child()
	} else {
		root = NewCancelToken()
	}

	runID := uuid.NewString()
	emitter := NewEventEmitter(runID, request.AgentSink, request.RunSink)
	approval := NewApprovalChecker(request.ApprovalPolicy, request.Approval)

	logger := request.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	metrics := request.Metrics
	if metrics == nil {
		metrics = telemetry.NewNopMetrics()
	}
	tracer := request.Tracer
	if tracer == nil {
		tracer = telemetry.NewNopTracer()
	}

	dispatcher := NewDispatcher(registry, approval, request.Hooks, emitter)
	dispatcher.TelemetryMetrics = metrics
	dispatcher.Tracer = tracer
	if request.Executor != (ExecutorConfig{}) {
		dispatcher.Config = request.Executor
	}
	for name, cfg := range request.ToolConfig {
		dispatcher.ConfigureTool(name, cfg)
	}

	retry := DefaultRetryPolicy()
	if request.MaxRetryDelayMs > 0 {
		retry.MaxRetryDelayMs = request.MaxRetryDelayMs
		// The same override caps transient Network/Timeout backoff too,
		// per §4.6's "max_retry_delay_ms or 5s" cap — a caller asking for a
		// lower rate-limit ceiling gets that ceiling honored for transient
		// backoff as well, not just rate-limit retries.
		if ceilingMs := float64(request.MaxRetryDelayMs); ceilingMs < retry.Backoff.MaxMs {
			retry.Backoff.MaxMs = ceilingMs
		}
	}

	return &RunState{
		id:         runID,
		request:    request,
		provider:   provider,
		limits:     ResolveLimits(request.Metadata, env),
		retry:      retry,
		messages:   append([]models.AgentMessage(nil), request.Messages...),
		root:       root,
		registry:   registry,
		approval:   approval,
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
	}, nil
}

// ID returns the run's identifier.
func (s *RunState) ID() string { return s.id }

// Cancel aborts the run's root token. Safe to call from any goroutine.
func (s *RunState) Cancel() { s.root.Cancel() }

// effectiveIterationLimit is the current ceiling including granted extensions.
func (s *RunState) effectiveIterationLimit() int {
	return s.limits.MaxIterations + s.extensionsGranted*s.limits.IterationExtension
}

// Run drives the state machine to completion, following the §4.1
// Admitted → Compacting? → Converting → Streaming → AssemblingAssistant →
// (ToolDispatching → AwaitingToolResults)? → IterationBoundary loop.
func (s *RunState) Run(ctx context.Context) RunResult {
	ctx = telemetry.WithRunID(ctx, s.id)
	s.emitter.AgentStart(s.request.ModelID)
	s.metrics.RunStarted(s.request.ModelID)
	s.logger.Info(ctx, "run started", "model_id", s.request.ModelID)

	for {
		if s.root.Canceled() {
			return s.finish(ctx, models.RunStatusCanceled, "")
		}

		result, done := s.iterate(ctx)
		if done {
			return result
		}
	}
}

// iterate runs exactly one loop body. done is true once a terminal result is
// ready; result is only meaningful when done is true.
func (s *RunState) iterate(ctx context.Context) (RunResult, bool) {
	s.emitter.TurnStart(s.iterationsUsed)
	s.metrics.IterationsTotal.WithLabelValues(s.request.ModelID).Inc()
	s.progress.setTurn(s.iterationsUsed)
	s.progress.setMessageCount(len(s.messages))

	ctx, span := s.tracer.StartIteration(ctx, s.id, s.iterationsUsed)
	defer span.End()

	// 1. Budget check, with silent iteration-extension grants (§4.1.4).
	if s.iterationsUsed >= s.effectiveIterationLimit() {
		if !s.grantExtensionIfProgressing() {
			return s.finish(ctx, models.RunStatusFailed, "iteration limit exceeded"), true
		}
	}

	// 2. Auto-compaction.
	if s.request.Compaction != nil {
		if should, estimate := s.request.Compaction.ShouldCompact(s.messages); should {
			replacement, err := RunCompaction(ctx, *s.request.Compaction, s.emitter, s.request.Hooks.Compaction, s.messages, estimate, s.root)
			if s.root.Canceled() {
				return s.finish(ctx, models.RunStatusCanceled, ""), true
			}
			if err != nil {
				return s.finish(ctx, models.RunStatusFailed, err.Error()), true
			}
			s.messages = replacement
		}
	}

	// 3. Convert.
	modelMessages := s.request.Hooks.Project(s.messages)
	for _, m := range modelMessages {
		if !m.Role.Valid() {
			return s.finish(ctx, models.RunStatusFailed, fmt.Sprintf("invalid message role %q after projection", m.Role)), true
		}
	}

	// 4 & 5. Stream + assemble, including retry policy.
	assistant, usage, err := s.streamWithRetry(ctx, modelMessages)
	if err != nil {
		if s.root.Canceled() {
			return s.finish(ctx, models.RunStatusCanceled, ""), true
		}
		return s.finish(ctx, models.RunStatusFailed, err.Error()), true
	}
	_ = usage

	// 6. Finalize assistant message.
	s.messages = append(s.messages, assistant)
	s.progress.setMessageCount(len(s.messages))
	calls := assistant.ToolCalls()

	if len(calls) == 0 {
		if s.FollowUpDrain != nil {
			if extra, ok := s.FollowUpDrain(); ok {
				s.messages = append(s.messages, extra...)
				s.iterationsUsed++
				return RunResult{}, false
			}
		}
		return s.finish(ctx, models.RunStatusCompleted, ""), true
	}

	// 7. Tool dispatch, unless a steering message asked to skip the batch.
	var results []models.ToolResult
	var cancelErr error
	if s.BeforeToolDispatch != nil && s.BeforeToolDispatch(calls) {
		results = make([]models.ToolResult, len(calls))
		for i, c := range calls {
			results[i] = models.ErrorResult(c.ID, "canceled")
		}
	} else {
		results, cancelErr = s.dispatcher.Dispatch(ctx, calls, s.root)
	}
	resultParts := make([]models.Part, len(results))
	for i, r := range results {
		resultParts[i] = models.ToolResultPart(r)
	}
	s.messages = append(s.messages, models.AgentMessage{Role: models.RoleTool, Parts: resultParts})
	s.progress.setMessageCount(len(s.messages))
	s.emitter.TurnEnd(s.iterationsUsed, results)

	if cancelErr != nil || s.root.Canceled() {
		return s.finish(ctx, models.RunStatusCanceled, ""), true
	}

	// 8. Failure accounting.
	for _, r := range results {
		if r.IsError {
			s.toolFailuresObserved++
		}
	}
	if s.toolFailuresObserved >= s.limits.MaxToolFailures {
		return s.finish(ctx, models.RunStatusFailed, "tool failure budget exhausted"), true
	}

	// 9. Iteration boundary.
	s.iterationsUsed++
	if s.IterationBoundary != nil {
		s.messages = append(s.messages, s.IterationBoundary()...)
	}

	return RunResult{}, false
}

// grantExtensionIfProgressing implements §4.1.4: an extension is granted
// only when the last assistant turn contained tool calls and the extension
// budget is not exhausted.
func (s *RunState) grantExtensionIfProgressing() bool {
	if s.extensionsGranted >= s.limits.MaxIterationExtensions {
		return false
	}
	if !s.lastAssistantHadToolCalls() {
		return false
	}
	s.extensionsGranted++
	return true
}

func (s *RunState) lastAssistantHadToolCalls() bool {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleAssistant {
			return len(s.messages[i].ToolCalls()) > 0
		}
	}
	return false
}

// Messages returns a copy of the run's current history.
func (s *RunState) Messages() []models.AgentMessage {
	return append([]models.AgentMessage(nil), s.messages...)
}

func (s *RunState) finish(ctx context.Context, status models.RunStatus, errMsg string) RunResult {
	s.emitter.AgentEnd(status, errMsg)
	s.metrics.RunFinished(s.request.ModelID, string(status))
	if errMsg != "" {
		s.logger.Error(ctx, "run finished", "model_id", s.request.ModelID, "status", string(status), "error", errMsg)
	} else {
		s.logger.Info(ctx, "run finished", "model_id", s.request.ModelID, "status", string(status))
	}
	return RunResult{
		Status:   status,
		Messages: s.Messages(),
		Error:    errMsg,
	}
}
