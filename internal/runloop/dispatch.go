package runloop

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/homie-roci/roci-agent/internal/telemetry"
	"github.com/homie-roci/roci-agent/pkg/models"
)

// ToolConfig holds per-tool overrides for timeout, retries, and dispatch
// priority, falling back to the Dispatcher's ExecutorConfig defaults when
// unset. Mirrors internal/agent/executor.go's ToolConfig (SPEC_FULL
// supplemented feature 1).
type ToolConfig struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Priority     int
}

// ExecutorConfig bounds the Dispatcher's defaults when a tool does not
// declare its own timeout and has no per-tool ToolConfig override.
type ExecutorConfig struct {
	DefaultTimeout  time.Duration
	DefaultRetries  int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig mirrors internal/agent/executor.go's DefaultExecutorConfig.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout:  0, // unbounded unless a tool or ToolConfig says otherwise, per §4.2 step 7
		DefaultRetries:  0,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ExecutorMetrics accumulates dispatch outcomes for one run, mirroring
// internal/agent/executor.go's ExecutorMetrics (SPEC_FULL supplemented
// feature 2). Surfaced through the telemetry metrics sink by the run driver.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

func (m *ExecutorMetrics) incExecutions() { m.mu.Lock(); m.TotalExecutions++; m.mu.Unlock() }
func (m *ExecutorMetrics) incRetries()    { m.mu.Lock(); m.TotalRetries++; m.mu.Unlock() }
func (m *ExecutorMetrics) incFailures()   { m.mu.Lock(); m.TotalFailures++; m.mu.Unlock() }
func (m *ExecutorMetrics) incTimeouts()   { m.mu.Lock(); m.TotalTimeouts++; m.mu.Unlock() }
func (m *ExecutorMetrics) incPanics()     { m.mu.Lock(); m.TotalPanics++; m.mu.Unlock() }

// Snapshot returns a copy of the accumulated counters.
func (m *ExecutorMetrics) Snapshot() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ExecutorMetrics{
		TotalExecutions: m.TotalExecutions,
		TotalRetries:    m.TotalRetries,
		TotalFailures:   m.TotalFailures,
		TotalTimeouts:   m.TotalTimeouts,
		TotalPanics:     m.TotalPanics,
	}
}

// Dispatcher executes one assistant turn's tool calls against the §4.2
// contract: resolve, validate, approve, pre_tool_use, execute, post_tool_use,
// preserving call order in the returned results regardless of which calls
// ran concurrently.
type Dispatcher struct {
	Registry   *ToolRegistry
	Approval   *ApprovalChecker
	Hooks      Hooks
	Config     ExecutorConfig
	ToolConfig map[string]ToolConfig
	Metrics    *ExecutorMetrics
	Emitter    *EventEmitter

	// TelemetryMetrics and Tracer are the run loop's ambient observability
	// stack (AMBIENT STACK), surfacing per-call outcome counters and spans
	// alongside the run-local ExecutorMetrics snapshot above. Nil-safe: a
	// Dispatcher built without NewRunState leaves them nil and skips
	// telemetry emission entirely.
	TelemetryMetrics *telemetry.Metrics
	Tracer           *telemetry.Tracer
}

// NewDispatcher builds a dispatcher with default config and fresh metrics.
func NewDispatcher(registry *ToolRegistry, approval *ApprovalChecker, hooks Hooks, emitter *EventEmitter) *Dispatcher {
	return &Dispatcher{
		Registry:   registry,
		Approval:   approval,
		Hooks:      hooks,
		Config:     DefaultExecutorConfig(),
		ToolConfig: make(map[string]ToolConfig),
		Metrics:    &ExecutorMetrics{},
		Emitter:    emitter,
	}
}

// ConfigureTool installs a per-tool override, mirroring Executor.ConfigureTool.
func (d *Dispatcher) ConfigureTool(name string, cfg ToolConfig) {
	d.ToolConfig[name] = cfg
}

// dispatchRun is a maximal contiguous run of calls sharing parallel-safety.
type dispatchRun struct {
	safe  bool
	calls []indexedCall
}

type indexedCall struct {
	index int
	call  models.ToolCall
}

// Dispatch runs every call in order, grouping maximal contiguous runs of
// parallel-safe calls for concurrent execution while keeping every other
// call (and the boundary between runs) strictly sequential, per §4.2's
// scheduling rule and the causal-ordering guarantee in §5. It returns an
// error only when a call resolves to DecisionCancel, which aborts the
// entire run per §4.2 step 3.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []models.ToolCall, root *CancelToken) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, len(calls))
	for _, run := range splitRuns(calls) {
		if run.safe {
			var wg sync.WaitGroup
			errs := make([]error, len(run.calls))
			for i, ic := range run.calls {
				wg.Add(1)
				go func(i int, ic indexedCall) {
					defer wg.Done()
					res, err := d.dispatchOne(ctx, ic.call, root)
					results[ic.index] = res
					errs[i] = err
				}(i, ic)
			}
			wg.Wait()
			for _, err := range errs {
				if err != nil {
					return results, err
				}
			}
		} else {
			for _, ic := range run.calls {
				res, err := d.dispatchOne(ctx, ic.call, root)
				results[ic.index] = res
				if err != nil {
					return results, err
				}
			}
		}
	}
	return results, nil
}

func splitRuns(calls []models.ToolCall) []dispatchRun {
	var runs []dispatchRun
	for i, call := range calls {
		safe := IsParallelSafe(call.Name)
		if len(runs) > 0 && runs[len(runs)-1].safe == safe {
			runs[len(runs)-1].calls = append(runs[len(runs)-1].calls, indexedCall{i, call})
			continue
		}
		runs = append(runs, dispatchRun{safe: safe, calls: []indexedCall{{i, call}}})
	}
	return runs
}

// dispatchOne runs the full §4.2 pipeline for a single call. The returned
// error is non-nil only to signal DecisionCancel; every other failure mode
// (unknown tool, validation, decline, timeout, panic, hook error) is
// localized into the returned ToolResult.
func (d *Dispatcher) dispatchOne(ctx context.Context, call models.ToolCall, root *CancelToken) (models.ToolResult, error) {
	if d.Emitter != nil {
		d.Emitter.ToolExecutionStart(call)
	}

	result, err := d.runPipeline(ctx, call, root)

	if d.Emitter != nil {
		d.Emitter.ToolExecutionEnd(result)
	}
	return result, err
}

func (d *Dispatcher) runPipeline(ctx context.Context, call models.ToolCall, root *CancelToken) (models.ToolResult, error) {
	// 1. Resolve.
	tool, ok := d.Registry.Get(call.Name)
	if !ok {
		return models.ErrorResult(call.ID, "unknown tool"), nil
	}

	// 2. Validate arguments.
	if err := ValidateArgs(tool.Schema(), call.Args); err != nil {
		return models.ErrorResult(call.ID, err.Error()), nil
	}

	// 3. Approval.
	if d.Approval != nil {
		decision, err := d.Approval.Check(ctx, call.Name, call.ID, call.Args)
		if err != nil {
			return models.ErrorResult(call.ID, fmt.Sprintf("approval failed: %v", err)), nil
		}
		switch decision {
		case DecisionDecline:
			return models.ErrorResult(call.ID, "declined by user"), nil
		case DecisionCancel:
			root.Cancel()
			return models.ErrorResult(call.ID, "canceled"), context.Canceled
		}
	}

	// 4. pre_tool_use hook.
	if d.Hooks.PreToolUse != nil {
		newCall, synthetic, err := d.Hooks.PreToolUse(ctx, call)
		if err != nil {
			return models.ErrorResult(call.ID, fmt.Sprintf("pre_tool_use hook failed: %v", err)), nil
		}
		if synthetic != nil {
			return *synthetic, nil
		}
		call = newCall
	}

	// 5. Execute, with panic containment and per-tool timeout.
	result := d.execute(ctx, tool, call, root)

	// 6. post_tool_use hook.
	if d.Hooks.PostToolUse != nil {
		augmented, err := d.Hooks.PostToolUse(ctx, result)
		if err != nil {
			return models.ErrorResult(call.ID, fmt.Sprintf("post_tool_use hook failed: %v", err)), nil
		}
		result = augmented
	}

	return result, nil
}

// execute runs tool.Execute, retrying up to the tool's configured attempt
// count on a retryable failure (timeout, network-shaped, rate-limit-shaped
// error text), mirroring internal/agent/executor.go's Execute: one trace
// span and one TotalExecutions increment for the whole call, one
// TotalRetries increment per attempt beyond the first.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, call models.ToolCall, root *CancelToken) (result models.ToolResult) {
	d.Metrics.incExecutions()

	if d.Tracer != nil {
		var span trace.Span
		ctx, span = d.Tracer.StartToolExecution(ctx, call.Name, call.ID)
		defer func() {
			if result.IsError {
				d.Tracer.RecordError(span, fmt.Errorf("%s", result.Payload))
			}
			span.End()
		}()
	}

	maxRetries, initialBackoff := d.retryConfigFor(call.Name)

	for attempt := 0; ; attempt++ {
		res, retryable := d.attemptExecute(ctx, tool, call, root)
		if !retryable || attempt >= maxRetries {
			return res
		}

		d.Metrics.incRetries()
		delay := initialBackoff * time.Duration(uint(1)<<uint(attempt))
		if delay > d.Config.MaxRetryBackoff {
			delay = d.Config.MaxRetryBackoff
		}
		if err := d.sleepBeforeRetry(ctx, root, delay); err != nil {
			return res
		}
	}
}

// attemptExecute runs one attempt of tool.Execute under a panic-contained,
// timeout-bounded goroutine, returning the ToolResult for this attempt and
// whether a retry should be considered. A per-tool timeout, or a plain
// execution error whose text looks transient (timeout/network/rate-limit
// shaped), is retryable; panics and run-level cancellation never are.
func (d *Dispatcher) attemptExecute(ctx context.Context, tool Tool, call models.ToolCall, root *CancelToken) (models.ToolResult, bool) {
	child := root.Child()
	defer child.Cancel()

	timeout := d.timeoutFor(tool, call.Name)
	execCtx := ctx
	var cancelCtx context.CancelFunc
	if timeout > 0 {
		execCtx, cancelCtx = context.WithTimeout(ctx, timeout)
		defer cancelCtx()
	}

	type outcome struct {
		payload  json.RawMessage
		err      error
		panicked bool
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.Metrics.incPanics()
				done <- outcome{panicked: true, err: &ToolError{
					ToolName:   call.Name,
					ToolCallID: call.ID,
					Message:    fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
				}}
			}
		}()
		payload, err := tool.Execute(execCtx, call.Args, child)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			d.Metrics.incFailures()
			d.recordOutcome(call.Name, "error")
			retryable := !out.panicked && isTransientToolError(out.err)
			return models.ErrorResult(call.ID, out.err.Error()), retryable
		}
		d.recordOutcome(call.Name, "success")
		return models.ToolResult{ToolCallID: call.ID, Payload: out.payload}, false
	case <-execCtx.Done():
		if timeout > 0 {
			d.Metrics.incTimeouts()
			d.recordOutcome(call.Name, "timeout")
			return models.ErrorResult(call.ID, "tool timeout"), true
		}
		d.Metrics.incFailures()
		d.recordOutcome(call.Name, "error")
		return models.ErrorResult(call.ID, execCtx.Err().Error()), false
	case <-root.Done():
		d.Metrics.incFailures()
		d.recordOutcome(call.Name, "canceled")
		return models.ErrorResult(call.ID, "canceled"), false
	}
}

// isTransientToolError classifies a plain tool execution error as
// retryable from its message text, mirroring
// internal/agent/errors.go's classifyToolError/IsToolRetryable pattern
// narrowed to the shapes that error type treats as retryable (timeout,
// network, rate limit).
func isTransientToolError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"),
		strings.Contains(msg, "dns"), strings.Contains(msg, "refused"), strings.Contains(msg, "unreachable"):
		return true
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return true
	default:
		return false
	}
}

// sleepBeforeRetry waits delay before the next attempt, returning early
// with an error if ctx or root cancels first.
func (d *Dispatcher) sleepBeforeRetry(ctx context.Context, root *CancelToken, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-root.Done():
		return context.Canceled
	}
}

// recordOutcome surfaces a dispatch outcome through the telemetry metrics
// sink, complementing the run-local ExecutorMetrics snapshot with the
// process-wide Prometheus counters a caller scrapes.
func (d *Dispatcher) recordOutcome(toolName, outcome string) {
	if d.TelemetryMetrics != nil {
		d.TelemetryMetrics.ToolExecuted(toolName, outcome)
	}
}

func (d *Dispatcher) timeoutFor(tool Tool, name string) time.Duration {
	if cfg, ok := d.ToolConfig[name]; ok && cfg.Timeout > 0 {
		return cfg.Timeout
	}
	if t, ok := tool.(ToolTimeout); ok {
		if to := t.Timeout(); to > 0 {
			return to
		}
	}
	return d.Config.DefaultTimeout
}

// retryConfigFor resolves the retry attempt count and initial backoff for
// one tool call, falling back to the Dispatcher's ExecutorConfig defaults
// when no per-tool ToolConfig override is set, mirroring executor.go's
// Execute reading tc.Retries/tc.RetryBackoff ahead of e.config's defaults.
func (d *Dispatcher) retryConfigFor(name string) (maxRetries int, initialBackoff time.Duration) {
	maxRetries = d.Config.DefaultRetries
	initialBackoff = d.Config.RetryBackoff
	if cfg, ok := d.ToolConfig[name]; ok {
		if cfg.Retries > 0 {
			maxRetries = cfg.Retries
		}
		if cfg.RetryBackoff > 0 {
			initialBackoff = cfg.RetryBackoff
		}
	}
	return maxRetries, initialBackoff
}
