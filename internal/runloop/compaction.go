package runloop

import (
	"context"
	"fmt"
	"time"

	"github.com/homie-roci/roci-agent/pkg/models"
)

// TokenEstimator estimates the token count of a conversation. CharEstimator
// is the default (≈4 chars/token); a provider-supplied precise counter can
// be substituted without touching the state machine.
type TokenEstimator interface {
	Estimate(messages []models.AgentMessage) TokenEstimate
}

// TokenEstimate carries both the estimate and the character count it was
// derived from, so callers can log/report the diagnostic, not just the
// boolean trigger decision.
type TokenEstimate struct {
	Tokens int
	Chars  int
}

// CharEstimator approximates token count from character count at a fixed
// ratio. It never panics on empty input.
type CharEstimator struct {
	CharsPerToken int // defaults to 4 when zero
}

func (e CharEstimator) Estimate(messages []models.AgentMessage) TokenEstimate {
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	chars := 0
	for _, m := range messages {
		for _, p := range m.Parts {
			chars += len(p.Text)
			if p.ToolCall != nil {
				chars += len(p.ToolCall.Args)
			}
			if p.ToolResult != nil {
				chars += len(p.ToolResult.Payload)
			}
		}
	}
	return TokenEstimate{Tokens: chars / ratio, Chars: chars}
}

// CompactionConfig configures the auto-compaction trigger for one run.
type CompactionConfig struct {
	ReserveTokens int
	ContextLength int
	Estimator     TokenEstimator

	// ConfirmationTimeout bounds how long RunCompaction waits on the hook
	// before giving up on this turn, mirroring the teacher's
	// CompactionAwaitingConfirm/ConfirmationTimeout confirmation window.
	// Zero disables the window: RunCompaction blocks on the hook until it
	// returns or the run's cancel token fires.
	ConfirmationTimeout time.Duration

	// AutoCompactOnTimeout decides what happens when ConfirmationTimeout
	// elapses before the hook returns. true (the teacher's default)
	// proceeds the turn with the run's current, uncompacted history rather
	// than blocking forever; false fails the run with a CompactionError.
	AutoCompactOnTimeout bool
}

// DefaultCompactionConfig mirrors the teacher's DefaultCompactionConfig's
// confirmation-window defaults, leaving ReserveTokens/ContextLength/
// Estimator for the caller to set since those are model-specific.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		ConfirmationTimeout:  5 * time.Minute,
		AutoCompactOnTimeout: true,
	}
}

func (c CompactionConfig) estimator() TokenEstimator {
	if c.Estimator != nil {
		return c.Estimator
	}
	return CharEstimator{}
}

// ShouldCompact reports whether the estimated token count plus the
// configured reserve exceeds the model's context length (§4.4).
func (c CompactionConfig) ShouldCompact(messages []models.AgentMessage) (bool, TokenEstimate) {
	estimate := c.estimator().Estimate(messages)
	return estimate.Tokens+c.ReserveTokens > c.ContextLength, estimate
}

// RunCompaction invokes the compaction hook with a child cancel token,
// wrapping a nil error result as a no-op and any hook error as a
// CompactionError with the spec's pinned "compaction failed: <inner>" text.
// It emits a CompactionStarted lifecycle notice before invoking the hook.
// When cfg.ConfirmationTimeout is positive, it races the hook against that
// window: a hook still
// running when it elapses either proceeds the turn with the original,
// uncompacted history (AutoCompactOnTimeout true) or fails the run
// (AutoCompactOnTimeout false), in both cases without blocking further.
func RunCompaction(ctx context.Context, cfg CompactionConfig, emitter *EventEmitter, hook CompactionHook, messages []models.AgentMessage, estimate TokenEstimate, parent *CancelToken) ([]models.AgentMessage, error) {
	if hook == nil {
		return messages, nil
	}
	child := parent.Child()
	defer child.Cancel()

	if cfg.ConfirmationTimeout <= 0 {
		if emitter != nil {
			emitter.CompactionStarted(estimate.Tokens, false)
		}
		replacement, err := hook(ctx, messages, child)
		return finishCompaction(messages, replacement, err)
	}

	if emitter != nil {
		emitter.CompactionStarted(estimate.Tokens, true)
	}

	type outcome struct {
		messages []models.AgentMessage
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		m, err := hook(ctx, messages, child)
		done <- outcome{messages: m, err: err}
	}()

	timer := time.NewTimer(cfg.ConfirmationTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return finishCompaction(messages, out.messages, out.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-parent.Done():
		return nil, &CompactionError{Cause: context.Canceled}
	case <-timer.C:
		if cfg.AutoCompactOnTimeout {
			return messages, nil
		}
		return nil, &CompactionError{Cause: fmt.Errorf("confirmation window of %s elapsed before the hook returned", cfg.ConfirmationTimeout)}
	}
}

func finishCompaction(original, replacement []models.AgentMessage, err error) ([]models.AgentMessage, error) {
	if err != nil {
		return nil, &CompactionError{Cause: err}
	}
	if replacement == nil {
		return original, nil
	}
	return replacement, nil
}
