package runloop

import "strconv"

// RunnerLimits bounds a run's iteration and tool-failure budget.
type RunnerLimits struct {
	MaxIterations          int
	MaxToolFailures        int
	IterationExtension     int
	MaxIterationExtensions int
}

// DefaultRunnerLimits mirrors the hardcoded defaults in §6 of the runner
// contract: 20 iterations, 8 tool failures, 20-iteration extensions, up to 3
// of them.
func DefaultRunnerLimits() RunnerLimits {
	return RunnerLimits{
		MaxIterations:          20,
		MaxToolFailures:        8,
		IterationExtension:     20,
		MaxIterationExtensions: 3,
	}
}

const (
	envMaxIterations          = "HOMIE_ROCI_RUNNER_MAX_ITERATIONS"
	envMaxToolFailures        = "HOMIE_ROCI_RUNNER_MAX_TOOL_FAILURES"
	envIterationExtension     = "HOMIE_ROCI_RUNNER_ITERATION_EXTENSION"
	envMaxIterationExtensions = "HOMIE_ROCI_RUNNER_MAX_ITERATION_EXTENSIONS"
)

// metadataKeys lists, in priority order, the RunRequest.Metadata keys that
// can override each limit. First hit wins.
var metadataKeys = map[string][]string{
	envMaxIterations:          {"runner.max_iterations", "agent_loop.max_iterations", "max_iterations"},
	envMaxToolFailures:        {"runner.max_tool_failures", "agent_loop.max_tool_failures", "max_tool_failures"},
	envIterationExtension:     {"runner.iteration_extension", "agent_loop.iteration_extension", "iteration_extension"},
	envMaxIterationExtensions: {"runner.max_iteration_extensions", "agent_loop.max_iteration_extensions", "max_iteration_extensions"},
}

// ResolveLimits is a pure function: metadata → environment → defaults. A
// zero value at any source is treated as invalid and falls through to the
// next source, same as a value that fails to parse as a positive int.
func ResolveLimits(metadata map[string]string, env map[string]string) RunnerLimits {
	defaults := DefaultRunnerLimits()
	return RunnerLimits{
		MaxIterations:          resolveOne(metadata, env, envMaxIterations, defaults.MaxIterations),
		MaxToolFailures:        resolveOne(metadata, env, envMaxToolFailures, defaults.MaxToolFailures),
		IterationExtension:     resolveOne(metadata, env, envIterationExtension, defaults.IterationExtension),
		MaxIterationExtensions: resolveOne(metadata, env, envMaxIterationExtensions, defaults.MaxIterationExtensions),
	}
}

func resolveOne(metadata map[string]string, env map[string]string, envKey string, fallback int) int {
	for _, key := range metadataKeys[envKey] {
		if raw, ok := metadata[key]; ok {
			if v, ok := positiveInt(raw); ok {
				return v
			}
		}
	}
	if raw, ok := env[envKey]; ok {
		if v, ok := positiveInt(raw); ok {
			return v
		}
	}
	return fallback
}

func positiveInt(raw string) (int, bool) {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
