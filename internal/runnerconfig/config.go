// Package runnerconfig loads runner-wide defaults — RunnerLimits and an
// ApprovalPolicy — from a YAML file on disk, for callers that would rather
// ship a config file than set environment variables or RunRequest metadata.
// It sits alongside, and is entirely optional relative to, runloop's
// ResolveLimits, which does not read it: callers read the struct this
// package produces, mirroring the way the teacher's internal/config/loader.go
// produces a struct that individual subsystems then read from.
package runnerconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homie-roci/roci-agent/internal/runloop"
)

// File is the on-disk shape of a runner config file.
type File struct {
	LimitsSection   LimitsFile   `yaml:"limits"`
	ApprovalSection ApprovalFile `yaml:"approval"`
}

// LimitsFile mirrors runloop.RunnerLimits with yaml field names; Limits
// fills zero fields from runloop.DefaultRunnerLimits, so a config file can
// override a subset.
type LimitsFile struct {
	MaxIterations          int `yaml:"max_iterations"`
	MaxToolFailures        int `yaml:"max_tool_failures"`
	IterationExtension     int `yaml:"iteration_extension"`
	MaxIterationExtensions int `yaml:"max_iteration_extensions"`
}

// ApprovalFile mirrors runloop.ApprovalPolicy with yaml field names.
type ApprovalFile struct {
	Mode       string   `yaml:"mode"`
	Allowlist  []string `yaml:"allowlist"`
	Denylist   []string `yaml:"denylist"`
	SafeBins   []string `yaml:"safe_bins"`
	RequestTTL string   `yaml:"request_ttl"`
}

// Load reads and parses a YAML runner config file, expanding ${VAR}/$VAR
// environment references the way the teacher's config loader does, so
// secrets or environment-specific values never need to be hardcoded.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runnerconfig: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var f File
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("runnerconfig: parse %s: %w", path, err)
	}
	return &f, nil
}

// Save writes f back to path as YAML, for callers that programmatically
// adjust a runner config (e.g. an operator tool) and persist the result.
func Save(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("runnerconfig: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("runnerconfig: write %s: %w", path, err)
	}
	return nil
}

// Limits converts the file's limits section to runloop.RunnerLimits,
// treating a zero field as "unset" and filling it from
// runloop.DefaultRunnerLimits; environment variables are not consulted.
func (f *File) Limits() runloop.RunnerLimits {
	defaults := runloop.DefaultRunnerLimits()
	limits := runloop.RunnerLimits{
		MaxIterations:          f.LimitsSection.MaxIterations,
		MaxToolFailures:        f.LimitsSection.MaxToolFailures,
		IterationExtension:     f.LimitsSection.IterationExtension,
		MaxIterationExtensions: f.LimitsSection.MaxIterationExtensions,
	}
	if limits.MaxIterations <= 0 {
		limits.MaxIterations = defaults.MaxIterations
	}
	if limits.MaxToolFailures <= 0 {
		limits.MaxToolFailures = defaults.MaxToolFailures
	}
	if limits.IterationExtension <= 0 {
		limits.IterationExtension = defaults.IterationExtension
	}
	if limits.MaxIterationExtensions <= 0 {
		limits.MaxIterationExtensions = defaults.MaxIterationExtensions
	}
	return limits
}

// ApprovalPolicy converts the file's approval section to
// runloop.ApprovalPolicy. An empty Mode defaults to Ask; an unrecognized
// Mode is an error.
func (f *File) ApprovalPolicy() (runloop.ApprovalPolicy, error) {
	mode := runloop.ModeAsk
	switch strings.ToLower(f.ApprovalSection.Mode) {
	case "", "ask":
		mode = runloop.ModeAsk
	case "never":
		mode = runloop.ModeNever
	case "always":
		mode = runloop.ModeAlways
	default:
		return runloop.ApprovalPolicy{}, fmt.Errorf("runnerconfig: unknown approval mode %q", f.ApprovalSection.Mode)
	}

	policy := runloop.ApprovalPolicy{
		Mode:      mode,
		Allowlist: f.ApprovalSection.Allowlist,
		Denylist:  f.ApprovalSection.Denylist,
		SafeBins:  f.ApprovalSection.SafeBins,
	}
	if f.ApprovalSection.RequestTTL != "" {
		d, err := time.ParseDuration(f.ApprovalSection.RequestTTL)
		if err != nil {
			return runloop.ApprovalPolicy{}, fmt.Errorf("runnerconfig: approval.request_ttl: %w", err)
		}
		policy.RequestTTL = d
	}
	return policy, nil
}
