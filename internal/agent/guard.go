// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"fmt"
	"sort"
	"strings"
)

const (
	DefaultRepeatThreshold  = 3
	DefaultFailureThreshold = 5
)

// GuardConfig holds the loop-guard trip points. Zero values select the
// defaults.
type GuardConfig struct {
	RepeatThreshold  int
	FailureThreshold int
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = DefaultRepeatThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// LoopState is the per-turn loop-guard state. It is owned by a single
// invocation and discarded when the turn ends.
type LoopState struct {
	cfg GuardConfig

	Iteration int

	// Reason is the forced-termination reason. The first reason wins.
	Reason string
	// Suppressed holds reasons that tripped after Reason was already set.
	Suppressed []string

	lastSignature  string
	repeatCount    int
	failureStreaks map[string]int
	lastFailures   map[string]string
}

// NewLoopState returns an empty state using cfg's thresholds.
func NewLoopState(cfg GuardConfig) *LoopState {
	return &LoopState{
		cfg:            cfg.withDefaults(),
		failureStreaks: make(map[string]int),
		lastFailures:   make(map[string]string),
	}
}

// Forced reports whether a forced-termination reason is set.
func (s *LoopState) Forced() bool {
	return s.Reason != ""
}

// Force sets the termination reason unless one is already set, in which
// case reason is kept in Suppressed. It reports whether reason took effect.
func (s *LoopState) Force(reason string) bool {
	if s.Reason == "" {
		s.Reason = reason
		return true
	}
	s.Suppressed = append(s.Suppressed, reason)
	return false
}

// RepeatCount is the number of consecutive iterations that requested the
// current signature.
func (s *LoopState) RepeatCount() int {
	return s.repeatCount
}

// FailureStreak is the number of consecutive failed results for action.
func (s *LoopState) FailureStreak(action string) int {
	return s.failureStreaks[action]
}

// ObserveRequests feeds one iteration's requests into identical-request
// detection. The requests are still executed when the guard trips; the
// reason only stops the next iteration.
func (s *LoopState) ObserveRequests(reqs []ActionRequest) {
	sig := Signature(reqs)
	if sig == "" {
		return
	}
	if sig == s.lastSignature {
		s.repeatCount++
	} else {
		s.lastSignature = sig
		s.repeatCount = 1
	}
	if s.repeatCount == s.cfg.RepeatThreshold {
		s.Force(fmt.Sprintf("%s requested with identical parameters %d times",
			strings.Join(actionNames(reqs), ", "), s.repeatCount))
	}
}

// ObserveResults updates the per-action failure streaks. Any success
// resets that action's streak to zero.
func (s *LoopState) ObserveResults(results []ActionResult) {
	for _, r := range results {
		if !r.Failed() {
			s.failureStreaks[r.Name] = 0
			continue
		}
		s.failureStreaks[r.Name]++
		s.lastFailures[r.Name] = failureDetail(r.Output)
		if n := s.failureStreaks[r.Name]; n == s.cfg.FailureThreshold {
			s.Force(fmt.Sprintf("%s failed %d times consecutively", r.Name, n))
		}
	}
}

// Note renders the system note handed to the response step. It is empty
// when no reason is set.
func (s *LoopState) Note() string {
	if s.Reason == "" {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The action loop was stopped early: %s.", s.Reason)

	names := make([]string, 0, len(s.failureStreaks))
	for name, n := range s.failureStreaks {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteString("\nFailing actions:")
		for _, name := range names {
			fmt.Fprintf(&b, "\n- %s failed %d time(s) in a row; last error: %s",
				name, s.failureStreaks[name], s.lastFailures[name])
		}
	}

	b.WriteString("\nTell the user about this limitation and answer as well as possible with the information gathered so far.")
	return b.String()
}

func failureDetail(output string) string {
	detail := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(output), ErrorMarker))
	const maxDetail = 500
	if len(detail) > maxDetail {
		detail = truncateUTF8(detail, maxDetail) + "..."
	}
	return detail
}
