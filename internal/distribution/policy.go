// Package distribution implements the four work-distribution policies
// (C4) as pure functions over a snapshot of available workers, plus the
// policy selector and the fallback table (Fallback).
package distribution

import (
	"sort"

	"github.com/distqueue/distqueue/internal/registry"
)

// Policy names, as recognized in a task's routing-hint and in
// default_strategy configuration.
const (
	RoundRobinPolicy Policy = "round-robin"
	LoadBasedPolicy  Policy = "load-based"
	SkillBasedPolicy Policy = "skill-based"
	StickyPolicy     Policy = "sticky"
)

type Policy string

// Context is the snapshot a policy decides against. Workers is already
// filtered to non-offline, free-capacity candidates.
type Context struct {
	Workers        []registry.Worker
	RequiredSkills []string
	// StickyWorkerID is the worker currently bound to the task's sticky
	// key, resolved by the caller from the KV-backed sticky map ("" if
	// unbound). Reading the map is the engine's job, not this
	// function's, so the policy stays a pure function of its inputs.
	StickyWorkerID string
	// LastIndex is the round-robin cursor the caller carries between
	// calls.
	LastIndex int
}

// Result is a policy's decision: the chosen worker and why.
type Result struct {
	WorkerID string
	Reason   string
}

// Select applies the policy selector (§4.4, precedence top to bottom):
// routing-hint, then sticky-key, then required-skills, then the
// queue's configured default.
func Select(routingHint, stickyKey string, requiredSkills []string, defaultStrategy Policy) Policy {
	if routingHint != "" {
		return Policy(routingHint)
	}
	if stickyKey != "" {
		return StickyPolicy
	}
	if len(requiredSkills) > 0 {
		return SkillBasedPolicy
	}
	return defaultStrategy
}

// Fallback returns the policy to retry with when the primary policy
// returns no choice, and whether a fallback exists at all.
func Fallback(p Policy) (Policy, bool) {
	switch p {
	case StickyPolicy, SkillBasedPolicy:
		return LoadBasedPolicy, true
	default:
		return "", false
	}
}

// RoundRobin picks W[(lastIndex+1) mod |W|]. Returns nil and the
// unchanged index when there are no candidates.
func RoundRobin(c Context) (*Result, int) {
	if len(c.Workers) == 0 {
		return nil, c.LastIndex
	}
	next := (c.LastIndex + 1) % len(c.Workers)
	w := c.Workers[next]
	return &Result{WorkerID: w.ID, Reason: "round-robin"}, next
}

// LoadBased ranks candidates by load ratio ascending, breaking ties by
// larger absolute free slots, and returns the top. The queue engine
// falls back to it when sticky finds no eligible bound worker; it does
// not fall back from skill-based.
func LoadBased(c Context) *Result {
	if len(c.Workers) == 0 {
		return nil
	}

	candidates := make([]registry.Worker, len(c.Workers))
	copy(candidates, c.Workers)

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := loadRatio(candidates[i]), loadRatio(candidates[j])
		if ri != rj {
			return ri < rj
		}
		freeI := candidates[i].Capacity - candidates[i].Load
		freeJ := candidates[j].Capacity - candidates[j].Load
		return freeI > freeJ
	})

	return &Result{WorkerID: candidates[0].ID, Reason: "load-based"}
}

func loadRatio(w registry.Worker) float64 {
	if w.Capacity <= 0 {
		return 1
	}
	return float64(w.Load) / float64(w.Capacity)
}

// SkillBased scores each worker by 0.7*match + 0.3*(1-load_ratio),
// where match = |required ∩ skills| / |required| (1 when required is
// empty). If required is non-empty and every candidate scores 0 on
// match, it returns nil: the task should wait rather than land on an
// unskilled worker.
func SkillBased(c Context) *Result {
	if len(c.Workers) == 0 {
		return nil
	}

	required := c.RequiredSkills
	var best *registry.Worker
	var bestScore float64
	anyMatch := len(required) == 0

	for i := range c.Workers {
		w := &c.Workers[i]
		match := skillMatch(required, w.Skills)
		if match > 0 {
			anyMatch = true
		}
		score := 0.7*match + 0.3*(1-loadRatio(*w))
		if best == nil || score > bestScore {
			best = w
			bestScore = score
		}
	}

	if len(required) > 0 && !anyMatch {
		return nil
	}

	return &Result{WorkerID: best.ID, Reason: "skill-based"}
}

func skillMatch(required, have []string) float64 {
	if len(required) == 0 {
		return 1
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, s := range have {
		haveSet[s] = struct{}{}
	}
	hits := 0
	for _, r := range required {
		if _, ok := haveSet[r]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(required))
}

// Sticky looks up the sticky-key's bound worker. If that worker is
// still present among the available candidates, it wins unchanged. The
// second return reports whether the caller must fall through to
// load-based (and, on success, rebind the sticky map to the winner).
func Sticky(c Context) (*Result, bool) {
	if c.StickyWorkerID != "" {
		for _, w := range c.Workers {
			if w.ID == c.StickyWorkerID {
				return &Result{WorkerID: w.ID, Reason: "sticky"}, false
			}
		}
	}
	return nil, true
}
