// Package router ranks registered capabilities for a task.
//
// Every candidate starts at a score of 1.0. Task-specific rules are applied
// multiplicatively in descending priority order, followed by the generic
// constraint adjustments:
//
//   - size above Constraints.MaxSize halves the score (a soft penalty, the
//     model may still win when it is the only candidate)
//   - PreferQuantized multiplies quantized models by 1.2
//   - PreferUnquantized multiplies unquantized models by 1.2
//   - a ModelHint naming the candidate id or name doubles its score
//
// The highest score wins; ties go to the earliest registered capability.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/menta2k/visionhub/pkg/capability"
)

// Generic adjustment factors
const (
	OversizePenalty  = 0.5
	QuantizationBias = 1.2
	HintBoost        = 2.0
)

// Constraints narrows one routing decision
type Constraints struct {
	DeviceClass       string
	RealTime          bool
	MaxSize           int64
	PreferQuantized   bool
	PreferUnquantized bool
	ModelHint         string
}

// Rule is a task-specific ranking rule. Apply must be pure and return a
// multiplier for the candidate's score.
type Rule struct {
	Name     string
	Priority int
	Apply    func(d capability.Descriptor, c Constraints) float64
}

// Candidate is a descriptor with its final score
type Candidate struct {
	Descriptor capability.Descriptor
	Score      float64
}

// Lister is the registry surface the router needs
type Lister interface {
	ListByTask(task string, filter *capability.Filter) []capability.Descriptor
}

type ruleEntry struct {
	rule Rule
	seq  int
}

// Router selects the best capability for a task
type Router struct {
	registry Lister

	mu      sync.RWMutex
	rules   map[string][]ruleEntry
	nextSeq int
}

// New creates a router over registry with the default rule set
func New(registry Lister) *Router {
	r := NewWithoutDefaults(registry)
	for task, rules := range DefaultRules() {
		for _, rule := range rules {
			r.AddRule(task, rule)
		}
	}
	return r
}

// NewWithoutDefaults creates a router with no task rules
func NewWithoutDefaults(registry Lister) *Router {
	return &Router{
		registry: registry,
		rules:    make(map[string][]ruleEntry),
	}
}

// AddRule registers rule for task. A rule with the same name replaces the
// previous one and takes a new registration position.
func (r *Router) AddRule(task string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(task, rule.Name)
	r.rules[task] = append(r.rules[task], ruleEntry{rule: rule, seq: r.nextSeq})
	r.nextSeq++
}

// RemoveRule removes the named rule for task and reports whether it existed
func (r *Router) RemoveRule(task, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(task, name)
}

func (r *Router) removeLocked(task, name string) bool {
	entries := r.rules[task]
	for i, e := range entries {
		if e.rule.Name == name {
			r.rules[task] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the rules for task in application order
func (r *Router) Rules(task string) []Rule {
	r.mu.RLock()
	entries := append([]ruleEntry(nil), r.rules[task]...)
	r.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].rule.Priority != entries[j].rule.Priority {
			return entries[i].rule.Priority > entries[j].rule.Priority
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]Rule, len(entries))
	for i, e := range entries {
		out[i] = e.rule
	}
	return out
}

// Rank scores every capability serving task, best first
func (r *Router) Rank(task string, c Constraints) []Candidate {
	descs := r.registry.ListByTask(task, nil)
	if len(descs) == 0 {
		return nil
	}

	rules := r.Rules(task)
	candidates := make([]Candidate, len(descs))
	for i, d := range descs {
		candidates[i] = Candidate{Descriptor: d, Score: score(d, c, rules)}
	}

	// Stable sort keeps registration order among equal scores.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// SelectForTask returns the best capability for task, or false when none serves it
func (r *Router) SelectForTask(task string, c Constraints) (capability.Descriptor, bool) {
	ranked := r.Rank(task, c)
	if len(ranked) == 0 {
		return capability.Descriptor{}, false
	}
	return ranked[0].Descriptor, true
}

func score(d capability.Descriptor, c Constraints, rules []Rule) float64 {
	s := 1.0
	for _, rule := range rules {
		if rule.Apply != nil {
			s *= rule.Apply(d, c)
		}
	}

	if c.MaxSize > 0 && d.SizeBytes > c.MaxSize {
		s *= OversizePenalty
	}
	if c.PreferQuantized && d.Quantized {
		s *= QuantizationBias
	}
	if c.PreferUnquantized && !d.Quantized {
		s *= QuantizationBias
	}
	if c.ModelHint != "" && (strings.EqualFold(c.ModelHint, d.ID) || strings.EqualFold(c.ModelHint, d.Name)) {
		s *= HintBoost
	}
	return s
}
