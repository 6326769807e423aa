package policy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"nostr-relay-tray/nrt/common/logx"
	"nostr-relay-tray/nrt/core/filter"
	"nostr-relay-tray/nrt/model"
)

var log = logx.New(logx.WithPrefix("policy"))

// RuleError groups the condition errors of one rule.
type RuleError struct {
	RuleId int64
	Errs   []*filter.ConditionError
}

type snapshot struct {
	block *RuleGate
	gates []AdmissionGate
}

// Orchestrator combines the block gate with the allow/pow/wot gates. Readers
// load one snapshot per event; setters rebuild and swap it.
type Orchestrator struct {
	opts filter.MatchOptions

	mu            sync.Mutex
	defaultAction string
	allow         []*filter.Filter
	block         []*filter.Filter
	powMin        int
	trust         AdmissionGate

	snap atomic.Pointer[snapshot]
}

func NewOrchestrator(opts filter.MatchOptions) *Orchestrator {
	o := &Orchestrator{opts: opts, defaultAction: model.ActionAllow}
	o.snap.Store(&snapshot{})
	return o
}

/******** setters ********/

// SetRules compiles the enabled rules and replaces both rule sets at once.
func (o *Orchestrator) SetRules(rules []model.Rule) []RuleError {
	allow, block, errs := compileRules(rules)
	o.mu.Lock()
	o.allow, o.block = allow, block
	o.rebuildLocked()
	o.mu.Unlock()
	log.Debugf("rules loaded: allow=%d block=%d", len(allow), len(block))
	return errs
}

// Configure swaps the default action and the rule sets in one snapshot, so
// no event is judged by the new action with the old rules.
func (o *Orchestrator) Configure(action string, rules []model.Rule) []RuleError {
	allow, block, errs := compileRules(rules)
	o.mu.Lock()
	o.defaultAction = action
	o.allow, o.block = allow, block
	o.rebuildLocked()
	o.mu.Unlock()
	log.Debugf("default=%s rules loaded: allow=%d block=%d", action, len(allow), len(block))
	return errs
}

func compileRules(rules []model.Rule) (allow, block []*filter.Filter, errs []RuleError) {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		f, cerrs := filter.Compile(r.Conditions)
		if len(cerrs) > 0 {
			log.Warnf("rule %d (%s): %d condition(s) dropped", r.Id, r.Name, len(cerrs))
			errs = append(errs, RuleError{RuleId: r.Id, Errs: cerrs})
		}
		switch r.Action {
		case model.ActionBlock:
			block = append(block, f)
		case model.ActionAllow:
			allow = append(allow, f)
		}
	}
	return allow, block, errs
}

func (o *Orchestrator) SetDefaultAction(action string) {
	o.mu.Lock()
	o.defaultAction = action
	o.rebuildLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) DefaultAction() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.defaultAction
}

// SetPowDifficulty sets the floor; 0 removes the gate.
func (o *Orchestrator) SetPowDifficulty(n int) {
	o.mu.Lock()
	o.powMin = n
	o.rebuildLocked()
	o.mu.Unlock()
}

// SetTrustGate installs the web-of-trust gate; nil removes it.
func (o *Orchestrator) SetTrustGate(g AdmissionGate) {
	o.mu.Lock()
	o.trust = g
	o.rebuildLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) rebuildLocked() {
	s := &snapshot{}
	if len(o.block) > 0 {
		s.block = NewRuleGate(model.ActionBlock, o.block, o.opts)
	}
	if o.defaultAction == model.ActionBlock {
		s.gates = append(s.gates, NewRuleGate(model.ActionAllow, o.allow, o.opts))
	}
	if o.powMin > 0 {
		s.gates = append(s.gates, NewPowGate(o.powMin))
	}
	if o.trust != nil {
		s.gates = append(s.gates, o.trust)
	}
	o.snap.Store(s)
}

// GateNames lists the active gates, block gate first.
func (o *Orchestrator) GateNames() []string {
	s := o.snap.Load()
	var out []string
	if s.block != nil {
		out = append(out, s.block.Name())
	}
	for _, g := range s.gates {
		out = append(out, g.Name())
	}
	return out
}

/******** admission ********/

// Admit decides one event. Block rules run first and short-circuit. The other
// gates run concurrently and the event passes when any of them admits.
func (o *Orchestrator) Admit(ctx context.Context, ev *nostr.Event) Decision {
	s := o.snap.Load()

	if s.block != nil {
		if d := evaluate(ctx, s.block, ev); !d.CanHandle {
			return d
		}
	}
	if len(s.gates) == 0 {
		return Accept()
	}

	results := make([]Decision, len(s.gates))
	var g errgroup.Group
	for i, gate := range s.gates {
		g.Go(func() error {
			results[i] = evaluate(ctx, gate, ev)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range results {
		if d.CanHandle {
			return d
		}
	}
	return results[0]
}
