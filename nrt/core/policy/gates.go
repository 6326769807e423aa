package policy

import (
	"context"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"

	"nostr-relay-tray/nrt/core/filter"
	"nostr-relay-tray/nrt/model"
)

/******** rule gate ********/

// RuleGate wraps an immutable list of compiled filters. In block mode a match
// rejects; in allow mode a miss rejects.
type RuleGate struct {
	action  string
	filters []*filter.Filter
	opts    filter.MatchOptions
}

func NewRuleGate(action string, filters []*filter.Filter, opts filter.MatchOptions) *RuleGate {
	cp := make([]*filter.Filter, len(filters))
	copy(cp, filters)
	return &RuleGate{action: action, filters: cp, opts: opts}
}

func (g *RuleGate) Name() string { return g.action + "-rules" }

func (g *RuleGate) Len() int { return len(g.filters) }

func (g *RuleGate) Matches(ev *nostr.Event) bool {
	return filter.MatchAny(g.filters, ev, g.opts)
}

func (g *RuleGate) Evaluate(_ context.Context, ev *nostr.Event) (Decision, error) {
	matched := g.Matches(ev)
	if g.action == model.ActionBlock {
		if matched {
			return Reject(ReasonBlocked, "rejected by a block rule"), nil
		}
		return Accept(), nil
	}
	if matched {
		return Accept(), nil
	}
	return Reject(ReasonBlocked, "no allow rule matched"), nil
}

/******** pow gate ********/

type PowGate struct {
	min int
}

func NewPowGate(minDifficulty int) *PowGate { return &PowGate{min: minDifficulty} }

func (g *PowGate) Name() string { return "pow" }

func (g *PowGate) Evaluate(_ context.Context, ev *nostr.Event) (Decision, error) {
	got := Difficulty(ev)
	if got < g.min {
		return Reject(ReasonInsufficientPow, "difficulty %d is less than %d", got, g.min), nil
	}
	return Accept(), nil
}

// Difficulty is the number of leading zero bits of the event id, capped by the
// target committed in a NIP-13 nonce tag when one is present.
func Difficulty(ev *nostr.Event) int {
	if ev == nil || len(ev.ID) != 64 {
		return 0
	}
	d := nip13.Difficulty(ev.ID)
	for _, t := range ev.Tags {
		if len(t) >= 3 && t[0] == "nonce" {
			if target, err := strconv.Atoi(t[2]); err == nil && target < d {
				d = target
			}
			break
		}
	}
	return d
}

/******** wot gate ********/

// MembershipOracle answers whether a pubkey is in the current trusted set.
type MembershipOracle interface {
	IsTrusted(ctx context.Context, pubkey string) (bool, error)
}

type TrustGate struct {
	oracle MembershipOracle
	opts   filter.MatchOptions
}

func NewTrustGate(oracle MembershipOracle, opts filter.MatchOptions) *TrustGate {
	return &TrustGate{oracle: oracle, opts: opts}
}

func (g *TrustGate) Name() string { return "wot" }

func (g *TrustGate) Evaluate(ctx context.Context, ev *nostr.Event) (Decision, error) {
	author := filter.Author(ev, g.opts.IgnoreDelegation)
	ok, err := g.oracle.IsTrusted(ctx, author)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Reject(ReasonNotTrusted, "author is not in the web of trust"), nil
	}
	return Accept(), nil
}
