package policy

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

/******** decision ********/

const (
	ReasonBlocked         = "blocked"
	ReasonInsufficientPow = "insufficient-pow"
	ReasonNotTrusted      = "not-trusted"
	ReasonError           = "error"
)

// Decision is the per-event admission outcome. A rejection always carries a
// Reason.
type Decision struct {
	CanHandle bool
	Reason    string
	Message   string
}

func Accept() Decision { return Decision{CanHandle: true} }

func Reject(reason, format string, args ...any) Decision {
	if reason == "" {
		reason = ReasonError
	}
	return Decision{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// OKMessage renders the machine-readable prefix used in ["OK", ...] replies.
func (d Decision) OKMessage() string {
	if d.CanHandle {
		return ""
	}
	if d.Message == "" {
		return d.Reason + ":"
	}
	return d.Reason + ": " + d.Message
}

/******** gate ********/

// AdmissionGate yields an admit/reject decision for one event. An error means
// the gate could not decide; the orchestrator treats it as a non-admitting
// abstention.
type AdmissionGate interface {
	Name() string
	Evaluate(ctx context.Context, ev *nostr.Event) (Decision, error)
}

func evaluate(ctx context.Context, g AdmissionGate, ev *nostr.Event) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("gate %s panicked: %v", g.Name(), r)
			d = Reject(ReasonError, "gate %s failed", g.Name())
		}
	}()
	d, err := g.Evaluate(ctx, ev)
	if err != nil {
		log.Warnf("gate %s abstains: %v", g.Name(), err)
		return Reject(ReasonError, "%s: %v", g.Name(), err)
	}
	if !d.CanHandle && d.Reason == "" {
		d.Reason = ReasonError
	}
	return d
}
