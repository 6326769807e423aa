package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"

	"nostr-relay-tray/nrt/common/logx"
	"nostr-relay-tray/nrt/core/limiter"
	"nostr-relay-tray/nrt/core/metrics"
	"nostr-relay-tray/nrt/core/policy"
)

var log = logx.New(logx.WithPrefix("relay"))

// Admitter decides whether an event may be handed to the engine.
type Admitter interface {
	Admit(ctx context.Context, ev *nostr.Event) policy.Decision
}

// Engine stores and serves events once they are admitted. HandleEvent returns
// the OK flag and message for the reply.
type Engine interface {
	HandleEvent(ctx context.Context, client Client, ev *nostr.Event) (bool, string)
	HandleEnvelope(ctx context.Context, client Client, env nostr.Envelope)
}

// Sourced is implemented by clients that know where they came from
// ("local", "hub", "proxy"). Others are reported as "local".
type Sourced interface {
	Source() string
}

type Options struct {
	Admitter   Admitter
	Engine     Engine
	Limits     *limiter.Store
	Metrics    *metrics.Recorder
	MaxPayload int
	SkipVerify bool
}

// Service is the inbound message pipeline shared by local websocket clients
// and the federation links.
type Service struct {
	opts Options
}

func NewService(opts Options) *Service {
	if opts.Engine == nil {
		opts.Engine = AckEngine{}
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 128 * 1024
	}
	return &Service{opts: opts}
}

func (s *Service) HandleIncomingMessage(ctx context.Context, client Client, data []byte) {
	src := sourceOf(client)

	if len(data) > s.opts.MaxPayload {
		s.notice(client, "invalid: message is too large")
		return
	}
	if !s.opts.Limits.Allow(client.ID()) {
		s.opts.Metrics.Message(src, "rate-limited")
		s.notice(client, "rate-limited: slow down")
		return
	}

	env := nostr.ParseMessage(data)
	if env == nil {
		s.opts.Metrics.Message(src, "invalid")
		s.notice(client, "invalid: unrecognized message")
		return
	}
	s.opts.Metrics.Message(src, env.Label())

	switch e := env.(type) {
	case *nostr.EventEnvelope:
		s.handleEvent(ctx, client, src, &e.Event)
	default:
		s.opts.Engine.HandleEnvelope(ctx, client, env)
	}
}

func (s *Service) handleEvent(ctx context.Context, client Client, src string, ev *nostr.Event) {
	if !s.opts.SkipVerify {
		if msg := validate(ev); msg != "" {
			s.ok(client, ev.ID, false, msg)
			return
		}
	}

	start := time.Now()
	d := policy.Accept()
	if s.opts.Admitter != nil {
		d = s.opts.Admitter.Admit(ctx, ev)
	}
	outcome := "accepted"
	if !d.CanHandle {
		outcome = d.Reason
	}
	s.opts.Metrics.Admission(src, outcome, time.Since(start))

	if !d.CanHandle {
		log.Debugf("event %s from %s rejected: %s", ev.ID, src, d.OKMessage())
		s.ok(client, ev.ID, false, d.OKMessage())
		return
	}
	ok, msg := s.opts.Engine.HandleEvent(ctx, client, ev)
	s.ok(client, ev.ID, ok, msg)
}

// validate returns an "invalid: ..." message or "".
func validate(ev *nostr.Event) string {
	if ev.GetID() != ev.ID {
		return "invalid: event id does not match"
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Sprintf("invalid: %v", err)
	}
	if !ok {
		return "invalid: signature verification failed"
	}
	return ""
}

func (s *Service) ok(client Client, id string, ok bool, msg string) {
	send(client, &nostr.OKEnvelope{EventID: id, OK: ok, Reason: msg})
}

func (s *Service) notice(client Client, msg string) {
	n := nostr.NoticeEnvelope(msg)
	send(client, &n)
}

func send(client Client, env nostr.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Errorf("encode %s: %v", env.Label(), err)
		return
	}
	if err := client.Send(b); err != nil {
		log.Debugf("send to %s: %v", client.ID(), err)
	}
}

func sourceOf(c Client) string {
	if s, ok := c.(Sourced); ok {
		return s.Source()
	}
	return "local"
}

/******** default engine ********/

// AckEngine accepts every admitted event without storing it and answers
// subscriptions with an immediate EOSE.
type AckEngine struct{}

func (AckEngine) HandleEvent(context.Context, Client, *nostr.Event) (bool, string) {
	return true, ""
}

func (AckEngine) HandleEnvelope(_ context.Context, client Client, env nostr.Envelope) {
	if req, ok := env.(*nostr.ReqEnvelope); ok {
		eose := nostr.EOSEEnvelope(req.SubscriptionID)
		send(client, &eose)
	}
}
