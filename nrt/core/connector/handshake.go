package connector

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"

	"nostr-relay-tray/nrt/core/relay"
)

type StepKind int

const (
	// StepNone consumes the frame.
	StepNone StepKind = iota
	// StepForward hands the frame to the message handler.
	StepForward
	StepEstablished
	StepRejected
)

type Step struct {
	Kind    StepKind
	Address string
	Message string
}

// Handshake runs once per attempt, on the attempt's reader goroutine, until
// it returns StepEstablished or StepRejected.
type Handshake interface {
	Open(send func([]byte) error) error
	Handle(frame []byte) Step
}

/******** hub: JOIN / JOINED ********/

type JoinInfo struct {
	Relay   string `json:"relay"`
	Version string `json:"version"`
}

type JoinHandshake struct {
	Info JoinInfo
}

func (h *JoinHandshake) Open(send func([]byte) error) error {
	b, err := relay.EncodeFrame("JOIN", h.Info)
	if err != nil {
		return err
	}
	return send(b)
}

func (h *JoinHandshake) Handle(frame []byte) Step {
	typ, _, err := relay.DecodeFrame(frame)
	if err != nil {
		return Step{Kind: StepNone}
	}
	if typ == "JOINED" {
		return Step{Kind: StepEstablished}
	}
	return Step{Kind: StepForward}
}

/******** proxy: AUTH challenge / OK ********/

// Attest signs the registration event for a challenge.
type Attest func(challenge string) (*nostr.Event, error)

type AuthHandshake struct {
	attest  Attest
	send    func([]byte) error
	pending string
}

func NewAuthHandshake(attest Attest) *AuthHandshake {
	return &AuthHandshake{attest: attest}
}

func (h *AuthHandshake) Open(send func([]byte) error) error {
	h.send = send
	return nil
}

func (h *AuthHandshake) Handle(frame []byte) Step {
	typ, args, err := relay.DecodeFrame(frame)
	if err != nil {
		return Step{Kind: StepNone}
	}
	switch typ {
	case "AUTH":
		var challenge string
		if len(args) < 1 || json.Unmarshal(args[0], &challenge) != nil {
			return Step{Kind: StepNone}
		}
		ev, err := h.attest(challenge)
		if err != nil {
			return Step{Kind: StepRejected, Message: fmt.Sprintf("sign attestation: %v", err)}
		}
		b, err := relay.EncodeFrame("AUTH", ev)
		if err != nil {
			return Step{Kind: StepRejected, Message: err.Error()}
		}
		if err := h.send(b); err != nil {
			return Step{Kind: StepNone}
		}
		h.pending = ev.ID
		return Step{Kind: StepNone}

	case "OK":
		var (
			id  string
			ok  bool
			msg string
		)
		if len(args) < 2 || json.Unmarshal(args[0], &id) != nil || json.Unmarshal(args[1], &ok) != nil {
			return Step{Kind: StepNone}
		}
		if h.pending == "" || id != h.pending {
			return Step{Kind: StepNone}
		}
		if len(args) > 2 {
			_ = json.Unmarshal(args[2], &msg)
		}
		if !ok {
			if msg == "" {
				msg = MsgAuthFailed
			}
			return Step{Kind: StepRejected, Message: msg}
		}
		return Step{Kind: StepEstablished, Address: msg}
	}
	return Step{Kind: StepNone}
}
