package connector

import (
	"github.com/goccy/go-json"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

var stateNames = [...]string{"disconnected", "connecting", "connected"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Result resolves a Connect call.
type Result struct {
	Success       bool   `json:"success"`
	PublicAddress string `json:"publicAddress,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

const (
	MsgConnectionTimeout = "Connection timeout."
	MsgAuthFailed        = "Authentication failed."
)

func failed(msg string) Result { return Result{ErrorMessage: msg} }
