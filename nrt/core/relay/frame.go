package relay

import (
	"errors"

	"github.com/goccy/go-json"
)

var ErrBadFrame = errors.New("frame is not a JSON array with a string type")

// EncodeFrame builds ["TYPE", args...].
func EncodeFrame(typ string, args ...any) ([]byte, error) {
	return json.Marshal(append([]any{typ}, args...))
}

// DecodeFrame splits a frame into its type tag and raw arguments.
func DecodeFrame(data []byte) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, ErrBadFrame
	}
	if len(parts) == 0 {
		return "", nil, ErrBadFrame
	}
	var typ string
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return "", nil, ErrBadFrame
	}
	return typ, parts[1:], nil
}
