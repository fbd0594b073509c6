// Package wire defines the JSON frames exchanged over a channel websocket and the grid message schema.
package wire

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/luxgrid/errs"
)

// FrameType classifies a transport frame.
type FrameType string

const (
	// FrameSubscribe asks the server to route a channel's messages to this connection.
	FrameSubscribe FrameType = "subscribe"
	// FrameUnsubscribe stops routing a channel to this connection.
	FrameUnsubscribe FrameType = "unsubscribe"
	// FrameRPC carries a request expecting exactly one correlated reply.
	FrameRPC FrameType = "rpc"
	// FrameReply answers an RPC frame with the same ID.
	FrameReply FrameType = "reply"
	// FrameMessage is a server push on a channel.
	FrameMessage FrameType = "message"
	// FramePublish is a client push fanned out to the channel's other subscribers.
	FramePublish FrameType = "publish"
	// FrameHeartbeat keeps idle connections alive.
	FrameHeartbeat FrameType = "heartbeat"
	// FrameError reports a failed RPC or a rejected frame.
	FrameError FrameType = "error"
)

// Frame is the envelope multiplexing channels over one websocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EncodeFrame marshals a frame to its text form.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errs.New("wire", errs.CodeInvalid, errs.WithMessage("encode frame"), errs.WithCause(err))
	}
	return data, nil
}

// DecodeFrame parses and validates a text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errs.New("wire", errs.CodeInvalid, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	f.Channel = strings.TrimSpace(f.Channel)
	switch f.Type {
	case FrameHeartbeat:
		return f, nil
	case FrameSubscribe, FrameUnsubscribe, FrameMessage, FramePublish:
		if f.Channel == "" {
			return Frame{}, errs.New("wire", errs.CodeInvalid, errs.WithMessage("channel required"), errs.WithField("type", string(f.Type)))
		}
	case FrameRPC, FrameReply:
		if f.Channel == "" || f.ID == "" {
			return Frame{}, errs.New("wire", errs.CodeInvalid, errs.WithMessage("channel and id required"), errs.WithField("type", string(f.Type)))
		}
	case FrameError:
	default:
		return Frame{}, errs.New("wire", errs.CodeInvalid, errs.WithMessage("unknown frame type"), errs.WithField("type", string(f.Type)))
	}
	return f, nil
}

// RawJSON marshals v, mapping nil to an empty object so RPC payloads are always present.
func RawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New("wire", errs.CodeInvalid, errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	if string(data) == "null" {
		return json.RawMessage("{}"), nil
	}
	return data, nil
}
