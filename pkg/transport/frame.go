// Package transport implements the wire layer over WebSocket: a JSON frame
// protocol with request/response correlation for one-shot calls and a
// subscription registry for push updates. It satisfies client.Transport.
package transport

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates wire frames.
type FrameType string

const (
	// FrameCall is a client-to-server one-shot call (query, mutation, action).
	FrameCall FrameType = "call"

	// FrameResult carries the settled value or error for a FrameCall.
	FrameResult FrameType = "result"

	// FrameSubscribe establishes a push channel for (ref, args).
	FrameSubscribe FrameType = "subscribe"

	// FrameUnsubscribe tears a push channel down.
	FrameUnsubscribe FrameType = "unsubscribe"

	// FrameUpdate carries a push-delivered value for a subscription.
	FrameUpdate FrameType = "update"

	// FrameSubError carries a push-delivered error for a subscription.
	FrameSubError FrameType = "suberror"

	// FramePing and FramePong are keepalive frames.
	FramePing FrameType = "ping"
	FramePong FrameType = "pong"
)

// CallKind discriminates one-shot calls.
type CallKind string

const (
	KindQuery    CallKind = "query"
	KindMutation CallKind = "mutation"
	KindAction   CallKind = "action"
)

// MaxFrameSize bounds encoded frames. Oversized frames are rejected on
// both ends rather than buffered.
const MaxFrameSize = 1 << 20

// Frame is the wire unit. ID correlates calls with results; SubID
// correlates subscriptions with updates.
type Frame struct {
	Type  FrameType       `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	SubID uint64          `json:"subId,omitempty"`
	Kind  CallKind        `json:"kind,omitempty"`
	Ref   string          `json:"ref,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// EncodeFrame serializes a frame, enforcing MaxFrameSize.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("transport: frame without type")
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("transport: encode frame: %w", err)
	}
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame exceeds %d bytes", MaxFrameSize)
	}
	return b, nil
}

// DecodeFrame parses a frame, enforcing MaxFrameSize and a known type.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame exceeds %d bytes", MaxFrameSize)
	}
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("transport: decode frame: %w", err)
	}
	switch f.Type {
	case FrameCall, FrameResult, FrameSubscribe, FrameUnsubscribe,
		FrameUpdate, FrameSubError, FramePing, FramePong:
		return &f, nil
	default:
		return nil, fmt.Errorf("transport: unknown frame type %q", f.Type)
	}
}
