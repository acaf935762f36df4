// Package wsfabric implements the WebSocket service from spec.md §4.10:
// the inbound/outbound/transport codec, the socket/room/presence state
// machine, and cross-node routing, generalizing the gorilla/websocket
// spoke-and-hub fabric in
// Generativebots-ocx-backend-go-svc/internal/fabric from a capability
// routing mesh into the tenant-scoped room/presence/direct model this
// runtime specifies.
package wsfabric

import (
	"encoding/json"
	"errors"
	"time"
)

// Inbound tags. Command = {Join,Leave,Send,Direct,MetaGet,MetaSet}; Signal
// = {Pong}.
const (
	InboundJoin    = "join"
	InboundLeave   = "leave"
	InboundSend    = "send"
	InboundDirect  = "direct"
	InboundPong    = "pong"
	InboundMetaGet = "meta.get"
	InboundMetaSet = "meta.set"
)

// Outbound tags.
const (
	OutboundError         = "error"
	OutboundPing          = "ping"
	OutboundRoomMessage   = "room.message"
	OutboundDirectMessage = "direct.message"
	OutboundMetaData      = "meta.data"
)

// Transport envelope tags (cross-node).
const (
	EnvelopeRoom      = "room"
	EnvelopeDirect    = "direct"
	EnvelopeBroadcast = "broadcast"
)

// IsCommand reports whether tag is one of the Command inbound messages.
func IsCommand(tag string) bool {
	switch tag {
	case InboundJoin, InboundLeave, InboundSend, InboundDirect, InboundMetaGet, InboundMetaSet:
		return true
	default:
		return false
	}
}

// IsSignal reports whether tag is the Pong signal.
func IsSignal(tag string) bool { return tag == InboundPong }

// Inbound is the client -> server wire message.
type Inbound struct {
	Tag    string          `json:"_tag"`
	RoomID string          `json:"roomId,omitempty"`
	Target string          `json:"target,omitempty"`
	Key    string          `json:"key,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// DecodeInbound parses raw as an Inbound message.
func DecodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// Outbound is the server -> client wire message.
type Outbound struct {
	Tag          string          `json:"_tag"`
	Reason       string          `json:"reason,omitempty"`
	ServerTime   time.Time       `json:"serverTime,omitempty"`
	RoomID       string          `json:"roomId,omitempty"`
	FromSocketID string          `json:"fromSocketId,omitempty"`
	Key          string          `json:"key,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// EncodeOutbound serializes an Outbound message.
func EncodeOutbound(out Outbound) ([]byte, error) { return json.Marshal(out) }

// Envelope is the cross-node transport union: Room, Direct, or Broadcast,
// each carrying tenantId/nodeId.
type Envelope struct {
	Tag          string          `json:"_tag"`
	TenantID     string          `json:"tenantId"`
	NodeID       string          `json:"nodeId"`
	RoomID       string          `json:"roomId,omitempty"`
	Target       string          `json:"target,omitempty"`
	FromSocketID string          `json:"fromSocketId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope serializes an Envelope.
func EncodeEnvelope(e Envelope) ([]byte, error) { return json.Marshal(e) }

// DecodeEnvelope parses raw as an Envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// WsError reasons and their derived isRetryable/isTerminal flags
// (spec.md §4.10 error algebra table).
const (
	ReasonSendFailed     = "send_failed"
	ReasonRoomLimit      = "room_limit"
	ReasonNotInRoom      = "not_in_room"
	ReasonInvalidMessage = "invalid_message"
	ReasonDisconnecting  = "disconnecting"
)

// WsError is the WebSocket service's error value.
type WsError struct {
	Reason   string
	SocketID string
	Cause    error
}

func (e *WsError) Error() string {
	if e.Cause != nil {
		return "ws: " + e.Reason + ": " + e.Cause.Error()
	}
	return "ws: " + e.Reason
}

func (e *WsError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the failed operation may be retried.
func (e *WsError) IsRetryable() bool {
	return e.Reason == ReasonSendFailed
}

// IsTerminal reports whether the socket must be disconnected.
func (e *WsError) IsTerminal() bool {
	return e.Reason == ReasonInvalidMessage || e.Reason == ReasonDisconnecting
}

// NewWsError constructs a WsError for socketID.
func NewWsError(reason, socketID string, cause error) *WsError {
	return &WsError{Reason: reason, SocketID: socketID, Cause: cause}
}

// ToPayload collapses any error into an outbound error message; a WsError
// keeps its reason, any other value collapses to invalid_message.
func ToPayload(err error) Outbound {
	var wsErr *WsError
	if errors.As(err, &wsErr) {
		return Outbound{Tag: OutboundError, Reason: wsErr.Reason}
	}
	return Outbound{Tag: OutboundError, Reason: ReasonInvalidMessage}
}
