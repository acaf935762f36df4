package wsfabric

import (
	"encoding/json"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	in := Inbound{Tag: InboundSend, RoomID: "lobby", Data: json.RawMessage(`{"x":1}`)}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Tag != in.Tag || decoded.RoomID != in.RoomID || string(decoded.Data) != string(in.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, in)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		Tag: EnvelopeRoom, TenantID: "t1", NodeID: "n1", RoomID: "lobby",
		FromSocketID: "s1", Data: json.RawMessage(`{"ok":true}`),
	}
	raw, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Tag != env.Tag || decoded.TenantID != env.TenantID || decoded.NodeID != env.NodeID ||
		decoded.RoomID != env.RoomID || decoded.FromSocketID != env.FromSocketID || string(decoded.Data) != string(env.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, env)
	}
}

func TestIsCommandAndIsSignal(t *testing.T) {
	commands := []string{InboundJoin, InboundLeave, InboundSend, InboundDirect, InboundMetaGet, InboundMetaSet}
	for _, tag := range commands {
		if !IsCommand(tag) {
			t.Fatalf("expected %q classified as command", tag)
		}
		if IsSignal(tag) {
			t.Fatalf("expected %q not classified as signal", tag)
		}
	}
	if !IsSignal(InboundPong) {
		t.Fatal("expected pong classified as signal")
	}
	if IsCommand(InboundPong) {
		t.Fatal("expected pong not classified as command")
	}
}

func TestWsErrorRetryableTerminalFlags(t *testing.T) {
	cases := []struct {
		reason             string
		retryable, terminal bool
	}{
		{ReasonSendFailed, true, false},
		{ReasonRoomLimit, false, false},
		{ReasonNotInRoom, false, false},
		{ReasonInvalidMessage, false, true},
		{ReasonDisconnecting, false, true},
	}
	for _, c := range cases {
		err := NewWsError(c.reason, "s1", nil)
		if err.IsRetryable() != c.retryable {
			t.Errorf("%s: IsRetryable = %v, want %v", c.reason, err.IsRetryable(), c.retryable)
		}
		if err.IsTerminal() != c.terminal {
			t.Errorf("%s: IsTerminal = %v, want %v", c.reason, err.IsTerminal(), c.terminal)
		}
	}
}

func TestToPayloadCollapsesUnknownErrors(t *testing.T) {
	out := ToPayload(errUnrelated{})
	if out.Tag != OutboundError || out.Reason != ReasonInvalidMessage {
		t.Fatalf("expected invalid_message fallback, got %+v", out)
	}

	out2 := ToPayload(NewWsError(ReasonRoomLimit, "s1", nil))
	if out2.Reason != ReasonRoomLimit {
		t.Fatalf("expected reason preserved, got %+v", out2)
	}
}

type errUnrelated struct{}

func (errUnrelated) Error() string { return "unrelated" }

func TestPingOutboundCarriesServerTime(t *testing.T) {
	now := time.Now()
	raw, err := EncodeOutbound(Outbound{Tag: OutboundPing, ServerTime: now})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out Outbound
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.ServerTime.Equal(now) {
		t.Fatalf("expected server time preserved, got %v want %v", out.ServerTime, now)
	}
}
