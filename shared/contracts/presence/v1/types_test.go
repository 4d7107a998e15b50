package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	payload := json.RawMessage(`{}`)

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid user_connected",
			env:  Envelope{V: Version, Type: TypeUserConnected, ID: "e1", TS: now, Payload: payload},
		},
		{
			name: "valid send_message",
			env:  Envelope{V: Version, Type: TypeSendMessage, ID: "e2", TS: now, Payload: payload},
		},
		{
			name:    "missing version",
			env:     Envelope{Type: TypeSendMessage, ID: "e3", TS: now, Payload: payload},
			wantErr: true,
		},
		{
			name:    "wrong version",
			env:     Envelope{V: "v2", Type: TypeSendMessage, ID: "e4", TS: now, Payload: payload},
			wantErr: true,
		},
		{
			name:    "missing type",
			env:     Envelope{V: Version, ID: "e5", TS: now, Payload: payload},
			wantErr: true,
		},
		{
			name:    "unknown type",
			env:     Envelope{V: Version, Type: "subscribe", ID: "e6", TS: now, Payload: payload},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelopeRoundTripKeepsPayload(t *testing.T) {
	t.Parallel()

	p, err := json.Marshal(SendMessagePayload{ReceiverID: "u2", Content: "hi"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	in := Envelope{V: Version, Type: TypeSendMessage, ID: "e1", TS: time.Now().UTC(), Payload: p}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var out Envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var sp SendMessagePayload
	if err := json.Unmarshal(out.Payload, &sp); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if sp.ReceiverID != "u2" || sp.Content != "hi" {
		t.Fatalf("payload mismatch: %+v", sp)
	}
}
