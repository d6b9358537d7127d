package messages

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSerializeDeserializeMessage(t *testing.T) {
	type args struct {
		m *Message
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{
			name: "client action",
			args: args{
				m: &Message{
					ClientID: 42,
					Type:     MessageTypeClientAction,
					Payload:  json.RawMessage(`{"sessionId":"session-1","participantId":"p1","clientSeq":3,"payload":{"type":"add","amount":7}}`),
				},
			},
			wantErr: false,
		},
		{
			name: "server patch",
			args: args{
				m: &Message{
					ClientID: 0,
					Type:     MessageTypeServerPatch,
					Payload:  json.RawMessage(`{"sessionId":"session-1","fromSeq":3,"toSeq":4,"delta":{"total":7}}`),
				},
			},
			wantErr: false,
		},
		{
			name: "empty payload",
			args: args{
				m: &Message{
					ClientID: 7,
					Type:     MessageTypeClientPing,
					Payload:  json.RawMessage(`{}`),
				},
			},
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := SerializeMessage(tt.args.m)
			if (err != nil) != tt.wantErr {
				t.Errorf("SerializeMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			got, err := DeserializeMessage(b)
			if (err != nil) != tt.wantErr {
				t.Errorf("DeserializeMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if got.ClientID != tt.args.m.ClientID {
				t.Errorf("DeserializeMessage() ClientID = %v, want %v", got.ClientID, tt.args.m.ClientID)
			}
			if got.Type != tt.args.m.Type {
				t.Errorf("DeserializeMessage() Type = %v, want %v", got.Type, tt.args.m.Type)
			}
			if !bytes.Equal(got.Payload, tt.args.m.Payload) {
				t.Errorf("DeserializeMessage() Payload = %s, want %s", got.Payload, tt.args.m.Payload)
			}
		})
	}
}
