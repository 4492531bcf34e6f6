package bus

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	payload := []byte(`{"request_id":"abc","action":"lamp_changed","data":{"id":4,"value":255}}`)

	env, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.RequestID != "abc" {
		t.Errorf("RequestID = %q, want %q", env.RequestID, "abc")
	}
	if env.Action != ActionLampChanged {
		t.Errorf("Action = %q, want %q", env.Action, ActionLampChanged)
	}
	if got := env.Data["value"]; got != float64(255) {
		t.Errorf("Data[value] = %v, want 255", got)
	}
}

func TestDecodeEnvelope_NoData(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"request_id":"1","action":"restart"}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Data != nil {
		t.Errorf("Data = %v, want nil", env.Data)
	}
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"malformed json", `{"request_id":`, ErrDecode},
		{"missing request_id", `{"action":"restart"}`, ErrDecode},
		{"missing action", `{"request_id":"1"}`, ErrUnknownAction},
		{"unknown action", `{"request_id":"1","action":"reboot_everything"}`, ErrUnknownAction},
		{"not an object", `[1,2,3]`, ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeEnvelope(%s) error = %v, want %v", tt.payload, err, tt.wantErr)
			}
		})
	}
}

func TestEnvelope_Encode(t *testing.T) {
	payload, err := Envelope{RequestID: "1", Action: ActionUpdatedSensor, Data: map[string]any{"id": 2}}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(payload), `"action":"updated_sensor"`) {
		t.Errorf("payload %s missing action field", payload)
	}

	// Round trip through the decoder keeps the tag valid.
	if _, err := DecodeEnvelope(payload); err != nil {
		t.Errorf("DecodeEnvelope(Encode()) error = %v", err)
	}
}

func TestAction_Valid(t *testing.T) {
	for _, a := range []Action{
		ActionGetData, ActionConnect, ActionDisconnect, ActionUpdatedValues,
		ActionSendLampsStateToNodes, ActionSetLampState, ActionLampChanged,
		ActionUpdatedLamp, ActionSensorChanged, ActionUpdatedSensor,
		ActionUpdatedNode, ActionRestart, ActionRestartNode,
	} {
		if !a.Valid() {
			t.Errorf("Action(%q).Valid() = false, want true", a)
		}
	}
	if Action("lamp-changed").Valid() {
		t.Error(`Action("lamp-changed").Valid() = true, want false`)
	}
	if Action("").Valid() {
		t.Error(`Action("").Valid() = true, want false`)
	}
}
