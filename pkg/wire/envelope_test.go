package wire

import (
	"reflect"
	"testing"

	"chatsync/pkg/models"
)

func TestDecodeKnownTypes(t *testing.T) {
	for _, typ := range []string{TypeMessage, TypeHistoryRequest, TypeHistory, TypeSyncRequest, TypeSyncResponse, TypeHeartbeat} {
		env, err := Decode([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Errorf("decode %q: %v", typ, err)
		}
		if env.Type != typ {
			t.Errorf("decoded type = %q, want %q", env.Type, typ)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"invalid json", `{"type":`},
		{"missing type", `{"content":"hi"}`},
		{"unknown type", `{"type":"teleport"}`},
		{"empty input", ``},
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c.data)); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestDecodeMessageFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"message","role":"user","content":"hi","meta":{"client_id":"c1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Role != models.RoleUser || env.Content != "hi" || env.Meta["client_id"] != "c1" {
		t.Fatalf("fields lost: %+v", env)
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	msg := models.Message{
		ID: "m1", SessionID: "s1", Role: models.RoleAssistant,
		Content: "reply", AgentName: "helper", TS: 42,
		Meta: map[string]string{models.MetaClientID: "c1"},
	}
	env := Confirmation(msg)
	if env.Type != TypeMessage || env.ID != "m1" || env.TS != 42 {
		t.Fatalf("confirmation malformed: %+v", env)
	}

	back := env.AsMessage("s1")
	if !reflect.DeepEqual(back, msgWithoutUser(msg)) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, msg)
	}
}

// msgWithoutUser strips fields that never travel on the wire.
func msgWithoutUser(m models.Message) models.Message {
	m.UserID = ""
	return m
}
