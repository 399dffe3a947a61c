package validation

import (
	"strings"
	"testing"

	"chatsync/pkg/models"
)

func TestValidateSessionID(t *testing.T) {
	cases := []struct {
		name string
		id   string
		ok   bool
	}{
		{"plain", "session-1", true},
		{"uuid", "0c7f9a1e-9be0-4c9f-a9ad-6c7f1a2b3c4d", true},
		{"max length", strings.Repeat("a", MaxSessionIDLen), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", MaxSessionIDLen+1), false},
		{"colon", "a:b", false},
		{"space", "a b", false},
		{"tab", "a\tb", false},
		{"newline", "a\nb", false},
	}
	for _, c := range cases {
		err := ValidateSessionID(c.id)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestValidateRole(t *testing.T) {
	for _, role := range []string{models.RoleUser, models.RoleAssistant, models.RoleSystem} {
		if err := ValidateRole(role); err != nil {
			t.Errorf("role %q rejected: %v", role, err)
		}
	}
	for _, role := range []string{"", "robot", "User"} {
		if err := ValidateRole(role); err == nil {
			t.Errorf("role %q accepted", role)
		}
	}
}

func TestValidateMessageInput(t *testing.T) {
	if err := ValidateMessageInput("s1", models.RoleUser, "hello"); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	cases := []struct {
		name                      string
		sessionID, role, content string
		field                    string
	}{
		{"bad session", "", models.RoleUser, "x", "session_id"},
		{"bad role", "s1", "robot", "x", "role"},
		{"empty content", "s1", models.RoleUser, "", "content"},
		{"oversized content", "s1", models.RoleUser, strings.Repeat("a", MaxContentLen+1), "content"},
		{"invalid utf8", "s1", models.RoleUser, string([]byte{0xff, 0xfe}), "content"},
	}
	for _, c := range cases {
		err := ValidateMessageInput(c.sessionID, c.role, c.content)
		verr, ok := err.(*ValidationError)
		if !ok {
			t.Errorf("%s: err = %v, want ValidationError", c.name, err)
			continue
		}
		if verr.Field != c.field {
			t.Errorf("%s: field = %q, want %q", c.name, verr.Field, c.field)
		}
	}
}
