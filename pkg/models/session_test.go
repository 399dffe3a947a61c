package models

import (
	"strings"
	"testing"
)

func TestTruncatePreview(t *testing.T) {
	if got := TruncatePreview("short"); got != "short" {
		t.Fatalf("short content changed: %q", got)
	}

	exact := strings.Repeat("a", PreviewMaxLen)
	if got := TruncatePreview(exact); got != exact {
		t.Fatalf("exact-length content truncated: %q", got)
	}

	over := strings.Repeat("日", PreviewMaxLen+50)
	got := TruncatePreview(over)
	runes := []rune(got)
	if len(runes) != PreviewMaxLen+1 {
		t.Fatalf("truncated to %d runes, want %d plus ellipsis", len(runes), PreviewMaxLen)
	}
	if runes[len(runes)-1] != '…' {
		t.Fatalf("missing ellipsis: %q", got)
	}
	for _, r := range runes[:PreviewMaxLen] {
		if r != '日' {
			t.Fatal("truncation split a rune")
		}
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range []string{RoleUser, RoleAssistant, RoleSystem} {
		if !ValidRole(role) {
			t.Errorf("role %q invalid", role)
		}
	}
	if ValidRole("") || ValidRole("bot") {
		t.Error("bogus roles accepted")
	}
}
