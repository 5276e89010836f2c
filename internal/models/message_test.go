package models

import (
	"errors"
	"testing"
)

func TestNormalizeRole(t *testing.T) {
	cases := map[string]Role{
		"user":       RoleUser,
		" USER ":     RoleUser,
		"assistant":  RoleAssistant,
		"bot":        RoleAssistant,
		"Bot":        RoleAssistant,
		"Assistant ": RoleAssistant,
	}
	for in, want := range cases {
		got, err := NormalizeRole(in)
		if err != nil {
			t.Fatalf("NormalizeRole(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeRole(%q) = %q, want %q", in, got, want)
		}
	}

	for _, bad := range []string{"", "system", "tool"} {
		if _, err := NormalizeRole(bad); !errors.Is(err, ErrValidation) {
			t.Fatalf("NormalizeRole(%q) expected validation error, got %v", bad, err)
		}
	}
}

func TestTurnsKeepsOrderAndPicksImage(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, Text: "hello"},
		{Role: RoleUser, Text: "look", Attachments: []Attachment{
			{Type: "application/pdf", URL: "/uploads/a.pdf"},
			{Type: "image/png", URL: "data:image/png;base64,AAAA"},
		}},
	}
	turns := Turns(msgs)
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Text != "hi" || turns[1].Role != RoleAssistant || turns[2].Text != "look" {
		t.Fatalf("unexpected turns: %#v", turns)
	}
	if turns[0].Image != "" || turns[2].Image != "data:image/png;base64,AAAA" {
		t.Fatalf("unexpected image mapping: %#v", turns)
	}
}
