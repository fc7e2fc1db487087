package domain

import (
	"errors"
	"testing"
)

func TestTicketHash(t *testing.T) {
	got := TicketHash("redmine", "A/42#x")
	want := "redmine_a_42_x"
	if got != want {
		t.Fatalf("TicketHash() = %q, want %q", got, want)
	}
}

func TestValidateResource(t *testing.T) {
	cases := []struct {
		name    string
		r       Resource
		wantErr error
	}{
		{"valid", Resource{Hash: "abc", SourceType: SourceWeb}, nil},
		{"missing hash", Resource{SourceType: SourceWeb}, ErrInvalidResource},
		{"bad source", Resource{Hash: "abc", SourceType: "carrier-pigeon"}, ErrUnsupportedSource},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateResource(c.r)
			if c.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Fatalf("got %v, want wrapping %v", err, c.wantErr)
			}
		})
	}
}

func TestContentHashDeterministicAndSensitiveToContent(t *testing.T) {
	a := ContentHash(SourceWeb, []byte("hello"))
	b := ContentHash(SourceWeb, []byte("hello"))
	if a != b {
		t.Fatalf("ContentHash not deterministic: %q != %q", a, b)
	}
	c := ContentHash(SourceWeb, []byte("goodbye"))
	if a == c {
		t.Fatalf("ContentHash did not change with content")
	}
	d := ContentHash(SourceLocal, []byte("hello"))
	if a == d {
		t.Fatalf("ContentHash did not change with source type")
	}
}

func TestValidatePrompt(t *testing.T) {
	if err := ValidatePrompt(""); !errors.Is(err, ErrPromptTooShort) {
		t.Fatalf("empty prompt: got %v, want ErrPromptTooShort", err)
	}
	if err := ValidatePrompt("what is X"); err != nil {
		t.Fatalf("valid prompt rejected: %v", err)
	}
	if err := ValidatePrompt("'; DROP TABLE users; --"); !errors.Is(err, ErrPromptInjection) {
		t.Fatalf("injection: got %v, want ErrPromptInjection", err)
	}
}
