package relay

import (
	"strings"
	"testing"
)

func TestValidName(t *testing.T) {
	valid := []string{"alice", "Alice_42", "a", "x-y-z", strings.Repeat("a", 24)}
	for _, name := range valid {
		if !validName(name) {
			t.Errorf("validName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "has space", "héllo", strings.Repeat("a", 25), "semi;colon", "dot.name", "日本語"}
	for _, name := range invalid {
		if validName(name) {
			t.Errorf("validName(%q) = true, want false", name)
		}
	}
}

func TestIsCommand(t *testing.T) {
	commands := []string{"/help", "  /link  ", "/ban bob", "/channel-create dev lounge"}
	for _, c := range commands {
		if !isCommand(c) {
			t.Errorf("isCommand(%q) = false, want true", c)
		}
	}

	notCommands := []string{
		"hello",
		"/path/to/file.txt", // contains a dot
		"/uploads",          // the literal uploads path
		"/v1.2",
		"see /help for the command list",
	}
	for _, c := range notCommands {
		if isCommand(c) {
			t.Errorf("isCommand(%q) = true, want false", c)
		}
	}
}

func TestMessageWeight(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"single line", "hello", 6},
		{"two lines", "hi\nyo", 6},
		{"quoted line is free", "> quoted context\nreply", 6},
		{"all quoted", "> a\n> b", 0},
		{"empty line still costs one", "a\n\nb", 5},
		{"multibyte counts runes", "héllo", 6},
	}
	for _, tt := range tests {
		if got := messageWeight(tt.content); got != tt.want {
			t.Errorf("%s: messageWeight(%q) = %d, want %d", tt.name, tt.content, got, tt.want)
		}
	}
}

func TestMessageWeightBoundary(t *testing.T) {
	const limit = 2000

	// A message of exactly limit visible characters weighs limit+1 and
	// is still accepted: rejection is strictly above limit+1.
	atLimit := strings.Repeat("x", limit)
	if w := messageWeight(atLimit); w > limit+1 {
		t.Fatalf("weight %d for %d chars should not exceed threshold", w, limit)
	}

	// One more character crosses it.
	over := strings.Repeat("x", limit+1)
	if w := messageWeight(over); w <= limit+1 {
		t.Fatalf("weight %d for %d chars should exceed threshold", w, limit+1)
	}
}
