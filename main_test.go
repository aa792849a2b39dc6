package main

import (
	"testing"
)

func TestMatchSimple(t *testing.T) {
	check := func(pattern, s string, expect bool) {
		t.Helper()
		if got := matchSimple(pattern, s); got != expect {
			t.Fatalf("match %q against %q: got %v, expected %v", s, pattern, got, expect)
		}
	}
	check("*", "misc.test", true)
	check("misc.*", "misc.test", true)
	check("misc.*", "comp.test", false)
	check("*.test", "misc.test", true)
	check("misc.????", "misc.test", true)
	check("misc.????", "misc.tests", false)
	check("misc.test", "misc.test", true)
	check("", "", true)
	check("", "x", false)
	check("*x*", "prefix-x-suffix", true)
}

func TestCommands(t *testing.T) {
	// The table is filled in init so the command functions can reference usage.
	if len(commands) == 0 {
		t.Fatalf("commands table empty")
	}
	for _, c := range commands {
		if len(c.words) == 0 || c.fn == nil || c.help == "" {
			t.Fatalf("incomplete command entry %v", c.words)
		}
	}
}
