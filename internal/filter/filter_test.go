package filter_test

import (
	"testing"

	"github.com/taildir/taildir/internal/filter"
)

func TestAll_AcceptsEverything(t *testing.T) {
	for _, s := range []string{"", "a.log", "ERROR x\n"} {
		if !filter.All(s) {
			t.Errorf("All(%q) = false, want true", s)
		}
	}
}

func TestGlob_MatchesBaseNames(t *testing.T) {
	f, err := filter.Glob("*.log", "app-?.txt")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}

	cases := map[string]bool{
		"a.log":      true,
		"a.tmp":      false,
		"app-1.txt":  true,
		"app-12.txt": false,
		"log":        false,
	}
	for name, want := range cases {
		if got := f(name); got != want {
			t.Errorf("Glob(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGlob_EmptySelectsAll(t *testing.T) {
	f, err := filter.Glob()
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if !f("anything.bin") {
		t.Error("empty Glob rejected a file")
	}
}

func TestGlob_InvalidPattern(t *testing.T) {
	if _, err := filter.Glob("[a-"); err == nil {
		t.Fatal("expected error for malformed pattern, got nil")
	}
}

func TestRegexp(t *testing.T) {
	f, err := filter.Regexp(`^ERROR\b`)
	if err != nil {
		t.Fatalf("Regexp: %v", err)
	}
	if !f("ERROR x\n") {
		t.Error("expected ERROR line to match")
	}
	if f("info\n") {
		t.Error("expected info line to be rejected")
	}
}

func TestRegexp_EmptySelectsAll(t *testing.T) {
	f, err := filter.Regexp("")
	if err != nil {
		t.Fatalf("Regexp: %v", err)
	}
	if !f("whatever\n") {
		t.Error("empty Regexp rejected a line")
	}
}

func TestRegexp_Invalid(t *testing.T) {
	if _, err := filter.Regexp("("); err == nil {
		t.Fatal("expected error for malformed regexp, got nil")
	}
}

func TestContains(t *testing.T) {
	f := filter.Contains("ERROR")
	if !f("boom ERROR here\n") || f("fine\n") {
		t.Error("Contains did not select by substring")
	}
}
