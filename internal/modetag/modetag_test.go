package modetag

import "testing"

func TestRoundTrip(t *testing.T) {
	for _, tag := range All() {
		name := tag.String()
		got := Parse(name)
		if got != tag {
			t.Errorf("Parse(%q) = %v, want %v", name, got, tag)
		}
	}
}

func TestParseUnknown(t *testing.T) {
	for _, name := range []string{"", "bogus", "AUTO", "force-lte"} {
		if got := Parse(name); got != Invalid {
			t.Errorf("Parse(%q) = %v, want Invalid", name, got)
		}
	}
}

func TestStringUnknown(t *testing.T) {
	if got := Tag(99).String(); got != "invalid" {
		t.Errorf("String() on out-of-range tag = %q, want %q", got, "invalid")
	}
}
