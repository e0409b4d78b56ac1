package google

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Quarterly Report: Q3 2026", "quarterly-report-q3-2026"},
		{"  RE: [urgent] follow up!!  ", "re-urgent-follow-up"},
		{"---", ""},
		{"", ""},
		{"Ünicode Näme", "ünicode-näme"},
	}
	for _, tc := range cases {
		if got := Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSlugifyTruncates(t *testing.T) {
	got := Slugify(strings.Repeat("word ", 40))
	if len(got) > maxSlugLen {
		t.Fatalf("len = %d, want <= %d", len(got), maxSlugLen)
	}
	if strings.HasSuffix(got, "-") {
		t.Fatalf("slug ends with dash: %q", got)
	}
}
