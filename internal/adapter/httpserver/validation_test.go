package httpserver

import (
	"strings"
	"testing"
)

func TestValidateJobID(t *testing.T) {
	cases := []struct {
		name  string
		id    string
		valid bool
		code  string
	}{
		{"empty", "", false, "REQUIRED"},
		{"too_long", strings.Repeat("a", 101), false, "TOO_LONG"},
		{"invalid_chars", "abc$%", false, "INVALID_FORMAT"},
		{"valid", "job-123_ABC", true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ValidateJobID(tc.id)
			if res.Valid != tc.valid {
				t.Fatalf("Valid=%v, want %v", res.Valid, tc.valid)
			}
			if !tc.valid && res.Errors[0].Code != tc.code {
				t.Fatalf("Code=%s, want %s", res.Errors[0].Code, tc.code)
			}
		})
	}
}

func TestValidateStatus(t *testing.T) {
	for _, st := range []string{"", "queued", "running", "cancelling", "waiting_human", "succeeded", "failed", "aborted"} {
		if res := ValidateStatus(st); !res.Valid {
			t.Fatalf("status %q should be valid", st)
		}
	}
	for _, st := range []string{"pending", "completed", "processing"} {
		if res := ValidateStatus(st); res.Valid {
			t.Fatalf("status %q should be invalid", st)
		}
	}
}

func TestValidatePagination(t *testing.T) {
	if res := ValidatePagination("1", "20"); !res.Valid {
		t.Fatalf("valid pagination rejected")
	}
	if res := ValidatePagination("0", ""); res.Valid {
		t.Fatalf("page 0 accepted")
	}
	if res := ValidatePagination("", "500"); res.Valid {
		t.Fatalf("limit 500 accepted")
	}
}

func TestSanitizeJobID(t *testing.T) {
	if got := SanitizeJobID("job-1$; DROP"); got != "job-1DROP" {
		t.Fatalf("got %q", got)
	}
	if got := SanitizeJobID(strings.Repeat("x", 150)); len(got) != 100 {
		t.Fatalf("len=%d", len(got))
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hi\x00there  "); got != "hithere" {
		t.Fatalf("got %q", got)
	}
}
