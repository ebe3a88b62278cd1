package redact

import (
	"strings"
	"testing"
)

func TestTextDisabledPassesThrough(t *testing.T) {
	SetEnabled(false)
	in := "office hours: mail prof.tan@uni.edu or call +31 6 1234 5678"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestTextEnabledScrubsContactInfo(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	got := Text("office hours: mail prof.tan@uni.edu or call +31 6 1234 5678")
	if strings.Contains(got, "uni.edu") {
		t.Fatalf("email survived: %q", got)
	}
	if !strings.Contains(got, "[REDACTED_EMAIL]") || !strings.Contains(got, "[REDACTED_PHONE]") {
		t.Fatalf("expected placeholders, got %q", got)
	}
}

func TestTextEnabledLeavesPlainSpeech(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	in := "today we cover chapter 4 of the textbook"
	if got := Text(in); got != in {
		t.Fatalf("plain speech must pass through, got %q", got)
	}
}
