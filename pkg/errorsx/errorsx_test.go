package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	base := errors.New("recognizer gave up")
	err := Wrap(base, ReasonRecognizerFailed)
	if Reason(err) != ReasonRecognizerFailed {
		t.Fatalf("expected recognizer_failed, got %s", Reason(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to match base")
	}
}

func TestWrapKeepsFirstReason(t *testing.T) {
	err := Wrap(New(ReasonUploadTransient, "object not yet visible"), ReasonUploadCommit)
	if Reason(err) != ReasonUploadTransient {
		t.Fatalf("expected first reason preserved, got %s", Reason(err))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("commit: %w", New(ReasonUploadTransient, "not found"))
	if !HasReason(err, ReasonUploadTransient) {
		t.Fatalf("expected reason to survive %%w wrapping")
	}
}

func TestHasAnyReason(t *testing.T) {
	err := New(ReasonRecognizerSilence, "no speech detected")
	if !HasAnyReason(err, ReasonRecognizerCanceled, ReasonRecognizerSilence) {
		t.Fatalf("expected silence to match")
	}
	if HasAnyReason(err, ReasonRecognizerCanceled) {
		t.Fatalf("did not expect canceled to match")
	}
	if HasAnyReason(nil, ReasonRecognizerSilence) {
		t.Fatalf("nil error should match nothing")
	}
}
