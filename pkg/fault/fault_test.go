package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{BusinessRule(ReasonFileTooLarge, "file exceeds limit"), KindBusinessRule},
		{NotFound("bill b1"), KindNotFound},
		{Conflict("sequence moved"), KindConcurrencyConflict},
		{Cancelled("caller gave up"), KindCancelled},
		{Transient("append failed", errors.New("io timeout")), KindTransient},
		{Internal("fold panicked", nil), KindInternal},
		{errors.New("plain"), KindInternal},
		{fmt.Errorf("wrapped: %w", NotFound("bill b2")), KindNotFound},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestReasonOf(t *testing.T) {
	err := BusinessRule(ReasonStatusNotProcessed, "bill is still FileAttached")
	if ReasonOf(err) != ReasonStatusNotProcessed {
		t.Fatalf("ReasonOf = %q", ReasonOf(err))
	}
	wrapped := fmt.Errorf("submit: %w", err)
	if ReasonOf(wrapped) != ReasonStatusNotProcessed {
		t.Fatalf("ReasonOf through wrap = %q", ReasonOf(wrapped))
	}
	if ReasonOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no reason")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Transient("db down", nil)) {
		t.Error("transient failures are retryable")
	}
	if !Retryable(Conflict("contended")) {
		t.Error("conflicts are retryable")
	}
	if Retryable(BusinessRule(ReasonTitleRequired, "empty title")) {
		t.Error("business rejections are not retryable")
	}
	if Retryable(Internal("poisoned", nil)) {
		t.Error("internal errors are not retryable")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("ocr call failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause should be reachable via errors.Is")
	}
	if !IsKind(err, KindTransient) {
		t.Fatal("IsKind should match the carried kind")
	}
	if IsKind(err, KindNotFound) {
		t.Fatal("IsKind must not match other kinds")
	}
}
