package merrors

import (
	"errors"
	"testing"
)

func TestKindOfAndIs(t *testing.T) {
	err := NotFound("entity e1")
	if !Is(err, KindNotFound) {
		t.Fatal("expected Is(err, KindNotFound) to be true")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("expected plain errors to default to KindInternal")
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindQueueOverflow, KindTimeout, KindStoreUnavailable}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	notRetryable := []Kind{KindInputValidation, KindNotFound, KindConflict, KindProviderUnavailable, KindInvalidTransition, KindInternal}
	for _, k := range notRetryable {
		if k.Retryable() {
			t.Errorf("expected %s to not be retryable", k)
		}
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := StoreUnavailable(cause, "graph")
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be unwrappable")
	}
}

func TestWithDetails(t *testing.T) {
	err := QueueOverflow("p3", 1001, 1000)
	if err.Details == "" {
		t.Fatal("expected details to be set")
	}
}
