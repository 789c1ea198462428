package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := &Error{Kind: KindDeclined, Message: "insufficient funds"}
	wrapped := fmt.Errorf("create subscription: %w", base)
	if KindOf(wrapped) != KindDeclined {
		t.Fatalf("expected declined, got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty kind for non-provider error")
	}
}

func TestUserMessageHidesInternals(t *testing.T) {
	declined := &Error{Kind: KindDeclined, Message: "insufficient funds"}
	if got := UserMessage(declined); got != "insufficient funds" {
		t.Fatalf("expected decline message shown, got %q", got)
	}

	gateway := &Error{Kind: KindGateway, Message: "backend pool exhausted at 10.0.3.7"}
	got := UserMessage(gateway)
	if got == gateway.Message {
		t.Fatalf("expected gateway internals hidden")
	}
	if got == "" {
		t.Fatalf("expected a generic fallback message")
	}
}
