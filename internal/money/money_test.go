package money

import (
	"strings"
	"testing"
)

func TestFormatCarriesAmountAndCurrency(t *testing.T) {
	out, err := Format("12.50", "USD")
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if !strings.Contains(out, "12.50") {
		t.Fatalf("expected amount in output, got %q", out)
	}
	if !strings.Contains(out, "$") {
		t.Fatalf("expected currency symbol in output, got %q", out)
	}
}

func TestFormatRejectsUnknownCurrency(t *testing.T) {
	if _, err := Format("10.00", "ZZZ"); err == nil {
		t.Fatalf("expected error for unknown currency")
	}
}

func TestFormatRejectsMalformedAmount(t *testing.T) {
	if _, err := Format("ten", "USD"); err == nil {
		t.Fatalf("expected error for malformed amount")
	}
}

func TestFormatMinor(t *testing.T) {
	out, err := FormatMinor(1999, "EUR")
	if err != nil {
		t.Fatalf("FormatMinor failed: %v", err)
	}
	if !strings.Contains(out, "19.99") {
		t.Fatalf("expected 19.99 in output, got %q", out)
	}
}
