// Package money renders billing amounts for display. Amounts move through
// the system as decimal strings paired with an ISO 4217 currency code;
// arithmetic on them stays at the provider.
package money

import (
	"fmt"
	"strconv"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Format renders a decimal amount string with its currency symbol, e.g.
// ("12.50", "USD") -> "$ 12.50".
func Format(amount, currencyCode string) (string, error) {
	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		return "", fmt.Errorf("unknown currency %q: %w", currencyCode, err)
	}
	value, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return "", fmt.Errorf("malformed amount %q: %w", amount, err)
	}
	printer := message.NewPrinter(language.AmericanEnglish)
	return printer.Sprint(currency.Symbol(unit.Amount(value))), nil
}

// FormatMinor renders an amount given in the currency's minor units, as
// payment providers report charges.
func FormatMinor(minorUnits int64, currencyCode string) (string, error) {
	return Format(strconv.FormatFloat(float64(minorUnits)/100, 'f', 2, 64), currencyCode)
}
