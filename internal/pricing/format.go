package pricing

import (
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Format renders amount with two decimals and the currency symbol, e.g. "$262.90".
func Format(amount float64, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		unit = currency.USD
	}
	p := message.NewPrinter(language.AmericanEnglish)
	return p.Sprintf("%v", currency.Symbol(unit.Amount(roundCents(amount))))
}

func roundCents(amount float64) float64 {
	return float64(MinorUnits(amount)) / 100
}
