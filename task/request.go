package task

import (
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
)

var amountPattern = regexp.MustCompile(`\$\s*([0-9]+(?:,[0-9]{3})*(?:\.[0-9]+)?)`)

var thousandsSep = regexp.MustCompile(`,`)

// delayPattern requires an explicit day unit so bare figures ("$150")
// are never mistaken for a delay.
var delayPattern = regexp.MustCompile(`(?i)\b([0-9]+)\s*(?:business\s+)?days?\b`)

// parseDelayDays extracts a requested delay from free-form text
// ("can we settle in 14 days?").
func parseDelayDays(text string) (int, bool) {
	m := delayPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseAmount extracts a dollar amount from free-form request text
// ("can I pay the $1,500.00 invoice later?"). Structured fields on the
// send request always win over parsed text.
func parseAmount(text string) (decimal.Decimal, bool) {
	m := amountPattern.FindStringSubmatch(text)
	if m == nil {
		return decimal.Decimal{}, false
	}
	raw := thousandsSep.ReplaceAllString(m[1], "")
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}
