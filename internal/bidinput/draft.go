package bidinput

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// draftPattern accepts what a user may have typed so far: digits with at
// most two fraction digits. "" and "12." are valid drafts.
var draftPattern = regexp.MustCompile(`^\d*(\.\d{0,2})?$`)

// ValidDraft reports whether raw is an acceptable draft amount
func ValidDraft(raw string) bool {
	return draftPattern.MatchString(raw)
}

// ParseDraft converts a draft into an amount. Drafts without digits do not
// parse.
func ParseDraft(raw string) (decimal.Decimal, bool) {
	if !ValidDraft(raw) || strings.Trim(raw, ".") == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.TrimSuffix(raw, "."))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
