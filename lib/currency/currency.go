// Package currency parses localized price strings scraped out of
// server-rendered storefront markup. The same account can surface
// totals as "$1,234.56", "CDN$ 2.57", "1.234,56 €" or "1 234,56"
// depending on locale, so the decimal separator has to be inferred
// rather than assumed.
package currency

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var ErrNotCurrency = errors.New("string does not contain a parsable amount")

// Parse extracts a single monetary amount from s. Negative amounts may
// be expressed with a leading minus or accounting parentheses.
func Parse(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrNotCurrency
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	var digits []rune
	var seps []int // indexes into digits of '.' and ',' occurrences
	var sepRunes []rune
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits = append(digits, r)
		case r == '.' || r == ',':
			// leading separator without digits is symbol noise
			if len(digits) == 0 {
				continue
			}
			seps = append(seps, len(digits))
			sepRunes = append(sepRunes, r)
		case r == '-':
			if len(digits) == 0 {
				negative = true
			}
		}
	}
	if len(digits) == 0 {
		return 0, ErrNotCurrency
	}

	whole := string(digits)
	fraction := ""
	if len(seps) > 0 {
		last := len(seps) - 1
		trailing := len(digits) - seps[last]
		// a separator followed by exactly one or two digits is the
		// decimal point; three digits is a thousands group, unless a
		// different separator rune appears earlier in the string
		// ("1.234,567" still means 1234.567).
		decimal := trailing > 0 && trailing <= 2
		if !decimal && len(seps) > 1 && sepRunes[last] != sepRunes[0] {
			decimal = true
		}
		if decimal {
			whole = string(digits[:seps[last]])
			fraction = string(digits[seps[last]:])
		}
	}

	rendered := whole
	if fraction != "" {
		rendered = fmt.Sprintf("%s.%s", whole, fraction)
	}
	value, err := strconv.ParseFloat(rendered, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotCurrency, s)
	}
	if negative {
		value = -value
	}
	return value, nil
}
